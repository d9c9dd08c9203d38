package wafer

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a handle does not resolve to a wafer.
var ErrNotFound = errors.New("wafer: handle not found")

// Handle is a stable index into the registry. Stage workers reference wafers
// only by handle; the registry owns every wafer for the lifetime of the run.
type Handle int

// Registry owns all wafers and mediates every mutation. Each wafer has its
// own lock, distinct from the power ledger's; callers must not invoke
// registry methods while holding any other lock.
type Registry struct {
	mu     sync.RWMutex // guards the slice, not the wafers
	wafers []*guarded
}

type guarded struct {
	mu sync.Mutex
	w  Wafer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add takes ownership of the wafer and returns its handle.
func (r *Registry) Add(w Wafer) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wafers = append(r.wafers, &guarded{w: w})
	return Handle(len(r.wafers) - 1)
}

// Len returns the number of wafers owned by the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.wafers)
}

// Handles returns every handle in insertion order.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := make([]Handle, len(r.wafers))
	for i := range hs {
		hs[i] = Handle(i)
	}
	return hs
}

func (r *Registry) entry(h Handle) (*guarded, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h < 0 || int(h) >= len(r.wafers) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, h)
	}
	return r.wafers[h], nil
}

// ID returns the wafer's stable identifier.
func (r *Registry) ID(h Handle) string {
	g, err := r.entry(h)
	if err != nil {
		panic(err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.w.ID
}

// Snapshot returns a deep copy of the wafer for reading. The copy shares no
// state with the registry's wafer.
func (r *Registry) Snapshot(h Handle) (Wafer, error) {
	g, err := r.entry(h)
	if err != nil {
		return Wafer{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := g.w
	cp.Stages = append([]StageRecord(nil), g.w.Stages...)
	return cp, nil
}

// Mutate runs fn against the record of the given stage under the wafer's
// lock. Only the worker currently occupying the wafer's stage may mutate it;
// asking for any other stage is a violation of the single-writer rule and
// panics. The accessor also rejects mutations that rewind elapsed time or
// clear a defect flag.
func (r *Registry) Mutate(h Handle, stage int, fn func(*StageRecord)) error {
	g, err := r.entry(h)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if stage != g.w.CurrentStage {
		panic(fmt.Sprintf("wafer %s: stage %d mutation while wafer occupies stage %d",
			g.w.ID, stage, g.w.CurrentStage))
	}

	rec := &g.w.Stages[stage]
	elapsedBefore := rec.ElapsedTime
	defectiveBefore := rec.Defective

	fn(rec)

	if rec.ElapsedTime < elapsedBefore {
		panic(fmt.Sprintf("wafer %s: elapsed time rewound from %d to %d",
			g.w.ID, elapsedBefore, rec.ElapsedTime))
	}
	if defectiveBefore && !rec.Defective {
		panic(fmt.Sprintf("wafer %s: defect flag cleared on stage %d", g.w.ID, stage))
	}
	return nil
}

// StageDone reports whether the wafer's current stage has finished.
// Returns false for completed wafers.
func (r *Registry) StageDone(h Handle) bool {
	g, err := r.entry(h)
	if err != nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.w.IsComplete() {
		return false
	}
	return g.w.Stages[g.w.CurrentStage].IsDone()
}

// AdvanceStage moves the wafer to its next stage and returns the new stage
// index (len(Stages) means finished). Advancing a completed wafer panics.
func (r *Registry) AdvanceStage(h Handle) int {
	g, err := r.entry(h)
	if err != nil {
		panic(err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.w.IsComplete() {
		panic(fmt.Sprintf("wafer %s: AdvanceStage past final stage", g.w.ID))
	}
	g.w.CurrentStage++
	return g.w.CurrentStage
}
