// Package stage implements the per-station state machine that advances
// wafers through one pipeline stage, one minute at a time.
//
// A Worker drains a FIFO of wafer handles against a single stage, drawing
// from the shared power ledger. Two configured variants exist: a plain one
// (deposition) and an extended one with calibration and cooldown sub-states
// (ion implantation). The extended variant treats power starvation as an
// automatic defect, since the beam cannot be allowed to simply stop.
package stage

import (
	"math/rand"
	"sync"

	"github.com/spaceforge/orbitalfab/config"
	"github.com/spaceforge/orbitalfab/orbit"
	"github.com/spaceforge/orbitalfab/power"
	"github.com/spaceforge/orbitalfab/telemetry"
	"github.com/spaceforge/orbitalfab/wafer"
)

// DefectSource abstracts the randomness behind Bernoulli defect rolls so the
// coordinator can inject a deterministic source in tests.
type DefectSource interface {
	// Roll returns true with the given probability.
	Roll(probability float64) bool
}

type randSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandDefectSource returns a seeded pseudo-random defect source.
func NewRandDefectSource(seed int64) DefectSource {
	return &randSource{rng: rand.New(rand.NewSource(seed))}
}

func (s *randSource) Roll(p float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < p
}

// State labels what a worker is doing.
type State int

const (
	Idle State = iota
	Active
	Calibrating
	CoolingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Calibrating:
		return "calibrating"
	case CoolingDown:
		return "cooling_down"
	}
	return "unknown"
}

// Config parameterizes one worker. Calibration and cooldown fields are zero
// for the plain variant.
type Config struct {
	Index             int    // position of this stage in the pipeline
	Name              string // stage name used in event records
	PowerDraw         int    // nominal W per processing minute
	DefectProbability float64
	CalibrationTicks  int  // warm-up minutes after dequeuing a wafer
	CalibrationPower  int  // reduced W during warm-up
	CooldownTicks     int  // idle minutes after a wafer completes
	StarveDefect      bool // power denial marks the stage defective

	// StallAdvancesElapsed keeps the original behavior of counting
	// power-denied minutes toward required time.
	StallAdvancesElapsed bool
}

// FromStageConfig builds a worker Config from the loaded stage definition.
func FromStageConfig(index int, sc config.StageConfig, stallAdvances bool) Config {
	return Config{
		Index:                index,
		Name:                 sc.Name,
		PowerDraw:            sc.PowerDraw,
		DefectProbability:    sc.DefectProbability,
		CalibrationTicks:     sc.CalibrationTicks,
		CalibrationPower:     sc.CalibrationPower,
		CooldownTicks:        sc.CooldownTicks,
		StarveDefect:         sc.StarveDefect,
		StallAdvancesElapsed: stallAdvances,
	}
}

// Worker owns one stage's queue and active slot. Step runs at most once per
// published tick; the coordinator is the only other caller (Enqueue,
// PopCompleted, Discard), so the internal lock sees no contention on the hot
// path. Worker never holds the ledger lock and a wafer lock at the same
// time: each is acquired and released inside its own call.
type Worker struct {
	cfg      Config
	registry *wafer.Registry
	ledger   *power.Ledger
	sink     telemetry.Sink
	defects  DefectSource

	mu                   sync.Mutex
	pending              []wafer.Handle
	active               wafer.Handle
	hasActive            bool
	calibrationRemaining int
	cooldownRemaining    int
	completed            []wafer.Handle
}

// NewWorker builds a worker for one stage.
func NewWorker(cfg Config, reg *wafer.Registry, ledger *power.Ledger, sink telemetry.Sink, defects DefectSource) *Worker {
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Worker{
		cfg:      cfg,
		registry: reg,
		ledger:   ledger,
		sink:     sink,
		defects:  defects,
	}
}

// Name returns the stage name.
func (w *Worker) Name() string { return w.cfg.Name }

// StageIndex returns the stage's position in the pipeline.
func (w *Worker) StageIndex() int { return w.cfg.Index }

// Enqueue appends a wafer handle to the pending queue.
func (w *Worker) Enqueue(h wafer.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, h)
}

// QueueLen returns the number of pending wafers.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// State reports the worker's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked()
}

func (w *Worker) stateLocked() State {
	switch {
	case w.cooldownRemaining > 0:
		return CoolingDown
	case w.hasActive && w.calibrationRemaining > 0:
		return Calibrating
	case w.hasActive:
		return Active
	}
	return Idle
}

// ActiveWafer returns the handle currently in the active slot.
func (w *Worker) ActiveWafer() (wafer.Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active, w.hasActive
}

// PopCompleted removes and returns one finished wafer handle, in completion
// order. ok is false when none are waiting.
func (w *Worker) PopCompleted() (h wafer.Handle, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.completed) == 0 {
		return 0, false
	}
	h = w.completed[0]
	w.completed = w.completed[1:]
	return h, true
}

// Discard releases the worker's hold on the wafer with the given id: it is
// removed from the pending queue and, if active, the slot is cleared and the
// calibration/cooldown counters reset, abandoning in-flight progress. The
// wafer itself stays in the registry. Returns true if the worker held it.
func (w *Worker) Discard(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	found := false
	if w.hasActive && w.registry.ID(w.active) == id {
		w.hasActive = false
		w.calibrationRemaining = 0
		w.cooldownRemaining = 0
		found = true
	}

	kept := w.pending[:0]
	for _, h := range w.pending {
		if w.registry.ID(h) == id {
			found = true
			continue
		}
		kept = append(kept, h)
	}
	w.pending = kept
	return found
}

// Step executes one state-machine tick. The coordinator guarantees the
// ledger was updated for this minute before any Step runs.
func (w *Worker) Step(minute int, phase orbit.Phase) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Finished wafer leaves the active slot; the extended variant starts
	// its cooldown. The emitted record describes the stage just completed.
	if w.hasActive && w.registry.StageDone(w.active) {
		h := w.active
		snap, err := w.registry.Snapshot(h)
		if err != nil {
			panic(err)
		}
		w.registry.AdvanceStage(h)
		w.hasActive = false
		w.calibrationRemaining = 0
		if w.cfg.CooldownTicks > 0 {
			w.cooldownRemaining = w.cfg.CooldownTicks
		}
		w.completed = append(w.completed, h)
		w.emit(minute, phase, &snap, telemetry.ActionComplete)
		return
	}

	// Cooldown blocks all work and emits nothing: no progress is possible.
	if w.cooldownRemaining > 0 {
		w.cooldownRemaining--
		return
	}

	// Pull the next wafer; the extended variant recalibrates per wafer.
	if !w.hasActive && len(w.pending) > 0 {
		w.active = w.pending[0]
		w.pending = w.pending[1:]
		w.hasActive = true
		if w.cfg.CalibrationTicks > 0 {
			w.calibrationRemaining = w.cfg.CalibrationTicks
		}
	}

	if !w.hasActive {
		w.emit(minute, phase, nil, telemetry.ActionIdle)
		return
	}

	if w.calibrationRemaining > 0 {
		w.stepCalibration(minute, phase)
		return
	}

	w.stepProcessing(minute, phase)
}

// stepCalibration runs one warm-up minute at reduced power. A denied draw
// stalls calibration without mutating the wafer; no defect roll happens
// either way.
func (w *Worker) stepCalibration(minute int, phase orbit.Phase) {
	if w.ledger.TryConsume(w.cfg.CalibrationPower) {
		err := w.registry.Mutate(w.active, w.cfg.Index, func(rec *wafer.StageRecord) {
			rec.EnergyUsed += w.cfg.CalibrationPower
			rec.ElapsedTime++
		})
		if err != nil {
			panic(err)
		}
		w.calibrationRemaining--
		w.emitActive(minute, phase, telemetry.ActionCalibrate)
		return
	}

	w.emitActive(minute, phase, telemetry.ActionStall)
}

// stepProcessing runs one nominal minute: draw power, account energy and
// time, roll for a defect. On power denial the minute is recorded as
// interrupted; stalled time still counts toward required time when the
// policy flag says so, and the extended variant marks the stage defective.
func (w *Worker) stepProcessing(minute int, phase orbit.Phase) {
	if w.ledger.TryConsume(w.cfg.PowerDraw) {
		defect := w.defects.Roll(w.cfg.DefectProbability)
		err := w.registry.Mutate(w.active, w.cfg.Index, func(rec *wafer.StageRecord) {
			rec.EnergyUsed += w.cfg.PowerDraw
			rec.ElapsedTime++
			if defect {
				rec.Defective = true
			}
		})
		if err != nil {
			panic(err)
		}
		w.emitActive(minute, phase, telemetry.ActionRun)
		return
	}

	err := w.registry.Mutate(w.active, w.cfg.Index, func(rec *wafer.StageRecord) {
		rec.WasInterrupted = true
		if w.cfg.StallAdvancesElapsed {
			rec.ElapsedTime++
		}
		if w.cfg.StarveDefect {
			rec.Defective = true
		}
	})
	if err != nil {
		panic(err)
	}
	w.emitActive(minute, phase, telemetry.ActionStall)
}

// emitActive snapshots the active wafer and emits a record for this tick.
func (w *Worker) emitActive(minute int, phase orbit.Phase, action telemetry.Action) {
	snap, err := w.registry.Snapshot(w.active)
	if err != nil {
		panic(err)
	}
	w.emit(minute, phase, &snap, action)
}

func (w *Worker) emit(minute int, phase orbit.Phase, snap *wafer.Wafer, action telemetry.Action) {
	rec := telemetry.Record{
		Minute:            minute,
		Module:            w.cfg.Name,
		StageIndex:        w.cfg.Index,
		Active:            w.hasActive,
		Calibrating:       w.hasActive && w.calibrationRemaining > 0,
		CooldownRemaining: w.cooldownRemaining,
		BatteryLevel:      w.ledger.BatteryLevel(),
		PowerBudget:       w.ledger.Budget(),
		OrbitalPhase:      string(phase),
		Action:            action,
	}
	if snap != nil {
		sr := snap.Stages[w.cfg.Index]
		rec.WaferID = snap.ID
		rec.ElapsedTime = sr.ElapsedTime
		rec.RequiredTime = sr.RequiredTime
		rec.EnergyUsed = sr.EnergyUsed
		rec.Interrupted = sr.WasInterrupted
		rec.Defective = sr.Defective
	}
	w.sink.Write(rec)
}
