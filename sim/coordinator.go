// Package sim drives the fabrication run: one coordinator goroutine owns
// the clock and the power ledger, one goroutine per stage worker advances
// wafers, and a broadcast hands the tick from the former to the latter.
package sim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spaceforge/orbitalfab/config"
	"github.com/spaceforge/orbitalfab/orbit"
	"github.com/spaceforge/orbitalfab/power"
	"github.com/spaceforge/orbitalfab/stage"
	"github.com/spaceforge/orbitalfab/telemetry"
	"github.com/spaceforge/orbitalfab/wafer"
)

// broadcast publishes tick generations to the stage workers. Each publish
// bumps the generation and closes the current wake channel; waiters re-read
// the generation after every wake, so a wake that carries no new generation
// is harmless.
type broadcast struct {
	mu      sync.Mutex
	gen     uint64
	minute  int
	phase   orbit.Phase
	wake    chan struct{}
	stopped bool
}

func newBroadcast() *broadcast {
	return &broadcast{wake: make(chan struct{})}
}

// publish makes a new generation visible and wakes all waiters.
func (b *broadcast) publish(minute int, phase orbit.Phase) {
	b.mu.Lock()
	b.gen++
	b.minute = minute
	b.phase = phase
	ch := b.wake
	b.wake = make(chan struct{})
	b.mu.Unlock()
	close(ch)
}

// shutdown stops the broadcast. The wake is part of the shutdown so that no
// waiter stays blocked on a channel nobody will close.
func (b *broadcast) shutdown() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	ch := b.wake
	b.wake = make(chan struct{})
	b.mu.Unlock()
	close(ch)
}

// snapshot returns the current generation, its tick payload, the channel
// that closes on the next publish or shutdown, and the stop flag.
func (b *broadcast) snapshot() (gen uint64, minute int, phase orbit.Phase, wake <-chan struct{}, stopped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen, b.minute, b.phase, b.wake, b.stopped
}

// Coordinator sequences the run. Tick ordering is: orbital phase, ledger
// update, generation publish, wait for every worker's acknowledgement, route
// completed wafers. Power draws therefore always see a freshly updated
// budget, and routing only touches workers that are parked between ticks.
type Coordinator struct {
	cfg       *config.Config
	model     orbit.Model
	ledger    *power.Ledger
	registry  *wafer.Registry
	workers   []*stage.Worker
	collector *telemetry.Collector
	log       *slog.Logger

	ticks *broadcast
	acks  sync.WaitGroup

	mu        sync.Mutex
	completed []wafer.Handle
	processed int
}

// New assembles a coordinator over pre-built workers, ordered by stage.
// collector may be nil when run statistics are not wanted.
func New(cfg *config.Config, reg *wafer.Registry, ledger *power.Ledger, workers []*stage.Worker, collector *telemetry.Collector, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		model:     orbit.New(cfg.Orbit.Period, cfg.Orbit.IlluminatedFraction),
		ledger:    ledger,
		registry:  reg,
		workers:   workers,
		collector: collector,
		log:       logger,
		ticks:     newBroadcast(),
	}
}

// Run executes the configured number of ticks, or fewer if ctx is cancelled.
// It returns once every worker goroutine has exited; in-flight wafers are
// abandoned as-is on cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	// All wafers enter the pipeline at the first stage.
	for _, h := range c.registry.Handles() {
		c.workers[0].Enqueue(h)
	}

	var g errgroup.Group
	for _, w := range c.workers {
		w := w // per-iteration copy; required under the go1.21 directive
		g.Go(func() error {
			c.runWorker(w)
			return nil
		})
	}

	delay := time.Duration(c.cfg.Sim.TickDelayMs) * time.Millisecond
	duration := c.cfg.Sim.Duration

	for minute := 0; minute < duration; minute++ {
		if ctx.Err() != nil {
			c.log.Warn("run cancelled", "minute", minute)
			break
		}

		phase := c.model.PhaseAt(minute)
		c.ledger.Update(phase)

		c.acks.Add(len(c.workers))
		c.ticks.publish(minute, phase)
		c.acks.Wait()

		c.route()
		c.mu.Lock()
		c.processed++
		c.mu.Unlock()

		if minute%c.cfg.Orbit.Period == 0 {
			c.log.Debug("orbit boundary",
				"minute", minute,
				"phase", phase,
				"battery", c.ledger.BatteryLevel(),
				"budget", c.ledger.Budget(),
				"completed", len(c.Completed()))
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}

	c.ticks.shutdown()
	return g.Wait()
}

// runWorker steps one stage worker once per published generation. The local
// watermark makes reprocessing impossible no matter how often the goroutine
// is woken.
func (c *Coordinator) runWorker(w *stage.Worker) {
	var seen uint64
	for {
		gen, minute, phase, wake, stopped := c.ticks.snapshot()
		if gen > seen {
			seen = gen
			w.Step(minute, phase)
			c.acks.Done()
			continue
		}
		if stopped {
			return
		}
		<-wake
	}
}

// route drains every worker's completed buffer and either enqueues the wafer
// at its next stage or retires it from the pipeline.
func (c *Coordinator) route() {
	for _, w := range c.workers {
		for {
			h, ok := w.PopCompleted()
			if !ok {
				break
			}
			snap, err := c.registry.Snapshot(h)
			if err != nil {
				c.log.Error("routing unknown wafer handle", "handle", int(h), "err", err)
				continue
			}
			if snap.IsComplete() {
				c.mu.Lock()
				c.completed = append(c.completed, h)
				c.mu.Unlock()
				c.log.Info("wafer finished pipeline",
					"wafer", snap.ID,
					"defective", snap.Defective(),
					"energy", snap.TotalEnergy())
				continue
			}
			c.workers[snap.CurrentStage].Enqueue(h)
		}
	}
}

// Discard removes the wafer with the given id from whichever worker holds
// it. The wafer and its partial progress stay in the registry. Returns true
// if any worker held it.
func (c *Coordinator) Discard(id string) bool {
	found := false
	for _, w := range c.workers {
		if w.Discard(id) {
			found = true
		}
	}
	return found
}

// Completed returns the handles of wafers that have cleared every stage, in
// completion order.
func (c *Coordinator) Completed() []wafer.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wafer.Handle, len(c.completed))
	copy(out, c.completed)
	return out
}

// ProcessedTicks reports how many ticks the run executed.
func (c *Coordinator) ProcessedTicks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

// Summary folds the collector's tallies into the end-of-run statistics.
// Zero value when no collector was attached.
func (c *Coordinator) Summary() telemetry.RunSummary {
	if c.collector == nil {
		return telemetry.RunSummary{}
	}
	return c.collector.Summary(c.ProcessedTicks())
}
