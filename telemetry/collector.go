package telemetry

import (
	"strings"
	"sync"
)

// Collector accumulates run statistics from the event stream. It is owned by
// the coordinator and fed only through Write; workers never touch its
// counters directly. Implements Sink.
type Collector struct {
	mu sync.Mutex

	processedTicks   int // nominal minutes across all stages
	calibrationTicks int
	stalls           int // power-denied minutes
	completedWafers  int // hand-offs out of the final stage count once each

	defectsByStage map[string]int
	energyByWafer  map[string]int
	stallsByWafer  map[string]int

	// defectSeen dedups the sticky flag: a defective stage appears in many
	// records but counts as one defect.
	defectSeen map[string]struct{}

	finalStage string
}

// NewCollector creates a collector. finalStage names the last pipeline stage;
// a completion record from it counts toward throughput.
func NewCollector(finalStage string) *Collector {
	return &Collector{
		defectsByStage: make(map[string]int),
		energyByWafer:  make(map[string]int),
		stallsByWafer:  make(map[string]int),
		defectSeen:     make(map[string]struct{}),
		finalStage:     finalStage,
	}
}

// Write tallies one event record.
func (c *Collector) Write(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch rec.Action {
	case ActionRun:
		c.processedTicks++
	case ActionCalibrate:
		c.calibrationTicks++
	case ActionStall:
		c.stalls++
		c.stallsByWafer[rec.WaferID]++
	case ActionComplete:
		if rec.Module == c.finalStage {
			c.completedWafers++
		}
	}

	if rec.WaferID != "" {
		// EnergyUsed is cumulative for the stage; keep the max seen per
		// wafer-stage and sum stages at summary time.
		key := rec.WaferID + "/" + rec.Module
		if rec.EnergyUsed > c.energyByWafer[key] {
			c.energyByWafer[key] = rec.EnergyUsed
		}

		if rec.Defective {
			if _, seen := c.defectSeen[key]; !seen {
				c.defectSeen[key] = struct{}{}
				c.defectsByStage[rec.Module]++
			}
		}
	}
}

// CompletedWafers returns the throughput so far.
func (c *Collector) CompletedWafers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completedWafers
}

// Defects returns the total defective wafer-stages observed so far.
func (c *Collector) Defects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.defectsByStage {
		n += v
	}
	return n
}

// Summary folds the tallies into a RunSummary.
func (c *Collector) Summary(totalTicks int) RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Fold per-wafer-stage maxima into per-wafer totals.
	perWafer := make(map[string]int)
	for key, energy := range c.energyByWafer {
		id, _, _ := strings.Cut(key, "/")
		perWafer[id] += energy
	}
	energies := make([]float64, 0, len(perWafer))
	for _, e := range perWafer {
		energies = append(energies, float64(e))
	}

	stalls := make([]float64, 0, len(c.stallsByWafer))
	for _, s := range c.stallsByWafer {
		stalls = append(stalls, float64(s))
	}

	defects := 0
	for _, v := range c.defectsByStage {
		defects += v
	}

	return buildSummary(summaryInputs{
		totalTicks:       totalTicks,
		processedTicks:   c.processedTicks,
		calibrationTicks: c.calibrationTicks,
		stalls:           c.stalls,
		completedWafers:  c.completedWafers,
		defects:          defects,
		waferEnergies:    energies,
		waferStalls:      stalls,
	})
}
