// Package wafer holds the wafer (job) data model and the registry that owns
// all wafers for a run.
package wafer

import (
	"fmt"

	"github.com/spaceforge/orbitalfab/config"
)

// StageRecord is the per-stage bookkeeping for one wafer.
type StageRecord struct {
	Name              string
	RequiredTime      int  // minutes needed for this stage
	ElapsedTime       int  // minutes counted so far; only ever increases
	EnergyUsed        int  // cumulative watt-minutes
	WasInterrupted    bool // set when power was denied on a tick the stage tried to run
	DefectProbability float64
	Defective         bool // sticky: once true, never cleared
}

// IsDone reports whether the stage has accumulated its required time.
func (r *StageRecord) IsDone() bool {
	return r.ElapsedTime >= r.RequiredTime
}

// TimeRemaining returns the minutes still needed, never negative.
func (r *StageRecord) TimeRemaining() int {
	return max(0, r.RequiredTime-r.ElapsedTime)
}

// Wafer is the full life-cycle record for a single job. A wafer passes
// through its stages strictly in order; CurrentStage == len(Stages) means
// the wafer is finished.
type Wafer struct {
	ID           string
	Stages       []StageRecord
	CurrentStage int
}

// New builds a wafer with one zeroed record per configured stage.
func New(id string, stages []config.StageConfig) Wafer {
	records := make([]StageRecord, len(stages))
	for i, s := range stages {
		records[i] = StageRecord{
			Name:              s.Name,
			RequiredTime:      s.RequiredTime,
			DefectProbability: s.DefectProbability,
		}
	}
	return Wafer{ID: id, Stages: records}
}

// IsComplete reports whether every stage has been passed.
func (w *Wafer) IsComplete() bool {
	return w.CurrentStage >= len(w.Stages)
}

// CurrentRecord returns the record for the stage the wafer currently occupies.
// Panics if the wafer is already complete.
func (w *Wafer) CurrentRecord() *StageRecord {
	if w.IsComplete() {
		panic(fmt.Sprintf("wafer %s: CurrentRecord on completed wafer", w.ID))
	}
	return &w.Stages[w.CurrentStage]
}

// StageFailed reports whether the wafer's current stage is defective.
func (w *Wafer) StageFailed() bool {
	if w.IsComplete() {
		return false
	}
	return w.Stages[w.CurrentStage].Defective
}

// TotalEnergy returns the watt-minutes consumed across all stages.
func (w *Wafer) TotalEnergy() int {
	sum := 0
	for i := range w.Stages {
		sum += w.Stages[i].EnergyUsed
	}
	return sum
}

// Defective reports whether any stage of the wafer is defective.
func (w *Wafer) Defective() bool {
	for i := range w.Stages {
		if w.Stages[i].Defective {
			return true
		}
	}
	return false
}
