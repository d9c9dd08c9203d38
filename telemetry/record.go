// Package telemetry provides the structured per-tick event stream, CSV
// output, and run statistics.
package telemetry

// Action tags what a stage worker did on a tick.
type Action string

const (
	ActionRun       Action = "run"       // nominal processing minute
	ActionCalibrate Action = "calibrate" // warm-up minute at reduced power
	ActionStall     Action = "stall"     // power denied, no energy delivered
	ActionComplete  Action = "complete"  // wafer handed off this tick
	ActionIdle      Action = "idle"      // nothing to do
)

// Record is one worker-tick observation. Workers emit exactly one record per
// processed tick, except while cooling down. The reward column is reserved
// for downstream learning and always written as zero by the core.
type Record struct {
	Minute            int     `csv:"minute"`
	Module            string  `csv:"module"`
	WaferID           string  `csv:"wafer_id"`
	StageIndex        int     `csv:"stage_index"`
	Active            bool    `csv:"active"`
	Calibrating       bool    `csv:"calibrating"`
	CooldownRemaining int     `csv:"cooldown_remaining"`
	ElapsedTime       int     `csv:"elapsed_time"`
	RequiredTime      int     `csv:"required_time"`
	EnergyUsed        int     `csv:"energy_used"`
	BatteryLevel      int     `csv:"battery_level"`
	PowerBudget       int     `csv:"power_budget"`
	Interrupted       bool    `csv:"interrupted"`
	Defective         bool    `csv:"defective"`
	OrbitalPhase      string  `csv:"orbital_phase"`
	Action            Action  `csv:"action"`
	Reward            float64 `csv:"reward"`
}

// Sink consumes records. Writes are fire-and-forget: the core never reads
// the stream back and a sink must not fail a tick.
type Sink interface {
	Write(Record)
}

// Fanout duplicates every record to each of its sinks, skipping nils.
type Fanout []Sink

// Write sends the record to every sink.
func (f Fanout) Write(rec Record) {
	for _, s := range f {
		if s != nil {
			s.Write(rec)
		}
	}
}

// Discard is a Sink that drops everything.
var Discard = discard{}

type discard struct{}

func (discard) Write(Record) {}
