package stage

import (
	"testing"

	"github.com/spaceforge/orbitalfab/config"
	"github.com/spaceforge/orbitalfab/orbit"
	"github.com/spaceforge/orbitalfab/power"
	"github.com/spaceforge/orbitalfab/telemetry"
	"github.com/spaceforge/orbitalfab/wafer"
)

type captureSink struct {
	recs []telemetry.Record
}

func (s *captureSink) Write(r telemetry.Record) { s.recs = append(s.recs, r) }

func (s *captureSink) last(t *testing.T) telemetry.Record {
	t.Helper()
	if len(s.recs) == 0 {
		t.Fatal("no records emitted")
	}
	return s.recs[len(s.recs)-1]
}

// scriptedDefects plays back a fixed sequence of roll outcomes and counts
// how often it was consulted.
type scriptedDefects struct {
	rolls []bool
	calls int
}

func (s *scriptedDefects) Roll(float64) bool {
	s.calls++
	if len(s.rolls) == 0 {
		return false
	}
	v := s.rolls[0]
	s.rolls = s.rolls[1:]
	return v
}

func ampleLedger() *power.Ledger {
	return power.New(config.PowerConfig{
		BatteryCapacity: 1 << 20,
		SunlightRate:    300,
		EclipseRate:     0,
		MaxDrawPerTick:  300,
	})
}

// starvedLedger produces a ledger whose budget is zero on every tick.
func starvedLedger() *power.Ledger {
	return power.New(config.PowerConfig{
		BatteryCapacity: 0,
		SunlightRate:    0,
		EclipseRate:     0,
		MaxDrawPerTick:  300,
	})
}

func plainStage() config.StageConfig {
	return config.StageConfig{Name: "deposition", RequiredTime: 5, DefectProbability: 0, PowerDraw: 300}
}

func extendedStage() config.StageConfig {
	return config.StageConfig{
		Name: "ion_implantation", RequiredTime: 4, DefectProbability: 0, PowerDraw: 200,
		CalibrationTicks: 3, CalibrationPower: 100, CooldownTicks: 2, StarveDefect: true,
	}
}

func newTestWorker(t *testing.T, sc config.StageConfig, ledger *power.Ledger, defects DefectSource) (*Worker, *wafer.Registry, wafer.Handle, *captureSink) {
	t.Helper()
	reg := wafer.NewRegistry()
	h := reg.Add(wafer.New("W-001", []config.StageConfig{sc}))
	sink := &captureSink{}
	if defects == nil {
		defects = &scriptedDefects{}
	}
	w := NewWorker(FromStageConfig(0, sc, true), reg, ledger, sink, defects)
	return w, reg, h, sink
}

// run advances the ledger for the phase and then steps the worker, the same
// ordering the coordinator guarantees.
func run(w *Worker, ledger *power.Ledger, minute int, phase orbit.Phase) {
	ledger.Update(phase)
	w.Step(minute, phase)
}

func TestPlainStageCompletion(t *testing.T) {
	ledger := ampleLedger()
	w, reg, h, sink := newTestWorker(t, plainStage(), ledger, nil)
	w.Enqueue(h)

	for minute := 0; minute < 5; minute++ {
		run(w, ledger, minute, orbit.Sunlight)
		if got := sink.last(t).Action; got != telemetry.ActionRun {
			t.Fatalf("minute %d: action = %q, want %q", minute, got, telemetry.ActionRun)
		}
	}

	snap, err := reg.Snapshot(h)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Stages[0].ElapsedTime != 5 || snap.Stages[0].EnergyUsed != 1500 {
		t.Fatalf("elapsed = %d, energy = %d, want 5 and 1500",
			snap.Stages[0].ElapsedTime, snap.Stages[0].EnergyUsed)
	}
	if _, ok := w.PopCompleted(); ok {
		t.Fatal("wafer handed off before the follow-up tick")
	}

	// Hand-off happens on the tick after the last processing minute.
	run(w, ledger, 5, orbit.Sunlight)
	if got := sink.last(t).Action; got != telemetry.ActionComplete {
		t.Fatalf("action = %q, want %q", got, telemetry.ActionComplete)
	}
	done, ok := w.PopCompleted()
	if !ok || done != h {
		t.Fatalf("PopCompleted = (%v, %v), want (%v, true)", done, ok, h)
	}
	snap, _ = reg.Snapshot(h)
	if !snap.IsComplete() {
		t.Fatal("wafer did not advance past its final stage")
	}
	if w.State() != Idle {
		t.Fatalf("state = %v, want Idle", w.State())
	}
}

func TestCalibrationPrecedesProcessing(t *testing.T) {
	ledger := ampleLedger()
	defects := &scriptedDefects{}
	w, reg, h, sink := newTestWorker(t, extendedStage(), ledger, defects)
	w.Enqueue(h)

	for minute := 0; minute < 3; minute++ {
		run(w, ledger, minute, orbit.Sunlight)
		rec := sink.last(t)
		if rec.Action != telemetry.ActionCalibrate {
			t.Fatalf("minute %d: action = %q, want %q", minute, rec.Action, telemetry.ActionCalibrate)
		}
		if !rec.Calibrating && minute < 2 {
			t.Fatalf("minute %d: record not flagged calibrating", minute)
		}
	}
	if defects.calls != 0 {
		t.Fatalf("defect source consulted %d times during calibration, want 0", defects.calls)
	}

	snap, _ := reg.Snapshot(h)
	if snap.Stages[0].EnergyUsed != 300 || snap.Stages[0].ElapsedTime != 3 {
		t.Fatalf("after calibration: energy = %d, elapsed = %d, want 300 and 3",
			snap.Stages[0].EnergyUsed, snap.Stages[0].ElapsedTime)
	}

	run(w, ledger, 3, orbit.Sunlight)
	if got := sink.last(t).Action; got != telemetry.ActionRun {
		t.Fatalf("post-calibration action = %q, want %q", got, telemetry.ActionRun)
	}
	if defects.calls != 1 {
		t.Fatalf("defect source consulted %d times, want 1", defects.calls)
	}
}

func TestCalibrationStallDoesNotMutate(t *testing.T) {
	ledger := starvedLedger()
	w, reg, h, sink := newTestWorker(t, extendedStage(), ledger, nil)
	w.Enqueue(h)

	for minute := 0; minute < 4; minute++ {
		run(w, ledger, minute, orbit.Eclipse)
		if got := sink.last(t).Action; got != telemetry.ActionStall {
			t.Fatalf("minute %d: action = %q, want %q", minute, got, telemetry.ActionStall)
		}
	}

	if w.State() != Calibrating {
		t.Fatalf("state = %v, want Calibrating", w.State())
	}
	snap, _ := reg.Snapshot(h)
	sr := snap.Stages[0]
	if sr.ElapsedTime != 0 || sr.EnergyUsed != 0 || sr.WasInterrupted || sr.Defective {
		t.Fatalf("stalled calibration mutated the wafer: %+v", sr)
	}
}

func TestStallPolicy(t *testing.T) {
	tests := []struct {
		name        string
		advances    bool
		wantElapsed int
	}{
		{"stall counts toward required time", true, 3},
		{"stall freezes elapsed time", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := starvedLedger()
			reg := wafer.NewRegistry()
			sc := plainStage()
			h := reg.Add(wafer.New("W-001", []config.StageConfig{sc}))
			w := NewWorker(FromStageConfig(0, sc, tt.advances), reg, ledger, nil, &scriptedDefects{})
			w.Enqueue(h)

			for minute := 0; minute < 3; minute++ {
				run(w, ledger, minute, orbit.Eclipse)
			}

			snap, _ := reg.Snapshot(h)
			sr := snap.Stages[0]
			if sr.ElapsedTime != tt.wantElapsed {
				t.Fatalf("elapsed = %d, want %d", sr.ElapsedTime, tt.wantElapsed)
			}
			if !sr.WasInterrupted {
				t.Fatal("stalled wafer not marked interrupted")
			}
			if sr.EnergyUsed != 0 {
				t.Fatalf("energy = %d, want 0", sr.EnergyUsed)
			}
			if sr.Defective {
				t.Fatal("plain stage marked defective on starvation")
			}
		})
	}
}

func TestStarveDefect(t *testing.T) {
	ledger := starvedLedger()
	sc := extendedStage()
	sc.CalibrationTicks = 0
	w, reg, h, sink := newTestWorker(t, sc, ledger, nil)
	w.Enqueue(h)

	run(w, ledger, 0, orbit.Eclipse)

	if got := sink.last(t).Action; got != telemetry.ActionStall {
		t.Fatalf("action = %q, want %q", got, telemetry.ActionStall)
	}
	snap, _ := reg.Snapshot(h)
	if !snap.Stages[0].Defective || !snap.Stages[0].WasInterrupted {
		t.Fatalf("starved extended stage: %+v, want defective and interrupted", snap.Stages[0])
	}
}

func TestDefectIsSticky(t *testing.T) {
	ledger := ampleLedger()
	w, reg, h, _ := newTestWorker(t, plainStage(), ledger, &scriptedDefects{rolls: []bool{true}})
	w.Enqueue(h)

	for minute := 0; minute < 5; minute++ {
		run(w, ledger, minute, orbit.Sunlight)
	}

	snap, _ := reg.Snapshot(h)
	if !snap.Stages[0].Defective {
		t.Fatal("defect from first roll did not persist")
	}
}

func TestCooldownBlocksWork(t *testing.T) {
	ledger := ampleLedger()
	sc := extendedStage()
	sc.CalibrationTicks = 0
	reg := wafer.NewRegistry()
	stages := []config.StageConfig{sc}
	first := reg.Add(wafer.New("W-001", stages))
	second := reg.Add(wafer.New("W-002", stages))
	sink := &captureSink{}
	w := NewWorker(FromStageConfig(0, sc, true), reg, ledger, sink, &scriptedDefects{})
	w.Enqueue(first)
	w.Enqueue(second)

	minute := 0
	for ; minute < 4; minute++ {
		run(w, ledger, minute, orbit.Sunlight)
	}
	run(w, ledger, minute, orbit.Sunlight)
	minute++
	if got := sink.last(t).Action; got != telemetry.ActionComplete {
		t.Fatalf("action = %q, want %q", got, telemetry.ActionComplete)
	}
	if w.State() != CoolingDown {
		t.Fatalf("state = %v, want CoolingDown", w.State())
	}

	// Cooldown ticks emit nothing and leave the queue untouched.
	emitted := len(sink.recs)
	for i := 0; i < 2; i++ {
		run(w, ledger, minute, orbit.Sunlight)
		minute++
	}
	if len(sink.recs) != emitted {
		t.Fatalf("%d records emitted during cooldown, want 0", len(sink.recs)-emitted)
	}
	if w.QueueLen() != 1 {
		t.Fatalf("queue length = %d during cooldown, want 1", w.QueueLen())
	}

	run(w, ledger, minute, orbit.Sunlight)
	rec := sink.last(t)
	if rec.Action != telemetry.ActionRun || rec.WaferID != "W-002" {
		t.Fatalf("post-cooldown record = %q for %q, want run for W-002", rec.Action, rec.WaferID)
	}
}

func TestDiscard(t *testing.T) {
	ledger := ampleLedger()
	sc := extendedStage()
	reg := wafer.NewRegistry()
	stages := []config.StageConfig{sc}
	first := reg.Add(wafer.New("W-001", stages))
	second := reg.Add(wafer.New("W-002", stages))
	sink := &captureSink{}
	w := NewWorker(FromStageConfig(0, sc, true), reg, ledger, sink, &scriptedDefects{})
	w.Enqueue(first)
	w.Enqueue(second)

	// Dequeue W-001 and start calibrating.
	run(w, ledger, 0, orbit.Sunlight)
	if w.State() != Calibrating {
		t.Fatalf("state = %v, want Calibrating", w.State())
	}

	if !w.Discard("W-001") {
		t.Fatal("Discard(W-001) = false, want true")
	}
	if !w.Discard("W-002") {
		t.Fatal("Discard(W-002) = false, want true")
	}
	if w.Discard("W-003") {
		t.Fatal("Discard(W-003) = true for unknown wafer")
	}
	if w.State() != Idle || w.QueueLen() != 0 {
		t.Fatalf("state = %v, queue = %d after discard, want Idle and 0", w.State(), w.QueueLen())
	}

	// Registry keeps the wafer and its partial progress.
	snap, err := reg.Snapshot(first)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Stages[0].ElapsedTime != 1 {
		t.Fatalf("discarded wafer elapsed = %d, want 1", snap.Stages[0].ElapsedTime)
	}

	// An emptied worker idles.
	run(w, ledger, 1, orbit.Sunlight)
	if got := sink.last(t).Action; got != telemetry.ActionIdle {
		t.Fatalf("action = %q, want %q", got, telemetry.ActionIdle)
	}
}

func TestIdleEmitsRecord(t *testing.T) {
	ledger := ampleLedger()
	w, _, _, sink := newTestWorker(t, plainStage(), ledger, nil)

	run(w, ledger, 7, orbit.Sunlight)

	rec := sink.last(t)
	if rec.Action != telemetry.ActionIdle || rec.WaferID != "" || rec.Active {
		t.Fatalf("idle record = %+v", rec)
	}
	if rec.Minute != 7 || rec.Module != "deposition" {
		t.Fatalf("idle record identity = minute %d module %q", rec.Minute, rec.Module)
	}
}
