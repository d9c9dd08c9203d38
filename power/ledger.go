// Package power tracks stored energy and grants a per-tick power budget.
//
// The ledger models a satellite bus with two sources: solar panels (primary,
// free while illuminated) and a battery (secondary, discharge-rate capped).
// Usage pattern per simulated minute:
//
//	ledger.Update(phase)        // refresh this minute's budget
//	if ledger.TryConsume(watts) // check-and-debit under one lock
//
// Solar generation is spent before battery: each draw claims what it can from
// the minute's remaining solar output and only the excess is debited from
// storage.
package power

import (
	"sync"

	"github.com/spaceforge/orbitalfab/config"
	"github.com/spaceforge/orbitalfab/orbit"
)

// Ledger is the shared power arbiter. All methods are safe for concurrent use;
// the mutex is scoped to the check-and-debit and is never held while any other
// lock is taken.
type Ledger struct {
	mu sync.Mutex

	capacity       int // mWh
	stored         int // current state of charge, 0..capacity
	sunlightRate   int // W generated per minute in sunlight
	eclipseRate    int // W generated per minute in eclipse
	maxDrawPerTick int // battery discharge-rate cap (W)

	// Per-tick scratch, reset by Update.
	produced       int // solar W generated this minute
	budget         int // W still grantable this minute
	solarRemaining int // solar W not yet claimed by a draw this minute
}

// New returns a Ledger with a full battery.
func New(cfg config.PowerConfig) *Ledger {
	return &Ledger{
		capacity:       cfg.BatteryCapacity,
		stored:         cfg.BatteryCapacity,
		sunlightRate:   cfg.SunlightRate,
		eclipseRate:    cfg.EclipseRate,
		maxDrawPerTick: cfg.MaxDrawPerTick,
	}
}

// generationRate returns the solar output for the given orbital phase.
func (l *Ledger) generationRate(phase orbit.Phase) int {
	if phase == orbit.Sunlight {
		return l.sunlightRate
	}
	return l.eclipseRate
}

// Update recharges the battery from this minute's solar output and resets the
// budget. Called exactly once per tick, before any draw for that tick.
// Re-running it before any draw reproduces the same budget.
func (l *Ledger) Update(phase orbit.Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.produced = l.generationRate(phase)
	l.stored = clamp(l.stored+l.produced, 0, l.capacity)

	drawCap := min(l.maxDrawPerTick, l.stored)
	l.budget = l.produced + drawCap
	l.solarRemaining = l.produced
}

// CanSatisfy reports whether watts fits in the remaining budget this minute.
func (l *Ledger) CanSatisfy(watts int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return watts <= l.budget
}

// Consume deducts watts from the budget, drawing from the battery only for
// the portion not covered by unclaimed solar output. The caller must have
// validated the amount with CanSatisfy; prefer TryConsume, which does both
// under a single lock.
func (l *Ledger) Consume(watts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumeLocked(watts)
}

// TryConsume performs the CanSatisfy check and the debit atomically.
// Returns false, mutating nothing, if the budget cannot cover watts.
func (l *Ledger) TryConsume(watts int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if watts > l.budget {
		return false
	}
	l.consumeLocked(watts)
	return true
}

func (l *Ledger) consumeLocked(watts int) {
	l.budget -= watts

	fromSolar := min(watts, l.solarRemaining)
	l.solarRemaining -= fromSolar

	fromStorage := watts - fromSolar
	l.stored = max(0, l.stored-fromStorage)
}

// Budget returns the watts still grantable this minute.
func (l *Ledger) Budget() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget
}

// BatteryLevel returns the battery state of charge in mWh.
func (l *Ledger) BatteryLevel() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stored
}

// Produced returns the solar generation this minute in W.
func (l *Ledger) Produced() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.produced
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
