// Package admission enforces the per-command in-flight budget. A request
// either takes a slot immediately or is refused with a retry hint; there
// is no waiting.
package admission

import "sync/atomic"

// Gate is the admission counter for one command. TryAdmit and Release are
// lock-free; every admitted task must release exactly once on any
// terminal path.
type Gate struct {
	inFlight atomic.Int64
	max      int64
}

// NewGate returns a gate admitting at most max concurrent tasks.
func NewGate(max int) *Gate {
	return &Gate{max: int64(max)}
}

// TryAdmit atomically takes a slot iff the pre-value is below the budget.
func (g *Gate) TryAdmit() bool {
	for {
		cur := g.inFlight.Load()
		if cur >= g.max {
			return false
		}
		if g.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot taken by TryAdmit.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
}

// InFlight reports the current slot usage.
func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

// Max reports the configured budget.
func (g *Gate) Max() int64 {
	return g.max
}
