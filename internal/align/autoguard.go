package align

import (
	"sync"
	"sync/atomic"

	"github.com/beamops/beamalign/internal/device"
)

// AutoGuard decides which imager the console should display while an
// alignment runs. Every configured imager's position-change callback
// funnels into OnPositionChanged, possibly concurrently; the decision
// itself is serialized by a lock. The guard only requests display
// switches, it never touches the procedure state machine.
type AutoGuard struct {
	enabled atomic.Bool
	mu      sync.Mutex

	imagers  func() []device.Device
	current  func() string
	switchTo func(name string)
	report   func(v any)
}

// NewAutoGuard wires the guard's collaborators: imagers yields the
// active imagers in their fixed order, current the displayed imager
// name, switchTo requests a display switch, report receives swallowed
// callback failures.
func NewAutoGuard(imagers func() []device.Device, current func() string, switchTo func(name string), report func(v any)) *AutoGuard {
	return &AutoGuard{imagers: imagers, current: current, switchTo: switchTo, report: report}
}

// Enable arms the guard for the duration of a run.
func (g *AutoGuard) Enable() { g.enabled.Store(true) }

// Disable disarms the guard. Callbacks already past the enable check
// may still finish their decision; they only ever switch the display.
func (g *AutoGuard) Disable() { g.enabled.Store(false) }

// Enabled reports whether the guard is armed.
func (g *AutoGuard) Enabled() bool { return g.enabled.Load() }

// OnPositionChanged is the position-change callback for every
// configured imager. A sensor failure here must never escape into the
// session, so panics are swallowed and reported.
func (g *AutoGuard) OnPositionChanged(device.Device) {
	if !g.enabled.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil && g.report != nil {
			g.report(r)
		}
	}()

	chosen, ok := g.decide()
	if !ok {
		return
	}
	// The lock is released before the switch request: switching can
	// re-enter position handling synchronously.
	if chosen != "" && chosen != g.current() {
		g.switchTo(chosen)
	}
}

// decide picks the first imager, in fixed order, whose position is IN.
// Any imager with an unknown position blocks the decision entirely so
// the display does not flicker while devices move.
func (g *AutoGuard) decide() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, im := range g.imagers() {
		switch im.Position() {
		case device.PositionUnknown:
			return "", false
		case device.PositionIn:
			return im.Name(), true
		}
	}
	// Nobody is in: leave the selection alone.
	return "", true
}
