// Package device defines the collaborator contract for beamline hardware:
// named devices exposing dotted-path sub-signals that can be read,
// resolved to channel identifiers, and subscribed to.
package device

import (
	"strings"
	"sync"
)

// Well-known position states reported by insertable devices.
const (
	PositionIn      = "IN"
	PositionOut     = "OUT"
	PositionUnknown = "Unknown"
)

// Callback receives the new value of a subscribed signal.
type Callback func(value float64)

// PositionFunc receives the device whose position changed.
type PositionFunc func(d Device)

// SubID identifies one subscription. The zero value is never issued, so
// unsubscribing a zero SubID is always a safe no-op.
type SubID uint64

// Device is a named hardware or simulated entity exposing sub-signals.
type Device interface {
	Name() string
	Position() string
	// Signal resolves a dot-delimited path to a signal, or nil if the
	// device has no such sub-signal. Resolution failure is not an error.
	Signal(path string) *Signal
	Subscribe(fn PositionFunc) SubID
	Unsubscribe(id SubID)
}

// Signal is one addressable live data point on a device.
type Signal struct {
	mu      sync.Mutex
	channel string
	value   float64
	subs    map[SubID]Callback
	nextID  SubID
}

// NewSignal returns a signal with the given channel identifier. An empty
// channel means the signal is not yet resolved to a live channel.
func NewSignal(channel string) *Signal {
	return &Signal{channel: channel}
}

// ChannelID returns the channel identifier, or "" while unresolved.
func (s *Signal) ChannelID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// SetChannelID updates the channel identifier once it resolves.
func (s *Signal) SetChannelID(channel string) {
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()
}

// Value returns the last known reading. A nil signal reads as zero.
func (s *Signal) Value() float64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set stores a new reading and fans it out to subscribers. Callbacks run
// on the caller's goroutine, outside the signal lock, so a callback may
// subscribe or unsubscribe without deadlocking.
func (s *Signal) Set(v float64) {
	s.mu.Lock()
	s.value = v
	cbs := make([]Callback, 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(v)
	}
}

// Subscribe registers a callback for future readings.
func (s *Signal) Subscribe(cb Callback) SubID {
	if s == nil || cb == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[SubID]Callback)
	}
	s.nextID++
	s.subs[s.nextID] = cb
	return s.nextID
}

// Unsubscribe drops a subscription. Unknown or zero ids are ignored.
func (s *Signal) Unsubscribe(id SubID) {
	if s == nil || id == 0 {
		return
	}
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// Base is a ready-made Device implementation backed by a flat table of
// dotted signal paths. Simulated devices embed it; tests build fakes
// from it directly.
type Base struct {
	name string

	mu       sync.Mutex
	position string
	signals  map[string]*Signal
	subs     map[SubID]PositionFunc
	nextID   SubID
}

// NewBase returns a device with the given name and no signals.
func NewBase(name string) *Base {
	return &Base{
		name:     name,
		position: PositionUnknown,
		signals:  make(map[string]*Signal),
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Position() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// SetPosition updates the position and notifies position subscribers.
func (b *Base) SetPosition(pos string) {
	b.mu.Lock()
	b.position = pos
	fns := make([]PositionFunc, 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

// AddSignal registers a signal under a dotted path and returns it.
func (b *Base) AddSignal(path, channel string) *Signal {
	sig := NewSignal(channel)
	b.mu.Lock()
	b.signals[path] = sig
	b.mu.Unlock()
	return sig
}

// Signal resolves a dotted path. Paths are matched whole; a missing or
// partially matching path yields nil, never an error.
func (b *Base) Signal(path string) *Signal {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signals[path]
}

func (b *Base) Subscribe(fn PositionFunc) SubID {
	if fn == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[SubID]PositionFunc)
	}
	b.nextID++
	b.subs[b.nextID] = fn
	return b.nextID
}

func (b *Base) Unsubscribe(id SubID) {
	if id == 0 {
		return
	}
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
