// Package align drives a mirror alignment session: it owns procedure
// and imager selection, rebinds the display groups when the selection
// changes, validates goals, and hands plans to the run engine one
// device group at a time.
package align

import (
	"github.com/agnivade/levenshtein"

	"github.com/beamops/beamalign/internal/device"
)

// MaxSlots is the fixed number of display slots for mirrors, imagers
// and goals. Procedures with fewer devices leave trailing slots empty.
const MaxSlots = 4

// SlotSet groups the devices that work together under one system key:
// the mirror that steers, the imager that watches, the slits in front
// of it, and the imager's mounting rotation.
type SlotSet struct {
	Mirror   device.Device
	Imager   device.Device
	Slits    device.Device
	Rotation int
}

// System is the configured device map. Key order is fixed at
// construction and drives every deterministic iteration, including the
// auto-select decision.
type System struct {
	order []string
	sets  map[string]SlotSet
}

// NewSystem returns an empty system.
func NewSystem() *System {
	return &System{sets: make(map[string]SlotSet)}
}

// Add registers a key's device set. Re-adding a key overwrites its set
// but keeps its original position.
func (s *System) Add(key string, set SlotSet) {
	if _, ok := s.sets[key]; !ok {
		s.order = append(s.order, key)
	}
	s.sets[key] = set
}

// Get looks a key up.
func (s *System) Get(key string) (SlotSet, bool) {
	set, ok := s.sets[key]
	return set, ok
}

// Keys returns the configured keys in order.
func (s *System) Keys() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// ImagerNames returns every configured imager name in key order.
func (s *System) ImagerNames() []string {
	var out []string
	for _, key := range s.order {
		if im := s.sets[key].Imager; im != nil {
			out = append(out, im.Name())
		}
	}
	return out
}

// ByImager finds the set whose imager has the given name.
func (s *System) ByImager(name string) (SlotSet, bool) {
	for _, key := range s.order {
		if im := s.sets[key].Imager; im != nil && im.Name() == name {
			return s.sets[key], true
		}
	}
	return SlotSet{}, false
}

// Procedure is a named, ordered list of key groups. Each group shares
// one run-engine invocation; groups run strictly in order.
type Procedure struct {
	Name   string
	Groups [][]string
}

// Keys returns the procedure's keys flattened in group order.
func (p Procedure) Keys() []string {
	var out []string
	for _, g := range p.Groups {
		out = append(out, g...)
	}
	return out
}

// DefaultProcedures mirrors the standard alignment table.
func DefaultProcedures() []Procedure {
	return []Procedure{
		{Name: "HOMS", Groups: [][]string{{"m1h", "m2h"}}},
		{Name: "MFX", Groups: [][]string{{"mfx"}}},
		{Name: "HOMS + MFX", Groups: [][]string{{"m1h", "m2h"}, {"mfx"}}},
	}
}

// closest returns the candidate nearest to name, for "did you mean"
// hints on unknown selections.
func closest(name string, candidates []string) string {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(name, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
