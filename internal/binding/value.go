package binding

import (
	"strconv"
	"strings"

	"github.com/beamops/beamalign/internal/cache"
)

// Field is a user-editable text widget.
type Field interface {
	Text() string
	SetText(s string)
	Clear()
}

// Toggle is an optional boolean widget attached to a value group.
type Toggle interface {
	Checked() bool
	SetChecked(on bool)
	SetEnabled(on bool)
}

// ValueGroup is a labeled numeric entry field whose value can be stashed
// in and restored from a shared cache, keyed by the group's name.
type ValueGroup struct {
	field  Field
	label  Widget
	toggle Toggle
	cache  *cache.Values
	name   string
}

// NewValueGroup builds a value group. toggle may be nil; label may be
// nil. values must not be nil.
func NewValueGroup(field Field, label Widget, toggle Toggle, values *cache.Values) *ValueGroup {
	return &ValueGroup{field: field, label: label, toggle: toggle, cache: values}
}

// Setup renames the group, resets the toggle, and loads any cached
// value for the new name. An empty name leaves the field untouched.
func (g *ValueGroup) Setup(name string) {
	g.name = name
	if g.label != nil {
		if name == "" {
			g.label.ClearText()
		} else {
			g.label.SetText(name)
		}
	}
	if g.toggle != nil {
		g.toggle.SetChecked(false)
	}
	g.Load()
}

// Name returns the group's current name.
func (g *ValueGroup) Name() string { return g.name }

// Value parses the field text. Empty text and malformed numbers both
// read as nil; a parse error never reaches the caller.
func (g *ValueGroup) Value() *float64 {
	raw := strings.TrimSpace(g.field.Text())
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

// SetValue overwrites the field text with a formatted value.
func (g *ValueGroup) SetValue(v float64) {
	g.field.SetText(strconv.FormatFloat(v, 'f', -1, 64))
}

// Save stashes the current value in the cache. Nothing happens when the
// group has no name or the field holds no parseable value.
func (g *ValueGroup) Save() {
	if g.name == "" {
		return
	}
	v := g.Value()
	if v == nil {
		return
	}
	g.cache.Put(g.name, *v)
}

// Load restores a cached value into the field, leaving the field
// unchanged when there is no cached entry.
func (g *ValueGroup) Load() {
	if g.name == "" {
		return
	}
	if v, ok := g.cache.Get(g.name); ok {
		g.SetValue(v)
	}
}

// Clear empties the field without touching the cache.
func (g *ValueGroup) Clear() {
	g.field.Clear()
}

// IsChecked reports the toggle state; false when no toggle is attached.
func (g *ValueGroup) IsChecked() bool {
	if g.toggle == nil {
		return false
	}
	return g.toggle.Checked()
}

// EnableToggle switches the toggle availability, if one is attached.
func (g *ValueGroup) EnableToggle(on bool) {
	if g.toggle != nil {
		g.toggle.SetEnabled(on)
	}
}
