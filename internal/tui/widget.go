package tui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/beamops/beamalign/internal/align"
	"github.com/beamops/beamalign/internal/binding"
	"github.com/beamops/beamalign/internal/cache"
)

// Cell is a render-only widget. Binding callbacks write it from the
// engine and subscription goroutines; View reads it on the bubbletea
// goroutine, so every access takes the lock.
type Cell struct {
	mu      sync.Mutex
	channel string
	text    string
}

func (c *Cell) SetChannel(ch string) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
}

func (c *Cell) SetText(s string) {
	c.mu.Lock()
	c.text = s
	c.mu.Unlock()
}

func (c *Cell) ClearText() {
	c.mu.Lock()
	c.text = ""
	c.mu.Unlock()
}

func (c *Cell) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *Cell) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Entry is an editable numeric field.
type Entry struct {
	mu   sync.Mutex
	text string
}

func (e *Entry) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text
}

func (e *Entry) SetText(s string) {
	e.mu.Lock()
	e.text = s
	e.mu.Unlock()
}

func (e *Entry) Clear() {
	e.mu.Lock()
	e.text = ""
	e.mu.Unlock()
}

// Type appends operator keystrokes, accepting only characters that can
// appear in a float literal.
func (e *Entry) Type(s string) {
	if strings.Trim(s, "0123456789.+-eE") != "" {
		return
	}
	e.mu.Lock()
	e.text += s
	e.mu.Unlock()
}

// Backspace removes the last character, if any.
func (e *Entry) Backspace() {
	e.mu.Lock()
	if len(e.text) > 0 {
		e.text = e.text[:len(e.text)-1]
	}
	e.mu.Unlock()
}

// Check is a toggle widget.
type Check struct {
	mu      sync.Mutex
	checked bool
	enabled bool
}

func (c *Check) Checked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checked
}

func (c *Check) SetChecked(on bool) {
	c.mu.Lock()
	c.checked = on
	c.mu.Unlock()
}

func (c *Check) SetEnabled(on bool) {
	c.mu.Lock()
	c.enabled = on
	c.mu.Unlock()
}

func (c *Check) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Toggle flips the checkbox when it is enabled.
func (c *Check) Toggle() {
	c.mu.Lock()
	if c.enabled {
		c.checked = !c.checked
	}
	c.mu.Unlock()
}

// Panel owns the concrete widgets behind the binding groups: one
// mirror/goal pair per slot, the image pane and the slit readouts.
type Panel struct {
	MirrorLabels [align.MaxSlots]*Cell
	MirrorCells  [align.MaxSlots][]*Cell
	GoalLabels   [align.MaxSlots]*Cell
	GoalFields   [align.MaxSlots]*Entry
	GoalToggles  [align.MaxSlots]*Check

	ImageLabel *Cell
	ImageWidth *Cell
	ImageData  *Cell
	CentX      *Cell
	CentY      *Cell
	DeltaX     *Cell
	DeltaY     *Cell

	SlitLabel *Cell
	SlitCells []*Cell

	// Image is the centroid group assembled by Groups; key handlers
	// poke it to refresh the goal deltas on goal edits.
	Image *binding.CentroidGroup
}

// NewPanel allocates every widget.
func NewPanel() *Panel {
	p := &Panel{
		ImageLabel: &Cell{}, ImageWidth: &Cell{}, ImageData: &Cell{},
		CentX: &Cell{}, CentY: &Cell{}, DeltaX: &Cell{}, DeltaY: &Cell{},
		SlitLabel: &Cell{},
	}
	for i := 0; i < align.MaxSlots; i++ {
		p.MirrorLabels[i] = &Cell{}
		p.MirrorCells[i] = make([]*Cell, len(align.MirrorAttrs))
		for j := range p.MirrorCells[i] {
			p.MirrorCells[i][j] = &Cell{}
		}
		p.GoalLabels[i] = &Cell{}
		p.GoalFields[i] = &Entry{}
		p.GoalToggles[i] = &Check{}
	}
	p.SlitCells = make([]*Cell, len(align.SlitAttrs))
	for i := range p.SlitCells {
		p.SlitCells[i] = &Cell{}
	}
	return p
}

// Groups assembles the binding groups over the panel's widgets.
func (p *Panel) Groups(values *cache.Values, goal binding.GoalSource) align.Groups {
	var g align.Groups
	for i := 0; i < align.MaxSlots; i++ {
		ws := make([]binding.Widget, len(p.MirrorCells[i]))
		for j, c := range p.MirrorCells[i] {
			ws[j] = c
		}
		g.Mirrors[i] = binding.NewObjGroup(ws, align.MirrorAttrs, p.MirrorLabels[i])
		g.Goals[i] = binding.NewValueGroup(p.GoalFields[i], p.GoalLabels[i], p.GoalToggles[i], values)
	}
	g.Image = binding.NewCentroidGroup(
		p.ImageWidth, p.ImageData, p.CentX, p.CentY, p.DeltaX, p.DeltaY, p.ImageLabel, goal)
	p.Image = g.Image
	sw := make([]binding.Widget, len(p.SlitCells))
	for i, c := range p.SlitCells {
		sw[i] = c
	}
	g.Slits = binding.NewObjGroup(sw, align.SlitAttrs, p.SlitLabel)
	return g
}

// StatusLog collects operator-visible log lines from any goroutine.
type StatusLog struct {
	mu    sync.Mutex
	lines []string
	max   int
}

// NewStatusLog keeps the last max lines.
func NewStatusLog(max int) *StatusLog {
	if max <= 0 {
		max = 8
	}
	return &StatusLog{max: max}
}

func (l *StatusLog) Statusf(format string, args ...any) {
	l.push(fmt.Sprintf(format, args...))
}

func (l *StatusLog) Errorf(format string, args ...any) {
	l.push("error: " + fmt.Sprintf(format, args...))
}

func (l *StatusLog) push(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	if len(l.lines) > l.max {
		l.lines = l.lines[len(l.lines)-l.max:]
	}
	l.mu.Unlock()
}

// Tail returns a copy of the retained lines, oldest first.
func (l *StatusLog) Tail() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}
