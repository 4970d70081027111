// Package binding connects a fixed set of display widgets to the
// sub-signals of a swappable device. Rebinding tears every old
// subscription down before any new one is requested, so a widget never
// observes channels of two devices at once and callbacks for a device
// that is no longer bound degrade to no-ops.
package binding

import (
	"strconv"
	"sync"

	"github.com/beamops/beamalign/internal/device"
)

// Widget is the narrow sink the binding layer drives. The console's
// panes implement it; tests use recorders.
type Widget interface {
	SetChannel(id string)
	SetText(s string)
	ClearText()
}

// Group is a widget set under one label.
type Group struct {
	widgets []Widget
	label   Widget
	name    string
}

// NewGroup builds a group. label may be nil.
func NewGroup(widgets []Widget, label Widget) *Group {
	return &Group{widgets: widgets, label: label}
}

// Name returns the current label text.
func (g *Group) Name() string { return g.name }

func (g *Group) setLabel(name string) {
	g.name = name
	if g.label == nil {
		return
	}
	if name == "" {
		g.label.ClearText()
	} else {
		g.label.SetText(name)
	}
}

type sigSub struct {
	sig *device.Signal
	id  device.SubID
}

// ObjGroup binds widgets to a fixed ordered list of dotted signal paths
// resolved against whichever device is currently bound. The path list is
// set once at construction and reused for every device.
type ObjGroup struct {
	Group
	attrs []string

	mu   sync.Mutex
	dev  device.Device
	subs []sigSub
}

// NewObjGroup builds an unbound group; call Bind to attach a device.
// widgets and attrs correspond index by index.
func NewObjGroup(widgets []Widget, attrs []string, label Widget) *ObjGroup {
	return &ObjGroup{
		Group: Group{widgets: widgets, label: label},
		attrs: attrs,
	}
}

// Device returns the currently bound device, or nil.
func (g *ObjGroup) Device() device.Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev
}

// Bind swaps the backing device. Passing nil leaves the group fully
// unbound: empty channels, no subscriptions, label cleared.
func (g *ObjGroup) Bind(d device.Device) {
	g.mu.Lock()
	g.teardownLocked()
	g.dev = d
	g.mu.Unlock()

	sigs := g.resolve(d)
	for i, w := range g.widgets {
		w.SetChannel(sigs[i].ChannelID())
	}
	if d == nil {
		g.setLabel("")
		return
	}
	g.setLabel(d.Name())

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dev != d {
		// Lost a rebind race; the newer Bind owns the subscriptions.
		return
	}
	for i, sig := range sigs {
		if sig == nil {
			continue
		}
		w := g.widgets[i]
		id := sig.Subscribe(func(v float64) {
			// A reading for a device we no longer display is stale.
			// The check and the write happen under the group lock so a
			// concurrent rebind cannot slip between them.
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.dev != d {
				return
			}
			w.SetText(strconv.FormatFloat(v, 'f', -1, 64))
		})
		g.subs = append(g.subs, sigSub{sig: sig, id: id})
	}
}

// teardownLocked drops every live subscription and blanks the widget
// channels for the device being unbound.
func (g *ObjGroup) teardownLocked() {
	for _, s := range g.subs {
		s.sig.Unsubscribe(s.id)
	}
	g.subs = nil
	for _, w := range g.widgets {
		w.SetChannel("")
	}
}

// resolve maps the group's paths onto d. Missing sub-signals resolve to
// nil, never an error.
func (g *ObjGroup) resolve(d device.Device) []*device.Signal {
	sigs := make([]*device.Signal, len(g.attrs))
	if d == nil {
		return sigs
	}
	for i, attr := range g.attrs {
		sigs[i] = d.Signal(attr)
	}
	return sigs
}
