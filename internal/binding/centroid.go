package binding

import (
	"fmt"
	"sync"

	"github.com/beamops/beamalign/internal/device"
	"github.com/beamops/beamalign/internal/rotate"
)

// Image widget channels carried by the centroid group, matching the
// areadetector image plugin.
var imageAttrs = []string{
	"detector.image2.width",
	"detector.image2.array_data",
}

// GoalSource yields the canonical goal for the displayed imager, or nil
// when no goal applies.
type GoalSource func() *float64

// CentroidGroup is the imager variant of ObjGroup: on every bind it
// recomputes the rotation axes and moves its own centroid handler onto
// the new device's axis signals.
type CentroidGroup struct {
	*ObjGroup

	centX  Widget
	centY  Widget
	deltaX Widget
	deltaY Widget
	goal   GoalSource

	mu       sync.Mutex
	rotation int
	axes     rotate.Axes
	centDev  device.Device
	centSubs []sigSub
	xpos     float64
	ypos     float64
}

// NewCentroidGroup builds the imager group. widthWidget and imageWidget
// receive the image channel assignments; the four readout widgets
// receive formatted canonical centroid and goal-delta values.
func NewCentroidGroup(widthWidget, imageWidget, centX, centY, deltaX, deltaY, label Widget, goal GoalSource) *CentroidGroup {
	return &CentroidGroup{
		ObjGroup: NewObjGroup([]Widget{widthWidget, imageWidget}, imageAttrs, label),
		centX:    centX,
		centY:    centY,
		deltaX:   deltaX,
		deltaY:   deltaY,
		goal:     goal,
	}
}

// Rotation returns the rotation the group was last bound with.
func (g *CentroidGroup) Rotation() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rotation
}

// Axes returns the axes resolved at the last bind.
func (g *CentroidGroup) Axes() rotate.Axes {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.axes
}

// BindImager swaps the displayed imager. The previous centroid handler
// is unsubscribed first, matched by the device it was subscribed on.
// Unsubscribing a handler that was never subscribed is a no-op.
func (g *CentroidGroup) BindImager(d device.Device, rotationDeg int) {
	g.mu.Lock()
	for _, s := range g.centSubs {
		s.sig.Unsubscribe(s.id)
	}
	g.centSubs = nil
	g.centDev = nil
	g.mu.Unlock()

	g.Bind(d)

	if d == nil {
		g.mu.Lock()
		g.rotation = rotationDeg
		g.axes = rotate.Axes{}
		g.mu.Unlock()
		return
	}

	axes := rotate.Resolve(d, rotationDeg)

	g.mu.Lock()
	g.rotation = rotationDeg
	g.axes = axes
	g.centDev = d
	for _, sig := range []*device.Signal{axes.XCentroid, axes.YCentroid} {
		if sig == nil {
			continue
		}
		id := sig.Subscribe(func(float64) { g.updateCentroid(d) })
		g.centSubs = append(g.centSubs, sigSub{sig: sig, id: id})
	}
	g.mu.Unlock()

	g.updateCentroid(d)
}

// updateCentroid recomputes the canonical readouts. Readings for a
// device that is no longer displayed are dropped.
func (g *CentroidGroup) updateCentroid(d device.Device) {
	g.mu.Lock()
	if g.centDev != d {
		g.mu.Unlock()
		return
	}
	axes := g.axes
	x := axes.XCentroid.Value()
	y := axes.YCentroid.Value()
	// A zero raw reading means the stats plugin has nothing yet; do not
	// reflect it into a full-frame phantom position.
	if x != 0 {
		x = axes.CanonicalX(x)
	}
	if y != 0 {
		y = axes.CanonicalY(y)
	}
	g.xpos, g.ypos = x, y
	g.mu.Unlock()

	g.centX.SetText(fmt.Sprintf("%.1f", x))
	g.centY.SetText(fmt.Sprintf("%.1f", y))
	g.UpdateDeltas()
}

// UpdateDeltas refreshes the distance-to-goal readout. Only the
// canonical X axis has a goal; the Y delta stays blank.
func (g *CentroidGroup) UpdateDeltas() {
	g.mu.Lock()
	x := g.xpos
	g.mu.Unlock()

	goal := g.goal()
	if goal == nil {
		g.deltaX.ClearText()
	} else {
		g.deltaX.SetText(fmt.Sprintf("%.1f", x-*goal))
	}
	g.deltaY.ClearText()
}

// Centroid returns the last canonical centroid position.
func (g *CentroidGroup) Centroid() (x, y float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.xpos, g.ypos
}
