// Package sim provides a simulated beamline: steering mirrors, imagers
// and slits whose signals respond to each other the way the live
// hardware does, so the console and the run engine can be exercised
// without a control system.
package sim

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/beamops/beamalign/internal/device"
	"github.com/beamops/beamalign/internal/rotate"
)

// Mirror is a simulated offset mirror with one pitch axis.
type Mirror struct {
	*device.Base
	z     float64
	alpha float64

	mu      sync.Mutex
	nominal *float64
}

// NewMirror builds a mirror at beamline coordinate z with nominal
// grazing angle alpha.
func NewMirror(name string, z, alpha float64) *Mirror {
	m := &Mirror{Base: device.NewBase(name), z: z, alpha: alpha}
	prefix := channelPrefix(name)
	m.AddSignal("pitch.user_readback", prefix+":PITCH:RBV")
	m.AddSignal("pitch.user_setpoint", prefix+":PITCH:VAL")
	m.AddSignal("pitch.motor_done_move", prefix+":PITCH:DMOV")
	m.Signal("pitch.user_readback").Set(alpha)
	m.Signal("pitch.user_setpoint").Set(alpha)
	m.Signal("pitch.motor_done_move").Set(1)
	return m
}

// Pitch returns the current pitch readback.
func (m *Mirror) Pitch() float64 {
	return m.Signal("pitch.user_readback").Value()
}

// Position reports the pitch readback; mirrors have no in/out state.
func (m *Mirror) Position() string {
	return fmt.Sprintf("%g", m.Pitch())
}

// SetNominal records the recovery position used before an alignment.
func (m *Mirror) SetNominal(v float64) {
	m.mu.Lock()
	m.nominal = &v
	m.mu.Unlock()
}

// Nominal returns the recorded recovery position, if any.
func (m *Mirror) Nominal() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nominal == nil {
		return 0, false
	}
	return *m.nominal, true
}

// Imager is a simulated profile monitor (PIM): an insertable camera
// with an areadetector-style signal tree.
type Imager struct {
	*device.Base
	z        float64
	rotation int
}

// NewImager builds an imager at beamline coordinate z with the given
// sensor size in pixels.
func NewImager(name string, z float64, sizeX, sizeY float64) *Imager {
	im := &Imager{Base: device.NewBase(name), z: z}
	prefix := channelPrefix(name)
	im.AddSignal(rotate.PathCentroidX, prefix+":STATS2:CentroidX_RBV")
	im.AddSignal(rotate.PathCentroidY, prefix+":STATS2:CentroidY_RBV")
	im.AddSignal(rotate.PathSizeX, prefix+":IMAGE:ArraySizeX_RBV").Set(sizeX)
	im.AddSignal(rotate.PathSizeY, prefix+":IMAGE:ArraySizeY_RBV").Set(sizeY)
	im.AddSignal("detector.image2.width", prefix+":IMAGE2:Width_RBV").Set(sizeX)
	im.AddSignal("detector.image2.array_data", prefix+":IMAGE2:ArrayData")
	im.SetPosition(device.PositionOut)
	return im
}

// SetRotation records the physical mounting rotation of the camera.
// Rotated mounting assumes a square sensor.
func (im *Imager) SetRotation(deg int) {
	im.rotation = ((deg % 360) + 360) % 360
}

// MoveIn inserts the imager into the beam.
func (im *Imager) MoveIn() { im.SetPosition(device.PositionIn) }

// MoveOut retracts the imager.
func (im *Imager) MoveOut() { im.SetPosition(device.PositionOut) }

// Slit is a simulated slit pair with width readbacks.
type Slit struct {
	*device.Base
}

// NewSlit builds a slit device with both widths at the given opening.
func NewSlit(name string, width float64) *Slit {
	s := &Slit{Base: device.NewBase(name)}
	prefix := channelPrefix(name)
	s.AddSignal("xwidth.readback", prefix+":XWIDTH:RBV").Set(width)
	s.AddSignal("ywidth.readback", prefix+":YWIDTH:RBV").Set(width)
	return s
}

// Beamline couples mirrors to imager centroids through a first-order
// response model: each mirror deflects the beam by twice its pitch
// error, and the displacement grows with the lever arm to the imager.
type Beamline struct {
	mirrors []*Mirror
	imagers []*Imager

	pixelScale float64
	noise      float64
	response   *mat.Dense
	rng        *rand.Rand

	mu sync.Mutex
}

// NewBeamline wires mirrors and imagers together. pixelScale converts
// beamline displacement into camera pixels; noise is the sigma of the
// per-update centroid jitter in pixels.
func NewBeamline(mirrors []*Mirror, imagers []*Imager, pixelScale, noise float64) *Beamline {
	b := &Beamline{
		mirrors:    mirrors,
		imagers:    imagers,
		pixelScale: pixelScale,
		noise:      noise,
		rng:        rand.New(rand.NewSource(1)),
	}

	// Response matrix: imager i sees mirror j only when the mirror is
	// upstream, with a 2*(z_i - z_j) lever arm.
	b.response = mat.NewDense(len(imagers), len(mirrors), nil)
	for i, im := range imagers {
		for j, m := range mirrors {
			if m.z < im.z {
				b.response.Set(i, j, 2*(im.z-m.z)*pixelScale)
			}
		}
	}

	for _, m := range mirrors {
		m := m
		m.Signal("pitch.user_setpoint").Subscribe(func(v float64) {
			// Motors settle instantly in simulation.
			m.Signal("pitch.user_readback").Set(v)
			b.update()
		})
	}
	// Publish the centroid as soon as a camera is inserted.
	for _, im := range imagers {
		im.Subscribe(func(device.Device) { b.update() })
	}
	b.update()
	return b
}

// update recomputes every inserted imager's centroid from the current
// pitch vector.
func (b *Beamline) update() {
	b.mu.Lock()
	defer b.mu.Unlock()

	pitch := mat.NewVecDense(len(b.mirrors), nil)
	for j, m := range b.mirrors {
		pitch.SetVec(j, m.Pitch()-m.alpha)
	}
	var offset mat.VecDense
	offset.MulVec(b.response, pitch)

	for i, im := range b.imagers {
		if im.Position() != device.PositionIn {
			continue
		}
		sizeX := im.Signal(rotate.PathSizeX).Value()
		sizeY := im.Signal(rotate.PathSizeY).Value()

		// Beam position along the canonical horizontal axis.
		beam := sizeX/2 + offset.AtVec(i)
		if b.noise > 0 {
			beam += b.rng.NormFloat64() * b.noise
		}
		beam = clamp(beam, 0, sizeX)

		// Project onto the sensor's own axes per its mounting rotation,
		// mirroring what the display-side reflection undoes.
		rawX, rawY := sizeX/2, sizeY/2
		switch im.rotation {
		case 90:
			rawY = sizeX - beam
		case 180:
			rawX = sizeX - beam
		case 270:
			rawY = beam
		default:
			rawX = beam
		}
		im.Signal(rotate.PathCentroidX).Set(rawX)
		im.Signal(rotate.PathCentroidY).Set(rawY)
	}
}

// Refresh republishes every centroid, e.g. after an imager moves in.
func (b *Beamline) Refresh() { b.update() }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func channelPrefix(name string) string {
	return "SIM:" + strings.ToUpper(strings.ReplaceAll(name, " ", "_"))
}
