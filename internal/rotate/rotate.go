// Package rotate maps centroid readings of physically rotated cameras
// into one canonical, unrotated coordinate space and back.
package rotate

import "github.com/beamops/beamalign/internal/device"

// Signal paths of the detector stats plugin on every imager.
const (
	PathCentroidX = "detector.stats2.centroid.x"
	PathCentroidY = "detector.stats2.centroid.y"
	PathSizeX     = "detector.cam.array_size.array_size_x"
	PathSizeY     = "detector.cam.array_size.array_size_y"
)

// Readback keys submitted to the run engine, named after the canonical
// axis the engine should watch.
const (
	KeyCentroidX = "detector_stats2_centroid_x"
	KeyCentroidY = "detector_stats2_centroid_y"
)

// Axes describes how to read a rotated camera in canonical terms.
//
// CanonicalKey names the native signal that carries the canonical X axis.
// ModX/ModY, when non-nil, encode a reflection: the true canonical value
// of a raw reading v is mod - v. A nil mod means the raw reading is
// already canonical.
type Axes struct {
	CanonicalKey string
	XCentroid    *device.Signal
	YCentroid    *device.Signal
	XSize        *device.Signal
	YSize        *device.Signal
	ModX         *float64
	ModY         *float64
}

// Resolve picks the native signals and reflection offsets for a camera
// mounted at the given rotation. Rotation is normalized modulo 360 and
// must be a multiple of 90.
//
// Size signals may still be unresolved when this runs; the mods are then
// computed from a zero size and callers should re-resolve on rebind.
func Resolve(d device.Device, rotationDeg int) Axes {
	rot := ((rotationDeg % 360) + 360) % 360

	var a Axes
	if rot%180 == 0 {
		a.CanonicalKey = KeyCentroidX
		a.XCentroid = d.Signal(PathCentroidX)
		a.YCentroid = d.Signal(PathCentroidY)
		a.XSize = d.Signal(PathSizeX)
		a.YSize = d.Signal(PathSizeY)
	} else {
		// Odd multiples of 90 swap the axes.
		a.CanonicalKey = KeyCentroidY
		a.XCentroid = d.Signal(PathCentroidY)
		a.YCentroid = d.Signal(PathCentroidX)
		a.XSize = d.Signal(PathSizeY)
		a.YSize = d.Signal(PathSizeX)
	}

	switch rot {
	case 90:
		a.ModX = ptr(a.YSize.Value())
	case 180:
		a.ModX = ptr(a.XSize.Value())
		a.ModY = ptr(a.YSize.Value())
	case 270:
		a.ModY = ptr(a.XSize.Value())
	}
	return a
}

// Apply converts between raw and canonical space for one axis. The
// reflection is self-inverse, so the same call converts both ways.
func Apply(mod *float64, v float64) float64 {
	if mod == nil {
		return v
	}
	return *mod - v
}

// CanonicalX converts a raw X-axis reading to canonical space.
func (a Axes) CanonicalX(v float64) float64 { return Apply(a.ModX, v) }

// CanonicalY converts a raw Y-axis reading to canonical space.
func (a Axes) CanonicalY(v float64) float64 { return Apply(a.ModY, v) }

// NativeGoal converts a canonical goal into the device-native target the
// run engine expects for the canonical axis.
func (a Axes) NativeGoal(goal float64) float64 { return Apply(a.ModX, goal) }

func ptr(v float64) *float64 { return &v }
