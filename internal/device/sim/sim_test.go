package sim

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beamops/beamalign/internal/device"
	"github.com/beamops/beamalign/internal/rotate"
)

func TestBeamlineRespondsToPitch(t *testing.T) {
	t.Parallel()

	b := MfxBranch(0)
	m := b.Mirrors["xrtm2"]
	im := b.Imagers["mfxdg1"]
	im.MoveIn()
	b.Beamline.Refresh()

	cx := im.Signal(rotate.PathCentroidX)
	require.InDelta(t, SensorSize/2, cx.Value(), 1e-9)

	// Lever arm is 2*(z_imager - z_mirror)*pixelScale = 300000 px/rad,
	// so a 1e-4 rad pitch change moves the centroid by 30 px.
	m.Signal("pitch.user_setpoint").Set(m.Pitch() + 1e-4)
	require.InDelta(t, SensorSize/2+30, cx.Value(), 1e-6)

	// Readback follows the setpoint immediately.
	require.InDelta(t, 0.0014+1e-4, m.Pitch(), 1e-12)
}

func TestBeamlineOnlyUpstreamMirrorsCouple(t *testing.T) {
	t.Parallel()

	b := HomsBranch(0)
	hx2 := b.Imagers["hx2"]
	dg3 := b.Imagers["dg3"]
	hx2.MoveIn()
	dg3.MoveIn()
	b.Beamline.Refresh()

	// m2h sits at z=101.843, upstream of both imagers, but much closer
	// to hx2 than to dg3: the same pitch change moves dg3 far more.
	before := hx2.Signal(rotate.PathCentroidX).Value()
	m2h := b.Mirrors["m2h"]
	m2h.Signal("pitch.user_setpoint").Set(m2h.Pitch() + 1e-5)

	dHx2 := hx2.Signal(rotate.PathCentroidX).Value() - before
	dDg3 := dg3.Signal(rotate.PathCentroidX).Value() - SensorSize/2
	require.InDelta(t, 2*(103.660-101.843)*1000*1e-5, dHx2, 1e-6)
	require.InDelta(t, 2*(375.000-101.843)*1000*1e-5, dDg3, 1e-6)
	require.Greater(t, dDg3, dHx2)
}

func TestBeamlineSkipsRetractedImagers(t *testing.T) {
	t.Parallel()

	b := MfxBranch(0)
	m := b.Mirrors["xrtm2"]
	im := b.Imagers["mfxdg1"]
	require.Equal(t, device.PositionOut, im.Position())

	m.Signal("pitch.user_setpoint").Set(m.Pitch() + 1e-3)
	require.InDelta(t, 0, im.Signal(rotate.PathCentroidX).Value(), 1e-9)

	// Inserting and refreshing publishes the current beam position.
	im.MoveIn()
	b.Beamline.Refresh()
	require.Greater(t, im.Signal(rotate.PathCentroidX).Value(), float64(SensorSize)/2)
}

func TestRotatedMountingProjectsOntoNativeAxes(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		rotation int
		beam     float64
		wantX    float64
		wantY    float64
	}{
		{0, 280, 280, SensorSize / 2},
		{90, 280, SensorSize / 2, SensorSize - 280},
		{180, 280, SensorSize - 280, SensorSize / 2},
		{270, 280, SensorSize / 2, 280},
	} {
		b := MfxBranch(0)
		m := b.Mirrors["xrtm2"]
		im := b.Imagers["mfxdg1"]
		im.SetRotation(tc.rotation)
		im.MoveIn()

		// Steer the canonical beam position to tc.beam. 300000 px/rad
		// lever from TestBeamlineRespondsToPitch.
		m.Signal("pitch.user_setpoint").Set(m.Pitch() + (tc.beam-SensorSize/2)/300000)

		require.InDelta(t, tc.wantX, im.Signal(rotate.PathCentroidX).Value(), 1e-6,
			"rotation %d native x", tc.rotation)
		require.InDelta(t, tc.wantY, im.Signal(rotate.PathCentroidY).Value(), 1e-6,
			"rotation %d native y", tc.rotation)

		// The display-side reflection must recover the canonical
		// position regardless of mounting.
		axes := rotate.Resolve(im, tc.rotation)
		require.InDelta(t, tc.beam, axes.CanonicalX(axes.XCentroid.Value()), 1e-6,
			"rotation %d", tc.rotation)
	}
}

func TestSeededNoiseIsReproducible(t *testing.T) {
	t.Parallel()

	read := func() float64 {
		b := MfxBranch(3.0)
		im := b.Imagers["mfxdg1"]
		im.MoveIn()
		b.Beamline.Refresh()
		return im.Signal(rotate.PathCentroidX).Value()
	}
	first := read()
	require.NotEqual(t, float64(SensorSize)/2, first)
	require.Equal(t, first, read())
}

func TestMirrorNominal(t *testing.T) {
	t.Parallel()

	m := NewMirror("m1h", 90.510, 0.0014)
	_, ok := m.Nominal()
	require.False(t, ok)

	m.SetNominal(0.00141)
	v, ok := m.Nominal()
	require.True(t, ok)
	require.Equal(t, 0.00141, v)
}

func TestImagerPositionNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	im := NewImager("hx2", 103.660, SensorSize, SensorSize)
	var got []string
	im.Subscribe(func(d device.Device) { got = append(got, d.Position()) })

	im.MoveIn()
	im.MoveOut()
	require.Equal(t, []string{device.PositionIn, device.PositionOut}, got)
}

func TestChannelNaming(t *testing.T) {
	t.Parallel()

	m := NewMirror("m1h", 90.510, 0.0014)
	require.Equal(t, "SIM:M1H:PITCH:RBV", m.Signal("pitch.user_readback").ChannelID())

	s := NewSlit("dg3 slits", 1.5)
	require.Equal(t, "SIM:DG3_SLITS:XWIDTH:RBV", s.Signal("xwidth.readback").ChannelID())
	require.InDelta(t, 1.5, s.Signal("ywidth.readback").Value(), 1e-12)
}
