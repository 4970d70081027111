package sim

// Branch is one simulated beamline branch with its device lookup
// tables, keyed by device name.
type Branch struct {
	Beamline *Beamline
	Mirrors  map[string]*Mirror
	Imagers  map[string]*Imager
	Slits    map[string]*Slit
}

// Sensor size of every simulated camera, in pixels. Square so rotated
// mounting stays self-consistent.
const SensorSize = 500

// HomsBranch builds the hard x-ray offset mirror branch: two mirrors
// feeding two imagers.
func HomsBranch(noise float64) *Branch {
	m1h := NewMirror("m1h", 90.510, 0.0014)
	m2h := NewMirror("m2h", 101.843, 0.0014)
	hx2 := NewImager("hx2", 103.660, SensorSize, SensorSize)
	dg3 := NewImager("dg3", 375.000, SensorSize, SensorSize)

	bl := NewBeamline([]*Mirror{m1h, m2h}, []*Imager{hx2, dg3}, 1000, noise)
	return &Branch{
		Beamline: bl,
		Mirrors:  map[string]*Mirror{"m1h": m1h, "m2h": m2h},
		Imagers:  map[string]*Imager{"hx2": hx2, "dg3": dg3},
		Slits: map[string]*Slit{
			"hx2_slits": NewSlit("hx2_slits", 1.5),
			"dg3_slits": NewSlit("dg3_slits", 1.5),
		},
	}
}

// MfxBranch builds the MFX branch: one transport mirror and one
// diagnostic imager.
func MfxBranch(noise float64) *Branch {
	xrtm2 := NewMirror("xrtm2", 200.000, 0.0014)
	mfxdg1 := NewImager("mfxdg1", 350.000, SensorSize, SensorSize)

	bl := NewBeamline([]*Mirror{xrtm2}, []*Imager{mfxdg1}, 1000, noise)
	return &Branch{
		Beamline: bl,
		Mirrors:  map[string]*Mirror{"xrtm2": xrtm2},
		Imagers:  map[string]*Imager{"mfxdg1": mfxdg1},
		Slits: map[string]*Slit{
			"mfxdg1_slits": NewSlit("mfxdg1_slits", 1.5),
		},
	}
}
