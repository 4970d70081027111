package align

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beamops/beamalign/internal/binding"
	"github.com/beamops/beamalign/internal/cache"
	"github.com/beamops/beamalign/internal/device"
	"github.com/beamops/beamalign/internal/engine"
	"github.com/beamops/beamalign/internal/rotate"
)

// testWidget is a minimal display sink.
type testWidget struct {
	mu      sync.Mutex
	channel string
	text    string
}

func (w *testWidget) SetChannel(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.channel = id
}

func (w *testWidget) SetText(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.text = s
}

func (w *testWidget) ClearText() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.text = ""
}

func (w *testWidget) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text
}

func (w *testWidget) Clear() { w.ClearText() }

type testToggle struct {
	checked bool
	enabled bool
}

func (t *testToggle) Checked() bool      { return t.checked }
func (t *testToggle) SetChecked(on bool) { t.checked = on }
func (t *testToggle) SetEnabled(on bool) { t.enabled = on }

// statusRec collects operator log lines.
type statusRec struct {
	mu    sync.Mutex
	lines []string
	errs  []string
}

func (s *statusRec) Statusf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, fmt.Sprintf(format, args...))
}

func (s *statusRec) Errorf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, fmt.Sprintf(format, args...))
}

func (s *statusRec) contains(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range append(append([]string{}, s.lines...), s.errs...) {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

// fakeEngine records plan submissions and control requests.
type fakeEngine struct {
	mu        sync.Mutex
	state     engine.State
	plans     []engine.Plan
	failAt    int // 1-based invocation index that fails; 0 = never
	resumes   int
	aborts    int
	pauseReqs int
	obs       []func(engine.State)
}

func newFakeEngine() *fakeEngine { return &fakeEngine{state: engine.Idle, failAt: 0} }

func (e *fakeEngine) State() engine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *fakeEngine) setState(st engine.State) {
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
}

func (e *fakeEngine) Invoke(ctx context.Context, p engine.Plan) (engine.Result, error) {
	e.mu.Lock()
	e.plans = append(e.plans, p)
	n := len(e.plans)
	fail := e.failAt
	e.mu.Unlock()
	if fail != 0 && n == fail {
		return engine.Result{}, errors.New("simulated plan failure")
	}
	out := make(map[string]float64, len(p.Imagers))
	for i, im := range p.Imagers {
		if i < len(p.Goals) {
			out[im.Name()] = p.Goals[i]
		} else {
			out[im.Name()] = 100
		}
	}
	return engine.Result{Measured: out}, nil
}

func (e *fakeEngine) RequestPause() {
	e.mu.Lock()
	e.pauseReqs++
	e.mu.Unlock()
}

func (e *fakeEngine) Resume() error {
	e.mu.Lock()
	e.resumes++
	e.state = engine.Running
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Abort() error {
	e.mu.Lock()
	e.aborts++
	e.state = engine.Idle
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) OnStateChange(fn func(engine.State)) {
	e.mu.Lock()
	e.obs = append(e.obs, fn)
	e.mu.Unlock()
}

// nominalMirror is a mirror fake that records restored nominals.
type nominalMirror struct {
	*device.Base
	nominal *float64
}

func (m *nominalMirror) SetNominal(v float64) { m.nominal = &v }

func newMirror(name string) *nominalMirror {
	b := device.NewBase(name)
	b.AddSignal("pitch.user_readback", name+":PITCH:RBV")
	b.AddSignal("pitch.user_setpoint", name+":PITCH:VAL")
	b.AddSignal("pitch.motor_done_move", name+":PITCH:DMOV")
	return &nominalMirror{Base: b}
}

func newImager(name string, size float64) *device.Base {
	b := device.NewBase(name)
	b.AddSignal(rotate.PathCentroidX, name+":CX")
	b.AddSignal(rotate.PathCentroidY, name+":CY")
	b.AddSignal(rotate.PathSizeX, name+":SX").Set(size)
	b.AddSignal(rotate.PathSizeY, name+":SY").Set(size)
	b.AddSignal("detector.image2.width", name+":W").Set(size)
	b.AddSignal("detector.image2.array_data", name+":DATA")
	return b
}

func newSlit(name string) *device.Base {
	b := device.NewBase(name)
	b.AddSignal("xwidth.readback", name+":XW")
	b.AddSignal("ywidth.readback", name+":YW")
	return b
}

// harness bundles an orchestrator with handles on its fakes.
type harness struct {
	orch       *Orchestrator
	eng        *fakeEngine
	status     *statusRec
	values     *cache.Values
	goalFields [MaxSlots]*testWidget
	toggles    [MaxSlots]*testToggle
	mirrors    map[string]*nominalMirror
	imagers    map[string]*device.Base
}

// newHarness builds the standard two-branch system: HOMS (m1h->hx2 at
// rotation 0, m2h->dg3 at rotation 180) and MFX (xrtm2->mfxdg1).
func newHarness(t *testing.T, params PlanParams) *harness {
	t.Helper()
	return newHarnessProcs(t, params, DefaultProcedures())
}

func newHarnessProcs(t *testing.T, params PlanParams, procs []Procedure) *harness {
	t.Helper()

	h := &harness{
		eng:     newFakeEngine(),
		status:  &statusRec{},
		values:  cache.NewValues(),
		mirrors: make(map[string]*nominalMirror),
		imagers: make(map[string]*device.Base),
	}

	for _, name := range []string{"m1h", "m2h", "xrtm2"} {
		h.mirrors[name] = newMirror(name)
	}
	for _, name := range []string{"hx2", "dg3", "mfxdg1"} {
		h.imagers[name] = newImager(name, 500)
	}

	sys := NewSystem()
	sys.Add("m1h", SlotSet{Mirror: h.mirrors["m1h"], Imager: h.imagers["hx2"], Slits: newSlit("hx2_slits"), Rotation: 0})
	sys.Add("m2h", SlotSet{Mirror: h.mirrors["m2h"], Imager: h.imagers["dg3"], Slits: newSlit("dg3_slits"), Rotation: 180})
	sys.Add("mfx", SlotSet{Mirror: h.mirrors["xrtm2"], Imager: h.imagers["mfxdg1"], Rotation: 0})

	var groups Groups
	for i := 0; i < MaxSlots; i++ {
		groups.Mirrors[i] = binding.NewObjGroup(
			[]binding.Widget{&testWidget{}, &testWidget{}, &testWidget{}},
			MirrorAttrs, &testWidget{})
		h.goalFields[i] = &testWidget{}
		h.toggles[i] = &testToggle{}
		groups.Goals[i] = binding.NewValueGroup(h.goalFields[i], &testWidget{}, h.toggles[i], h.values)
	}
	groups.Slits = binding.NewObjGroup(
		[]binding.Widget{&testWidget{}, &testWidget{}}, SlitAttrs, &testWidget{})

	var orch *Orchestrator
	groups.Image = binding.NewCentroidGroup(
		&testWidget{}, &testWidget{}, &testWidget{}, &testWidget{}, &testWidget{}, &testWidget{}, &testWidget{},
		func() *float64 {
			if orch == nil {
				return nil
			}
			return orch.Goal()
		})

	orch = New(Deps{
		System:     sys,
		Procedures: procs,
		Engine:     h.eng,
		Values:     h.values,
		Status:     h.status,
		Params:     params,
		Groups:     groups,
	})
	h.orch = orch
	return h
}

func TestStartRequiresAllGoals(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{Tolerance: 5})

	// HOMS has two slots; fill only the first.
	h.goalFields[0].SetText("480")
	require.NoError(t, h.orch.Start(context.Background()))

	require.Empty(t, h.eng.plans, "no plan may be submitted with a missing goal")
	require.Equal(t, engine.Idle, h.orch.State())
	require.True(t, h.status.contains("fill all goal fields"))
	require.False(t, h.orch.Guard().Enabled())
}

func TestStartRejectsUnknownProcedureKey(t *testing.T) {
	t.Parallel()
	h := newHarnessProcs(t, PlanParams{}, []Procedure{
		{Name: "HOMS", Groups: [][]string{{"m1h", "bogus"}}},
	})

	h.goalFields[0].SetText("480")
	err := h.orch.Start(context.Background())
	require.ErrorContains(t, err, `unknown key "bogus"`)

	require.Empty(t, h.eng.plans, "a procedure with an unresolvable key must submit nothing")
	require.Equal(t, engine.Idle, h.orch.State())
	require.False(t, h.orch.Guard().Enabled())
}

func TestStartIgnoresTrailingSlots(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	// Only the first K slots matter; slot 2 and 3 are outside HOMS.
	h.goalFields[0].SetText("480")
	h.goalFields[1].SetText("250")
	h.goalFields[2].SetText("garbage that would fail validation")

	require.NoError(t, h.orch.Start(context.Background()))
	require.Len(t, h.eng.plans, 1)
}

func TestStartConvertsGoalsToNativeSpace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	// hx2 at rotation 0 keeps 480; dg3 at rotation 180 with a 500 px
	// sensor reflects to 20.
	h.goalFields[0].SetText("480")
	h.goalFields[1].SetText("480")
	require.NoError(t, h.orch.Start(context.Background()))

	require.Len(t, h.eng.plans, 1)
	p := h.eng.plans[0]
	require.Equal(t, engine.KindAlign, p.Kind)
	require.Equal(t, "pitch", p.MirrorKey)
	require.Equal(t, []string{rotate.KeyCentroidX, rotate.KeyCentroidX}, p.DetectorKeys)
	require.InDelta(t, 480, p.Goals[0], 1e-9)
	require.InDelta(t, 20, p.Goals[1], 1e-9)
	require.NotEmpty(t, p.ID)
}

func TestStartRunsGroupsSequentiallyAndStopsOnFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	h.orch.SelectProcedure("HOMS + MFX")
	for i := 0; i < 3; i++ {
		h.goalFields[i].SetText("250")
	}
	h.eng.failAt = 1

	err := h.orch.Start(context.Background())
	require.Error(t, err)
	require.Len(t, h.eng.plans, 1, "group 2 must not run after group 1 fails")
	require.False(t, h.orch.Guard().Enabled(), "guard must disarm on the failure path")
}

func TestStartMultiGroupGoalIndexing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	h.orch.SelectProcedure("HOMS + MFX")
	h.goalFields[0].SetText("100")
	h.goalFields[1].SetText("200")
	h.goalFields[2].SetText("300")

	require.NoError(t, h.orch.Start(context.Background()))
	require.Len(t, h.eng.plans, 2)
	// The second group's goal comes from slot 3, not slot 1.
	require.InDelta(t, 300, h.eng.plans[1].Goals[0], 1e-9)
}

func TestStartRestoresNominalPositions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	h.values.Put("m1h", 0.00123)
	h.goalFields[0].SetText("480")
	h.goalFields[1].SetText("480")
	require.NoError(t, h.orch.Start(context.Background()))

	require.NotNil(t, h.mirrors["m1h"].nominal)
	require.Equal(t, 0.00123, *h.mirrors["m1h"].nominal)
	// No cached entry for m2h: best-effort restore skips it silently.
	require.Nil(t, h.mirrors["m2h"].nominal)
}

func TestStartResumesWhenPaused(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	h.eng.setState(engine.Paused)
	require.NoError(t, h.orch.Start(context.Background()))
	require.Equal(t, 1, h.eng.resumes)
	require.True(t, h.orch.Guard().Enabled(), "resume re-arms auto select")
	require.Empty(t, h.eng.plans)
}

func TestPauseAndAbort(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	// Pause while idle: guard off, no engine request.
	h.orch.Pause()
	require.Equal(t, 0, h.eng.pauseReqs)

	h.eng.setState(engine.Running)
	h.orch.Guard().Enable()
	h.orch.Pause()
	require.Equal(t, 1, h.eng.pauseReqs)
	require.False(t, h.orch.Guard().Enabled(), "guard disarms immediately, not when the pause lands")

	// Abort while idle is a no-op.
	h.eng.setState(engine.Idle)
	h.orch.Abort()
	require.Equal(t, 0, h.eng.aborts)

	h.eng.setState(engine.Paused)
	h.orch.Abort()
	require.Equal(t, 1, h.eng.aborts)
}

func TestCloseAbortsOutstandingRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	h.orch.Close()
	require.Equal(t, 0, h.eng.aborts)

	h.eng.setState(engine.Running)
	h.orch.Close()
	require.Equal(t, 1, h.eng.aborts)
}

func TestGoalCachePersistsAcrossProcedureSwitches(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	h.goalFields[0].SetText("12.5")
	h.orch.SelectProcedure("MFX")
	require.Equal(t, "", h.goalFields[1].Text(), "inactive slots are cleared")

	h.orch.SelectProcedure("HOMS")
	require.Equal(t, "12.5", h.goalFields[0].Text(), "saved goal reappears for the same imager")

	v, ok := h.values.Get("hx2")
	require.True(t, ok)
	require.Equal(t, 12.5, v)
}

func TestSelectUnknownNamesAreReportedNoOps(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	before := h.orch.DisplayedImager()
	h.orch.SelectImager("dg33")
	require.Equal(t, before, h.orch.DisplayedImager())
	require.True(t, h.status.contains(`unknown imager "dg33"`))
	require.True(t, h.status.contains(`"dg3"`), "suggestion names the closest imager")

	active := h.orch.ActiveProcedure()
	h.orch.SelectProcedure("HOMSX")
	require.Equal(t, active, h.orch.ActiveProcedure())
	require.True(t, h.status.contains(`unknown procedure "HOMSX"`))
}

func TestSelectImagerRebindsSlitGroup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	h.orch.SelectImager("dg3")
	require.Equal(t, "dg3", h.orch.DisplayedImager())
	require.Equal(t, "dg3_slits", h.orch.groups.Slits.Name())

	// mfxdg1 has no slits: the slit group unbinds.
	h.orch.SelectImager("mfxdg1")
	require.Equal(t, "", h.orch.groups.Slits.Name())
}

func TestSlitCheckFillsGoals(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{Averages: 3})

	// Check slot 1 (dg3, rotation 180). Its native fiducial reading of
	// 20 must come back as canonical 480.
	h.imagers["dg3"].Signal(rotate.PathCentroidX).Set(20)
	h.toggles[1].SetChecked(true)

	require.NoError(t, h.orch.RunSlitCheck(context.Background(), true))

	require.Len(t, h.eng.plans, 1)
	require.Equal(t, engine.KindSlitScan, h.eng.plans[0].Kind)
	require.Equal(t, "dg3_slits", h.eng.plans[0].Slits[0].Name())
	// fakeEngine reports Goals[0] for align plans but echoes nothing
	// useful for slit scans; it returns goal-indexed output only when
	// goals exist, otherwise 100. Canonical of 100 at rotation 180 on a
	// 500 px sensor is 400.
	require.Equal(t, "400", h.goalFields[1].Text())
}

func TestSlitCheckWithNothingSelected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	require.NoError(t, h.orch.RunSlitCheck(context.Background(), true))
	require.Empty(t, h.eng.plans)
	require.True(t, h.status.contains("No valid slits selected"))
}

func TestSaveMirrorsAndGoals(t *testing.T) {
	t.Parallel()
	h := newHarness(t, PlanParams{})

	h.mirrors["m1h"].Signal("pitch.user_readback").Set(0.0014)
	h.mirrors["m2h"].Signal("pitch.user_readback").Set(0.0021)
	require.NoError(t, h.orch.SaveMirrors(context.Background()))

	v, ok := h.values.Get("m1h")
	require.True(t, ok)
	require.Equal(t, 0.0014, v)

	h.goalFields[0].SetText("480")
	require.NoError(t, h.orch.SaveGoals(context.Background()))
	v, ok = h.values.Get("hx2")
	require.True(t, ok)
	require.Equal(t, 480.0, v)
}

func TestLegacyGoalOffsetIsolated(t *testing.T) {
	t.Parallel()

	require.Equal(t, 480.0, legacyGoalOffset(480, false))
	require.Equal(t, 0.0, legacyGoalOffset(480, true))
	require.Equal(t, 460.0, legacyGoalOffset(20, true))

	// With the flag on, the offset acts on the already-reflected
	// native goal, matching the historical behavior.
	h := newHarness(t, PlanParams{LegacyGoalOffset: true})
	h.goalFields[0].SetText("100")
	h.goalFields[1].SetText("100")
	require.NoError(t, h.orch.Start(context.Background()))
	require.InDelta(t, 380, h.eng.plans[0].Goals[0], 1e-9) // 480-100
	require.InDelta(t, 80, h.eng.plans[0].Goals[1], 1e-9)  // 480-(500-100)
}
