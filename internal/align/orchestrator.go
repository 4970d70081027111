package align

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beamops/beamalign/internal/binding"
	"github.com/beamops/beamalign/internal/cache"
	"github.com/beamops/beamalign/internal/device"
	"github.com/beamops/beamalign/internal/engine"
	"github.com/beamops/beamalign/internal/rotate"
)

// StatusSink receives operator-visible log lines.
type StatusSink interface {
	Statusf(format string, args ...any)
	Errorf(format string, args ...any)
}

// PlanParams are the tunables handed to every alignment plan.
type PlanParams struct {
	FirstStep  float64
	Tolerance  float64
	Averages   int
	TolScaling float64
	Timeout    time.Duration

	// LegacyGoalOffset applies the historical flat goal correction;
	// see legacyGoalOffset.
	LegacyGoalOffset bool
}

// Groups are the display binding groups the orchestrator rebinds as
// the selection changes. Slots beyond the active procedure stay
// unbound.
type Groups struct {
	Mirrors [MaxSlots]*binding.ObjGroup
	Goals   [MaxSlots]*binding.ValueGroup
	Image   *binding.CentroidGroup
	Slits   *binding.ObjGroup
}

// MirrorAttrs are the mirror sub-signals shown in each mirror slot.
var MirrorAttrs = []string{
	"pitch.user_readback",
	"pitch.user_setpoint",
	"pitch.motor_done_move",
}

// SlitAttrs are the slit sub-signals shown next to the image.
var SlitAttrs = []string{
	"xwidth.readback",
	"ywidth.readback",
}

// NominalSetter is implemented by mirrors that accept a recovery
// position before an alignment.
type NominalSetter interface {
	SetNominal(v float64)
}

// Deps wires an Orchestrator.
type Deps struct {
	System     *System
	Procedures []Procedure
	Engine     engine.Engine
	Values     *cache.Values
	Store      *cache.Store
	Status     StatusSink
	Params     PlanParams
	Groups     Groups
}

// Orchestrator coordinates procedure selection, goal validation, plan
// submission and pause/resume/abort. Run state itself belongs to the
// engine; the orchestrator only mirrors it.
type Orchestrator struct {
	system *System
	procs  []Procedure
	engine engine.Engine
	values *cache.Values
	store  *cache.Store
	status StatusSink
	params PlanParams
	groups Groups
	guard  *AutoGuard

	mu         sync.Mutex
	activeProc Procedure
	displayed  string
}

// New builds the orchestrator, arms the auto-select guard on every
// configured imager, and binds the groups to the first procedure and
// imager. Deps.Procedures must not be empty.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		system: d.System,
		procs:  d.Procedures,
		engine: d.Engine,
		values: d.Values,
		store:  d.Store,
		status: d.Status,
		params: d.Params,
		groups: d.Groups,
	}

	o.guard = NewAutoGuard(
		o.activeImagers,
		o.DisplayedImager,
		func(name string) { o.SelectImager(name) },
		func(v any) { o.status.Errorf("auto-select callback failed: %v", v) },
	)
	for _, key := range o.system.Keys() {
		if set, _ := o.system.Get(key); set.Imager != nil {
			set.Imager.Subscribe(o.guard.OnPositionChanged)
		}
	}

	o.engine.OnStateChange(func(st engine.State) {
		o.status.Statusf("Status: %s", capitalize(string(st)))
	})

	o.SelectProcedure(o.procs[0].Name)
	if names := o.system.ImagerNames(); len(names) > 0 {
		o.SelectImager(names[0])
	}
	return o
}

// Guard exposes the auto-select guard, mainly for tests.
func (o *Orchestrator) Guard() *AutoGuard { return o.guard }

// Procedures lists the configured procedure names in order.
func (o *Orchestrator) Procedures() []string {
	out := make([]string, len(o.procs))
	for i, p := range o.procs {
		out[i] = p.Name
	}
	return out
}

// ImagerNames lists every configured imager name in system order.
func (o *Orchestrator) ImagerNames() []string { return o.system.ImagerNames() }

// ActiveProcedure returns the selected procedure name.
func (o *Orchestrator) ActiveProcedure() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeProc.Name
}

// DisplayedImager returns the imager the console is showing.
func (o *Orchestrator) DisplayedImager() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.displayed
}

// State mirrors the engine state.
func (o *Orchestrator) State() engine.State { return o.engine.State() }

// activeSets returns the active procedure's device sets in slot order.
func (o *Orchestrator) activeSets() []SlotSet {
	o.mu.Lock()
	keys := o.activeProc.Keys()
	o.mu.Unlock()

	out := make([]SlotSet, 0, len(keys))
	for _, key := range keys {
		if set, ok := o.system.Get(key); ok {
			out = append(out, set)
		}
	}
	return out
}

func (o *Orchestrator) activeImagers() []device.Device {
	sets := o.activeSets()
	out := make([]device.Device, 0, len(sets))
	for _, set := range sets {
		if set.Imager != nil {
			out = append(out, set.Imager)
		}
	}
	return out
}

// PaddedImagers returns the active imagers as a fixed slot sequence;
// empty slots are nil.
func (o *Orchestrator) PaddedImagers() [MaxSlots]device.Device {
	var out [MaxSlots]device.Device
	for i, set := range o.activeSets() {
		if i >= MaxSlots {
			break
		}
		out[i] = set.Imager
	}
	return out
}

// SelectProcedure swaps the active procedure: mirror slots rebind to
// the new device list, current goal values are stashed in the cache,
// and the goal slots are cleared and re-seeded for the new imager
// names. Run state is untouched. Unknown names are reported and
// ignored.
func (o *Orchestrator) SelectProcedure(name string) {
	var proc Procedure
	found := false
	for _, p := range o.procs {
		if p.Name == name {
			proc, found = p, true
			break
		}
	}
	if !found {
		o.status.Errorf("unknown procedure %q (closest: %q)", name, closest(name, o.Procedures()))
		return
	}

	o.status.Statusf("Selecting procedure %s", name)
	o.mu.Lock()
	o.activeProc = proc
	o.mu.Unlock()

	sets := o.activeSets()
	for i := 0; i < MaxSlots; i++ {
		var mirror device.Device
		if i < len(sets) {
			mirror = sets[i].Mirror
		}
		if g := o.groups.Mirrors[i]; g != nil {
			g.Bind(mirror)
		}
	}

	for i := 0; i < MaxSlots; i++ {
		g := o.groups.Goals[i]
		if g == nil {
			continue
		}
		g.Save()
		g.Clear()
		if i < len(sets) && sets[i].Imager != nil {
			g.Setup(sets[i].Imager.Name())
			g.EnableToggle(sets[i].Slits != nil)
		} else {
			g.Setup("")
			g.EnableToggle(false)
		}
	}
}

// SelectImager swaps the displayed imager and its slit readbacks.
// The name must be one of the configured imager names; anything else
// is reported and ignored.
func (o *Orchestrator) SelectImager(name string) {
	set, ok := o.system.ByImager(name)
	if !ok {
		o.status.Errorf("unknown imager %q (closest: %q)", name, closest(name, o.system.ImagerNames()))
		return
	}

	o.status.Statusf("Selecting imager %s", name)
	o.mu.Lock()
	o.displayed = name
	o.mu.Unlock()

	if o.groups.Image != nil {
		o.groups.Image.BindImager(set.Imager, set.Rotation)
	}
	if o.groups.Slits != nil {
		o.groups.Slits.Bind(set.Slits)
	}
}

// Goal returns the canonical goal for the displayed imager, or nil
// when the displayed imager is not part of the active procedure or has
// no goal entered.
func (o *Orchestrator) Goal() *float64 {
	name := o.DisplayedImager()
	for i, im := range o.PaddedImagers() {
		if im != nil && im.Name() == name {
			if g := o.groups.Goals[i]; g != nil {
				return g.Value()
			}
		}
	}
	return nil
}

// Start begins an idle engine or resumes a paused one. From idle, every
// active slot must hold a goal; the active procedure's groups are then
// submitted to the engine strictly in order, with the auto-select
// guard armed for the whole sequence and disarmed on every exit path.
func (o *Orchestrator) Start(ctx context.Context) error {
	switch o.engine.State() {
	case engine.Paused:
		o.status.Statusf("Resuming procedure.")
		o.guard.Enable()
		if err := o.engine.Resume(); err != nil {
			o.guard.Disable()
			o.status.Errorf("resume failed: %v", err)
			return err
		}
		return nil
	case engine.Running:
		return nil
	}

	o.mu.Lock()
	proc := o.activeProc
	o.mu.Unlock()

	// Every key must resolve before any goal slicing: activeSets drops
	// unknown keys, which would leave goals shorter than the groups.
	for _, key := range proc.Keys() {
		if _, ok := o.system.Get(key); !ok {
			err := fmt.Errorf("procedure %s references unknown key %q", proc.Name, key)
			o.status.Errorf("%v", err)
			return err
		}
	}

	sets := o.activeSets()
	if len(sets) > MaxSlots {
		err := fmt.Errorf("procedure spans %d devices, only %d slots exist", len(sets), MaxSlots)
		o.status.Errorf("%v", err)
		return err
	}
	goals := make([]float64, len(sets))
	for i := range sets {
		g := o.groups.Goals[i]
		v := g.Value()
		if v == nil {
			o.status.Statusf("Please fill all goal fields before alignment.")
			return nil
		}
		goals[i] = *v
	}

	o.status.Statusf("Starting %s procedure with goals %v", proc.Name, goals)

	o.guard.Enable()
	defer o.guard.Disable()

	offset := 0
	for _, groupKeys := range proc.Groups {
		plan, err := o.buildAlignPlan(groupKeys, goals[offset:offset+len(groupKeys)])
		offset += len(groupKeys)
		if err != nil {
			o.status.Errorf("plan construction failed: %v", err)
			return err
		}
		if _, err := o.engine.Invoke(ctx, plan); err != nil {
			o.status.Errorf("alignment failed: %v", err)
			return err
		}
	}
	o.status.Statusf("Alignment complete.")
	return nil
}

// buildAlignPlan turns one key group and its canonical goals into an
// engine plan with device-native targets. Saved nominal positions are
// restored onto the group's mirrors first, best effort: a missing
// cache entry is not an error.
func (o *Orchestrator) buildAlignPlan(keys []string, canonicalGoals []float64) (engine.Plan, error) {
	p := engine.Plan{
		ID:         uuid.NewString(),
		Kind:       engine.KindAlign,
		MirrorKey:  "pitch",
		FirstStep:  o.params.FirstStep,
		Tolerance:  o.params.Tolerance,
		Averages:   o.params.Averages,
		TolScaling: o.params.TolScaling,
		Timeout:    o.params.Timeout,
	}
	for i, key := range keys {
		set, ok := o.system.Get(key)
		if !ok {
			return engine.Plan{}, fmt.Errorf("procedure references unknown key %q", key)
		}
		if set.Mirror == nil || set.Imager == nil {
			return engine.Plan{}, fmt.Errorf("key %q is missing a mirror or imager", key)
		}

		if v, ok := o.values.Get(set.Mirror.Name()); ok {
			if ns, ok := set.Mirror.(NominalSetter); ok {
				ns.SetNominal(v)
			}
		}

		axes := rotate.Resolve(set.Imager, set.Rotation)
		// The historical correction acts on the device-native goal, so
		// it applies after the rotation reflection.
		goal := legacyGoalOffset(axes.NativeGoal(canonicalGoals[i]), o.params.LegacyGoalOffset)

		p.Mirrors = append(p.Mirrors, set.Mirror)
		p.Imagers = append(p.Imagers, set.Imager)
		p.DetectorKeys = append(p.DetectorKeys, axes.CanonicalKey)
		p.Goals = append(p.Goals, goal)
	}
	return p, nil
}

// legacyGoalOffset is the historical flat correction some alignment
// engines applied to canonical goals. It lives in exactly one place so
// it can be deleted without touching the rotation transform.
func legacyGoalOffset(goal float64, apply bool) float64 {
	if !apply {
		return goal
	}
	return 480 - goal
}

// Pause asks the engine to pause. The guard is disarmed immediately,
// not when the pause lands.
func (o *Orchestrator) Pause() {
	o.guard.Disable()
	if o.engine.State() != engine.Running {
		return
	}
	o.status.Statusf("Pausing procedure.")
	o.engine.RequestPause()
}

// Abort cancels whatever the engine is doing. A no-op when idle.
func (o *Orchestrator) Abort() {
	o.guard.Disable()
	if o.engine.State() == engine.Idle {
		return
	}
	o.status.Statusf("Aborting procedure.")
	if err := o.engine.Abort(); err != nil {
		o.status.Errorf("abort failed: %v", err)
	}
}

// Close aborts any outstanding run before the console goes away.
func (o *Orchestrator) Close() {
	if o.engine.State() != engine.Idle {
		_ = o.engine.Abort()
	}
}

// RunSlitCheck fiducializes every checked slot that has slits, one
// engine invocation per slot, and reports the measured canonical
// centroids. With fill set, measured values overwrite the matching
// goal fields.
func (o *Orchestrator) RunSlitCheck(ctx context.Context, fill bool) error {
	sets := o.activeSets()

	type check struct {
		slot int
		set  SlotSet
	}
	var checks []check
	for i, set := range sets {
		if i >= MaxSlots {
			break
		}
		g := o.groups.Goals[i]
		if set.Slits != nil && g != nil && g.IsChecked() {
			checks = append(checks, check{slot: i, set: set})
		}
	}
	if len(checks) == 0 {
		o.status.Statusf("No valid slits selected!")
		return nil
	}

	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.set.Slits.Name()
	}
	o.status.Statusf("Checking the following slits: %s", strings.Join(names, ", "))

	o.guard.Enable()
	defer o.guard.Disable()

	results := make(map[int]float64, len(checks))
	for _, c := range checks {
		axes := rotate.Resolve(c.set.Imager, c.set.Rotation)
		plan := engine.Plan{
			ID:           uuid.NewString(),
			Kind:         engine.KindSlitScan,
			Imagers:      []device.Device{c.set.Imager},
			Slits:        []device.Device{c.set.Slits},
			DetectorKeys: []string{axes.CanonicalKey},
			Averages:     o.params.Averages,
			Timeout:      o.params.Timeout,
		}
		res, err := o.engine.Invoke(ctx, plan)
		if err != nil {
			o.status.Errorf("slit check failed: %v", err)
			return err
		}
		if raw, ok := res.Measured[c.set.Imager.Name()]; ok {
			results[c.slot] = axes.CanonicalX(raw)
		}
	}

	o.status.Statusf("Slit scan found %d fiducialized goals.", len(results))
	if fill {
		for slot, v := range results {
			if g := o.groups.Goals[slot]; g != nil {
				g.SetValue(v)
			}
		}
	}
	return nil
}

// SaveGoals persists every filled goal of the active procedure into
// the cache and, when a store is attached, the nominal database.
func (o *Orchestrator) SaveGoals(ctx context.Context) error {
	sets := o.activeSets()
	saved := make(map[string]float64)
	for i := range sets {
		if i >= MaxSlots {
			break
		}
		g := o.groups.Goals[i]
		if g == nil || g.Name() == "" {
			continue
		}
		if v := g.Value(); v != nil {
			saved[g.Name()] = *v
		}
	}
	o.values.Merge(saved)
	if o.store == nil || len(saved) == 0 {
		return nil
	}
	if err := o.store.PutAll(ctx, saved); err != nil {
		o.status.Errorf("saving goals: %v", err)
		return err
	}
	o.status.Statusf("Saved %d goals.", len(saved))
	return nil
}

// SaveMirrors persists the active mirrors' current pitch readbacks as
// their nominal positions.
func (o *Orchestrator) SaveMirrors(ctx context.Context) error {
	saved := make(map[string]float64)
	for _, set := range o.activeSets() {
		if set.Mirror == nil {
			continue
		}
		if sig := set.Mirror.Signal("pitch.user_readback"); sig != nil {
			saved[set.Mirror.Name()] = sig.Value()
		}
	}
	o.values.Merge(saved)
	if o.store == nil || len(saved) == 0 {
		return nil
	}
	if err := o.store.PutAll(ctx, saved); err != nil {
		o.status.Errorf("saving mirror positions: %v", err)
		return err
	}
	o.status.Statusf("Saved %d mirror positions.", len(saved))
	return nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
