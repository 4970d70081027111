package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/beamops/beamalign/internal/device"
)

// Sim is a run engine for the simulated beamline. It iterates mirror
// moves against live centroid readbacks, fitting a local linear
// pitch-to-centroid model from the readings it has already collected.
type Sim struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	pauseReq bool
	abortReq bool
	obs      []func(State)

	// Settle is the wait between iterations, giving subscriptions a
	// chance to deliver. Kept tiny in tests.
	Settle time.Duration

	// MaxIters bounds one alignment, independent of the timeout.
	MaxIters int
}

// NewSim returns an idle simulated engine.
func NewSim() *Sim {
	s := &Sim{state: Idle, Settle: time.Millisecond, MaxIters: 200}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Sim) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a transition observer. Observers run on the
// engine goroutine and must not block.
func (s *Sim) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.obs = append(s.obs, fn)
	s.mu.Unlock()
}

func (s *Sim) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	obs := make([]func(State), len(s.obs))
	copy(obs, s.obs)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(st)
	}
}

func (s *Sim) RequestPause() {
	s.mu.Lock()
	if s.state == Running {
		s.pauseReq = true
	}
	s.mu.Unlock()
}

func (s *Sim) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return ErrNotPaused
	}
	s.pauseReq = false
	s.cond.Broadcast()
	return nil
}

// Abort cancels the current plan and is a no-op when idle.
func (s *Sim) Abort() error {
	s.mu.Lock()
	if s.state != Idle {
		s.abortReq = true
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	return nil
}

// checkpoint honors pending pause/abort requests between iterations.
// It returns ErrAborted once an abort has been requested.
func (s *Sim) checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortReq {
		return ErrAborted
	}
	if !s.pauseReq {
		return nil
	}
	s.state = Paused
	obs := make([]func(State), len(s.obs))
	copy(obs, s.obs)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(Paused)
	}
	s.mu.Lock()
	for s.pauseReq && !s.abortReq {
		s.cond.Wait()
	}
	if s.abortReq {
		return ErrAborted
	}
	s.state = Running
	obs = make([]func(State), len(s.obs))
	copy(obs, s.obs)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(Running)
	}
	s.mu.Lock()
	return nil
}

// Invoke executes one plan, blocking until it converges, fails, or is
// aborted. The engine always returns to idle afterwards.
func (s *Sim) Invoke(ctx context.Context, p Plan) (Result, error) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return Result{}, ErrBusy
	}
	s.state = Running
	s.pauseReq = false
	s.abortReq = false
	obs := make([]func(State), len(s.obs))
	copy(obs, s.obs)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(Running)
	}
	defer s.setState(Idle)

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var res Result
	var err error
	switch p.Kind {
	case KindSlitScan:
		res, err = s.runSlitScan(ctx, p)
	default:
		res, err = s.runAlign(ctx, p)
	}
	if err != nil {
		return Result{}, fmt.Errorf("plan %s: %w", p.ID, err)
	}
	return res, nil
}

// runAlign walks each mirror/imager pair toward its goal.
func (s *Sim) runAlign(ctx context.Context, p Plan) (Result, error) {
	if len(p.Mirrors) != len(p.Imagers) || len(p.Imagers) != len(p.Goals) {
		return Result{}, fmt.Errorf("mismatched plan lists: %d mirrors, %d imagers, %d goals",
			len(p.Mirrors), len(p.Imagers), len(p.Goals))
	}

	type axis struct {
		setpoint *device.Signal
		readback *device.Signal
		centroid *device.Signal
		fit      *responseFit
	}
	insertImagers(p.Imagers)

	axes := make([]axis, len(p.Mirrors))
	for i, m := range p.Mirrors {
		axes[i] = axis{
			setpoint: m.Signal(p.MirrorKey + ".user_setpoint"),
			readback: m.Signal(p.MirrorKey + ".user_readback"),
			centroid: p.Imagers[i].Signal(SignalPath(p.DetectorKeys[i])),
			fit:      newResponseFit(),
		}
		if axes[i].setpoint == nil || axes[i].centroid == nil {
			return Result{}, fmt.Errorf("imager %s: unresolved plan signals", p.Imagers[i].Name())
		}
	}

	for iter := 0; iter < s.MaxIters; iter++ {
		if err := s.checkpoint(); err != nil {
			return Result{}, err
		}
		if err := ctxErr(ctx); err != nil {
			return Result{}, err
		}

		done := true
		for i := range axes {
			a := &axes[i]
			reading := s.average(a.centroid, p.Averages)
			a.fit.add(a.readback.Value(), reading)
			err := p.Goals[i] - reading
			if math.Abs(err) <= p.Tolerance {
				continue
			}
			done = false

			pitch := a.readback.Value()
			if next, ok := a.fit.solve(p.Goals[i]); ok {
				// Damp the model step so a noisy fit cannot fling the
				// mirror across its range.
				step := next - pitch
				if max := p.FirstStep * p.TolScaling; math.Abs(step) > max {
					step = math.Copysign(max, step)
				}
				a.setpoint.Set(pitch + step)
			} else {
				// Not enough history for a fit; probe with a fixed step.
				a.setpoint.Set(pitch + math.Copysign(p.FirstStep, err))
			}
		}
		if done {
			return s.measure(p), nil
		}
		time.Sleep(s.Settle)
	}
	return Result{}, fmt.Errorf("no convergence after %d iterations", s.MaxIters)
}

// runSlitScan measures the fiducialized centroid of one imager.
func (s *Sim) runSlitScan(ctx context.Context, p Plan) (Result, error) {
	if len(p.Imagers) != 1 {
		return Result{}, fmt.Errorf("slit scan wants exactly one imager, got %d", len(p.Imagers))
	}
	if err := s.checkpoint(); err != nil {
		return Result{}, err
	}
	if err := ctxErr(ctx); err != nil {
		return Result{}, err
	}
	insertImagers(p.Imagers)
	img := p.Imagers[0]
	sig := img.Signal(SignalPath(p.DetectorKeys[0]))
	if sig == nil {
		return Result{}, fmt.Errorf("imager %s: unresolved detector key %s", img.Name(), p.DetectorKeys[0])
	}
	return Result{Measured: map[string]float64{img.Name(): s.average(sig, p.Averages)}}, nil
}

func (s *Sim) measure(p Plan) Result {
	out := make(map[string]float64, len(p.Imagers))
	for i, img := range p.Imagers {
		if sig := img.Signal(SignalPath(p.DetectorKeys[i])); sig != nil {
			out[img.Name()] = sig.Value()
		}
	}
	return Result{Measured: out}
}

// insertImagers moves a plan's cameras into the beam. Devices without
// an insert motion are left alone.
func insertImagers(imagers []device.Device) {
	type inserter interface{ MoveIn() }
	for _, img := range imagers {
		if ins, ok := img.(inserter); ok && img.Position() != device.PositionIn {
			ins.MoveIn()
		}
	}
}

// ctxErr maps a context deadline onto the engine's timeout error.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// average reads a signal n times to knock down simulated noise.
func (s *Sim) average(sig *device.Signal, n int) float64 {
	if n <= 1 {
		return sig.Value()
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += sig.Value()
	}
	return sum / float64(n)
}

// responseFit accumulates (pitch, centroid) samples and solves the
// least-squares line through them.
type responseFit struct {
	pitches  []float64
	readings []float64
}

func newResponseFit() *responseFit {
	return &responseFit{}
}

func (f *responseFit) add(pitch, reading float64) {
	f.pitches = append(f.pitches, pitch)
	f.readings = append(f.readings, reading)
	// Old samples stop describing the local response once the mirror
	// has moved far; keep a short window.
	if len(f.pitches) > 8 {
		f.pitches = f.pitches[1:]
		f.readings = f.readings[1:]
	}
}

// solve returns the pitch at which the fitted line crosses goal.
func (f *responseFit) solve(goal float64) (float64, bool) {
	n := len(f.pitches)
	if n < 2 {
		return 0, false
	}
	a := mat.NewDense(n, 2, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		a.Set(i, 0, 1)
		a.Set(i, 1, f.pitches[i])
		b.SetVec(i, f.readings[i])
	}
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return 0, false
	}
	intercept, slope := x.AtVec(0), x.AtVec(1)
	if math.Abs(slope) < 1e-12 || math.IsNaN(slope) {
		return 0, false
	}
	return (goal - intercept) / slope, true
}
