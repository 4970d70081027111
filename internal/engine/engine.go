// Package engine defines the run-engine collaborator contract: an
// asynchronous executor of opaque alignment plans with idle/running/
// paused state and pause/resume/abort control. The console constructs
// plan descriptors and hands them to Invoke; everything else about plan
// execution belongs to the engine.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/beamops/beamalign/internal/device"
)

// State of the engine. The engine owns it; callers only mirror it.
type State string

const (
	Idle    State = "idle"
	Running State = "running"
	Paused  State = "paused"
)

// Kind selects what a plan does.
type Kind string

const (
	// KindAlign walks mirrors until each imager centroid reaches its
	// native-space goal.
	KindAlign Kind = "align"
	// KindSlitScan fiducializes one imager against its slits and
	// reports the measured centroid.
	KindSlitScan Kind = "slit_scan"
)

// Plan describes one engine invocation. Goals are in device-native
// space; DetectorKeys name the per-imager centroid readback the engine
// should watch, MirrorKey the mirror axis it should move.
type Plan struct {
	ID           string
	Kind         Kind
	Mirrors      []device.Device
	Imagers      []device.Device
	Slits        []device.Device
	DetectorKeys []string
	MirrorKey    string
	Goals        []float64

	FirstStep  float64
	Tolerance  float64
	Averages   int
	TolScaling float64
	Timeout    time.Duration
}

// Result carries per-imager readings produced by a plan.
type Result struct {
	// Measured maps imager name to the final native reading on the
	// plan's detector key.
	Measured map[string]float64
}

// Engine is the external run-engine surface the console depends on.
type Engine interface {
	State() State
	// Invoke runs one plan to completion, blocking the caller. Pause,
	// resume and abort requests arrive from other goroutines.
	Invoke(ctx context.Context, p Plan) (Result, error)
	// RequestPause asks the running plan to pause at the next safe
	// point. Safe to call in any state.
	RequestPause()
	// Resume continues a paused plan.
	Resume() error
	// Abort cancels the current plan. A no-op when idle.
	Abort() error
	// OnStateChange registers an observer for state transitions.
	OnStateChange(fn func(State))
}

var (
	ErrBusy      = errors.New("engine: a plan is already running")
	ErrAborted   = errors.New("engine: plan aborted")
	ErrNotPaused = errors.New("engine: not paused")
	ErrTimeout   = errors.New("engine: plan timed out")
)

// SignalPath converts a detector readback key to the dotted signal path
// it refers to, e.g. detector_stats2_centroid_x to
// detector.stats2.centroid.x.
func SignalPath(key string) string {
	switch key {
	case "detector_stats2_centroid_x":
		return "detector.stats2.centroid.x"
	case "detector_stats2_centroid_y":
		return "detector.stats2.centroid.y"
	}
	return strings.ReplaceAll(key, "_", ".")
}
