// Package audio isolates all platform audio code behind the Facade
// interface. Nothing else in the engine touches the OS audio API; the
// monitor drives a Facade, and the test suite substitutes the in-memory
// Simulator which fires the identical callback surface.
package audio

import (
	"errors"
	"math"
)

var (
	// ErrPlatformInit means the OS audio API refused initialization on
	// the calling thread. Fatal for the monitor.
	ErrPlatformInit = errors.New("audio: platform initialization failed")

	// ErrSessionGone means a write targeted a session whose handle is no
	// longer valid. Recovered locally by callers.
	ErrSessionGone = errors.New("audio: session no longer tracked")
)

// RawSession is a point-in-time description of one OS audio session as
// the facade sees it. Volume is already clamped to [0,1].
type RawSession struct {
	UID         string
	PID         uint32
	DisplayName string
	Volume      float32
	Muted       bool
	Active      bool
}

// EventKind discriminates per-session facade events.
type EventKind int

const (
	// EventVolumeChanged carries a new volume/mute pair.
	EventVolumeChanged EventKind = iota
	// EventStateChanged carries an active/inactive transition.
	EventStateChanged
	// EventDisconnected means the session expired or its device went
	// away; the session must be forgotten.
	EventDisconnected
)

// Event is a per-session notification. Only the fields relevant to its
// Kind are meaningful.
type Event struct {
	Kind   EventKind
	Volume float32
	Muted  bool
	Active bool
}

// Subscription is an opaque handle for a per-session event registration.
// Closing it unregisters the callbacks.
type Subscription interface {
	Close() error
}

// Facade is the narrow abstraction over the platform's session-based
// audio API.
//
// Initialize must be called exactly once, on the goroutine that will own
// the facade for its lifetime, before any other method. Callbacks passed
// to the Subscribe methods may fire on arbitrary OS threads and must not
// block.
//
// SetVolume and SetMute are safe to call from any goroutine once
// Initialize has returned: the underlying per-session volume interfaces
// tolerate cross-thread writes.
type Facade interface {
	Initialize() error
	EnumerateSessions() ([]RawSession, error)
	SubscribeSessionAdded(fn func(RawSession)) error
	SubscribeSessionEvents(uid string, fn func(Event)) (Subscription, error)

	// SetVolume clamps v to [0,1], writes it, and returns the value the
	// OS acknowledged.
	SetVolume(uid string, v float32) (float32, error)
	SetMute(uid string, muted bool) error

	// Close drops any remaining subscriptions (per-session first, then
	// the session-added registration) and releases the platform API.
	Close() error
}

// ClampVolume forces v into [0,1]. NaN collapses to 0 so a bad OS
// notification can never poison the registry.
func ClampVolume(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
