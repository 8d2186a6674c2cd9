// Package monitor owns the OS audio facade for the process lifetime. A
// single worker goroutine, locked to its OS thread because the platform
// API is thread-affine, initializes the facade, adopts every session,
// and drains one callback queue so events for a given session reach the
// bus in OS delivery order.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mixdeck/backend/internal/audio"
	"github.com/mixdeck/backend/internal/bus"
	"github.com/mixdeck/backend/internal/session"
)

type callbackKind int

const (
	callbackSessionAdded callbackKind = iota
	callbackSessionEvent
)

// callback is one facade notification queued for the worker.
type callback struct {
	kind callbackKind
	raw  audio.RawSession // callbackSessionAdded
	uid  string           // callbackSessionEvent
	ev   audio.Event      // callbackSessionEvent
}

type Monitor struct {
	logger   *zap.SugaredLogger
	facade   audio.Facade
	registry *session.Registry
	events   *bus.Bus

	queue chan callback
	subs  map[string]audio.Subscription // owned by the worker goroutine

	ready     chan struct{}
	readyOnce sync.Once

	dropMu      sync.Mutex
	dropped     int64
	lastDropLog time.Time
}

func New(logger *zap.SugaredLogger, facade audio.Facade, registry *session.Registry, events *bus.Bus, callbackBuffer int) *Monitor {
	if callbackBuffer <= 0 {
		callbackBuffer = 256
	}
	return &Monitor{
		logger:   logger,
		facade:   facade,
		registry: registry,
		events:   events,
		queue:    make(chan callback, callbackBuffer),
		subs:     make(map[string]audio.Subscription),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once initial enumeration has completed and every
// pre-existing session is in the registry.
func (m *Monitor) Ready() <-chan struct{} {
	return m.ready
}

// Run blocks until ctx is cancelled. It returns an error only when
// startup fails: an Initialize failure (wrapping audio.ErrPlatformInit),
// or a failure to register for new sessions or to enumerate the initial
// ones. Any of these is fatal for the process.
func (m *Monitor) Run(ctx context.Context) error {
	// The platform audio API is thread-affine: COM apartment setup,
	// notification registration, and teardown all happen on this thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := m.facade.Initialize(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	defer m.facade.Close()

	// Register for new-session notifications before enumerating, so a
	// session appearing mid-enumeration is never missed. Adoption is
	// insert-if-absent, so one seen by both paths registers once.
	if err := m.facade.SubscribeSessionAdded(m.onSessionAdded); err != nil {
		return fmt.Errorf("monitor: subscribe session added: %w", err)
	}

	sessions, err := m.facade.EnumerateSessions()
	if err != nil {
		return fmt.Errorf("monitor: enumerate sessions: %w", err)
	}
	for _, raw := range sessions {
		m.adopt(raw)
	}
	m.readyOnce.Do(func() { close(m.ready) })
	m.logger.Infow("monitor started", "sessions", len(sessions))

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case cb := <-m.queue:
			switch cb.kind {
			case callbackSessionAdded:
				m.adopt(cb.raw)
			case callbackSessionEvent:
				m.handleSessionEvent(cb.uid, cb.ev)
			}
		}
	}
}

// onSessionAdded runs on an arbitrary OS thread; it only enqueues.
func (m *Monitor) onSessionAdded(raw audio.RawSession) {
	m.enqueue(callback{kind: callbackSessionAdded, raw: raw})
}

// adopt materializes a record for raw, subscribes its events, and emits
// audio-session-created. Runs on the worker goroutine only, which is
// what guarantees created precedes every per-session event.
func (m *Monitor) adopt(raw audio.RawSession) {
	rec := &session.Record{
		PID:    raw.PID,
		UID:    raw.UID,
		Name:   raw.DisplayName,
		Volume: session.ClampVolume(raw.Volume),
		Muted:  raw.Muted,
		Active: raw.Active,
	}
	if !m.registry.Insert(rec) {
		return // already tracked
	}

	uid := raw.UID
	sub, err := m.facade.SubscribeSessionEvents(uid, func(ev audio.Event) {
		m.enqueue(callback{kind: callbackSessionEvent, uid: uid, ev: ev})
	})
	if err != nil {
		// Partial registration: drop the record and emit nothing.
		m.registry.Remove(uid)
		if !errors.Is(err, audio.ErrSessionGone) {
			m.logger.Warnw("session registration failed", "uid", uid, "error", err)
		}
		return
	}
	m.subs[uid] = sub

	m.events.Emit(bus.EventSessionCreated, rec)
	m.logger.Debugw("session created", "uid", uid, "name", rec.Name, "pid", rec.PID)
}

func (m *Monitor) handleSessionEvent(uid string, ev audio.Event) {
	switch ev.Kind {
	case audio.EventVolumeChanged:
		v := session.ClampVolume(ev.Volume)
		if !m.registry.SetVolume(uid, v, ev.Muted) {
			return
		}
		m.events.Emit(bus.EventSessionVolumeChanged, bus.VolumeChangedPayload{
			UID:       uid,
			NewVolume: v,
			IsMuted:   ev.Muted,
		})

	case audio.EventStateChanged:
		if !m.registry.SetActive(uid, ev.Active) {
			return
		}
		m.events.Emit(bus.EventSessionStateChanged, bus.SessionStatePayload{
			UID:      uid,
			IsActive: ev.Active,
		})

	case audio.EventDisconnected:
		sub, tracked := m.subs[uid]
		if tracked {
			sub.Close()
			delete(m.subs, uid)
		}
		if m.registry.Remove(uid) {
			m.events.Emit(bus.EventSessionClosed, uid)
			m.logger.Debugw("session closed", "uid", uid)
		}
	}
}

// shutdown unsubscribes in reverse acquisition order: per-session
// subscriptions first; the session-added registration and the facade
// itself are released by facade.Close.
func (m *Monitor) shutdown() {
	for uid, sub := range m.subs {
		sub.Close()
		delete(m.subs, uid)
	}
	m.logger.Info("monitor stopped")
}

// enqueue never blocks: facade callbacks arrive on OS threads that must
// not stall. A full queue drops the callback; the drop is counted and
// logged at most once per 10s.
func (m *Monitor) enqueue(cb callback) {
	select {
	case m.queue <- cb:
	default:
		m.dropMu.Lock()
		m.dropped++
		now := time.Now()
		if m.lastDropLog.IsZero() || now.Sub(m.lastDropLog) >= 10*time.Second {
			m.logger.Warnw("facade callbacks dropped: queue full", "count", m.dropped)
			m.dropped = 0
			m.lastDropLog = now
		}
		m.dropMu.Unlock()
	}
}
