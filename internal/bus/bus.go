// Package bus is the one-way event surface toward the UI bridge. Events
// fan out to every subscriber over buffered channels; a subscriber that
// stops draining loses events rather than blocking the emitter.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names are the exact identifiers crossing the UI bridge.
const (
	EventSessionCreated       = "audio-session-created"
	EventSessionVolumeChanged = "audio-session-volume-changed"
	EventSessionStateChanged  = "session-state-changed"
	EventSessionClosed        = "audio-session-closed"
	EventExtensionAudioTabs   = "extension-audio-tabs"
)

type Event struct {
	Name    string
	Payload any
}

// VolumeChangedPayload accompanies audio-session-volume-changed.
type VolumeChangedPayload struct {
	UID       string  `json:"uid"`
	NewVolume float32 `json:"newVolume"`
	IsMuted   bool    `json:"isMuted"`
}

// SessionStatePayload accompanies session-state-changed.
type SessionStatePayload struct {
	UID      string `json:"uid"`
	IsActive bool   `json:"is_active"`
}

type Bus struct {
	logger *zap.SugaredLogger
	buffer int

	mu   sync.RWMutex
	subs map[*Subscriber]bool

	dropMu      sync.Mutex
	dropped     int64
	lastDropLog time.Time
}

type Subscriber struct {
	bus *Bus
	ch  chan Event
}

func New(logger *zap.SugaredLogger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		logger: logger,
		buffer: buffer,
		subs:   make(map[*Subscriber]bool),
	}
}

func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.subs[s] = true
	b.mu.Unlock()
	return s
}

func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscriber. Its channel is closed once no emitter
// can still be holding it.
func (s *Subscriber) Close() {
	b := s.bus
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

// Emit delivers the event to every subscriber. Per-emitter ordering is
// preserved by the channel; a full subscriber buffer drops the event
// for that subscriber only.
func (b *Bus) Emit(name string, payload any) {
	ev := Event{Name: name, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.noteDrop(name)
		}
	}
}

// noteDrop counts dropped deliveries and logs at most once per 10s so a
// stuck subscriber cannot flood the log.
func (b *Bus) noteDrop(name string) {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	b.dropped++
	now := time.Now()
	if b.lastDropLog.IsZero() || now.Sub(b.lastDropLog) >= 10*time.Second {
		b.logger.Warnw("events dropped: subscriber buffer full", "count", b.dropped, "last", name)
		b.dropped = 0
		b.lastDropLog = now
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
