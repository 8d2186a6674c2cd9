package audio

import (
	"sync"
)

// Simulator is an in-memory Facade. It backs the test suite and the
// engine's -mock mode: callers script sessions and notifications, and
// the simulator drives the same callback surface the platform facade
// would.
//
// Callbacks fire synchronously on the goroutine that triggered them,
// which keeps tests deterministic. They are invoked outside the
// simulator's lock, so a callback may call back into the Facade.
type Simulator struct {
	mu sync.Mutex

	initialized bool
	echoWrites  bool
	sessions    map[string]*simSession
	added       func(RawSession)
}

type simSession struct {
	raw  RawSession
	subs []*simSubscription
}

type simSubscription struct {
	sim    *Simulator
	uid    string
	fn     func(Event)
	closed bool
}

func (s *simSubscription) Close() error {
	s.sim.mu.Lock()
	defer s.sim.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if sess, ok := s.sim.sessions[s.uid]; ok {
		for i, sub := range sess.subs {
			if sub == s {
				sess.subs = append(sess.subs[:i], sess.subs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// NewSimulator returns an empty simulator. When echoWrites is true,
// SetVolume/SetMute fire a VolumeChanged event back at subscribers the
// way the OS does after a successful write.
func NewSimulator(echoWrites bool) *Simulator {
	return &Simulator{
		echoWrites: echoWrites,
		sessions:   make(map[string]*simSession),
	}
}

func (s *Simulator) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrPlatformInit
	}
	s.initialized = true
	return nil
}

func (s *Simulator) EnumerateSessions() ([]RawSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RawSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.raw)
	}
	return out, nil
}

func (s *Simulator) SubscribeSessionAdded(fn func(RawSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = fn
	return nil
}

func (s *Simulator) SubscribeSessionEvents(uid string, fn func(Event)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uid]
	if !ok {
		return nil, ErrSessionGone
	}
	sub := &simSubscription{sim: s, uid: uid, fn: fn}
	sess.subs = append(sess.subs, sub)
	return sub, nil
}

func (s *Simulator) SetVolume(uid string, v float32) (float32, error) {
	v = ClampVolume(v)

	s.mu.Lock()
	sess, ok := s.sessions[uid]
	if !ok {
		s.mu.Unlock()
		return 0, ErrSessionGone
	}
	sess.raw.Volume = v
	muted := sess.raw.Muted
	fns := s.subscriberFnsLocked(sess)
	echo := s.echoWrites
	s.mu.Unlock()

	if echo {
		for _, fn := range fns {
			fn(Event{Kind: EventVolumeChanged, Volume: v, Muted: muted})
		}
	}
	return v, nil
}

func (s *Simulator) SetMute(uid string, muted bool) error {
	s.mu.Lock()
	sess, ok := s.sessions[uid]
	if !ok {
		s.mu.Unlock()
		return ErrSessionGone
	}
	sess.raw.Muted = muted
	volume := sess.raw.Volume
	fns := s.subscriberFnsLocked(sess)
	echo := s.echoWrites
	s.mu.Unlock()

	if echo {
		for _, fn := range fns {
			fn(Event{Kind: EventVolumeChanged, Volume: volume, Muted: muted})
		}
	}
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		for _, sub := range sess.subs {
			sub.closed = true
		}
		sess.subs = nil
	}
	s.sessions = make(map[string]*simSession)
	s.added = nil
	s.initialized = false
	return nil
}

// AddSession registers a new fake session and fires the session-added
// callback, mirroring a session appearing on the endpoint.
func (s *Simulator) AddSession(raw RawSession) {
	raw.Volume = ClampVolume(raw.Volume)

	s.mu.Lock()
	if _, ok := s.sessions[raw.UID]; ok {
		s.mu.Unlock()
		return
	}
	s.sessions[raw.UID] = &simSession{raw: raw}
	added := s.added
	s.mu.Unlock()

	if added != nil {
		added(raw)
	}
}

// Seed registers a fake session without firing the added callback. Use
// before the monitor starts to model sessions that predate it.
func (s *Simulator) Seed(raw RawSession) {
	raw.Volume = ClampVolume(raw.Volume)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[raw.UID]; !ok {
		s.sessions[raw.UID] = &simSession{raw: raw}
	}
}

// FireVolumeChanged delivers an OS-originated volume notification.
func (s *Simulator) FireVolumeChanged(uid string, volume float32, muted bool) {
	s.mu.Lock()
	sess, ok := s.sessions[uid]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.raw.Volume = ClampVolume(volume)
	sess.raw.Muted = muted
	v := sess.raw.Volume
	fns := s.subscriberFnsLocked(sess)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(Event{Kind: EventVolumeChanged, Volume: v, Muted: muted})
	}
}

// FireStateChanged delivers an active/inactive transition.
func (s *Simulator) FireStateChanged(uid string, active bool) {
	s.mu.Lock()
	sess, ok := s.sessions[uid]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.raw.Active = active
	fns := s.subscriberFnsLocked(sess)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(Event{Kind: EventStateChanged, Active: active})
	}
}

// FireDisconnected expires the session. Its handle becomes invalid:
// later writes fail with ErrSessionGone.
func (s *Simulator) FireDisconnected(uid string) {
	s.mu.Lock()
	sess, ok := s.sessions[uid]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, uid)
	fns := s.subscriberFnsLocked(sess)
	for _, sub := range sess.subs {
		sub.closed = true
	}
	sess.subs = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn(Event{Kind: EventDisconnected})
	}
}

func (s *Simulator) subscriberFnsLocked(sess *simSession) []func(Event) {
	fns := make([]func(Event), 0, len(sess.subs))
	for _, sub := range sess.subs {
		if !sub.closed {
			fns = append(fns, sub.fn)
		}
	}
	return fns
}
