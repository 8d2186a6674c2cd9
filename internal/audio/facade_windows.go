//go:build windows

package audio

import (
	"fmt"
	"sync"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca/pkg/wca"
	"go.uber.org/zap"
)

// Core Audio session states (audiosessiontypes.h).
const (
	audioSessionStateInactive uint32 = 0
	audioSessionStateActive   uint32 = 1
	audioSessionStateExpired  uint32 = 2
)

// wcaFacade is the Windows implementation of Facade on top of the Core
// Audio session API. Initialize/Close must run on the goroutine that
// owns the facade (the monitor locks its OS thread for this). The
// per-session ISimpleAudioVolume setters tolerate cross-thread calls,
// so SetVolume/SetMute may be invoked from any goroutine.
type wcaFacade struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	deviceEnumerator *wca.IMMDeviceEnumerator
	device           *wca.IMMDevice
	manager          *wca.IAudioSessionManager2
	notifier         *sessionNotificationServer
	sessions         map[string]*wcaSession
	comReady         bool
}

// wcaSession bundles the COM interfaces held for one tracked session.
type wcaSession struct {
	control  *wca.IAudioSessionControl
	control2 *wca.IAudioSessionControl2
	volume   *wca.ISimpleAudioVolume
	events   *sessionEventsServer
}

// NewPlatformFacade returns the Core Audio facade for this machine.
func NewPlatformFacade(logger *zap.SugaredLogger) (Facade, error) {
	return &wcaFacade{
		logger:   logger,
		sessions: make(map[string]*wcaSession),
	}, nil
}

func (f *wcaFacade) Initialize() error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		return fmt.Errorf("%w: CoInitializeEx: %v", ErrPlatformInit, err)
	}
	f.comReady = true

	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &f.deviceEnumerator); err != nil {
		f.teardown()
		return fmt.Errorf("%w: create device enumerator: %v", ErrPlatformInit, err)
	}
	if err := f.deviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &f.device); err != nil {
		f.teardown()
		return fmt.Errorf("%w: default render endpoint: %v", ErrPlatformInit, err)
	}
	if err := f.device.Activate(wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, nil, &f.manager); err != nil {
		f.teardown()
		return fmt.Errorf("%w: activate session manager: %v", ErrPlatformInit, err)
	}
	return nil
}

func (f *wcaFacade) EnumerateSessions() ([]RawSession, error) {
	var enumerator *wca.IAudioSessionEnumerator
	if err := f.manager.GetSessionEnumerator(&enumerator); err != nil {
		return nil, fmt.Errorf("session enumerator: %w", err)
	}
	defer enumerator.Release()

	var count int
	if err := enumerator.GetCount(&count); err != nil {
		return nil, fmt.Errorf("session count: %w", err)
	}

	out := make([]RawSession, 0, count)
	for i := 0; i < count; i++ {
		var control *wca.IAudioSessionControl
		if err := enumerator.GetSession(i, &control); err != nil {
			f.logger.Warnw("skipping session", "index", i, "error", err)
			continue
		}
		raw, err := f.adoptSession(control)
		if err != nil {
			f.logger.Warnw("skipping session", "index", i, "error", err)
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// adoptSession takes full ownership of control: on every path the
// reference is either cached under the session's instance identifier or
// released here. If the session is already tracked the fresh control is
// released and the cached handle is used to read current values.
func (f *wcaFacade) adoptSession(control *wca.IAudioSessionControl) (RawSession, error) {
	dispatch, err := control.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		control.Release()
		return RawSession{}, fmt.Errorf("query IAudioSessionControl2: %w", err)
	}
	control2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))

	var uid string
	if err := control2.GetSessionInstanceIdentifier(&uid); err != nil {
		control2.Release()
		control.Release()
		return RawSession{}, fmt.Errorf("get session instance identifier: %w", err)
	}
	if uid == "" {
		control2.Release()
		control.Release()
		return RawSession{}, fmt.Errorf("session has no instance identifier")
	}

	f.mu.Lock()
	if existing, ok := f.sessions[uid]; ok {
		f.mu.Unlock()
		control2.Release()
		control.Release()
		return f.readSession(uid, existing)
	}
	f.mu.Unlock()

	volDispatch, err := control.QueryInterface(wca.IID_ISimpleAudioVolume)
	if err != nil {
		control2.Release()
		control.Release()
		return RawSession{}, fmt.Errorf("query ISimpleAudioVolume: %w", err)
	}
	volume := (*wca.ISimpleAudioVolume)(unsafe.Pointer(volDispatch))

	sess := &wcaSession{control: control, control2: control2, volume: volume}

	f.mu.Lock()
	if existing, ok := f.sessions[uid]; ok {
		// Lost the race with a concurrent adopt of the same uid.
		f.mu.Unlock()
		volume.Release()
		control2.Release()
		control.Release()
		return f.readSession(uid, existing)
	}
	f.sessions[uid] = sess
	f.mu.Unlock()

	raw, err := f.readSession(uid, sess)
	if err != nil {
		f.dropSession(uid)
		return RawSession{}, err
	}
	return raw, nil
}

// readSession builds a RawSession from the live COM interfaces.
func (f *wcaFacade) readSession(uid string, sess *wcaSession) (RawSession, error) {
	var pid uint32
	if err := sess.control2.GetProcessId(&pid); err != nil {
		// System-sounds sessions report a failure here; pid 0 is the
		// documented value for them.
		pid = 0
	}

	var level float32
	if err := sess.volume.GetMasterVolume(&level); err != nil {
		return RawSession{}, fmt.Errorf("get master volume: %w", err)
	}
	var muted bool
	if err := sess.volume.GetMute(&muted); err != nil {
		return RawSession{}, fmt.Errorf("get mute: %w", err)
	}

	var state uint32
	if err := sess.control.GetState(&state); err != nil {
		return RawSession{}, fmt.Errorf("get state: %w", err)
	}

	var declared string
	if err := sess.control.GetDisplayName(&declared); err != nil {
		declared = ""
	}

	return RawSession{
		UID:         uid,
		PID:         pid,
		DisplayName: ResolveDisplayName(declared, pid),
		Volume:      ClampVolume(level),
		Muted:       muted,
		Active:      state == audioSessionStateActive,
	}, nil
}

func (f *wcaFacade) SubscribeSessionAdded(fn func(RawSession)) error {
	notifier := newSessionNotificationServer(func(control *wca.IAudioSessionControl) {
		raw, err := f.adoptSession(control)
		if err != nil {
			f.logger.Warnw("new session rejected", "error", err)
			return
		}
		fn(raw)
	})

	if err := f.manager.RegisterSessionNotification((*wca.IAudioSessionNotification)(unsafe.Pointer(notifier))); err != nil {
		notifier.release()
		return fmt.Errorf("register session notification: %w", err)
	}
	f.mu.Lock()
	f.notifier = notifier
	f.mu.Unlock()
	return nil
}

func (f *wcaFacade) SubscribeSessionEvents(uid string, fn func(Event)) (Subscription, error) {
	sess := f.sessionHandle(uid)
	if sess == nil {
		return nil, ErrSessionGone
	}

	server := newSessionEventsServer(f, uid, fn)
	if err := sess.control.RegisterAudioSessionNotification((*wca.IAudioSessionEvents)(unsafe.Pointer(server))); err != nil {
		server.release()
		return nil, fmt.Errorf("register session events: %w", err)
	}

	f.mu.Lock()
	sess.events = server
	f.mu.Unlock()

	return &wcaSubscription{facade: f, uid: uid}, nil
}

func (f *wcaFacade) SetVolume(uid string, v float32) (float32, error) {
	sess := f.sessionHandle(uid)
	if sess == nil {
		return 0, ErrSessionGone
	}
	v = ClampVolume(v)
	if err := sess.volume.SetMasterVolume(v, nil); err != nil {
		return 0, fmt.Errorf("%w: set volume: %v", ErrSessionGone, err)
	}
	var acked float32
	if err := sess.volume.GetMasterVolume(&acked); err != nil {
		return v, nil
	}
	return ClampVolume(acked), nil
}

func (f *wcaFacade) SetMute(uid string, muted bool) error {
	sess := f.sessionHandle(uid)
	if sess == nil {
		return ErrSessionGone
	}
	var current bool
	if err := sess.volume.GetMute(&current); err == nil && current == muted {
		return nil
	}
	if err := sess.volume.SetMute(muted, nil); err != nil {
		return fmt.Errorf("%w: set mute: %v", ErrSessionGone, err)
	}
	return nil
}

func (f *wcaFacade) Close() error {
	f.mu.Lock()
	sessions := f.sessions
	f.sessions = make(map[string]*wcaSession)
	notifier := f.notifier
	f.notifier = nil
	f.mu.Unlock()

	// Per-session listeners first, then the global notifier, then the
	// endpoint chain, matching reverse acquisition order.
	for _, sess := range sessions {
		releaseSession(sess)
	}
	if notifier != nil && f.manager != nil {
		f.manager.UnregisterSessionNotification((*wca.IAudioSessionNotification)(unsafe.Pointer(notifier)))
		notifier.release()
	}
	f.teardown()
	return nil
}

func (f *wcaFacade) teardown() {
	if f.manager != nil {
		f.manager.Release()
		f.manager = nil
	}
	if f.device != nil {
		f.device.Release()
		f.device = nil
	}
	if f.deviceEnumerator != nil {
		f.deviceEnumerator.Release()
		f.deviceEnumerator = nil
	}
	if f.comReady {
		ole.CoUninitialize()
		f.comReady = false
	}
}

func (f *wcaFacade) sessionHandle(uid string) *wcaSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[uid]
}

// dropSession forgets a session's COM handles. Invoked when the session
// expires or disconnects, and by subscription teardown.
func (f *wcaFacade) dropSession(uid string) {
	f.mu.Lock()
	sess, ok := f.sessions[uid]
	if ok {
		delete(f.sessions, uid)
	}
	f.mu.Unlock()
	if ok {
		releaseSession(sess)
	}
}

func releaseSession(sess *wcaSession) {
	if sess.events != nil {
		sess.control.UnregisterAudioSessionNotification((*wca.IAudioSessionEvents)(unsafe.Pointer(sess.events)))
		sess.events.release()
		sess.events = nil
	}
	sess.volume.Release()
	sess.control2.Release()
	sess.control.Release()
}

type wcaSubscription struct {
	facade *wcaFacade
	uid    string
	once   sync.Once
}

// Close unregisters the per-session listener and releases the cached
// COM handles. The monitor calls this on disconnect and on shutdown;
// either way the session is done. Must not be called from inside the
// session's own event callback (UnregisterAudioSessionNotification can
// deadlock there); the monitor always closes from its own goroutine.
func (s *wcaSubscription) Close() error {
	s.once.Do(func() {
		s.facade.dropSession(s.uid)
	})
	return nil
}
