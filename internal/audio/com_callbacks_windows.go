//go:build windows

package audio

import (
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca/pkg/wca"
)

// COM servers for the two callback interfaces the session API needs:
// IAudioSessionNotification (new sessions on the endpoint) and
// IAudioSessionEvents (volume/state changes on one session). go-wca
// only ships client wrappers, so the vtables are built here with
// syscall.NewCallback, one shared vtable per interface type. The first
// field of each server struct is the vtable pointer, which makes the
// server pointer itself a valid COM interface pointer.

var (
	iidIAudioSessionEvents       = ole.NewGUID("{24918ACC-64B3-37C1-8CA9-74A66E9957A8}")
	iidIAudioSessionNotification = ole.NewGUID("{641DD20B-4D41-49CC-ABA3-174B9477BB08}")
)

const (
	comS_OK           uintptr = 0x00000000
	comE_NOINTERFACE  uintptr = 0x80004002
	comE_POINTER      uintptr = 0x80004003
)

func guidMatches(riid unsafe.Pointer, want *ole.GUID) bool {
	return ole.IsEqualGUID((*ole.GUID)(riid), want)
}

// ---- IAudioSessionEvents ----

type sessionEventsVtbl struct {
	queryInterface         uintptr
	addRef                 uintptr
	release                uintptr
	onDisplayNameChanged   uintptr
	onIconPathChanged      uintptr
	onSimpleVolumeChanged  uintptr
	onChannelVolumeChanged uintptr
	onGroupingParamChanged uintptr
	onStateChanged         uintptr
	onSessionDisconnected  uintptr
}

type sessionEventsServer struct {
	vtbl   *sessionEventsVtbl
	refs   int32
	facade *wcaFacade
	uid    string
	fn     func(Event)
}

var (
	sessionEventsVtblOnce sync.Once
	sessionEventsVtblInst *sessionEventsVtbl
)

func newSessionEventsServer(facade *wcaFacade, uid string, fn func(Event)) *sessionEventsServer {
	sessionEventsVtblOnce.Do(func() {
		sessionEventsVtblInst = &sessionEventsVtbl{
			queryInterface:         syscall.NewCallback(sessionEventsQueryInterface),
			addRef:                 syscall.NewCallback(sessionEventsAddRef),
			release:                syscall.NewCallback(sessionEventsRelease),
			onDisplayNameChanged:   syscall.NewCallback(sessionEventsNoop3),
			onIconPathChanged:      syscall.NewCallback(sessionEventsNoop3),
			onSimpleVolumeChanged:  syscall.NewCallback(sessionEventsOnSimpleVolumeChanged),
			onChannelVolumeChanged: syscall.NewCallback(sessionEventsNoop5),
			onGroupingParamChanged: syscall.NewCallback(sessionEventsNoop3),
			onStateChanged:         syscall.NewCallback(sessionEventsOnStateChanged),
			onSessionDisconnected:  syscall.NewCallback(sessionEventsOnSessionDisconnected),
		}
	})
	return &sessionEventsServer{
		vtbl:   sessionEventsVtblInst,
		refs:   1,
		facade: facade,
		uid:    uid,
		fn:     fn,
	}
}

func (s *sessionEventsServer) release() {
	atomic.AddInt32(&s.refs, -1)
}

func sessionEventsQueryInterface(this uintptr, riid unsafe.Pointer, out *uintptr) uintptr {
	if out == nil {
		return comE_POINTER
	}
	if guidMatches(riid, ole.IID_IUnknown) || guidMatches(riid, iidIAudioSessionEvents) {
		s := (*sessionEventsServer)(unsafe.Pointer(this))
		atomic.AddInt32(&s.refs, 1)
		*out = this
		return comS_OK
	}
	*out = 0
	return comE_NOINTERFACE
}

func sessionEventsAddRef(this uintptr) uintptr {
	s := (*sessionEventsServer)(unsafe.Pointer(this))
	return uintptr(atomic.AddInt32(&s.refs, 1))
}

func sessionEventsRelease(this uintptr) uintptr {
	s := (*sessionEventsServer)(unsafe.Pointer(this))
	n := atomic.AddInt32(&s.refs, -1)
	if n < 0 {
		n = 0
	}
	return uintptr(n)
}

func sessionEventsNoop3(this, a, b uintptr) uintptr {
	return comS_OK
}

func sessionEventsNoop5(this, a, b, c, d uintptr) uintptr {
	return comS_OK
}

// sessionEventsOnSimpleVolumeChanged handles OnSimpleVolumeChanged.
// The new volume is a float argument, which syscall.NewCallback cannot
// receive; the handler reads the current level back from the session's
// volume interface instead. newMute arrives in an integer slot and is
// usable directly.
func sessionEventsOnSimpleVolumeChanged(this, _newVolumeBits, newMute, _eventContext uintptr) uintptr {
	s := (*sessionEventsServer)(unsafe.Pointer(this))

	muted := newMute != 0
	volume := float32(0)
	if sess := s.facade.sessionHandle(s.uid); sess != nil {
		var level float32
		if err := sess.volume.GetMasterVolume(&level); err == nil {
			volume = ClampVolume(level)
		}
	}
	s.fn(Event{Kind: EventVolumeChanged, Volume: volume, Muted: muted})
	return comS_OK
}

func sessionEventsOnStateChanged(this, newState uintptr) uintptr {
	s := (*sessionEventsServer)(unsafe.Pointer(this))

	switch uint32(newState) {
	case audioSessionStateActive:
		s.fn(Event{Kind: EventStateChanged, Active: true})
	case audioSessionStateInactive:
		s.fn(Event{Kind: EventStateChanged, Active: false})
	case audioSessionStateExpired:
		s.fn(Event{Kind: EventDisconnected})
	}
	return comS_OK
}

func sessionEventsOnSessionDisconnected(this, _disconnectReason uintptr) uintptr {
	s := (*sessionEventsServer)(unsafe.Pointer(this))
	s.fn(Event{Kind: EventDisconnected})
	return comS_OK
}

// ---- IAudioSessionNotification ----

type sessionNotificationVtbl struct {
	queryInterface   uintptr
	addRef           uintptr
	release          uintptr
	onSessionCreated uintptr
}

type sessionNotificationServer struct {
	vtbl *sessionNotificationVtbl
	refs int32
	fn   func(*wca.IAudioSessionControl)
}

var (
	sessionNotificationVtblOnce sync.Once
	sessionNotificationVtblInst *sessionNotificationVtbl
)

func newSessionNotificationServer(fn func(*wca.IAudioSessionControl)) *sessionNotificationServer {
	sessionNotificationVtblOnce.Do(func() {
		sessionNotificationVtblInst = &sessionNotificationVtbl{
			queryInterface:   syscall.NewCallback(sessionNotificationQueryInterface),
			addRef:           syscall.NewCallback(sessionNotificationAddRef),
			release:          syscall.NewCallback(sessionNotificationRelease),
			onSessionCreated: syscall.NewCallback(sessionNotificationOnSessionCreated),
		}
	})
	return &sessionNotificationServer{
		vtbl: sessionNotificationVtblInst,
		refs: 1,
		fn:   fn,
	}
}

func (s *sessionNotificationServer) release() {
	atomic.AddInt32(&s.refs, -1)
}

func sessionNotificationQueryInterface(this uintptr, riid unsafe.Pointer, out *uintptr) uintptr {
	if out == nil {
		return comE_POINTER
	}
	if guidMatches(riid, ole.IID_IUnknown) || guidMatches(riid, iidIAudioSessionNotification) {
		s := (*sessionNotificationServer)(unsafe.Pointer(this))
		atomic.AddInt32(&s.refs, 1)
		*out = this
		return comS_OK
	}
	*out = 0
	return comE_NOINTERFACE
}

func sessionNotificationAddRef(this uintptr) uintptr {
	s := (*sessionNotificationServer)(unsafe.Pointer(this))
	return uintptr(atomic.AddInt32(&s.refs, 1))
}

func sessionNotificationRelease(this uintptr) uintptr {
	s := (*sessionNotificationServer)(unsafe.Pointer(this))
	n := atomic.AddInt32(&s.refs, -1)
	if n < 0 {
		n = 0
	}
	return uintptr(n)
}

// sessionNotificationOnSessionCreated retains the incoming control (the
// caller's reference is only borrowed for the duration of the call) and
// hands it to the facade's adoption path.
func sessionNotificationOnSessionCreated(this, newSession uintptr) uintptr {
	s := (*sessionNotificationServer)(unsafe.Pointer(this))
	if newSession == 0 {
		return comS_OK
	}
	control := (*wca.IAudioSessionControl)(unsafe.Pointer(newSession))
	control.AddRef()
	s.fn(control)
	return comS_OK
}
