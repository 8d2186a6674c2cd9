package command

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mixdeck/backend/internal/audio"
	"github.com/mixdeck/backend/internal/bus"
	"github.com/mixdeck/backend/internal/monitor"
	"github.com/mixdeck/backend/internal/session"
)

type recordedFrame struct {
	kind          string
	tabID         int64
	volume        float32
	mute          bool
	initialVolume *float32
}

type fakeLink struct {
	frames []recordedFrame
}

func (l *fakeLink) SendTabVolume(tabID int64, volume float32) {
	l.frames = append(l.frames, recordedFrame{kind: "volume", tabID: tabID, volume: volume})
}

func (l *fakeLink) SendTabMute(tabID int64, mute bool, initialVolume *float32) {
	l.frames = append(l.frames, recordedFrame{kind: "mute", tabID: tabID, mute: mute, initialVolume: initialVolume})
}

func newTestBus(sim *audio.Simulator, registry *session.Registry, link TabLink) *Bus {
	return New(zap.NewNop().Sugar(), registry, sim, link)
}

func TestGetSessionsAndVolumes(t *testing.T) {
	registry := session.NewRegistry()
	registry.Insert(&session.Record{UID: "a", PID: 1, Volume: 0.5})
	registry.Insert(&session.Record{UID: "b", PID: 2, Volume: 1.0, Muted: true})

	b := newTestBus(audio.NewSimulator(false), registry, &fakeLink{})

	snap := b.GetSessionsAndVolumes()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d records, want 2", len(snap))
	}
}

func TestSetVolumeOptimisticWrite(t *testing.T) {
	sim := audio.NewSimulator(false) // no echo: only the optimistic write lands
	sim.Seed(audio.RawSession{UID: "a", Volume: 0.5})

	registry := session.NewRegistry()
	registry.Insert(&session.Record{UID: "a", Volume: 0.5})

	b := newTestBus(sim, registry, &fakeLink{})
	if err := b.SetVolume(1000, "a", 0.25); err != nil {
		t.Fatalf("SetVolume returned error: %v", err)
	}

	rec, _ := registry.Get("a")
	if rec.Volume != 0.25 {
		t.Errorf("registry volume = %v, want optimistic 0.25", rec.Volume)
	}
}

func TestSetVolumeClamps(t *testing.T) {
	sim := audio.NewSimulator(false)
	sim.Seed(audio.RawSession{UID: "a", Volume: 0.5})

	registry := session.NewRegistry()
	registry.Insert(&session.Record{UID: "a", Volume: 0.5})

	b := newTestBus(sim, registry, &fakeLink{})

	tests := []struct {
		in   float32
		want float32
	}{
		{3.0, 1.0},
		{-0.5, 0.0},
	}
	for _, tt := range tests {
		if err := b.SetVolume(1000, "a", tt.in); err != nil {
			t.Fatalf("SetVolume(%v) error: %v", tt.in, err)
		}
		rec, _ := registry.Get("a")
		if rec.Volume != tt.want {
			t.Errorf("registry volume after SetVolume(%v) = %v, want %v", tt.in, rec.Volume, tt.want)
		}
		raws, _ := sim.EnumerateSessions()
		if raws[0].Volume != tt.want {
			t.Errorf("facade volume after SetVolume(%v) = %v, want %v", tt.in, raws[0].Volume, tt.want)
		}
	}
}

func TestSetVolumeOnGoneSessionIsSilent(t *testing.T) {
	sim := audio.NewSimulator(false)
	registry := session.NewRegistry()

	b := newTestBus(sim, registry, &fakeLink{})
	if err := b.SetVolume(1000, "vanished", 0.5); err != nil {
		t.Errorf("SetVolume on a gone session returned %v, want nil", err)
	}
}

func TestSetMuteOnGoneSessionIsSilent(t *testing.T) {
	b := newTestBus(audio.NewSimulator(false), session.NewRegistry(), &fakeLink{})
	if err := b.SetMute(1000, "vanished", true); err != nil {
		t.Errorf("SetMute on a gone session returned %v, want nil", err)
	}
}

func TestSetTabCommands(t *testing.T) {
	link := &fakeLink{}
	b := newTestBus(audio.NewSimulator(false), session.NewRegistry(), link)

	iv := float32(0.8)
	b.SetTabVolume(7, 2.0) // clamped before the link sees it
	b.SetTabMute(9, true, &iv)
	b.SetTabMute(11, false, nil)

	if len(link.frames) != 3 {
		t.Fatalf("link recorded %d frames, want 3", len(link.frames))
	}
	if f := link.frames[0]; f.kind != "volume" || f.tabID != 7 || f.volume != 1.0 {
		t.Errorf("frame 0 = %+v", f)
	}
	if f := link.frames[1]; f.kind != "mute" || f.tabID != 9 || !f.mute || f.initialVolume == nil || *f.initialVolume != 0.8 {
		t.Errorf("frame 1 = %+v", f)
	}
	if f := link.frames[2]; f.kind != "mute" || f.tabID != 11 || f.mute || f.initialVolume != nil {
		t.Errorf("frame 2 = %+v", f)
	}
}

// TestVolumeRoundTrip drives the full write path: command bus → facade
// → OS echo → monitor → event bus and registry.
func TestVolumeRoundTrip(t *testing.T) {
	sim := audio.NewSimulator(true)
	sim.Seed(audio.RawSession{UID: "A", PID: 1000, Volume: 0.5, Active: true})

	registry := session.NewRegistry()
	events := bus.New(zap.NewNop().Sugar(), 64)
	sub := events.Subscribe()
	defer sub.Close()

	mon := monitor.New(zap.NewNop().Sugar(), sim, registry, events, 64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	<-mon.Ready()

	next := func() bus.Event {
		select {
		case ev := <-sub.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return bus.Event{}
		}
	}
	if ev := next(); ev.Name != bus.EventSessionCreated {
		t.Fatalf("first event = %q, want created", ev.Name)
	}

	b := newTestBus(sim, registry, &fakeLink{})
	if err := b.SetVolume(1000, "A", 0.25); err != nil {
		t.Fatalf("SetVolume error: %v", err)
	}

	ev := next()
	if ev.Name != bus.EventSessionVolumeChanged {
		t.Fatalf("event = %q, want volume-changed", ev.Name)
	}
	payload := ev.Payload.(bus.VolumeChangedPayload)
	if payload.UID != "A" || payload.NewVolume != 0.25 || payload.IsMuted {
		t.Errorf("payload = %+v, want {A 0.25 false}", payload)
	}

	rec, _ := registry.Get("A")
	if rec.Volume != 0.25 {
		t.Errorf("registry volume = %v, want 0.25", rec.Volume)
	}
}

// TestDoubleMuteIdempotence: muting twice leaves isMuted true with one
// or two volume-changed events.
func TestDoubleMuteIdempotence(t *testing.T) {
	sim := audio.NewSimulator(true)
	sim.Seed(audio.RawSession{UID: "A", PID: 1000, Volume: 0.5, Active: true})

	registry := session.NewRegistry()
	events := bus.New(zap.NewNop().Sugar(), 64)
	sub := events.Subscribe()
	defer sub.Close()

	mon := monitor.New(zap.NewNop().Sugar(), sim, registry, events, 64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	<-mon.Ready()
	<-sub.Events() // created

	b := newTestBus(sim, registry, &fakeLink{})
	b.SetMute(1000, "A", true)
	b.SetMute(1000, "A", true)

	var volumeEvents []bus.VolumeChangedPayload
	deadline := time.After(500 * time.Millisecond)
collect:
	for {
		select {
		case ev := <-sub.Events():
			if ev.Name == bus.EventSessionVolumeChanged {
				volumeEvents = append(volumeEvents, ev.Payload.(bus.VolumeChangedPayload))
			}
		case <-deadline:
			break collect
		}
	}

	if len(volumeEvents) < 1 || len(volumeEvents) > 2 {
		t.Fatalf("got %d volume-changed events, want 1 or 2", len(volumeEvents))
	}
	if final := volumeEvents[len(volumeEvents)-1]; !final.IsMuted {
		t.Errorf("final isMuted = false, want true")
	}
	rec, _ := registry.Get("A")
	if !rec.Muted {
		t.Error("registry record not muted")
	}
}
