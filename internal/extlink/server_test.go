package extlink

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mixdeck/backend/internal/bus"
)

type serverHarness struct {
	server *Server
	events *bus.Bus
	sub    *bus.Subscriber
	url    string
}

func startServer(t *testing.T) *serverHarness {
	t.Helper()

	events := bus.New(zap.NewNop().Sugar(), 64)
	sub := events.Subscribe()
	srv := NewServer(zap.NewNop().Sugar(), events, "127.0.0.1", 0, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound its listener")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server Run returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
		sub.Close()
	})

	return &serverHarness{
		server: srv,
		events: events,
		sub:    sub,
		url:    fmt.Sprintf("ws://%s/", srv.Addr().String()),
	}
}

func (h *serverHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", h.url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (h *serverHarness) waitConnected(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !h.server.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("server never registered the client")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *serverHarness) nextEvent(t *testing.T) bus.Event {
	t.Helper()
	select {
	case ev := <-h.sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func (h *serverHarness) drainQuiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.sub.Events():
		t.Errorf("unexpected event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTabSnapshotEmitsOneEvent(t *testing.T) {
	h := startServer(t)
	ws := h.dial(t)

	snapshot := `[
		{"tabId": 1, "tabUrl": "https://a.example", "tabTitle": "A", "isAudible": true,
		 "hasContentAudio": true, "isMuted": false, "paused": false, "volume": 0.5, "lastUpdate": 111},
		{"tabId": 2, "tabUrl": "https://b.example", "tabTitle": "B", "isAudible": false,
		 "hasContentAudio": true, "isMuted": true, "paused": true, "volume": 1.0, "lastUpdate": 222}
	]`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(snapshot)); err != nil {
		t.Fatal(err)
	}

	ev := h.nextEvent(t)
	if ev.Name != bus.EventExtensionAudioTabs {
		t.Fatalf("event = %q, want %q", ev.Name, bus.EventExtensionAudioTabs)
	}
	tabs := ev.Payload.([]TabRecord)
	if len(tabs) != 2 {
		t.Fatalf("payload has %d tabs, want 2", len(tabs))
	}
	if tabs[0].TabID != 1 || tabs[1].TabID != 2 {
		t.Errorf("tab order = [%d %d], want [1 2]", tabs[0].TabID, tabs[1].TabID)
	}
	if tabs[1].Volume != 1.0 || !tabs[1].IsMuted || !tabs[1].Paused {
		t.Errorf("tab 2 fields wrong: %+v", tabs[1])
	}
	h.drainQuiet(t)
}

func TestMalformedFrameIsDroppedConnectionStaysOpen(t *testing.T) {
	h := startServer(t)
	ws := h.dial(t)
	h.waitConnected(t)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatal(err)
	}
	h.drainQuiet(t)

	// The same connection still works.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`[{"tabId": 5, "volume": 0.3}]`)); err != nil {
		t.Fatal(err)
	}
	ev := h.nextEvent(t)
	if ev.Name != bus.EventExtensionAudioTabs {
		t.Fatalf("event = %q, want tabs event after malformed frame", ev.Name)
	}

	health := h.server.Health()
	if health.ParseFailures != 1 {
		t.Errorf("parse failures = %d, want 1", health.ParseFailures)
	}
	if health.FramesOK != 1 {
		t.Errorf("frames ok = %d, want 1", health.FramesOK)
	}
}

func TestAckFramesAreIgnored(t *testing.T) {
	h := startServer(t)
	ws := h.dial(t)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type": "ack", "seq": 4}`)); err != nil {
		t.Fatal(err)
	}
	h.drainQuiet(t)
}

func TestInboundVolumeIsClamped(t *testing.T) {
	h := startServer(t)
	ws := h.dial(t)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`[{"tabId": 1, "volume": 4.0}]`)); err != nil {
		t.Fatal(err)
	}
	tabs := h.nextEvent(t).Payload.([]TabRecord)
	if tabs[0].Volume != 1.0 {
		t.Errorf("volume = %v, want clamped 1.0", tabs[0].Volume)
	}
}

func TestSecondClientSupersedesFirst(t *testing.T) {
	h := startServer(t)

	x := h.dial(t)
	h.waitConnected(t)

	y := h.dial(t)

	// X observes a normal closure.
	x.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := x.ReadMessage()
	if err == nil {
		t.Fatal("first client read succeeded after supersession")
	}
	var closeErr *websocket.CloseError
	if ce, ok := err.(*websocket.CloseError); ok {
		closeErr = ce
	}
	if closeErr == nil || closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("first client close = %v, want normal closure", err)
	}

	// Y's snapshot produces exactly one event.
	if err := y.WriteMessage(websocket.TextMessage, []byte(`[{"tabId": 9, "volume": 0.9}]`)); err != nil {
		t.Fatal(err)
	}
	ev := h.nextEvent(t)
	tabs := ev.Payload.([]TabRecord)
	if len(tabs) != 1 || tabs[0].TabID != 9 {
		t.Errorf("payload = %+v, want Y's single tab 9", tabs)
	}
	h.drainQuiet(t)
}

func TestOutboundFrames(t *testing.T) {
	h := startServer(t)
	ws := h.dial(t)
	h.waitConnected(t)

	h.server.SendTabVolume(5, 0.5)
	iv := float32(0.7)
	h.server.SendTabMute(6, true, &iv)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var vol struct {
		Type   string  `json:"type"`
		TabID  int64   `json:"tabId"`
		Volume float32 `json:"volume"`
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &vol); err != nil {
		t.Fatal(err)
	}
	if vol.Type != "set_tab_volume" || vol.TabID != 5 || vol.Volume != 0.5 {
		t.Errorf("volume frame = %+v", vol)
	}

	var mute struct {
		Type          string   `json:"type"`
		TabID         int64    `json:"tabId"`
		Mute          bool     `json:"mute"`
		InitialVolume *float32 `json:"initialVolume"`
	}
	_, data, err = ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &mute); err != nil {
		t.Fatal(err)
	}
	if mute.Type != "set_tab_mute" || mute.TabID != 6 || !mute.Mute {
		t.Errorf("mute frame = %+v", mute)
	}
	if mute.InitialVolume == nil || *mute.InitialVolume != 0.7 {
		t.Errorf("initialVolume = %v, want 0.7", mute.InitialVolume)
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	h := startServer(t)
	// No client. Must not panic or block.
	h.server.SendTabVolume(1, 0.5)
	if h.server.Connected() {
		t.Error("server reports connected with no client")
	}
}

func TestDisconnectClearsSlot(t *testing.T) {
	h := startServer(t)
	ws := h.dial(t)
	h.waitConnected(t)

	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.server.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("slot never returned to disconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// No event is emitted on disconnect.
	h.drainQuiet(t)
}
