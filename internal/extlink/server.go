// Package extlink is the loopback WebSocket link to the browser
// extension. One client at a time: an accepted upgrade supersedes any
// previous peer, which is closed with a normal-closure frame. Inbound
// frames carry tab audio snapshots; outbound frames carry tab control
// commands from the command bus.
package extlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mixdeck/backend/internal/bus"
	"github.com/mixdeck/backend/internal/session"
)

type Server struct {
	logger    *zap.SugaredLogger
	events    *bus.Bus
	host      string
	port      int
	queueSize int

	upgrader websocket.Upgrader
	health   *linkHealth

	mu       sync.Mutex
	current  *peer
	listener net.Listener
}

// peer is the single connected extension client.
type peer struct {
	ws    *websocket.Conn
	queue *sendQueue
}

func NewServer(logger *zap.SugaredLogger, events *bus.Bus, host string, port, queueSize int) *Server {
	return &Server{
		logger:    logger,
		events:    events,
		host:      host,
		port:      port,
		queueSize: queueSize,
		upgrader: websocket.Upgrader{
			// The listener binds loopback only; the extension's
			// chrome-extension:// origin would fail a host check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		health: newLinkHealth(),
	}
}

// Run binds the listener and serves until ctx is cancelled. It returns
// once the listener is closed and the current peer torn down.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("extlink: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})
	httpServer := &http.Server{Handler: mux}

	s.logger.Infow("extension link listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.dropPeer(nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("extlink: serve: %w", err)
	}
}

// Addr reports the bound listener address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connected reports whether an extension client currently holds the slot.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Health returns the link's frame counters.
func (s *Server) Health() HealthSnapshot {
	return s.health.snapshot()
}

// SendTabVolume enqueues a set_tab_volume frame. Dropped silently when
// no extension is connected.
func (s *Server) SendTabVolume(tabID int64, volume float32) {
	s.send(NewTabVolumeFrame(tabID, volume))
}

// SendTabMute enqueues a set_tab_mute frame.
func (s *Server) SendTabMute(tabID int64, mute bool, initialVolume *float32) {
	s.send(NewTabMuteFrame(tabID, mute, initialVolume))
}

func (s *Server) send(f Frame) {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()
	if p == nil {
		s.logger.Debugw("tab command dropped: extension not connected", "type", f.Type, "tabId", f.TabID)
		return
	}
	p.queue.Enqueue(f)
}

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p := &peer{
		ws:    ws,
		queue: newSendQueue(s.queueSize),
	}

	// Take the slot; any previous peer is superseded and closed with a
	// normal-closure frame.
	s.mu.Lock()
	old := s.current
	s.current = p
	s.mu.Unlock()
	if old != nil {
		s.logger.Infow("extension superseded", "remote", ws.RemoteAddr().String())
		closePeer(old)
	} else {
		s.logger.Infow("extension connected", "remote", ws.RemoteAddr().String())
	}

	connCtx, cancel := context.WithCancel(ctx)
	go s.writePump(connCtx, p)

	s.readLoop(p)

	// Read loop ended: the peer disconnected or was superseded. Return
	// the slot to Disconnected only if it is still ours; no event is
	// emitted either way.
	cancel()
	s.dropPeer(p)
}

// readLoop consumes inbound text frames until the connection dies. A
// malformed frame is counted and dropped; the connection stays open.
func (s *Server) readLoop(p *peer) {
	for {
		msgType, data, err := p.ws.ReadMessage()
		if err != nil {
			s.logger.Debugw("extension read ended", "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleFrame(data)
	}
}

func (s *Server) handleFrame(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		s.health.recordParseFailure(fmt.Errorf("empty frame"))
		return
	}

	if trimmed[0] == '[' {
		var tabs []TabRecord
		if err := json.Unmarshal(trimmed, &tabs); err != nil {
			s.health.recordParseFailure(err)
			s.logger.Debugw("dropping malformed tab snapshot", "error", err)
			return
		}
		for i := range tabs {
			tabs[i].Volume = session.ClampVolume(tabs[i].Volume)
		}
		s.health.recordFrame()
		s.events.Emit(bus.EventExtensionAudioTabs, tabs)
		return
	}

	var ack ackFrame
	if err := json.Unmarshal(trimmed, &ack); err != nil {
		s.health.recordParseFailure(err)
		s.logger.Debugw("dropping malformed frame", "error", err)
		return
	}
	if ack.Type == "ack" {
		// Reserved for diagnostics.
		s.health.recordFrame()
		return
	}
	s.health.recordParseFailure(fmt.Errorf("unknown frame type %q", ack.Type))
}

// writePump drains the peer's queue onto the socket.
func (s *Server) writePump(ctx context.Context, p *peer) {
	for {
		f, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if err := p.ws.WriteJSON(f); err != nil {
			s.logger.Debugw("extension write failed", "error", err)
			return
		}
	}
}

// dropPeer clears the slot. With p nil the current peer is dropped
// unconditionally (shutdown); otherwise only if p still owns the slot.
func (s *Server) dropPeer(p *peer) {
	s.mu.Lock()
	var victim *peer
	if p == nil {
		victim = s.current
		s.current = nil
	} else if s.current == p {
		s.current = nil
		victim = p
	}
	s.mu.Unlock()

	if victim != nil {
		closePeer(victim)
		s.logger.Info("extension disconnected")
	}
}

func closePeer(p *peer) {
	p.queue.Close()
	deadline := time.Now().Add(time.Second)
	p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	p.ws.Close()
}
