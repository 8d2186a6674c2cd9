package extlink

import (
	"context"
	"sync"

	"github.com/mixdeck/backend/internal/session"
)

// TabRecord is the extension's projection of one browser-tab audio
// source. The engine treats each inbound array as the authoritative
// snapshot and forwards it unchanged except that each Volume is clamped
// to [0,1].
type TabRecord struct {
	TabID           int64   `json:"tabId"`
	TabURL          string  `json:"tabUrl"`
	TabTitle        string  `json:"tabTitle"`
	IsAudible       bool    `json:"isAudible"`
	HasContentAudio bool    `json:"hasContentAudio"`
	IsMuted         bool    `json:"isMuted"`
	Paused          bool    `json:"paused"`
	Volume          float32 `json:"volume"`
	LastUpdate      int64   `json:"lastUpdate"`
}

// Frame is one outbound control message to the extension. Type plus
// TabID also form the coalescing key for the send queue.
type Frame struct {
	Type          string   `json:"type"`
	TabID         int64    `json:"tabId"`
	Volume        *float32 `json:"volume,omitempty"`
	Mute          *bool    `json:"mute,omitempty"`
	InitialVolume *float32 `json:"initialVolume,omitempty"`
}

const (
	frameSetTabVolume = "set_tab_volume"
	frameSetTabMute   = "set_tab_mute"
)

func NewTabVolumeFrame(tabID int64, volume float32) Frame {
	v := session.ClampVolume(volume)
	return Frame{Type: frameSetTabVolume, TabID: tabID, Volume: &v}
}

func NewTabMuteFrame(tabID int64, mute bool, initialVolume *float32) Frame {
	m := mute
	f := Frame{Type: frameSetTabMute, TabID: tabID, Mute: &m}
	if initialVolume != nil {
		v := session.ClampVolume(*initialVolume)
		f.InitialVolume = &v
	}
	return f
}

// ackFrame is the inbound diagnostic shape the engine ignores.
type ackFrame struct {
	Type string `json:"type"`
}

// sendQueue is the bounded per-connection outbound buffer. Enqueue
// never blocks. When the queue is full, a pending frame with the same
// (type, tabId) is replaced by the newer one; with no such frame the
// oldest pending frame is dropped.
type sendQueue struct {
	mu     sync.Mutex
	frames []Frame
	cap    int
	notify chan struct{}
	closed bool
}

func newSendQueue(capacity int) *sendQueue {
	if capacity <= 0 {
		capacity = 32
	}
	return &sendQueue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

func (q *sendQueue) Enqueue(f Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.frames) < q.cap {
		q.frames = append(q.frames, f)
	} else {
		replaced := false
		for i := range q.frames {
			if q.frames[i].Type == f.Type && q.frames[i].TabID == f.TabID {
				q.frames[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			copy(q.frames, q.frames[1:])
			q.frames[len(q.frames)-1] = f
		}
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a frame is available, the queue closes, or ctx
// is cancelled.
func (q *sendQueue) Dequeue(ctx context.Context) (Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			copy(q.frames, q.frames[1:])
			q.frames = q.frames[:len(q.frames)-1]
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Frame{}, false
		}

		select {
		case <-ctx.Done():
			return Frame{}, false
		case <-q.notify:
		}
	}
}

// Close drains and closes the queue; pending frames are discarded.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
