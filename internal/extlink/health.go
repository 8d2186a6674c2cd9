package extlink

import (
	"sync"
	"time"
)

// linkHealth tracks frame decode outcomes for the connected extension.
// Fields are protected by mu because the read loop writes them while
// diagnostics read from other goroutines.
type linkHealth struct {
	mu            sync.Mutex
	framesOK      int64
	parseFailures int64
	lastParseErr  string
	lastParseFail time.Time
	lastFrameAt   time.Time
}

func newLinkHealth() *linkHealth {
	return &linkHealth{}
}

func (h *linkHealth) recordFrame() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.framesOK++
	h.lastFrameAt = time.Now()
}

func (h *linkHealth) recordParseFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parseFailures++
	h.lastParseErr = err.Error()
	h.lastParseFail = time.Now()
}

// HealthSnapshot is a consistent copy of the link counters.
type HealthSnapshot struct {
	FramesOK      int64
	ParseFailures int64
	LastParseErr  string
	LastFrameAt   time.Time
}

func (h *linkHealth) snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		FramesOK:      h.framesOK,
		ParseFailures: h.parseFailures,
		LastParseErr:  h.lastParseErr,
		LastFrameAt:   h.lastFrameAt,
	}
}
