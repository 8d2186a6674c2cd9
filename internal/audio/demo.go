package audio

import (
	"context"
	"math/rand"
	"time"
)

type demoSession struct {
	raw     RawSession
	pattern string
	joinAt  int // tick when the session appears (0 = seeded before start)
	leaveAt int // tick when the session expires (0 = never)
}

// Demo drives a Simulator with a scripted set of fake applications so
// the engine can run end-to-end on machines without a usable audio
// stack. Volumes drift, sessions go active and inactive, and one
// session joins late and another expires, exercising every monitor
// path.
type Demo struct {
	sim      *Simulator
	sessions []*demoSession
}

func NewDemo(sim *Simulator) *Demo {
	return &Demo{
		sim: sim,
		sessions: []*demoSession{
			{
				raw: RawSession{UID: "demo-spotify-1", PID: 4120, DisplayName: "spotify.exe",
					Volume: 0.65, Active: true},
				pattern: "drift",
			},
			{
				raw: RawSession{UID: "demo-chrome-1", PID: 5233, DisplayName: "chrome.exe",
					Volume: 1.0, Active: true},
				pattern: "toggle",
			},
			{
				raw: RawSession{UID: "demo-discord-1", PID: 6871, DisplayName: "discord.exe",
					Volume: 0.4, Muted: true, Active: false},
				pattern: "steady",
				leaveAt: 45,
			},
			{
				raw:     RawSession{UID: "demo-system-0", PID: 0, DisplayName: "System Sounds", Volume: 0.8, Active: false},
				pattern: "steady",
			},
			{
				raw: RawSession{UID: "demo-game-1", PID: 7344, DisplayName: "game.exe",
					Volume: 0.9, Active: true},
				pattern: "drift",
				joinAt:  12,
			},
		},
	}
}

// Seed registers the tick-zero sessions. Call before the monitor starts
// so they are picked up by initial enumeration.
func (d *Demo) Seed() {
	for _, ds := range d.sessions {
		if ds.joinAt == 0 {
			d.sim.Seed(ds.raw)
		}
	}
}

// Run ticks the script until ctx is cancelled.
func (d *Demo) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			d.step(tick)
		}
	}
}

func (d *Demo) step(tick int) {
	for _, ds := range d.sessions {
		if ds.joinAt > 0 && tick == ds.joinAt {
			d.sim.AddSession(ds.raw)
			continue
		}
		if ds.joinAt > tick {
			continue
		}
		if ds.leaveAt > 0 && tick == ds.leaveAt {
			d.sim.FireDisconnected(ds.raw.UID)
			continue
		}
		if ds.leaveAt > 0 && tick > ds.leaveAt {
			continue
		}

		switch ds.pattern {
		case "drift":
			if tick%3 == 0 {
				ds.raw.Volume = ClampVolume(ds.raw.Volume + float32(rand.Float64()*0.2-0.1))
				d.sim.FireVolumeChanged(ds.raw.UID, ds.raw.Volume, ds.raw.Muted)
			}
		case "toggle":
			if tick%10 == 0 {
				ds.raw.Active = !ds.raw.Active
				d.sim.FireStateChanged(ds.raw.UID, ds.raw.Active)
			}
		}
	}
}
