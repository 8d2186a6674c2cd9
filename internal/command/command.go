// Package command is the synchronous request surface the UI bridge
// calls. A returned nil means the command was accepted, not that state
// has converged; convergence is observed on the event bus.
package command

import (
	"errors"

	"go.uber.org/zap"

	"github.com/mixdeck/backend/internal/audio"
	"github.com/mixdeck/backend/internal/session"
)

// TabLink is the outbound half of the extension link. Both methods are
// non-blocking enqueues.
type TabLink interface {
	SendTabVolume(tabID int64, volume float32)
	SendTabMute(tabID int64, mute bool, initialVolume *float32)
}

type Bus struct {
	logger   *zap.SugaredLogger
	registry *session.Registry
	facade   audio.Facade
	link     TabLink
}

func New(logger *zap.SugaredLogger, registry *session.Registry, facade audio.Facade, link TabLink) *Bus {
	return &Bus{
		logger:   logger,
		registry: registry,
		facade:   facade,
		link:     link,
	}
}

// GetSessionsAndVolumes returns the current registry snapshot. It never
// touches the facade, so it is safe at UI startup before the monitor
// has finished enumerating (the result is simply shorter).
func (b *Bus) GetSessionsAndVolumes() []*session.Record {
	return b.registry.Snapshot()
}

// SetVolume clamps and applies a session volume. The registry is
// updated optimistically so an immediate snapshot reflects the user's
// intent; the OS notification that follows is the authoritative
// reconciler. pid is informational; uid routes.
func (b *Bus) SetVolume(pid uint32, uid string, volume float32) error {
	v := session.ClampVolume(volume)

	if rec, ok := b.registry.Get(uid); ok {
		b.registry.SetVolume(uid, v, rec.Muted)
	}

	if _, err := b.facade.SetVolume(uid, v); err != nil {
		if errors.Is(err, audio.ErrSessionGone) {
			// The session vanished under us; a session-closed event
			// reconciles the UI.
			return nil
		}
		b.logger.Warnw("set_volume failed", "uid", uid, "pid", pid, "error", err)
		return err
	}
	return nil
}

// SetMute applies a session mute flag, with the same optimistic-write
// and reconciliation contract as SetVolume.
func (b *Bus) SetMute(pid uint32, uid string, mute bool) error {
	b.registry.SetMuted(uid, mute)

	if err := b.facade.SetMute(uid, mute); err != nil {
		if errors.Is(err, audio.ErrSessionGone) {
			return nil
		}
		b.logger.Warnw("set_mute failed", "uid", uid, "pid", pid, "error", err)
		return err
	}
	return nil
}

// SetTabVolume enqueues a tab volume frame toward the extension.
func (b *Bus) SetTabVolume(tabID int64, volume float32) error {
	b.link.SendTabVolume(tabID, session.ClampVolume(volume))
	return nil
}

// SetTabMute enqueues a tab mute frame. initialVolume, when present, is
// the volume the extension restores on unmute.
func (b *Bus) SetTabMute(tabID int64, mute bool, initialVolume *float32) error {
	b.link.SendTabMute(tabID, mute, initialVolume)
	return nil
}
