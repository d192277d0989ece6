// Package media owns the local audio capture and remote playback of the
// current call. It acquires and releases capture, flips mute and sets the
// playback gain. It never negotiates.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/1ureka/ringline/internal/util"
)

var (
	ErrPermissionDenied  = errors.New("media: permission denied")
	ErrDeviceUnavailable = errors.New("media: device unavailable")
	ErrNoSession         = errors.New("media: no active session")
)

// Manager holds at most one Session at a time. All methods are safe for
// concurrent use.
type Manager struct {
	capturer Capturer
	sink     Sink

	mu   sync.Mutex
	sess *Session
}

// NewManager creates a Manager that captures from c and plays into s.
func NewManager(c Capturer, s Sink) *Manager {
	if s == nil {
		s = DiscardSink{}
	}
	return &Manager{capturer: c, sink: s}
}

// Acquire opens the capture device and installs a new Session. A second
// Acquire before Release returns the existing Session. If ctx is cancelled
// while the device is opening, the opened source is closed and ctx's error is
// returned; nothing is installed.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.sess != nil {
		s := m.sess
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	// Opening may block (device prompt, file I/O); the lock is not held so
	// Release stays synchronous.
	src, err := m.capturer.Open(ctx)
	if err != nil {
		return nil, classifyOpenError(err)
	}

	sess, err := newSession(src)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		sess.close()
		return nil, err
	}
	if m.sess != nil {
		sess.close()
		return m.sess, nil
	}

	m.sess = sess
	sess.start()
	util.LogDebug("media: local audio acquired")
	return sess, nil
}

// Release stops and discards the local track and any remote stream. Returns
// false when there was nothing to release.
func (m *Manager) Release() bool {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	if sess == nil {
		return false
	}
	sess.close()
	util.LogDebug("media: local audio released")
	return true
}

// Current returns the installed Session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// SetMuted enables or disables the local track. No renegotiation happens.
func (m *Manager) SetMuted(muted bool) error {
	sess := m.Current()
	if sess == nil {
		return ErrNoSession
	}
	sess.muted.Store(muted)
	return nil
}

// ToggleMute flips the local track. Returns the new muted state.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return false, ErrNoSession
	}
	muted := !m.sess.muted.Load()
	m.sess.muted.Store(muted)
	return muted, nil
}

// SetRemoteVolume sets the playback gain of the remote stream, clamped to
// [0,1]. Returns the applied level.
func (m *Manager) SetRemoteVolume(level float64) (float64, error) {
	sess := m.Current()
	if sess == nil {
		return 0, ErrNoSession
	}
	return sess.setVolume(level), nil
}

// AttachRemote starts playing track into a fresh Player from the sink. The
// player lives until Release.
func (m *Manager) AttachRemote(track RemoteTrack) error {
	sess := m.Current()
	if sess == nil {
		return ErrNoSession
	}

	player, err := m.sink.Open()
	if err != nil {
		return fmt.Errorf("failed to open playback: %w", err)
	}
	if !sess.attach(track, player) {
		player.Close()
		return ErrNoSession
	}
	return nil
}

// classifyOpenError maps capture errors onto the two failure kinds callers
// distinguish.
func classifyOpenError(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
}
