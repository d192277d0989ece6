// Package call is the orchestrator: it owns the single in-progress call,
// serializes every transition on one event loop and drives the media and
// negotiation components.
package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ringline/internal/media"
	"github.com/1ureka/ringline/internal/negotiation"
	"github.com/1ureka/ringline/internal/signaling"
)

const (
	DefaultDialTimeout    = 30 * time.Second
	DefaultResetDelay     = 3 * time.Second
	DefaultRestartTimeout = 15 * time.Second
)

// Config tunes the machine's timers. Zero values take the defaults.
type Config struct {
	// DialTimeout bounds Dialing, and Negotiating while waiting for the offer.
	DialTimeout time.Duration
	// ResetDelay is how long Declined and Failed stay visible before Idle.
	ResetDelay time.Duration
	// RestartTimeout bounds how long an ICE restart may take to reconnect.
	RestartTimeout time.Duration
}

// Signaler is the relay capability. *signaling.Client satisfies it.
type Signaler interface {
	Send(peer string, msg signaling.Message) error
	Subscribe() (<-chan signaling.Message, func())
}

// Machine is the call state machine. All exported methods are safe for
// concurrent use; call operations are queued and the caller blocks until the
// loop has processed them.
type Machine struct {
	cfg     Config
	sig     Signaler
	media   *media.Manager
	factory negotiation.PeerFactory
	obs     Observer

	events    chan event
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// Owned by the loop.
	call *Call
	gen  uint64

	snapMu    sync.RWMutex
	snapState State
	snapPeer  string
}

// New starts a machine. The relay subscription is taken before New returns so
// no inbound message is missed.
func New(cfg Config, sig Signaler, mm *media.Manager, factory negotiation.PeerFactory, obs Observer) *Machine {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = DefaultResetDelay
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = DefaultRestartTimeout
	}
	if obs == nil {
		obs = NopObserver{}
	}

	m := &Machine{
		cfg:      cfg,
		sig:      sig,
		media:    mm,
		factory:  factory,
		obs:      obs,
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	inbound, unsubscribe := sig.Subscribe()
	go m.run(inbound, unsubscribe)
	return m
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// StartCall dials peer. It returns ErrCallInProgress when a call exists.
// Failures after the call has started are reported to the Observer.
func (m *Machine) StartCall(peer string) error {
	if peer == "" {
		return ErrEmptyPeer
	}
	return m.submit(event{kind: evStartCall, peer: peer})
}

// AcceptIncoming answers the ringing call.
func (m *Machine) AcceptIncoming() error {
	return m.submit(event{kind: evAccept})
}

// DeclineIncoming rejects the ringing call.
func (m *Machine) DeclineIncoming() error {
	return m.submit(event{kind: evDecline})
}

// EndCall hangs up. Media and the peer connection are released before it
// returns.
func (m *Machine) EndCall() error {
	return m.submit(event{kind: evEndCall})
}

// ToggleMute flips the local track and returns the new muted state.
func (m *Machine) ToggleMute() (bool, error) {
	if s := m.State(); s == Idle || s.terminal() {
		return false, fmt.Errorf("%w: no call to mute (%s)", ErrInvalidStateTransition, s)
	}
	return m.media.ToggleMute()
}

// SetRemoteVolume sets the remote playback gain, clamped to [0,1], and
// returns the applied level.
func (m *Machine) SetRemoteVolume(level float64) (float64, error) {
	if s := m.State(); s == Idle || s.terminal() {
		return 0, fmt.Errorf("%w: no call (%s)", ErrInvalidStateTransition, s)
	}
	return m.media.SetRemoteVolume(level)
}

// State returns the current state.
func (m *Machine) State() State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapState
}

// Peer returns the number of the current call's peer, or "".
func (m *Machine) Peer() string {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapPeer
}

// Close stops the loop. A call in progress is torn down as by EndCall.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	<-m.loopDone
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

type eventKind int

const (
	evStartCall eventKind = iota
	evAccept
	evDecline
	evEndCall
	evDialTimeout
	evReset
	evTaskDone
	evICEFailed
	evICERestored
	evRestartTimeout
	evRemoteTrack
)

// stage names the task that produced an evTaskDone.
type stage int

const (
	stageOutbound    stage = iota // acquire, add track, offer
	stageMedia                    // acquire, add track (callee)
	stageAnswer                   // answer the stored offer
	stageRenegotiate              // answer a remote restart offer
	stageRestart                  // our own restart offer
)

type event struct {
	kind  eventKind
	gen   uint64
	peer  string
	stage stage
	err   error
	track *webrtc.TrackRemote
	reply chan error
}

func (m *Machine) run(inbound <-chan signaling.Message, unsubscribe func()) {
	defer close(m.loopDone)
	defer unsubscribe()

	for {
		select {
		case <-m.done:
			m.shutdown()
			return
		case ev := <-m.events:
			err := m.handle(ev)
			if ev.reply != nil {
				ev.reply <- err
			}
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				m.onRelayLost()
				continue
			}
			m.onMessage(msg)
		}
	}
}

// submit queues an API event and waits for its result.
func (m *Machine) submit(ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case m.events <- ev:
	case <-m.done:
		return ErrClosed
	}
	select {
	case err := <-ev.reply:
		return err
	case <-m.loopDone:
		return ErrClosed
	}
}

// post queues an internal event. It never runs on the loop goroutine.
func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Machine) handle(ev event) error {
	switch ev.kind {
	case evStartCall:
		return m.startCall(ev.peer)
	case evAccept:
		return m.accept()
	case evDecline:
		return m.decline()
	case evEndCall:
		return m.endCall()
	case evDialTimeout:
		m.onDialTimeout(ev.gen)
	case evReset:
		m.onReset(ev.gen)
	case evTaskDone:
		m.onTaskDone(ev)
	case evICEFailed:
		m.onICEFailed(ev.gen)
	case evICERestored:
		m.onICERestored(ev.gen)
	case evRestartTimeout:
		m.onRestartTimeout(ev.gen)
	case evRemoteTrack:
		m.onRemoteTrack(ev.gen, ev.track)
	}
	return nil
}

// shutdown tears down whatever is in progress when the machine closes.
func (m *Machine) shutdown() {
	c := m.call
	if c == nil {
		return
	}
	if !c.State.terminal() {
		m.send(c.Peer, signaling.Message{Type: signaling.MsgEndCall})
	}
	m.release(c)
	c.stopTimers()
	m.call = nil
	m.publish(Idle, "")
}
