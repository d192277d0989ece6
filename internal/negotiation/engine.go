// Package negotiation drives the peer-connection capability for one call:
// offer/answer exchange, candidate buffering and connectivity restart.
//
// Its only side effects are capability calls and signaling sends.
package negotiation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ringline/internal/signaling"
	"github.com/1ureka/ringline/internal/util"
)

var (
	// ErrNegotiation wraps every description/capability failure.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("negotiation: engine closed")
	// ErrNotOpen is returned when a description step runs before Open.
	ErrNotOpen = errors.New("negotiation: peer connection not open")
	// ErrSend wraps a signaling failure while delivering a description.
	ErrSend = errors.New("negotiation: send failed")
)

// PeerConnection is the capability the engine drives. transport.Peer is the
// pion implementation.
type PeerConnection interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddTrack(webrtc.TrackLocal) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnTrack(func(*webrtc.TrackRemote))
	Close() error
}

// PeerFactory builds a fresh PeerConnection for a call.
type PeerFactory func() (PeerConnection, error)

// Sender delivers a control message to a peer.
type Sender interface {
	Send(peer string, msg signaling.Message) error
}

// Hooks report capability events back to the owner. Each may be nil.
type Hooks struct {
	// OnConnectivityFailed fires every time ICE reports failed.
	OnConnectivityFailed func()
	// OnConnectivityRestored fires every time ICE reports connected or
	// completed.
	OnConnectivityRestored func()
	// OnRemoteTrack fires when the remote audio arrives.
	OnRemoteTrack func(*webrtc.TrackRemote)
}

// Engine is the negotiation state of one call. It exists from call creation;
// the peer connection is attached later by Open, and remote candidates that
// arrive before the remote description are held in arrival order.
type Engine struct {
	peer    string
	factory PeerFactory
	sender  Sender
	hooks   Hooks

	mu        sync.Mutex
	pc        PeerConnection
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	pending   []webrtc.ICECandidateInit
	restarted bool
	closed    bool
	iceState  webrtc.ICEConnectionState
}

// New creates an engine for a call with peer. No peer connection is built yet.
func New(peer string, factory PeerFactory, sender Sender, hooks Hooks) *Engine {
	return &Engine{
		peer:    peer,
		factory: factory,
		sender:  sender,
		hooks:   hooks,
	}
}

// Open builds the peer connection and wires its callbacks. Calling Open again
// is a no-op.
func (e *Engine) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.pc != nil {
		return nil
	}

	pc, err := e.factory()
	if err != nil {
		return fmt.Errorf("%w: create peer connection: %w", ErrNegotiation, err)
	}

	// Every local candidate is sent the moment it is gathered.
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		cand := c
		if err := e.sender.Send(e.peer, signaling.Message{Type: signaling.MsgCandidate, Candidate: &cand}); err != nil {
			util.LogWarning("failed to send ICE candidate to %s: %v", e.peer, err)
			return
		}
		util.Stats.AddCandidateSent()
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.mu.Lock()
		e.iceState = state
		e.mu.Unlock()

		switch state {
		case webrtc.ICEConnectionStateFailed:
			if e.hooks.OnConnectivityFailed != nil {
				e.hooks.OnConnectivityFailed()
			}
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			if e.hooks.OnConnectivityRestored != nil {
				e.hooks.OnConnectivityRestored()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote) {
		if e.hooks.OnRemoteTrack != nil {
			e.hooks.OnRemoteTrack(track)
		}
	})

	e.pc = pc
	return nil
}

// Close tears down the peer connection. Safe to call multiple times; later
// operations return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.pending = nil
	pc := e.pc
	e.mu.Unlock()

	// pion may deliver a final state change while closing; its callback
	// takes e.mu.
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// ---------------------------------------------------------------------------
// Descriptions
// ---------------------------------------------------------------------------

// AddLocalTrack attaches the call's local audio track.
func (e *Engine) AddLocalTrack(track webrtc.TrackLocal) error {
	pc, err := e.conn()
	if err != nil {
		return err
	}
	if err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("%w: add local track: %w", ErrNegotiation, err)
	}
	return nil
}

// Offer creates an offer, sets it as local description and sends it.
func (e *Engine) Offer() error {
	return e.sendOffer(false)
}

// Restart issues a connectivity restart: a new offer with fresh ICE
// credentials on the existing tracks. Only the first call per engine does
// anything; later calls return false.
func (e *Engine) Restart() (bool, error) {
	e.mu.Lock()
	if e.restarted {
		e.mu.Unlock()
		return false, nil
	}
	e.restarted = true
	e.mu.Unlock()

	util.Stats.AddICERestart()
	return true, e.sendOffer(true)
}

// Connected reports whether the last observed ICE state is connected or
// completed.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.iceState == webrtc.ICEConnectionStateConnected ||
		e.iceState == webrtc.ICEConnectionStateCompleted
}

// RestartAttempted reports whether Restart has been issued.
func (e *Engine) RestartAttempted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarted
}

func (e *Engine) sendOffer(iceRestart bool) error {
	pc, err := e.conn()
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)
	}
	if err := e.setLocal(pc, offer); err != nil {
		return err
	}

	if err := e.sender.Send(e.peer, signaling.Message{Type: signaling.MsgOffer, Offer: &offer}); err != nil {
		return fmt.Errorf("%w: offer: %w", ErrSend, err)
	}
	return nil
}

// ApplyAnswer sets the remote answer and flushes held candidates.
func (e *Engine) ApplyAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", ErrNegotiation, answer.Type)
	}
	return e.setRemote(answer)
}

// Answer consumes a remote offer: set remote, flush held candidates, create
// an answer, set it as local description and send it.
func (e *Engine) Answer(offer webrtc.SessionDescription) error {
	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: expected offer, got %s", ErrNegotiation, offer.Type)
	}
	if err := e.setRemote(offer); err != nil {
		return err
	}

	pc, err := e.conn()
	if err != nil {
		return err
	}

	answer, err := pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %w", ErrNegotiation, err)
	}
	if err := e.setLocal(pc, answer); err != nil {
		return err
	}

	if err := e.sender.Send(e.peer, signaling.Message{Type: signaling.MsgAnswer, Answer: &answer}); err != nil {
		return fmt.Errorf("%w: answer: %w", ErrSend, err)
	}
	return nil
}

// LocalDescription returns the last applied local description, or nil.
func (e *Engine) LocalDescription() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// RemoteDescription returns the last applied remote description, or nil.
func (e *Engine) RemoteDescription() *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *Engine) setLocal(pc PeerConnection, desc webrtc.SessionDescription) error {
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("%w: set local %s: %w", ErrNegotiation, desc.Type, err)
	}
	e.mu.Lock()
	e.local = &desc
	e.mu.Unlock()
	return nil
}

// setRemote applies desc and, in the same critical section, flushes every
// held candidate in arrival order. Candidates arriving concurrently either
// land in the buffer before the flush or are applied directly after it.
func (e *Engine) setRemote(desc webrtc.SessionDescription) error {
	if err := validateDescription(desc); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.pc == nil {
		return ErrNotOpen
	}

	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %w", ErrNegotiation, desc.Type, err)
	}
	e.remote = &desc

	pending := e.pending
	e.pending = nil
	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			util.LogWarning("failed to apply held ICE candidate from %s: %v", e.peer, err)
		}
	}
	if len(pending) > 0 {
		util.LogDebug("flushed %d held ICE candidates from %s", len(pending), e.peer)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

// AddRemoteCandidate applies c now if the remote description is set,
// otherwise holds it until it is.
func (e *Engine) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	util.Stats.AddCandidateRecv()

	if e.remote == nil || e.pc == nil {
		e.pending = append(e.pending, c)
		util.Stats.AddCandidateBuffered()
		return nil
	}
	if err := e.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// Pending returns a copy of the held remote candidates.
func (e *Engine) Pending() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), e.pending...)
}

func (e *Engine) conn() (PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return nil, ErrClosed
	case e.pc == nil:
		return nil, ErrNotOpen
	}
	return e.pc, nil
}
