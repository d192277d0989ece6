package call

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ringline/internal/negotiation"
	"github.com/1ureka/ringline/internal/signaling"
	"github.com/1ureka/ringline/internal/util"
)

// Everything in this file runs on the event loop.

// ---------------------------------------------------------------------------
// API operations
// ---------------------------------------------------------------------------

func (m *Machine) startCall(peer string) error {
	if c := m.call; c != nil {
		util.LogWarning("call: rejecting call to %s, already %s with %s", peer, c.State, c.Peer)
		return fmt.Errorf("%w: %s with %s", ErrCallInProgress, c.State, c.Peer)
	}

	c := m.newCall(peer, Outbound)
	m.transition(c, TriggerInitiate)
	util.LogInfo("%s dialing %s", c.tag(), peer)
	m.obs.OnStatusChange(fmt.Sprintf("Calling %s...", peer))

	if err := m.sig.Send(peer, signaling.Message{Type: signaling.MsgStartCall}); err != nil {
		m.fail(c, TriggerNegotiationError, SignalingError, fmt.Errorf("start call: %w", err), false)
		return nil
	}
	if err := c.negotiation.Open(); err != nil {
		m.fail(c, TriggerNegotiationError, NegotiationFailure, err, true)
		return nil
	}
	m.armDialTimer(c)

	eng := c.negotiation
	m.spawn(c, stageOutbound, func(ctx context.Context) error {
		sess, err := m.media.Acquire(ctx)
		if err != nil {
			return err
		}
		if err := eng.AddLocalTrack(sess.Track); err != nil {
			return err
		}
		return eng.Offer()
	})
	return nil
}

func (m *Machine) accept() error {
	c := m.call
	if c == nil {
		return m.reject(TriggerAccept, Idle)
	}
	if err := m.transition(c, TriggerAccept); err != nil {
		return m.reject(TriggerAccept, c.State)
	}
	util.LogInfo("%s accepted call from %s", c.tag(), c.Peer)
	m.obs.OnStatusChange(fmt.Sprintf("Connecting to %s...", c.Peer))

	if err := c.negotiation.Open(); err != nil {
		m.fail(c, TriggerNegotiationError, NegotiationFailure, err, true)
		return nil
	}
	// The offer may still be in flight; waiting for it is bounded.
	m.armDialTimer(c)

	eng := c.negotiation
	m.spawn(c, stageMedia, func(ctx context.Context) error {
		sess, err := m.media.Acquire(ctx)
		if err != nil {
			return err
		}
		return eng.AddLocalTrack(sess.Track)
	})
	return nil
}

func (m *Machine) decline() error {
	c := m.call
	if c == nil {
		return m.reject(TriggerDecline, Idle)
	}
	if err := m.transition(c, TriggerDecline); err != nil {
		return m.reject(TriggerDecline, c.State)
	}
	util.LogInfo("%s declined call from %s", c.tag(), c.Peer)

	m.send(c.Peer, signaling.Message{Type: signaling.MsgDeclineCall})
	m.release(c)
	m.obs.OnCallEnded("declined")
	m.obs.OnStatusChange(fmt.Sprintf("Declined call from %s", c.Peer))
	m.scheduleReset(c)
	return nil
}

func (m *Machine) endCall() error {
	c := m.call
	if c == nil {
		return m.reject(TriggerTerminate, Idle)
	}
	if err := m.transition(c, TriggerTerminate); err != nil {
		return m.reject(TriggerTerminate, c.State)
	}
	util.LogInfo("%s hanging up on %s", c.tag(), c.Peer)

	m.release(c)
	m.send(c.Peer, signaling.Message{Type: signaling.MsgEndCall})
	m.finish(c, "Call ended")
	return nil
}

// ---------------------------------------------------------------------------
// Timers and tasks
// ---------------------------------------------------------------------------

func (m *Machine) onDialTimeout(gen uint64) {
	c := m.current(gen)
	if c == nil || c.released {
		return
	}
	c.dialTimer = nil
	util.LogWarning("%s no answer from %s after %s", c.tag(), c.Peer, m.cfg.DialTimeout)
	m.fail(c, TriggerDialTimeout, DialTimeout, errDialTimeout, true)
}

func (m *Machine) onReset(gen uint64) {
	c := m.current(gen)
	if c == nil {
		return
	}
	if err := m.transition(c, TriggerReset); err != nil {
		return
	}
	c.stopTimers()
	m.call = nil
	m.obs.OnStatusChange("Ready")
}

func (m *Machine) onTaskDone(ev event) {
	c := m.current(ev.gen)
	if c == nil || c.released {
		util.LogDebug("call: discarding stale %s result (gen %d)", ev.stage, ev.gen)
		return
	}

	if ev.err != nil {
		kind := classify(ev.err)
		if ev.stage == stageRestart && kind == NegotiationFailure {
			kind = ConnectivityFailure
		}
		m.fail(c, TriggerNegotiationError, kind, fmt.Errorf("%s: %w", ev.stage, ev.err), true)
		return
	}

	switch ev.stage {
	case stageOutbound:
		util.LogDebug("%s offer sent to %s", c.tag(), c.Peer)
	case stageMedia:
		c.mediaReady = true
		m.maybeAnswer(c)
	case stageAnswer:
		if c.State != Negotiating {
			return
		}
		c.stopDialTimer()
		m.transition(c, TriggerNegotiationComplete)
		m.connected(c)
	case stageRenegotiate:
		util.LogDebug("%s answered renegotiation from %s", c.tag(), c.Peer)
	case stageRestart:
		util.LogDebug("%s restart offer sent to %s", c.tag(), c.Peer)
	}
}

// onICEFailed handles a connectivity failure. The caller owns the restart:
// it sends the restart offer, the callee answers it. Both sides bound the
// wait with the restart timer.
func (m *Machine) onICEFailed(gen uint64) {
	c := m.current(gen)
	if c == nil || c.State != Active {
		return
	}

	if c.IceRestartAttempted {
		m.fail(c, TriggerICEFailure, ConnectivityFailure, errConnectivity, true)
		return
	}

	c.IceRestartAttempted = true
	m.transition(c, TriggerICERestart)
	m.obs.OnStatusChange("Reconnecting...")
	m.armRestartTimer(c)

	if c.Direction == Inbound {
		util.LogWarning("%s connectivity failed, waiting for %s to restart ICE", c.tag(), c.Peer)
		return
	}
	util.LogWarning("%s connectivity failed, restarting ICE", c.tag())

	eng := c.negotiation
	m.spawn(c, stageRestart, func(context.Context) error {
		_, err := eng.Restart()
		return err
	})
}

func (m *Machine) onICERestored(gen uint64) {
	c := m.current(gen)
	if c == nil || c.State != Active || !c.restarting() {
		return
	}
	c.stopRestartTimer()
	util.LogSuccess("%s connectivity restored", c.tag())
	m.obs.OnStatusChange(fmt.Sprintf("In call with %s", c.Peer))
}

// onRestartTimeout counts a restart that never reconnected as the second
// failure.
func (m *Machine) onRestartTimeout(gen uint64) {
	c := m.current(gen)
	if c == nil || c.released || c.State != Active {
		return
	}
	c.restartTimer = nil
	if c.negotiation.Connected() {
		util.LogDebug("%s connectivity restored before restart timeout", c.tag())
		return
	}
	util.LogWarning("%s ICE restart did not reconnect within %s", c.tag(), m.cfg.RestartTimeout)
	m.fail(c, TriggerICEFailure, ConnectivityFailure, errRestartTimeout, true)
}

func (m *Machine) onRemoteTrack(gen uint64, track *webrtc.TrackRemote) {
	c := m.current(gen)
	if c == nil || c.released {
		return
	}
	if err := m.media.AttachRemote(track); err != nil {
		util.LogWarning("%s cannot play remote audio: %v", c.tag(), err)
		return
	}
	util.LogDebug("%s remote audio attached", c.tag())
}

func (m *Machine) onRelayLost() {
	util.LogError("call: relay connection lost")
	c := m.call
	if c == nil || c.State.terminal() {
		m.obs.OnError(SignalingError, errRelayLost.Error())
		return
	}
	m.fail(c, TriggerRemoteError, SignalingError, errRelayLost, false)
}

// ---------------------------------------------------------------------------
// Inbound messages
// ---------------------------------------------------------------------------

func (m *Machine) onMessage(msg signaling.Message) {
	peer := msg.Peer()

	switch msg.Type {
	case signaling.MsgRegistered:
		util.LogDebug("call: registered as %s", msg.Number)
	case signaling.MsgIncomingCall:
		m.onInvite(peer)
	case signaling.MsgOffer:
		m.onOffer(peer, msg.Offer)
	case signaling.MsgAnswer:
		m.onAnswer(peer, msg.Answer)
	case signaling.MsgCandidate:
		m.onCandidate(peer, msg.Candidate)
	case signaling.MsgCallAccepted:
		if c := m.callWith(peer); c != nil && c.State == Dialing {
			m.obs.OnStatusChange(fmt.Sprintf("%s answered, connecting...", c.Peer))
		}
	case signaling.MsgCallDeclined:
		m.onRemoteDecline(peer)
	case signaling.MsgCallEnded:
		m.onRemoteEnd(peer)
	case signaling.MsgCallError:
		m.onRemoteError(msg.Target, msg.Message)
	default:
		util.LogDebug("call: ignoring %q message", msg.Type)
	}
}

func (m *Machine) onInvite(peer string) {
	if peer == "" {
		util.LogDebug("call: dropping invite without caller")
		return
	}
	if c := m.call; c != nil {
		if c.Peer != peer || c.Direction != Inbound {
			util.LogWarning("call: busy, ignoring invite from %s", peer)
		}
		return
	}

	c := m.newCall(peer, Inbound)
	m.transition(c, TriggerInboundInvite)
	util.LogInfo("%s incoming call from %s", c.tag(), peer)
	m.obs.OnIncomingCall(peer)
	m.obs.OnStatusChange(fmt.Sprintf("Incoming call from %s", peer))
}

func (m *Machine) onOffer(peer string, offer *webrtc.SessionDescription) {
	if offer == nil {
		util.LogDebug("call: dropping empty offer from %s", peer)
		return
	}
	if m.call == nil {
		// An unsolicited offer doubles as the invite.
		m.onInvite(peer)
	}
	c := m.callWith(peer)
	if c == nil {
		return
	}

	switch c.State {
	case RingingInbound:
		c.offer = offer
	case Negotiating:
		if c.offer != nil {
			util.LogDebug("%s ignoring duplicate offer", c.tag())
			return
		}
		c.offer = offer
		m.maybeAnswer(c)
	case Active:
		if c.Direction == Outbound && c.restarting() {
			// Our restart offer is outstanding; the callee answers it.
			util.LogDebug("%s ignoring offer from %s during own ICE restart", c.tag(), c.Peer)
			return
		}
		util.LogInfo("%s renegotiation requested by %s", c.tag(), c.Peer)
		eng, o := c.negotiation, *offer
		m.spawn(c, stageRenegotiate, func(context.Context) error {
			return eng.Answer(o)
		})
	default:
		util.LogDebug("%s ignoring offer in %s", c.tag(), c.State)
	}
}

func (m *Machine) onAnswer(peer string, answer *webrtc.SessionDescription) {
	c := m.callWith(peer)
	if c == nil || answer == nil {
		return
	}

	switch c.State {
	case Dialing:
		if err := c.negotiation.ApplyAnswer(*answer); err != nil {
			m.fail(c, TriggerNegotiationError, classify(err), err, true)
			return
		}
		c.stopDialTimer()
		m.transition(c, TriggerRemoteAnswer)
		m.connected(c)
	case Active:
		if c.Direction != Outbound || !c.IceRestartAttempted {
			util.LogDebug("%s ignoring unexpected answer from %s", c.tag(), c.Peer)
			return
		}
		if err := c.negotiation.ApplyAnswer(*answer); err != nil {
			m.fail(c, TriggerNegotiationError, ConnectivityFailure, err, true)
			return
		}
		util.LogInfo("%s restart answered by %s", c.tag(), c.Peer)
	default:
		util.LogDebug("%s ignoring answer in %s", c.tag(), c.State)
	}
}

func (m *Machine) onCandidate(peer string, cand *webrtc.ICECandidateInit) {
	c := m.callWith(peer)
	if c == nil || cand == nil || c.released {
		return
	}
	if err := c.negotiation.AddRemoteCandidate(*cand); err != nil {
		util.LogWarning("%s %v", c.tag(), err)
	}
}

func (m *Machine) onRemoteDecline(peer string) {
	c := m.callWith(peer)
	if c == nil {
		return
	}
	if err := m.transition(c, TriggerRemoteDecline); err != nil {
		util.LogDebug("%s ignoring decline in %s", c.tag(), c.State)
		return
	}
	util.LogInfo("%s declined by %s", c.tag(), c.Peer)

	m.release(c)
	m.obs.OnCallEnded("declined by " + c.Peer)
	m.obs.OnStatusChange(fmt.Sprintf("Call declined by %s", c.Peer))
	m.scheduleReset(c)
}

func (m *Machine) onRemoteEnd(peer string) {
	c := m.callWith(peer)
	if c == nil {
		return
	}
	if err := m.transition(c, TriggerRemoteEnd); err != nil {
		util.LogDebug("%s ignoring end in %s", c.tag(), c.State)
		return
	}
	util.LogInfo("%s ended by %s", c.tag(), c.Peer)

	m.release(c)
	m.finish(c, fmt.Sprintf("Call ended by %s", c.Peer))
}

// onRemoteError handles a relay-detected error. target names the peer the
// failed message was addressed to; errors about another peer, or arriving
// when no call is in progress, are only logged.
func (m *Machine) onRemoteError(target, text string) {
	if text == "" {
		text = "relay reported an error"
	}
	c := m.call
	if c == nil || c.State.terminal() || (target != "" && target != c.Peer) {
		util.LogWarning("call: relay error outside the current call: %s", text)
		return
	}
	m.fail(c, TriggerRemoteError, SignalingError, fmt.Errorf("relay: %s", text), false)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Machine) newCall(peer string, dir Direction) *Call {
	m.gen++
	c := newCall(m.gen, peer, dir, Idle)

	// Capability callbacks arrive on pion goroutines and may fire while the
	// loop is closing the peer connection, so they never block on the loop.
	gen := c.gen
	c.negotiation = negotiation.New(peer, m.factory, m.sig, negotiation.Hooks{
		OnConnectivityFailed: func() {
			go m.post(event{kind: evICEFailed, gen: gen})
		},
		OnConnectivityRestored: func() {
			go m.post(event{kind: evICERestored, gen: gen})
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			go m.post(event{kind: evRemoteTrack, gen: gen, track: track})
		},
	})

	m.call = c
	return c
}

// current returns the call for gen, or nil when it is no longer current.
func (m *Machine) current(gen uint64) *Call {
	if m.call == nil || m.call.gen != gen {
		return nil
	}
	return m.call
}

// callWith returns the current call if it is with peer. Messages that carry
// no sender are attributed to the current call.
func (m *Machine) callWith(peer string) *Call {
	c := m.call
	if c == nil || (peer != "" && peer != c.Peer) {
		return nil
	}
	return c
}

// transition applies t to c's state, or leaves it unchanged when the table
// does not allow it.
func (m *Machine) transition(c *Call, t Trigger) error {
	to, ok := next(c.State, t)
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrInvalidStateTransition, t, c.State)
	}
	util.LogDebug("%s %s -> %s (%s)", c.tag(), c.State, to, t)
	c.State = to

	if to == Idle {
		m.publish(Idle, "")
	} else {
		m.publish(to, c.Peer)
	}
	return nil
}

func (m *Machine) reject(t Trigger, s State) error {
	util.LogWarning("call: %s not allowed in %s", t, s)
	return fmt.Errorf("%w: %s in %s", ErrInvalidStateTransition, t, s)
}

func (m *Machine) publish(s State, peer string) {
	m.snapMu.Lock()
	m.snapState = s
	m.snapPeer = peer
	m.snapMu.Unlock()
}

func (m *Machine) connected(c *Call) {
	util.LogSuccess("%s connected to %s", c.tag(), c.Peer)
	m.obs.OnStatusChange(fmt.Sprintf("In call with %s", c.Peer))
}

// maybeAnswer starts the answer once the callee has both media and the offer.
func (m *Machine) maybeAnswer(c *Call) {
	if c.State != Negotiating || !c.mediaReady || c.offer == nil || c.answering {
		return
	}
	c.answering = true

	eng, offer := c.negotiation, *c.offer
	m.spawn(c, stageAnswer, func(context.Context) error {
		return eng.Answer(offer)
	})
}

// fail moves c to Failed through t, releases it and reports kind. A failure
// reported by the remote side or the relay is not echoed back.
func (m *Machine) fail(c *Call, t Trigger, kind ErrorKind, err error, notifyPeer bool) {
	if terr := m.transition(c, t); terr != nil {
		util.LogDebug("%s dropping %s failure: %v", c.tag(), kind, terr)
		return
	}
	util.LogError("%s failed (%s): %v", c.tag(), kind, err)

	m.release(c)
	if notifyPeer {
		m.send(c.Peer, signaling.Message{Type: signaling.MsgEndCall})
	}
	m.obs.OnError(kind, err.Error())
	m.obs.OnStatusChange(fmt.Sprintf("Call failed: %v", err))
	m.scheduleReset(c)
}

// finish completes Ending -> Idle.
func (m *Machine) finish(c *Call, reason string) {
	m.transition(c, TriggerEnded)
	c.stopTimers()
	m.call = nil
	m.obs.OnCallEnded(reason)
	m.obs.OnStatusChange(reason)
}

// release frees the call's resources. Only the first call does anything.
func (m *Machine) release(c *Call) {
	if c.released {
		return
	}
	c.released = true
	c.cancel()
	c.stopDialTimer()
	c.stopRestartTimer()

	if err := c.negotiation.Close(); err != nil {
		util.LogWarning("%s closing peer connection: %v", c.tag(), err)
	}
	m.media.Release()
}

// send is best-effort: failures are logged, never surfaced.
func (m *Machine) send(peer string, msg signaling.Message) {
	if err := m.sig.Send(peer, msg); err != nil {
		util.LogWarning("call: failed to send %s to %s: %v", msg.Type, peer, err)
	}
}

func (m *Machine) spawn(c *Call, st stage, fn func(ctx context.Context) error) {
	gen, ctx := c.gen, c.ctx
	go func() {
		err := fn(ctx)
		m.post(event{kind: evTaskDone, gen: gen, stage: st, err: err})
	}()
}

func (m *Machine) armDialTimer(c *Call) {
	c.stopDialTimer()
	gen := c.gen
	c.dialTimer = time.AfterFunc(m.cfg.DialTimeout, func() {
		m.post(event{kind: evDialTimeout, gen: gen})
	})
}

func (m *Machine) armRestartTimer(c *Call) {
	c.stopRestartTimer()
	gen := c.gen
	c.restartTimer = time.AfterFunc(m.cfg.RestartTimeout, func() {
		m.post(event{kind: evRestartTimeout, gen: gen})
	})
}

func (m *Machine) scheduleReset(c *Call) {
	gen := c.gen
	c.resetTimer = time.AfterFunc(m.cfg.ResetDelay, func() {
		m.post(event{kind: evReset, gen: gen})
	})
}

func (c *Call) tag() string {
	return "call [" + c.ID + "]"
}

func (s stage) String() string {
	switch s {
	case stageOutbound:
		return "outbound setup"
	case stageMedia:
		return "media setup"
	case stageAnswer:
		return "answer"
	case stageRenegotiate:
		return "renegotiation"
	case stageRestart:
		return "ICE restart"
	}
	return "task"
}
