package relay

import (
	"fmt"

	"github.com/1ureka/ringline/internal/signaling"
	"github.com/1ureka/ringline/internal/util"
)

// route rewrites one message from sender into what the addressed endpoint
// receives, and delivers it. Every forwarded message carries "from".
func (s *Server) route(sender *client, msg signaling.Message) {
	switch msg.Type {
	case signaling.MsgStartCall:
		s.forward(sender, msg.Target, signaling.Message{
			Type: signaling.MsgIncomingCall,
			From: sender.number,
		})

	case signaling.MsgOffer:
		if msg.Offer == nil {
			s.reject(sender, msg.Target, "offer without session description")
			return
		}
		s.forward(sender, msg.Target, signaling.Message{
			Type:   signaling.MsgOffer,
			From:   sender.number,
			Caller: sender.number,
			Offer:  msg.Offer,
		})

	case signaling.MsgAnswer:
		if msg.Answer == nil {
			s.reject(sender, msg.Target, "answer without session description")
			return
		}
		if s.forward(sender, msg.Target, signaling.Message{
			Type:   signaling.MsgAnswer,
			From:   sender.number,
			Answer: msg.Answer,
		}) {
			s.forward(sender, msg.Target, signaling.Message{
				Type: signaling.MsgCallAccepted,
				From: sender.number,
				By:   sender.number,
			})
		}

	case signaling.MsgCandidate:
		if msg.Candidate == nil {
			s.reject(sender, msg.Target, "ice_candidate without candidate")
			return
		}
		s.forward(sender, msg.Target, signaling.Message{
			Type:      signaling.MsgCandidate,
			From:      sender.number,
			Candidate: msg.Candidate,
		})

	case signaling.MsgDeclineCall:
		// "from" names the caller being declined.
		s.forward(sender, msg.From, signaling.Message{
			Type: signaling.MsgCallDeclined,
			From: sender.number,
			By:   sender.number,
		})

	case signaling.MsgEndCall:
		s.forward(sender, msg.Target, signaling.Message{
			Type: signaling.MsgCallEnded,
			From: sender.number,
			By:   sender.number,
		})

	default:
		s.reject(sender, "", fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

// forward delivers msg to target. An offline target is reported back to the
// sender as call_error. Returns true when the message was written.
func (s *Server) forward(sender *client, target string, msg signaling.Message) bool {
	if target == "" {
		s.reject(sender, "", fmt.Sprintf("%s without target", msg.Type))
		return false
	}
	if target == sender.number {
		s.reject(sender, target, "cannot call yourself")
		return false
	}

	dst, ok := s.lookup(target)
	if !ok {
		s.reject(sender, target, fmt.Sprintf("user %s is not available", target))
		return false
	}

	if err := dst.send(msg); err != nil {
		util.LogWarning("relay: failed to deliver %s %s → %s: %v", msg.Type, sender.number, target, err)
		return false
	}
	util.LogDebug("relay: %s %s → %s", msg.Type, sender.number, target)
	return true
}

// reject sends a call_error back to the sender. target names the peer the
// rejected message was addressed to, when there was one.
func (s *Server) reject(sender *client, target, reason string) {
	msg := signaling.Message{Type: signaling.MsgCallError, Target: target, Message: reason}
	if err := sender.send(msg); err != nil {
		util.LogDebug("relay: failed to report error to %s: %v", sender.number, err)
	}
}
