// Package signaling implements the relay-side control channel: the typed
// message schema and a WebSocket client that sends and receives it.
package signaling

import (
	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of control message.
type MessageType string

const (
	MsgStartCall    MessageType = "start_call"    // caller → relay: announce a call to target
	MsgIncomingCall MessageType = "incoming_call" // relay → callee: invite from "from"
	MsgOffer        MessageType = "offer"         // session offer, either direction
	MsgAnswer       MessageType = "answer"        // session answer, either direction
	MsgCandidate    MessageType = "ice_candidate" // one connectivity candidate
	MsgDeclineCall  MessageType = "decline_call"  // callee → relay: reject the invite from "from"
	MsgCallDeclined MessageType = "call_declined" // relay → caller: rejected by "by"
	MsgEndCall      MessageType = "end_call"      // endpoint → relay: hang up on target
	MsgCallEnded    MessageType = "call_ended"    // relay → endpoint: hung up by "by"
	MsgCallAccepted MessageType = "call_accepted" // relay → caller: accepted by "by"
	MsgCallError    MessageType = "call_error"    // relay → endpoint: error about the message sent to "target"
	MsgRegistered   MessageType = "registered"    // relay → endpoint: assigned number
)

// Message is the JSON structure exchanged with the relay. Which addressing
// field is set depends on Type; see Peer.
type Message struct {
	Type MessageType `json:"type"`

	Target string `json:"target,omitempty"`
	From   string `json:"from,omitempty"`
	By     string `json:"by,omitempty"`
	Caller string `json:"caller,omitempty"`
	Number string `json:"number,omitempty"`

	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	Message string `json:"message,omitempty"`
}

// Peer returns the remote party an inbound message is about. The relay stamps
// "from" on everything it forwards; "caller" and "by" are accepted for
// messages produced by relays that only set the type-specific field.
func (m Message) Peer() string {
	switch {
	case m.From != "":
		return m.From
	case m.Caller != "":
		return m.Caller
	case m.By != "":
		return m.By
	}
	return ""
}

// Address sets the addressing field for an outbound message to peer.
// decline_call names the declined caller in "from"; every other type uses
// "target".
func (m *Message) Address(peer string) {
	if m.Type == MsgDeclineCall {
		m.From = peer
		return
	}
	m.Target = peer
}
