package call

// State is the call state machine's current state.
type State int

const (
	Idle State = iota
	Dialing
	RingingInbound
	Negotiating
	Active
	Ending
	Declined
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dialing:
		return "dialing"
	case RingingInbound:
		return "ringing"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	case Ending:
		return "ending"
	case Declined:
		return "declined"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Direction says who placed the call.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Trigger names the event that drives a transition.
type Trigger string

const (
	TriggerInitiate            Trigger = "initiate"
	TriggerInboundInvite       Trigger = "inbound_invite"
	TriggerRemoteAnswer        Trigger = "remote_answer"
	TriggerRemoteDecline       Trigger = "remote_decline"
	TriggerDialTimeout         Trigger = "dial_timeout"
	TriggerRemoteError         Trigger = "remote_error"
	TriggerAccept              Trigger = "accept"
	TriggerDecline             Trigger = "decline"
	TriggerNegotiationComplete Trigger = "negotiation_complete"
	TriggerNegotiationError    Trigger = "negotiation_error"
	TriggerICERestart          Trigger = "ice_restart"
	TriggerICEFailure          Trigger = "ice_failure"
	TriggerTerminate           Trigger = "terminate"
	TriggerRemoteEnd           Trigger = "remote_end"
	TriggerEnded               Trigger = "ended"
	TriggerReset               Trigger = "reset"
)

// transitions is the complete table. Anything not listed is an invalid
// transition and leaves the state unchanged.
var transitions = map[State]map[Trigger]State{
	Idle: {
		TriggerInitiate:      Dialing,
		TriggerInboundInvite: RingingInbound,
	},
	Dialing: {
		TriggerRemoteAnswer:     Active,
		TriggerRemoteDecline:    Declined,
		TriggerDialTimeout:      Failed,
		TriggerRemoteError:      Failed,
		TriggerNegotiationError: Failed,
		TriggerTerminate:        Ending,
		TriggerRemoteEnd:        Ending,
	},
	RingingInbound: {
		TriggerAccept:      Negotiating,
		TriggerDecline:     Declined,
		TriggerRemoteError: Failed,
		TriggerTerminate:   Ending,
		TriggerRemoteEnd:   Ending,
	},
	Negotiating: {
		TriggerNegotiationComplete: Active,
		TriggerNegotiationError:    Failed,
		TriggerRemoteError:         Failed,
		TriggerDialTimeout:         Failed,
		TriggerTerminate:           Ending,
		TriggerRemoteEnd:           Ending,
	},
	Active: {
		TriggerICERestart:       Active,
		TriggerICEFailure:       Failed,
		TriggerRemoteError:      Failed,
		TriggerNegotiationError: Failed,
		TriggerTerminate:        Ending,
		TriggerRemoteEnd:        Ending,
	},
	Ending: {
		TriggerEnded: Idle,
	},
	Declined: {
		TriggerReset: Idle,
	},
	Failed: {
		TriggerReset: Idle,
	},
}

// next looks up the target state of t from s.
func next(s State, t Trigger) (State, bool) {
	to, ok := transitions[s][t]
	return to, ok
}

// terminal reports whether s only leaves via reset.
func (s State) terminal() bool {
	return s == Declined || s == Failed
}
