package call

import (
	"errors"

	"github.com/1ureka/ringline/internal/media"
	"github.com/1ureka/ringline/internal/negotiation"
	"github.com/1ureka/ringline/internal/signaling"
)

// ErrorKind classifies failures reported through Observer.OnError.
type ErrorKind int

const (
	PermissionDenied ErrorKind = iota + 1
	DeviceUnavailable
	NegotiationFailure
	ConnectivityFailure
	SignalingError
	DialTimeout
	InvalidStateTransition
	CallInProgress
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "PermissionDenied"
	case DeviceUnavailable:
		return "DeviceUnavailable"
	case NegotiationFailure:
		return "NegotiationFailure"
	case ConnectivityFailure:
		return "ConnectivityFailure"
	case SignalingError:
		return "SignalingError"
	case DialTimeout:
		return "DialTimeout"
	case InvalidStateTransition:
		return "InvalidStateTransition"
	case CallInProgress:
		return "CallInProgress"
	}
	return "Unknown"
}

var (
	// ErrCallInProgress rejects a new call while another one is not Idle.
	ErrCallInProgress = errors.New("call in progress")
	// ErrInvalidStateTransition rejects an operation the current state does
	// not allow. The state is unchanged.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrEmptyPeer rejects StartCall without a number.
	ErrEmptyPeer = errors.New("empty peer number")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("call: machine closed")

	errDialTimeout    = errors.New("no answer before dial timeout")
	errConnectivity   = errors.New("connectivity lost after restart")
	errRestartTimeout = errors.New("connectivity not restored after restart")
	errRelayLost      = errors.New("relay connection lost")
)

// classify maps a setup failure onto the kind reported to observers.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return PermissionDenied
	case errors.Is(err, media.ErrDeviceUnavailable):
		return DeviceUnavailable
	case errors.Is(err, negotiation.ErrSend), errors.Is(err, signaling.ErrClosed):
		return SignalingError
	}
	return NegotiationFailure
}
