package call

// Observer receives the machine's outbound notifications. Every method is
// invoked from the machine's event loop, in order, so implementations must
// return promptly and must not call back into the Machine synchronously.
type Observer interface {
	OnStatusChange(text string)
	OnIncomingCall(peer string)
	OnCallEnded(reason string)
	OnError(kind ErrorKind, message string)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnStatusChange(string)     {}
func (NopObserver) OnIncomingCall(string)     {}
func (NopObserver) OnCallEnded(string)        {}
func (NopObserver) OnError(ErrorKind, string) {}
