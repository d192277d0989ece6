package app

import (
	"github.com/pterm/pterm"

	"github.com/1ureka/ringline/internal/call"
)

// consoleObserver prints call notifications to the terminal.
type consoleObserver struct{}

var _ call.Observer = consoleObserver{}

func (consoleObserver) OnStatusChange(text string) {
	pterm.Info.Println(text)
}

func (consoleObserver) OnIncomingCall(peer string) {
	pterm.Println()
	pterm.Success.Printfln("Incoming call from %s  (accept / decline)", peer)
}

func (consoleObserver) OnCallEnded(reason string) {
	pterm.Info.Println(reason)
}

func (consoleObserver) OnError(kind call.ErrorKind, message string) {
	pterm.Error.Printfln("%s: %s", kind, message)
}
