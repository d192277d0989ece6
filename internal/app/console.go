package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/ringline/internal/call"
)

// controller is the part of call.Machine the console drives.
type controller interface {
	StartCall(peer string) error
	AcceptIncoming() error
	DeclineIncoming() error
	EndCall() error
	ToggleMute() (bool, error)
	SetRemoteVolume(level float64) (float64, error)
	State() call.State
	Peer() string
}

var _ controller = (*call.Machine)(nil)

var errUsage = errors.New("unknown command, type 'help'")

const helpText = `call <number>   dial a number
accept          answer the incoming call
decline         reject the incoming call
end             hang up
mute            toggle the microphone
volume <0-100>  set the remote volume
status          show the current call
quit            exit`

// execute runs one console line. quit is true when the user asked to exit.
func execute(c controller, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch strings.ToLower(fields[0]) {
	case "call", "dial":
		if len(fields) != 2 {
			return false, errors.New("usage: call <number>")
		}
		return false, c.StartCall(fields[1])

	case "accept", "answer":
		return false, c.AcceptIncoming()

	case "decline", "reject":
		return false, c.DeclineIncoming()

	case "end", "hangup":
		return false, c.EndCall()

	case "mute":
		muted, err := c.ToggleMute()
		if err != nil {
			return false, err
		}
		if muted {
			pterm.Info.Println("Microphone muted")
		} else {
			pterm.Info.Println("Microphone live")
		}
		return false, nil

	case "volume", "vol":
		if len(fields) != 2 {
			return false, errors.New("usage: volume <0-100>")
		}
		pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[1], "%"), 64)
		if err != nil {
			return false, fmt.Errorf("invalid volume %q", fields[1])
		}
		level, err := c.SetRemoteVolume(pct / 100)
		if err != nil {
			return false, err
		}
		pterm.Info.Printfln("Remote volume %.0f%%", level*100)
		return false, nil

	case "status":
		if peer := c.Peer(); peer != "" {
			pterm.Info.Printfln("%s with %s", c.State(), peer)
		} else {
			pterm.Info.Println(c.State().String())
		}
		return false, nil

	case "help", "?":
		pterm.Println(helpText)
		return false, nil

	case "quit", "exit":
		return true, nil
	}

	return false, errUsage
}
