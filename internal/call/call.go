package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ringline/internal/negotiation"
)

// Call is the single in-progress call. Every field is owned by the machine's
// event loop; tasks only read what they were handed when spawned.
type Call struct {
	ID        string
	Peer      string
	Direction Direction
	State     State

	// IceRestartAttempted flips to true at most once per call.
	IceRestartAttempted bool

	gen         uint64
	negotiation *negotiation.Engine
	offer       *webrtc.SessionDescription

	ctx    context.Context
	cancel context.CancelFunc

	dialTimer    *time.Timer
	restartTimer *time.Timer
	resetTimer   *time.Timer

	mediaReady bool
	answering  bool
	released   bool
}

func newCall(gen uint64, peer string, dir Direction, state State) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	return &Call{
		ID:        uuid.NewString()[:8],
		Peer:      peer,
		Direction: dir,
		State:     state,
		gen:       gen,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Call) stopDialTimer() {
	if c.dialTimer != nil {
		c.dialTimer.Stop()
		c.dialTimer = nil
	}
}

func (c *Call) stopRestartTimer() {
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
}

// restarting reports whether an ICE restart is waiting to reconnect.
func (c *Call) restarting() bool {
	return c.restartTimer != nil
}

func (c *Call) stopTimers() {
	c.stopDialTimer()
	c.stopRestartTimer()
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
}
