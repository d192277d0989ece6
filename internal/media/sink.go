package media

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// RemoteTrack is the remote audio stream handle. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink opens one Player per call.
type Sink interface {
	Open() (Player, error)
}

// Player consumes remote RTP packets. gain is the remote volume in [0,1];
// applying it is the player's business.
type Player interface {
	Play(pkt *rtp.Packet, gain float64) error
	Close() error
}

// ---------------------------------------------------------------------------
// Discard
// ---------------------------------------------------------------------------

// DiscardSink drops remote audio. Byte counts still reach util.Stats.
type DiscardSink struct{}

func (DiscardSink) Open() (Player, error) { return discardPlayer{}, nil }

type discardPlayer struct{}

func (discardPlayer) Play(*rtp.Packet, float64) error { return nil }
func (discardPlayer) Close() error                    { return nil }

// ---------------------------------------------------------------------------
// Ogg recorder
// ---------------------------------------------------------------------------

// OggRecorderSink writes each call's remote audio to its own Ogg/Opus file
// in Dir. Opus payloads cannot be scaled without decoding, so the recorder
// treats gain as a gate: packets at zero volume are not written.
type OggRecorderSink struct {
	Dir string
}

// Open creates remote-<timestamp>.ogg in Dir.
func (s OggRecorderSink) Open() (Player, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(s.Dir, fmt.Sprintf("remote-%s.ogg", time.Now().Format("20060102-150405")))
	w, err := oggwriter.New(name, 48000, 2)
	if err != nil {
		return nil, err
	}
	return &oggPlayer{w: w}, nil
}

type oggPlayer struct {
	w *oggwriter.OggWriter
}

func (p *oggPlayer) Play(pkt *rtp.Packet, gain float64) error {
	if gain <= 0 {
		return nil
	}
	return p.w.WriteRTP(pkt)
}

func (p *oggPlayer) Close() error {
	return p.w.Close()
}
