package media

import (
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ringline/internal/util"
)

// opusSilence is a single Opus frame that decodes to 20 ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Session is the capture/playback pair of one call.
type Session struct {
	// Track is the local audio track handed to the negotiation engine.
	Track *webrtc.TrackLocalStaticSample

	src   Source
	muted atomic.Bool
	gain  atomic.Uint64 // math.Float64bits of the playback gain

	mu     sync.Mutex
	remote RemoteTrack
	player Player
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(src Source) (*Session, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"ringline-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Track: track,
		src:   src,
		done:  make(chan struct{}),
	}
	s.gain.Store(math.Float64bits(1))
	return s, nil
}

// Muted reports whether the local track is disabled.
func (s *Session) Muted() bool {
	return s.muted.Load()
}

// Volume returns the playback gain of the remote stream.
func (s *Session) Volume() float64 {
	return math.Float64frombits(s.gain.Load())
}

// Remote returns the attached remote stream, or nil.
func (s *Session) Remote() RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) setVolume(level float64) float64 {
	switch {
	case math.IsNaN(level), level < 0:
		level = 0
	case level > 1:
		level = 1
	}
	s.gain.Store(math.Float64bits(level))
	return level
}

// start launches the capture pump.
func (s *Session) start() {
	go s.pumpLocal()
}

// pumpLocal copies captured samples onto the local track. While muted the
// payload is swapped for silence so the RTP clock keeps running.
func (s *Session) pumpLocal() {
	for {
		sample, err := s.src.ReadSample()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) {
					util.LogWarning("media: capture stopped: %v", err)
				}
			}
			return
		}

		select {
		case <-s.done:
			return
		default:
		}

		if s.muted.Load() {
			sample.Data = opusSilence
		}
		if err := s.Track.WriteSample(sample); err != nil {
			util.LogDebug("media: write sample: %v", err)
			continue
		}
		util.Stats.AddSent(len(sample.Data))
	}
}

// attach installs the remote stream and starts playback. Returns false if the
// session is already closed or a remote stream is attached.
func (s *Session) attach(track RemoteTrack, player Player) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.remote != nil {
		return false
	}
	s.remote = track
	s.player = player

	go s.pumpRemote(track, player)
	return true
}

// pumpRemote plays remote RTP packets at the current gain until the track
// ends or the session closes.
func (s *Session) pumpRemote(track RemoteTrack, player Player) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}

		select {
		case <-s.done:
			return
		default:
		}

		util.Stats.AddRecv(len(pkt.Payload))
		if err := player.Play(pkt, s.Volume()); err != nil {
			util.LogDebug("media: playback: %v", err)
		}
	}
}

// close stops capture and playback. Safe to call multiple times; the source
// and player are closed exactly once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.closed = true
		player := s.player
		s.remote = nil
		s.player = nil
		s.mu.Unlock()

		if err := s.src.Close(); err != nil {
			util.LogDebug("media: close source: %v", err)
		}
		if player != nil {
			if err := player.Close(); err != nil {
				util.LogDebug("media: close player: %v", err)
			}
		}
	})
}
