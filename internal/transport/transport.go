// Package transport is the pion/webrtc implementation of the peer-connection
// capability the negotiation engine drives: descriptions, candidates, local
// audio tracks and connectivity observation.
package transport

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ringline/internal/util"
)

// Peer wraps a single PeerConnection. Callbacks may be registered before or
// after signaling starts; pion invokes them on its own goroutines.
type Peer struct {
	pc *webrtc.PeerConnection

	mu       sync.RWMutex
	iceState webrtc.ICEConnectionState

	closeOnce sync.Once
	closeErr  error
}

// NewPeer creates a Peer backed by a new PeerConnection.
func NewPeer(cfg Config) (*Peer, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		pc:       pc,
		iceState: webrtc.ICEConnectionStateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
	})

	return p, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close shuts down the PeerConnection. Safe to call multiple times.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

// ICEConnectionState returns the last observed ICE connection state.
func (p *Peer) ICEConnectionState() webrtc.ICEConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.iceState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer. iceRestart requests fresh ICE
// credentials so connectivity is re-established on the existing tracks.
func (p *Peer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if iceRestart {
		return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	}
	return p.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked for every gathered local
// candidate. The end-of-gathering nil candidate is not forwarded.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			util.LogDebug("ICE gathering complete")
			return
		}
		fn(c.ToJSON())
	})
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// OnICEConnectionStateChange registers a connectivity observer.
func (p *Peer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogDebug("ICE connection state: %s", state.String())
		p.mu.Lock()
		p.iceState = state
		p.mu.Unlock()
		fn(state)
	})
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddTrack attaches a local track. RTCP arriving for it is drained so the
// interceptors keep running; receiver reports are logged at debug level.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}

	go func() {
		for {
			pkts, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			logReceiverReports(pkts)
		}
	}()

	return nil
}

func logReceiverReports(pkts []rtcp.Packet) {
	for _, pkt := range pkts {
		rr, ok := pkt.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, r := range rr.Reports {
			util.LogDebug("remote report: lost %d/256, jitter %d", r.FractionLost, r.Jitter)
		}
	}
}

// OnTrack registers a callback invoked when the remote side's audio arrives.
func (p *Peer) OnTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			util.LogWarning("ignoring remote %s track", track.Kind())
			return
		}
		fn(track)
	})
}
