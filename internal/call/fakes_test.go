package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/ringline/internal/media"
	"github.com/1ureka/ringline/internal/negotiation"
	"github.com/1ureka/ringline/internal/signaling"
)

const testSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

// Compile-time interface checks.
var (
	_ Signaler                   = (*fakeSignaler)(nil)
	_ negotiation.PeerConnection = (*fakePC)(nil)
	_ Observer                   = (*recorder)(nil)
	_ media.Capturer             = (*countingCapturer)(nil)
)

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// fakeSignaler records outbound messages and lets tests inject inbound ones.
type fakeSignaler struct {
	mu    sync.Mutex
	sent  []signaling.Message
	inbox chan signaling.Message
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{inbox: make(chan signaling.Message, 64)}
}

func (s *fakeSignaler) Send(peer string, msg signaling.Message) error {
	msg.Address(peer)
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) Subscribe() (<-chan signaling.Message, func()) {
	return s.inbox, func() {}
}

func (s *fakeSignaler) deliver(msg signaling.Message) {
	s.inbox <- msg
}

func (s *fakeSignaler) messages() []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Message(nil), s.sent...)
}

func (s *fakeSignaler) count(t signaling.MessageType) int {
	n := 0
	for _, m := range s.messages() {
		if m.Type == t {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Peer connection
// ---------------------------------------------------------------------------

// fakePC is an in-process peer connection that records its calls. Like
// pion, it refuses a remote offer while its own offer is outstanding.
type fakePC struct {
	mu         sync.Mutex
	log        []string
	applied    []string
	closed     int
	localOffer bool

	onICE func(webrtc.ICEConnectionState)
}

func (f *fakePC) record(s string) {
	f.mu.Lock()
	f.log = append(f.log, s)
	f.mu.Unlock()
}

func (f *fakePC) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if iceRestart {
		f.record("restart-offer")
	} else {
		f.record("offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}, nil
}

func (f *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	f.record("answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}, nil
}

func (f *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	f.localOffer = d.Type == webrtc.SDPTypeOffer
	f.log = append(f.log, "local:"+d.Type.String())
	f.mu.Unlock()
	return nil
}

func (f *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.Type == webrtc.SDPTypeOffer && f.localOffer {
		return errors.New("invalid proposed signaling state transition: have-local-offer->SetRemote(offer)")
	}
	f.localOffer = false
	f.log = append(f.log, "remote:"+d.Type.String())
	return nil
}

func (f *fakePC) AddTrack(webrtc.TrackLocal) error {
	f.record("track")
	return nil
}

func (f *fakePC) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.applied = append(f.applied, c.Candidate)
	f.log = append(f.log, "candidate:"+c.Candidate)
	f.mu.Unlock()
	return nil
}

func (f *fakePC) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *fakePC) OnTrack(func(*webrtc.TrackRemote)) {}

func (f *fakePC) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

// fireICE reports an ICE state the way pion does.
func (f *fakePC) fireICE(state webrtc.ICEConnectionState) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakePC) has(entry string) bool {
	return f.countOf(entry) > 0
}

func (f *fakePC) countOf(entry string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.log {
		if e == entry {
			n++
		}
	}
	return n
}

func (f *fakePC) snapshot() (log, applied []string, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...), append([]string(nil), f.applied...), f.closed
}

// pcFactory hands out a fresh fakePC per call and remembers them.
type pcFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (p *pcFactory) New() (negotiation.PeerConnection, error) {
	pc := &fakePC{}
	p.mu.Lock()
	p.pcs = append(p.pcs, pc)
	p.mu.Unlock()
	return pc, nil
}

func (p *pcFactory) last() *fakePC {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pcs) == 0 {
		return nil
	}
	return p.pcs[len(p.pcs)-1]
}

func (p *pcFactory) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pcs)
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// countingCapturer opens silence sources and counts opens and closes. When
// gate is set, the first Open blocks until gate is closed.
type countingCapturer struct {
	opens   atomic.Int32
	closes  atomic.Int32
	err     error
	gate    chan struct{}
	entered chan struct{}
	gated   atomic.Bool
}

func (c *countingCapturer) Open(ctx context.Context) (media.Source, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.gate != nil && c.gated.CompareAndSwap(false, true) {
		close(c.entered)
		<-c.gate
	}
	c.opens.Add(1)
	return &countingSource{c: c, done: make(chan struct{})}, nil
}

type countingSource struct {
	c    *countingCapturer
	done chan struct{}
	once sync.Once
}

func (s *countingSource) ReadSample() (pmedia.Sample, error) {
	select {
	case <-time.After(20 * time.Millisecond):
		return pmedia.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}, nil
	case <-s.done:
		return pmedia.Sample{}, fmt.Errorf("closed")
	}
}

func (s *countingSource) Close() error {
	s.once.Do(func() {
		s.c.closes.Add(1)
		close(s.done)
	})
	return nil
}

// ---------------------------------------------------------------------------
// Observer
// ---------------------------------------------------------------------------

type reportedError struct {
	kind    ErrorKind
	message string
}

// recorder keeps every notification in order.
type recorder struct {
	mu       sync.Mutex
	statuses []string
	incoming []string
	ended    []string
	errors   []reportedError
}

func (r *recorder) OnStatusChange(text string) {
	r.mu.Lock()
	r.statuses = append(r.statuses, text)
	r.mu.Unlock()
}

func (r *recorder) OnIncomingCall(peer string) {
	r.mu.Lock()
	r.incoming = append(r.incoming, peer)
	r.mu.Unlock()
}

func (r *recorder) OnCallEnded(reason string) {
	r.mu.Lock()
	r.ended = append(r.ended, reason)
	r.mu.Unlock()
}

func (r *recorder) OnError(kind ErrorKind, message string) {
	r.mu.Lock()
	r.errors = append(r.errors, reportedError{kind, message})
	r.mu.Unlock()
}

func (r *recorder) errorKinds() []ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]ErrorKind, 0, len(r.errors))
	for _, e := range r.errors {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

func (r *recorder) hasStatus(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == text {
			return true
		}
	}
	return false
}

func (r *recorder) endedReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ended...)
}

func (r *recorder) incomingPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.incoming...)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	m        *Machine
	sig      *fakeSignaler
	pcs      *pcFactory
	capturer *countingCapturer
	mm       *media.Manager
	obs      *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sig:      newFakeSignaler(),
		pcs:      &pcFactory{},
		capturer: &countingCapturer{},
		obs:      &recorder{},
	}
	h.mm = media.NewManager(h.capturer, nil)
	h.m = New(cfg, h.sig, h.mm, h.pcs.New, h.obs)
	t.Cleanup(h.m.Close)
	return h
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.m.State() == want })
}

func answerFrom(peer string) signaling.Message {
	return signaling.Message{
		Type:   signaling.MsgAnswer,
		From:   peer,
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP},
	}
}

func offerFrom(peer string) signaling.Message {
	return signaling.Message{
		Type:   signaling.MsgOffer,
		From:   peer,
		Caller: peer,
		Offer:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP},
	}
}

func candidateFrom(peer string, i int) signaling.Message {
	return signaling.Message{
		Type:      signaling.MsgCandidate,
		From:      peer,
		Candidate: &webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", i, i)},
	}
}

// acceptActive runs an inbound call from peer up to Active.
func (h *harness) acceptActive(t *testing.T, peer string) *fakePC {
	t.Helper()
	h.sig.deliver(signaling.Message{Type: signaling.MsgIncomingCall, From: peer})
	h.waitState(t, RingingInbound)
	h.sig.deliver(offerFrom(peer))
	if err := h.m.AcceptIncoming(); err != nil {
		t.Fatalf("AcceptIncoming: %v", err)
	}
	h.waitState(t, Active)
	return h.pcs.last()
}

// dialActive runs an outbound call up to Active.
func (h *harness) dialActive(t *testing.T, peer string) *fakePC {
	t.Helper()
	if err := h.m.StartCall(peer); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, "offer", func() bool { return h.sig.count(signaling.MsgOffer) == 1 })
	h.sig.deliver(answerFrom(peer))
	h.waitState(t, Active)
	return h.pcs.last()
}
