package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ringline/internal/signaling"
)

const testSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

// Compile-time interface check.
var _ PeerConnection = (*fakePC)(nil)

// fakePC records every capability call in order. Callbacks registered by the
// engine are kept so tests can fire them.
type fakePC struct {
	mu      sync.Mutex
	log     []string
	applied []string
	closed  int

	onCandidate func(webrtc.ICECandidateInit)
	onICE       func(webrtc.ICEConnectionState)
	onTrack     func(*webrtc.TrackRemote)
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
	f.record("local:" + d.Type.String())
	return nil
}

func (f *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.record("remote:" + d.Type.String())
	return nil
}

func (f *fakePC) AddTrack(webrtc.TrackLocal) error {
	f.record("track")
	return nil
}

func (f *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onCandidate = fn }

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.applied = append(f.applied, c.Candidate)
	f.log = append(f.log, "candidate:"+c.Candidate)
	f.mu.Unlock()
	return nil
}

func (f *fakePC) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) { f.onICE = fn }
func (f *fakePC) OnTrack(fn func(*webrtc.TrackRemote))                         { f.onTrack = fn }

func (f *fakePC) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakePC) snapshot() (log, applied []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...), append([]string(nil), f.applied...)
}

// fakeSender collects outbound messages.
type fakeSender struct {
	mu   sync.Mutex
	sent []signaling.Message
	err  error
}

func (s *fakeSender) Send(peer string, msg signaling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	msg.Address(peer)
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) messages() []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Message(nil), s.sent...)
}

func newTestEngine(t *testing.T, hooks Hooks) (*Engine, *fakePC, *fakeSender) {
	t.Helper()
	pc := &fakePC{}
	snd := &fakeSender{}
	e := New("555", func() (PeerConnection, error) { return pc, nil }, snd, hooks)
	return e, pc, snd
}

func candidate(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", i, i)}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestCandidatesHeldUntilAnswer verifies that remote candidates arriving
// before the answer are applied exactly once, in arrival order, right after
// the remote description is set, and later ones are applied directly.
func TestCandidatesHeldUntilAnswer(t *testing.T) {
	e, pc, _ := newTestEngine(t, Hooks{})
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := e.AddRemoteCandidate(candidate(i)); err != nil {
			t.Fatalf("AddRemoteCandidate(%d): %v", i, err)
		}
	}
	if got := len(e.Pending()); got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}
	if _, applied := pc.snapshot(); len(applied) != 0 {
		t.Fatalf("candidates applied before remote description: %v", applied)
	}

	if err := e.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}); err != nil {
		t.Fatalf("ApplyAnswer: %v", err)
	}
	if got := len(e.Pending()); got != 0 {
		t.Fatalf("pending after flush = %d, want 0", got)
	}

	if err := e.AddRemoteCandidate(candidate(4)); err != nil {
		t.Fatalf("AddRemoteCandidate(4): %v", err)
	}

	log, applied := pc.snapshot()
	want := []string{candidate(1).Candidate, candidate(2).Candidate, candidate(3).Candidate, candidate(4).Candidate}
	if len(applied) != len(want) {
		t.Fatalf("applied %d candidates, want %d: %v", len(applied), len(want), applied)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Errorf("applied[%d] = %q, want %q", i, applied[i], want[i])
		}
	}

	// The remote description must be set before the first candidate.
	remoteAt, firstCand := -1, -1
	for i, entry := range log {
		if entry == "remote:answer" && remoteAt < 0 {
			remoteAt = i
		}
		if entry == "candidate:"+want[0] && firstCand < 0 {
			firstCand = i
		}
	}
	if remoteAt < 0 || firstCand < remoteAt {
		t.Errorf("remote description at %d, first candidate at %d: %v", remoteAt, firstCand, log)
	}
}

// TestCandidatesHeldBeforeOpen covers the ringing phase: candidates arrive
// before the peer connection exists and are flushed by the answer step.
func TestCandidatesHeldBeforeOpen(t *testing.T) {
	e, pc, snd := newTestEngine(t, Hooks{})

	if err := e.AddRemoteCandidate(candidate(1)); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Answer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	log, applied := pc.snapshot()
	if len(applied) != 1 || applied[0] != candidate(1).Candidate {
		t.Fatalf("applied = %v, want the held candidate", applied)
	}
	wantOrder := []string{"remote:offer", "candidate:" + candidate(1).Candidate, "answer", "local:answer"}
	if len(log) != len(wantOrder) {
		t.Fatalf("log = %v, want %v", log, wantOrder)
	}
	for i := range wantOrder {
		if log[i] != wantOrder[i] {
			t.Errorf("log[%d] = %q, want %q", i, log[i], wantOrder[i])
		}
	}

	msgs := snd.messages()
	if len(msgs) != 1 || msgs[0].Type != signaling.MsgAnswer || msgs[0].Target != "555" {
		t.Fatalf("sent = %+v, want one answer to 555", msgs)
	}
	if msgs[0].Answer == nil || msgs[0].Answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("answer payload = %+v", msgs[0].Answer)
	}
	if e.LocalDescription() == nil || e.RemoteDescription() == nil {
		t.Error("descriptions not recorded")
	}
}

// TestOfferSendsDescription verifies the outbound step order and message.
func TestOfferSendsDescription(t *testing.T) {
	e, pc, snd := newTestEngine(t, Hooks{})
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	log, _ := pc.snapshot()
	if len(log) != 2 || log[0] != "offer" || log[1] != "local:offer" {
		t.Fatalf("log = %v", log)
	}
	msgs := snd.messages()
	if len(msgs) != 1 || msgs[0].Type != signaling.MsgOffer || msgs[0].Offer == nil {
		t.Fatalf("sent = %+v, want one offer", msgs)
	}
}

// TestLocalCandidatesSentImmediately verifies trickle ICE on the local side.
func TestLocalCandidatesSentImmediately(t *testing.T) {
	e, pc, snd := newTestEngine(t, Hooks{})
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	pc.onCandidate(candidate(7))

	msgs := snd.messages()
	if len(msgs) != 1 || msgs[0].Type != signaling.MsgCandidate {
		t.Fatalf("sent = %+v, want one candidate", msgs)
	}
	if msgs[0].Candidate.Candidate != candidate(7).Candidate {
		t.Errorf("candidate = %q", msgs[0].Candidate.Candidate)
	}
}

// TestRestartOnlyOnce verifies that at most one restart offer is produced.
func TestRestartOnlyOnce(t *testing.T) {
	e, pc, snd := newTestEngine(t, Hooks{})
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ok, err := e.Restart()
	if err != nil || !ok {
		t.Fatalf("first Restart = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = e.Restart()
	if err != nil || ok {
		t.Fatalf("second Restart = (%v, %v), want (false, nil)", ok, err)
	}
	if !e.RestartAttempted() {
		t.Error("RestartAttempted = false")
	}

	log, _ := pc.snapshot()
	restarts := 0
	for _, entry := range log {
		if entry == "restart-offer" {
			restarts++
		}
	}
	if restarts != 1 {
		t.Errorf("restart offers = %d, want 1", restarts)
	}
	if n := len(snd.messages()); n != 1 {
		t.Errorf("sent %d messages, want 1", n)
	}
}

// TestConnectivityFailedHook verifies only the failed state is reported.
func TestConnectivityFailedHook(t *testing.T) {
	var failures int
	e, pc, _ := newTestEngine(t, Hooks{OnConnectivityFailed: func() { failures++ }})
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	pc.onICE(webrtc.ICEConnectionStateChecking)
	pc.onICE(webrtc.ICEConnectionStateConnected)
	pc.onICE(webrtc.ICEConnectionStateDisconnected)
	pc.onICE(webrtc.ICEConnectionStateFailed)

	if failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}
}

// TestConnectivityRestoredHook verifies connected and completed are reported
// and tracked.
func TestConnectivityRestoredHook(t *testing.T) {
	var restored int
	e, pc, _ := newTestEngine(t, Hooks{OnConnectivityRestored: func() { restored++ }})
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if e.Connected() {
		t.Fatal("connected before any ICE state")
	}

	pc.onICE(webrtc.ICEConnectionStateChecking)
	pc.onICE(webrtc.ICEConnectionStateConnected)
	if !e.Connected() {
		t.Error("not connected after connected state")
	}

	pc.onICE(webrtc.ICEConnectionStateFailed)
	if e.Connected() {
		t.Error("still connected after failed state")
	}

	pc.onICE(webrtc.ICEConnectionStateChecking)
	pc.onICE(webrtc.ICEConnectionStateCompleted)
	if restored != 2 {
		t.Errorf("restored = %d, want 2", restored)
	}
}

// TestRejectsMalformedRemoteDescription verifies that bad descriptions never
// reach the peer connection and held candidates stay held.
func TestRejectsMalformedRemoteDescription(t *testing.T) {
	e, pc, _ := newTestEngine(t, Hooks{})
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.AddRemoteCandidate(candidate(1)); err != nil {
		t.Fatalf("AddRemoteCandidate: %v", err)
	}

	testCases := []struct {
		name string
		desc webrtc.SessionDescription
	}{
		{"garbage", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "not sdp"}},
		{"no audio", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"}},
		{"wrong type", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.ApplyAnswer(tc.desc)
			if !errors.Is(err, ErrNegotiation) {
				t.Fatalf("ApplyAnswer error = %v, want ErrNegotiation", err)
			}
		})
	}

	if got := len(e.Pending()); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
	log, _ := pc.snapshot()
	for _, entry := range log {
		if entry == "remote:answer" || entry == "remote:offer" {
			t.Errorf("invalid description reached the peer connection: %v", log)
		}
	}
}

// TestSendFailureIsWrapped verifies signaling failures are distinguishable.
func TestSendFailureIsWrapped(t *testing.T) {
	e, _, snd := newTestEngine(t, Hooks{})
	snd.err = errors.New("relay down")
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := e.Offer(); !errors.Is(err, ErrSend) {
		t.Fatalf("Offer error = %v, want ErrSend", err)
	}
}

// TestCloseIsIdempotent verifies the peer connection closes once and later
// operations fail with ErrClosed.
func TestCloseIsIdempotent(t *testing.T) {
	e, pc, _ := newTestEngine(t, Hooks{})
	if err := e.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := e.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if pc.closed != 1 {
		t.Errorf("peer connection closed %d times, want 1", pc.closed)
	}
	if err := e.Offer(); !errors.Is(err, ErrClosed) {
		t.Errorf("Offer after Close = %v, want ErrClosed", err)
	}
	if err := e.AddRemoteCandidate(candidate(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("AddRemoteCandidate after Close = %v, want ErrClosed", err)
	}
	if err := e.Open(); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close = %v, want ErrClosed", err)
	}
}

// TestNotOpen verifies description steps need a peer connection.
func TestNotOpen(t *testing.T) {
	e, _, _ := newTestEngine(t, Hooks{})
	if err := e.Offer(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Offer before Open = %v, want ErrNotOpen", err)
	}
}
