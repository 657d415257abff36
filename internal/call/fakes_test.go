package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/media"
	"github.com/huddlekit/huddle/internal/proto"
	"github.com/huddlekit/huddle/internal/signal"
)

// ── fake RTCConn ─────────────────────────────────────────────────────────

type fakeConn struct {
	mu        sync.Mutex
	signaling webrtc.SignalingState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	applied   []webrtc.ICECandidateInit
	tracks    []webrtc.TrackLocal
	offerN    int
	answerN   int
	rollbacks int
	closed    bool

	candidateErr error

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func newFakeConn() *fakeConn {
	return &fakeConn{signaling: webrtc.SignalingStateStable}
}

func (f *fakeConn) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerN++
	sdp := fmt.Sprintf("offer-%d", f.offerN)
	if opts != nil && opts.ICERestart {
		sdp += "-restart"
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (f *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerN++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", f.answerN)}, nil
}

func (f *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeRollback:
		f.rollbacks++
		f.local = nil
		f.signaling = webrtc.SignalingStateStable
	case webrtc.SDPTypeOffer:
		f.local = &desc
		f.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		f.local = &desc
		f.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		f.remote = &desc
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		f.remote = &desc
		f.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeConn) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candidateErr != nil {
		return f.candidateErr
	}
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakeConn) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakeConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeConn) AddTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, t)
	return nil, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.signaling = webrtc.SignalingStateClosed
	return nil
}

func (f *fakeConn) fireState(st webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (f *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.applied))
	copy(out, f.applied)
	return out
}

func (f *fakeConn) offers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offerN
}

func (f *fakeConn) trackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracks)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ── fake local media ─────────────────────────────────────────────────────

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    webrtc.RTPCodecType
	enabled bool
	closed  bool
}

func (f *fakeTrack) ID() string                { return f.id }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) Local() webrtc.TrackLocal  { return f }

func (f *fakeTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeTrack) SetEnabled(on bool) {
	f.mu.Lock()
	f.enabled = on
	f.mu.Unlock()
}

func (f *fakeTrack) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// webrtc.TrackLocal
func (f *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (f *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (f *fakeTrack) RID() string                           { return "" }
func (f *fakeTrack) StreamID() string                      { return "fake-stream" }

type fakeDevice struct {
	mu       sync.Mutex
	err      error
	serial   int
	captured []*fakeTrack
}

func (d *fakeDevice) Capture(video, audio bool) ([]media.Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var out []media.Track
	if audio {
		d.serial++
		t := &fakeTrack{id: fmt.Sprintf("audio-%d", d.serial), kind: webrtc.RTPCodecTypeAudio, enabled: true}
		d.captured = append(d.captured, t)
		out = append(out, t)
	}
	if video {
		d.serial++
		t := &fakeTrack{id: fmt.Sprintf("video-%d", d.serial), kind: webrtc.RTPCodecTypeVideo, enabled: true}
		d.captured = append(d.captured, t)
		out = append(out, t)
	}
	return out, nil
}

func (d *fakeDevice) Populate(*webrtc.MediaEngine) {}

func (d *fakeDevice) openTracks() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeTrack
	for _, t := range d.captured {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			out = append(out, t)
		}
	}
	return out
}

// ── fake transport ───────────────────────────────────────────────────────

// fakeTransport routes published messages synchronously to the co-subscribed
// peer the message is addressed to, preserving per-sender order.
type fakeTransport struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func (t *fakeTransport) Subscribe(_ context.Context, room string, self signal.Identity, ev signal.Events) (signal.Subscription, error) {
	s := &fakeSub{t: t, room: room, self: self, ev: ev}
	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	return s, nil
}

func (t *fakeTransport) subFor(id string) *fakeSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		if s.self.ID == id && !s.isClosed() {
			return s
		}
	}
	return nil
}

type fakeSub struct {
	t    *fakeTransport
	room string
	self signal.Identity
	ev   signal.Events

	mu        sync.Mutex
	published []proto.SignalMsg
	closed    bool
}

func (s *fakeSub) Publish(_ context.Context, msg proto.SignalMsg) error {
	s.mu.Lock()
	s.published = append(s.published, msg)
	s.mu.Unlock()

	s.t.mu.Lock()
	subs := make([]*fakeSub, len(s.t.subs))
	copy(subs, s.t.subs)
	s.t.mu.Unlock()
	for _, other := range subs {
		if other == s || other.room != s.room || other.isClosed() {
			continue
		}
		if other.self.ID == msg.To && other.ev.Signal != nil {
			other.ev.Signal(msg)
		}
	}
	return nil
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) sent(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.published {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// ── helpers ──────────────────────────────────────────────────────────────

// connRecorder collects the fake connections a coordinator's factory builds.
type connRecorder struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (r *connRecorder) factory() (RTCConn, error) {
	fc := newFakeConn()
	r.mu.Lock()
	r.conns = append(r.conns, fc)
	r.mu.Unlock()
	return fc, nil
}

func (r *connRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *connRecorder) conn(i int) *fakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.conns) {
		return nil
	}
	return r.conns[i]
}

func newTestCoordinator(t *testing.T, id string, tr signal.Transport, dev *fakeDevice) (*Coordinator, *connRecorder) {
	t.Helper()
	cfg := config.Default()
	coord, err := New(cfg, tr, dev, signal.Identity{ID: id, Name: "peer-" + id})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &connRecorder{}
	coord.factory = rec.factory
	return coord, rec
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}
