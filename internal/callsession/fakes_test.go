package callsession

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/skillswap/session-core/internal/mailbox"
	"github.com/skillswap/session-core/internal/signaling"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeTrack struct {
	name  string
	kind  webrtc.RTPCodecType
	local *webrtc.TrackLocalStaticSample
	log   *eventLog

	enabled atomic.Bool
	stops   atomic.Int32
	endOnce sync.Once
	ended   chan struct{}
}

func newFakeTrack(t *testing.T, log *eventLog, name string, kind webrtc.RTPCodecType) *fakeTrack {
	t.Helper()
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, name, "stream-"+name)
	if err != nil {
		t.Fatalf("new local track: %v", err)
	}
	ft := &fakeTrack{name: name, kind: kind, local: local, log: log, ended: make(chan struct{})}
	ft.enabled.Store(true)
	return ft
}

func (f *fakeTrack) Local() webrtc.TrackLocal  { return f.local }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) SetEnabled(v bool)         { f.enabled.Store(v) }
func (f *fakeTrack) Enabled() bool             { return f.enabled.Load() }
func (f *fakeTrack) Ended() <-chan struct{}    { return f.ended }

func (f *fakeTrack) Stop() {
	f.stops.Add(1)
	f.log.add("stop:" + f.name)
	f.end()
}

// end simulates the source going away, e.g. the user closing a display share.
func (f *fakeTrack) end() {
	f.endOnce.Do(func() { close(f.ended) })
}

type fakeMedia struct {
	t      *testing.T
	log    *eventLog
	camera bool
	mic    bool
	screen bool

	mu       sync.Mutex
	captured []*fakeTrack
	displays []*fakeTrack
}

func (f *fakeMedia) UserMedia(_ context.Context, c Constraints) ([]Track, error) {
	if (c.Video && !f.camera) || (c.Audio && !f.mic) {
		return nil, ErrDeviceUnavailable
	}
	mic := newFakeTrack(f.t, f.log, "mic", webrtc.RTPCodecTypeAudio)
	out := []Track{mic}
	f.mu.Lock()
	f.captured = append(f.captured, mic)
	if c.Video {
		cam := newFakeTrack(f.t, f.log, "camera", webrtc.RTPCodecTypeVideo)
		f.captured = append(f.captured, cam)
		out = append(out, cam)
	}
	f.mu.Unlock()
	return out, nil
}

func (f *fakeMedia) DisplayMedia(context.Context) (Track, error) {
	if !f.screen {
		return nil, ErrDeviceUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d := newFakeTrack(f.t, f.log, fmt.Sprintf("display-%d", len(f.displays)+1), webrtc.RTPCodecTypeVideo)
	f.displays = append(f.displays, d)
	return d, nil
}

func (f *fakeMedia) track(name string) *fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tr := range append(append([]*fakeTrack(nil), f.captured...), f.displays...) {
		if tr.name == name {
			return tr
		}
	}
	return nil
}

type fakeSender struct {
	mu     sync.Mutex
	tracks []string
}

func (s *fakeSender) ReplaceTrack(tr webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr == nil {
		s.tracks = append(s.tracks, "<nil>")
		return nil
	}
	s.tracks = append(s.tracks, tr.ID())
	return nil
}

func (s *fakeSender) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tracks) == 0 {
		return ""
	}
	return s.tracks[len(s.tracks)-1]
}

type fakePeer struct {
	log *eventLog

	mu         sync.Mutex
	added      []Track
	senders    map[string]*fakeSender
	offers     int
	answers    int
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	remoteErr  error
	closes     int

	onTrack func(RemoteTrack)
	onState func(webrtc.PeerConnectionState)
	onLate  func([]webrtc.ICECandidateInit)
}

func newFakePeer(log *eventLog) *fakePeer {
	return &fakePeer{log: log, senders: make(map[string]*fakeSender)}
}

func (p *fakePeer) AddTrack(t Track) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, t)
	s := &fakeSender{tracks: []string{t.Local().ID()}}
	p.senders[t.Local().ID()] = s
	return s, nil
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("fake-offer-%d", p.offers)}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("fake-answer-%d", p.answers)}, nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = append(p.remote, d)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnLateCandidates(fn func([]webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onLate = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.log.add("close-peer")
	return nil
}

func (p *fakePeer) remoteTrack(kind webrtc.RTPCodecType) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(RemoteTrack{ID: "remote-" + kind.String(), StreamID: "remote", Kind: kind})
}

func (p *fakePeer) state(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) snapshot() (offers, answers int, remote []webrtc.SessionDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.answers, append([]webrtc.SessionDescription(nil), p.remote...)
}

// recordingTransport logs when a subscription is stopped.
type recordingTransport struct {
	mailbox.Transport
	log *eventLog
}

func (r recordingTransport) Subscribe(ctx context.Context, q mailbox.Query, fn func(mailbox.Change)) (func(), error) {
	stop, err := r.Transport.Subscribe(ctx, q, fn)
	if err != nil {
		return nil, err
	}
	return func() {
		r.log.add("unsubscribe")
		stop()
	}, nil
}

func writeEnvelope(t *testing.T, mb mailbox.Transport, sessionID, from string, seq int64, sig signaling.Signal) {
	t.Helper()
	env := signaling.NewEnvelope(from, seq, sig, time.Now())
	if _, err := mb.Write(context.Background(), mailbox.SignalingPath(sessionID, from), env, false); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func readEnvelope(t *testing.T, mb mailbox.Transport, sessionID, from string) signaling.Envelope {
	t.Helper()
	doc, err := mb.Read(context.Background(), mailbox.SignalingPath(sessionID, from))
	if err != nil {
		t.Fatalf("read envelope of %s: %v", from, err)
	}
	env, err := signaling.ParseEnvelope(doc.Data)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	return env
}

func offerSignal(sdp string) signaling.Signal {
	return signaling.Offer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
