// Package callsession drives one participant's side of a two-party call:
// local media capture, the peer connection, signaling through the mailbox
// and screen-share renegotiation.
//
// Signaling is non-trickle. Each side publishes complete descriptions (and
// at most one batch of late candidates per negotiation) to its own envelope
// at sessions/{id}/signaling/{userId} and subscribes to the partner's.
// Inbound envelopes are applied only while the readiness gate is open and
// the cleanup gate is not, and only when their seq is newer than anything
// seen before.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/skillswap/session-core/internal/mailbox"
	"github.com/skillswap/session-core/internal/metrics"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/signaling"
)

const DefaultPeerSetupTimeout = 5 * time.Second

type Config struct {
	SessionID string
	UserID    string
	PartnerID string
	// Initiator sends the first offer. By convention the teacher.
	Initiator bool

	Mailbox mailbox.Transport
	Media   MediaSource
	NewPeer PeerFactory
	// PeerSetupTimeout bounds NewPeer.
	PeerSetupTimeout time.Duration

	// OnStatus is called after every status change, on the goroutine that
	// caused it. It must not call back into the machine.
	OnStatus func(Status)
	// OnRemoteTrack is called for every inbound track.
	OnRemoteTrack func(RemoteTrack)
	// OnDuration, when set, is called once a second with the call duration.
	OnDuration func(time.Duration)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// ConfigFor fills the participant fields of a Config for userID joining s.
func ConfigFor(s *model.Session, userID string) (Config, error) {
	role, ok := s.RoleOf(userID)
	if !ok {
		return Config{}, fmt.Errorf("user %q is not a participant of session %s", userID, s.ID)
	}
	if s.Type != model.SessionTypeVirtual {
		return Config{}, fmt.Errorf("session %s is %s, not virtual", s.ID, s.Type)
	}
	return Config{
		SessionID: s.ID,
		UserID:    userID,
		PartnerID: s.Partner(userID),
		Initiator: role == model.RoleTeacher,
	}, nil
}

func (c Config) validate() error {
	switch {
	case c.SessionID == "":
		return errors.New("callsession: missing session id")
	case c.UserID == "" || c.PartnerID == "":
		return errors.New("callsession: missing participant ids")
	case c.UserID == c.PartnerID:
		return errors.New("callsession: user and partner are the same")
	case c.Mailbox == nil:
		return errors.New("callsession: missing mailbox transport")
	case c.NewPeer == nil:
		return errors.New("callsession: missing peer factory")
	}
	return nil
}

// Machine is one participant's call. Start it once; Close it any number of
// times.
type Machine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// opMu serializes everything that drives the peer: setup, inbound
	// signals, renegotiation and teardown.
	opMu sync.Mutex

	mu        sync.Mutex
	status    Status
	started   bool
	startedAt time.Time
	endedAt   time.Time
	tier      MediaTier
	muted     bool
	videoOff  bool

	// Readiness gate: the peer exists and every handler is attached.
	ready bool
	// Cleanup gate: teardown has begun.
	closing bool

	peer        Peer
	tracks      []Track
	camera      Track
	videoSender Sender
	screen      Track
	remoteSeen  bool
	unsubscribe func()
	ticker      *time.Ticker

	inbound  signaling.SeqFilter
	outSeq   int64
	lastDesc *signaling.Signal
}

func New(cfg Config) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Media == nil {
		cfg.Media = NoDevices{}
	}
	if cfg.PeerSetupTimeout <= 0 {
		cfg.PeerSetupTimeout = DefaultPeerSetupTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:     cfg,
		logger:  logger.With("session_id", cfg.SessionID, "user_id", cfg.UserID),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  Status{State: StateIdle},
	}, nil
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) MediaTier() MediaTier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// Duration counts from Start regardless of connection state and stops when
// the call ends.
func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return 0
	}
	end := m.endedAt
	if end.IsZero() {
		end = m.cfg.Now()
	}
	return end.Sub(m.startedAt)
}

// Done is closed when the machine has been torn down.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) setStatus(state State, detail string) {
	m.update(state, detail, false)
}

// progress reports signaling detail unless the call is already connected.
func (m *Machine) progress(detail string) {
	m.update(StateSignaling, detail, true)
}

func (m *Machine) update(state State, detail string, keepConnected bool) {
	m.mu.Lock()
	cur := m.status.State
	if cur == StateEnded || (m.closing && state != StateEnded) || (keepConnected && cur == StateConnected) {
		m.mu.Unlock()
		return
	}
	next := Status{State: state, Detail: detail}
	if next == m.status {
		m.mu.Unlock()
		return
	}
	m.status = next
	fn := m.cfg.OnStatus
	m.mu.Unlock()

	m.logger.Debug("call status", "state", state, "detail", detail)
	if fn != nil {
		fn(next)
	}
}

// Start acquires media, builds the peer connection, subscribes to the
// partner's envelope and, for the initiator, publishes the first offer.
//
// A setup failure is reported through Status as well as returned; the
// machine stays usable for Resignal (transient failures) and Close.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closing:
		m.mu.Unlock()
		return ErrClosed
	case m.started:
		m.mu.Unlock()
		return ErrStarted
	}
	m.started = true
	m.startedAt = m.cfg.Now()
	m.mu.Unlock()

	m.metrics.CallStarted()
	m.startTicker()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := m.setup(ctx)
	if err == nil {
		return nil
	}
	if m.isClosing() {
		return ErrClosed
	}
	m.fail(err)
	if classify(err) == failureTransient {
		return nil
	}
	return err
}

func (m *Machine) setup(ctx context.Context) error {
	m.setStatus(StateAcquiringMedia, DetailRequestingMedia)
	tracks, tier, err := m.acquireMedia(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.tracks = tracks
	m.tier = tier
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			m.camera = t
		}
	}
	m.mu.Unlock()

	m.setStatus(StateSignaling, DetailCreatingPeer)
	peer, err := m.newPeer(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.peer = peer
	m.mu.Unlock()

	for _, t := range tracks {
		sender, err := peer.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			m.mu.Lock()
			m.videoSender = sender
			m.mu.Unlock()
		}
	}
	peer.OnRemoteTrack(m.onRemoteTrack)
	peer.OnConnectionStateChange(m.onConnectionState)
	peer.OnLateCandidates(m.onLateCandidates)

	m.seedOutboundSeq(ctx)

	// Subscribe before opening the gate: whatever the partner published
	// earlier arrives in the snapshot and is dropped.
	unsubscribe, err := m.cfg.Mailbox.Subscribe(ctx, mailbox.Query{
		Collection: mailbox.SessionCollection(m.cfg.SessionID, mailbox.KindSignaling),
		Field:      "from",
		Equals:     m.cfg.PartnerID,
	}, m.onSignal)
	if err != nil {
		return publishError(fmt.Errorf("subscribe to partner signals: %w", err))
	}
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.ready = true
	m.mu.Unlock()

	if !m.cfg.Initiator {
		m.setStatus(StateSignaling, DetailWaitingForOffer)
		return nil
	}
	return m.offer(ctx)
}

func (m *Machine) acquireMedia(ctx context.Context) ([]Track, MediaTier, error) {
	tracks, err := m.cfg.Media.UserMedia(ctx, Constraints{Audio: true, Video: true})
	if err == nil {
		return tracks, TierCameraAndMic, nil
	}
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}
	m.logger.Info("camera unavailable, trying audio only", "err", err)

	tracks, err = m.cfg.Media.UserMedia(ctx, Constraints{Audio: true})
	if err == nil {
		m.metrics.Inc(metrics.MediaAudioOnly)
		return tracks, TierAudioOnly, nil
	}
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}
	m.logger.Warn("no capture devices, sending synthetic audio", "err", err)

	silent, err := NewSilentAudioTrack()
	if err != nil {
		return nil, "", fmt.Errorf("synthetic audio track: %w", err)
	}
	m.metrics.Inc(metrics.MediaSyntheticFallback)
	return []Track{silent}, TierSynthetic, nil
}

func (m *Machine) newPeer(ctx context.Context) (Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PeerSetupTimeout)
	defer cancel()

	type result struct {
		peer Peer
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := m.cfg.NewPeer(ctx)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPeerUnavailable, r.err)
		}
		return r.peer, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.peer != nil {
				_ = r.peer.Close()
			}
		}()
		if m.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: gave up after %s", ErrPeerUnavailable, m.cfg.PeerSetupTimeout)
	}
}

// seedOutboundSeq continues numbering after any envelope this user left
// behind, so a partner that already saw it does not discard ours as stale.
func (m *Machine) seedOutboundSeq(ctx context.Context) {
	doc, err := m.cfg.Mailbox.Read(ctx, mailbox.SignalingPath(m.cfg.SessionID, m.cfg.UserID))
	if err != nil {
		if !errors.Is(err, mailbox.ErrNotFound) {
			m.logger.Warn("read own signaling envelope", "err", err)
		}
		return
	}
	var prev signaling.Envelope
	if err := doc.Decode(&prev); err != nil {
		return
	}
	m.mu.Lock()
	if prev.Seq > m.outSeq {
		m.outSeq = prev.Seq
	}
	m.mu.Unlock()
}

func (m *Machine) fail(err error) {
	switch classify(err) {
	case failureUnavailable:
		m.logger.Warn("peer connection unavailable", "err", err)
		m.metrics.Inc(metrics.CallFailed)
		m.setStatus(StateError, DetailP2PUnavailable)
	case failureTransient:
		m.logger.Info("transient signaling failure", "err", err)
		m.progress(DetailAttempting)
	default:
		m.logger.Warn("call failed", "err", err)
		m.metrics.Inc(metrics.CallFailed)
		m.setStatus(StateError, "peer error: "+err.Error())
	}
}

func (m *Machine) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// offer creates and publishes a new offer. Callers hold opMu.
func (m *Machine) offer(ctx context.Context) error {
	m.mu.Lock()
	peer := m.peer
	m.mu.Unlock()

	desc, err := peer.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := m.publish(ctx, signaling.Offer(desc)); err != nil {
		return err
	}
	m.progress(DetailOfferSent)
	return nil
}

func (m *Machine) publish(ctx context.Context, sig signaling.Signal) error {
	m.mu.Lock()
	m.outSeq++
	env := signaling.NewEnvelope(m.cfg.UserID, m.outSeq, sig, m.cfg.Now())
	if sig.Type != signaling.TypeCandidateBatch {
		s := sig
		m.lastDesc = &s
	}
	m.mu.Unlock()

	path := mailbox.SignalingPath(m.cfg.SessionID, m.cfg.UserID)
	if _, err := m.cfg.Mailbox.Write(ctx, path, env, false); err != nil {
		return publishError(fmt.Errorf("publish %s: %w", sig.Type, err))
	}
	m.metrics.Inc(metrics.SignalPublished)
	m.logger.Debug("published signal", "type", sig.Type, "seq", env.Seq)
	return nil
}

// onSignal runs on the subscription goroutine, one change at a time.
func (m *Machine) onSignal(ch mailbox.Change) {
	if ch.Kind == mailbox.ChangeRemoved {
		return
	}
	env, err := signaling.ParseEnvelope(ch.Doc.Data)
	if err != nil {
		m.logger.Warn("ignoring malformed signaling envelope", "path", ch.Doc.Path, "err", err)
		return
	}
	if env.From != m.cfg.PartnerID {
		return
	}

	m.mu.Lock()
	switch {
	case m.closing:
		m.mu.Unlock()
		m.metrics.Inc(metrics.SignalDroppedClosing)
		return
	case !m.inbound.Admit(env.Seq):
		m.mu.Unlock()
		m.metrics.Inc(metrics.SignalDroppedStale)
		return
	case !m.ready:
		m.mu.Unlock()
		m.metrics.Inc(metrics.SignalDroppedNotReady)
		m.logger.Debug("dropping signal received before ready", "type", env.Type, "seq", env.Seq)
		return
	}
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	// Teardown may have begun while we waited.
	if m.isClosing() {
		m.metrics.Inc(metrics.SignalDroppedClosing)
		return
	}
	if err := m.apply(m.ctx, env); err != nil {
		if m.isClosing() {
			return
		}
		m.fail(err)
		return
	}
	m.metrics.Inc(metrics.SignalApplied)
}

func (m *Machine) apply(ctx context.Context, env signaling.Envelope) error {
	m.mu.Lock()
	peer := m.peer
	m.mu.Unlock()

	switch env.Type {
	case signaling.TypeOffer:
		desc, err := env.SDP.ToPion()
		if err != nil {
			return err
		}
		if err := peer.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("apply offer: %w", err)
		}
		answer, err := peer.CreateAnswer(ctx)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := m.publish(ctx, signaling.Answer(answer)); err != nil {
			return err
		}
		m.progress(DetailAnswerSent)
	case signaling.TypeAnswer:
		desc, err := env.SDP.ToPion()
		if err != nil {
			return err
		}
		if err := peer.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}
	case signaling.TypeCandidateBatch:
		var errs []error
		for _, c := range env.Candidates {
			if err := peer.AddICECandidate(c.ToPion()); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("apply candidates: %w", errors.Join(errs...))
		}
	}
	return nil
}

func (m *Machine) onLateCandidates(batch []webrtc.ICECandidateInit) {
	if m.isClosing() {
		return
	}
	if err := m.publish(m.ctx, signaling.CandidateBatch(batch)); err != nil && !m.isClosing() {
		m.logger.Warn("publish late candidates", "count", len(batch), "err", err)
	}
}

func (m *Machine) onRemoteTrack(t RemoteTrack) {
	m.mu.Lock()
	first := !m.remoteSeen
	m.remoteSeen = true
	fn := m.cfg.OnRemoteTrack
	m.mu.Unlock()

	if first {
		m.metrics.Inc(metrics.CallConnected)
		m.logger.Info("call connected", "kind", t.Kind.String())
	}
	m.setStatus(StateConnected, DetailRemoteMedia)
	if fn != nil {
		fn(t)
	}
}

func (m *Machine) onConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		m.logger.Info("peer connection interrupted", "state", s.String())
		m.setStatus(StateSignaling, DetailAttempting)
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		seen := m.remoteSeen
		m.mu.Unlock()
		if seen {
			m.setStatus(StateConnected, DetailRemoteMedia)
		}
	}
}

// Resignal republishes the latest local description under a new seq. It is
// the recovery path when the partner missed a signal. An initiator that
// never got as far as an offer makes one.
func (m *Machine) Resignal(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	closing, ready, last := m.closing, m.ready, m.lastDesc
	m.mu.Unlock()
	switch {
	case closing:
		return ErrClosed
	case !ready:
		return ErrNotStarted
	case last != nil:
		return m.publish(ctx, *last)
	case m.cfg.Initiator:
		return m.offer(ctx)
	default:
		return ErrNoSignal
	}
}

// ToggleMute flips the audio tracks and returns whether audio is now muted.
func (m *Machine) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = !m.muted
	for _, t := range m.tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			t.SetEnabled(!m.muted)
		}
	}
	return m.muted
}

// ToggleVideo flips the camera track and returns whether video is now on.
// Without a camera it reports false.
func (m *Machine) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.camera == nil {
		return false
	}
	m.videoOff = !m.videoOff
	m.camera.SetEnabled(!m.videoOff)
	return !m.videoOff
}

func (m *Machine) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// ToggleScreenShare starts or stops sharing and returns whether a share is
// now active.
func (m *Machine) ToggleScreenShare(ctx context.Context) (bool, error) {
	if m.Sharing() {
		return false, m.StopScreenShare()
	}
	if err := m.StartScreenShare(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// StartScreenShare sends a display capture in place of the camera. With no
// outbound video line yet, it adds one and renegotiates.
func (m *Machine) StartScreenShare(ctx context.Context) error {
	if m.Status().State != StateConnected {
		return ErrNotConnected
	}
	display, err := m.cfg.Media.DisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("capture display: %w", err)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		display.Stop()
		return ErrClosed
	}
	peer, sender, prev := m.peer, m.videoSender, m.screen
	m.mu.Unlock()

	renegotiate := false
	if sender != nil {
		if err := sender.ReplaceTrack(display.Local()); err != nil {
			display.Stop()
			return fmt.Errorf("replace video track: %w", err)
		}
	} else {
		s, err := peer.AddTrack(display)
		if err != nil {
			display.Stop()
			return fmt.Errorf("add display track: %w", err)
		}
		sender = s
		renegotiate = true
	}

	m.mu.Lock()
	m.videoSender = sender
	m.screen = display
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	go m.watchShare(display)

	m.metrics.Inc(metrics.ScreenShareStarted)
	m.logger.Info("screen share started", "renegotiate", renegotiate)
	if renegotiate {
		return m.offer(ctx)
	}
	return nil
}

// StopScreenShare restores the camera track, or an empty sender when there
// is no camera.
func (m *Machine) StopScreenShare() error {
	m.mu.Lock()
	screen := m.screen
	m.mu.Unlock()
	if screen == nil {
		return nil
	}
	return m.endShare(screen)
}

func (m *Machine) watchShare(display Track) {
	select {
	case <-display.Ended():
		if err := m.endShare(display); err != nil {
			m.logger.Warn("restore camera after display share ended", "err", err)
		}
	case <-m.done:
	}
}

func (m *Machine) endShare(display Track) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.screen != display || m.closing {
		m.mu.Unlock()
		return nil
	}
	m.screen = nil
	sender, camera := m.videoSender, m.camera
	m.mu.Unlock()

	var restore webrtc.TrackLocal
	if camera != nil {
		restore = camera.Local()
	}
	err := sender.ReplaceTrack(restore)
	display.Stop()
	if err != nil {
		return fmt.Errorf("restore video track: %w", err)
	}
	m.logger.Info("screen share stopped")
	return nil
}

func (m *Machine) startTicker() {
	if m.cfg.OnDuration == nil {
		return
	}
	t := time.NewTicker(time.Second)
	m.mu.Lock()
	m.ticker = t
	m.mu.Unlock()
	go func() {
		for {
			select {
			case <-m.done:
				return
			case <-t.C:
				m.cfg.OnDuration(m.Duration())
			}
		}
	}()
}

// Close tears the call down: stop listening for signals, stop local
// tracks, close the peer connection, then stop timers. Calls after the
// first return nil without doing anything.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	unsubscribe := m.unsubscribe
	tracks := append([]Track(nil), m.tracks...)
	if m.screen != nil {
		tracks = append(tracks, m.screen)
	}
	peer, ticker := m.peer, m.ticker
	m.unsubscribe, m.tracks, m.screen, m.camera, m.peer, m.ticker = nil, nil, nil, nil, nil, nil
	m.ready = false
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, t := range tracks {
		t.Stop()
	}
	var err error
	if peer != nil {
		err = peer.Close()
	}
	if ticker != nil {
		ticker.Stop()
	}

	m.mu.Lock()
	m.endedAt = m.cfg.Now()
	m.status = Status{State: StateEnded, Detail: DetailHungUp}
	fn := m.cfg.OnStatus
	m.mu.Unlock()
	if fn != nil {
		fn(Status{State: StateEnded, Detail: DetailHungUp})
	}
	if started {
		m.metrics.CallEnded()
	}
	close(m.done)
	m.logger.Info("call ended")
	return err
}
