package callsession

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Sender is the outbound side of one media line.
type Sender interface {
	// ReplaceTrack swaps the outgoing track in place. nil sends nothing.
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack describes inbound media from the partner.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}

// Peer is the connection the machine drives. CreateOffer and CreateAnswer
// set the local description and return it once ICE gathering finishes or
// the gathering timeout passes, so the description carries every candidate
// known at that point.
type Peer interface {
	AddTrack(t Track) (Sender, error)
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnRemoteTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	// OnLateCandidates receives, once per negotiation, the candidates found
	// after a description was published early.
	OnLateCandidates(fn func([]webrtc.ICECandidateInit))

	Close() error
}

// PeerFactory constructs a Peer. The machine abandons construction after
// its peer setup timeout.
type PeerFactory func(ctx context.Context) (Peer, error)

// PionPeers returns a PeerFactory backed by api.
func PionPeers(api *webrtc.API, conf webrtc.Configuration, gatherTimeout time.Duration, logger *slog.Logger) PeerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if api == nil {
		api = webrtc.NewAPI()
	}
	return func(ctx context.Context) (Peer, error) {
		pc, err := api.NewPeerConnection(conf)
		if err != nil {
			return nil, err
		}
		p := &pionPeer{pc: pc, gatherTimeout: gatherTimeout, logger: logger}
		pc.OnICECandidate(p.onCandidate)
		return p, nil
	}
}

type pionPeer struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
	logger        *slog.Logger

	mu sync.Mutex

	// early is set when a description was handed out before gathering
	// completed; candidates found afterwards collect in late.
	early    bool
	complete bool
	late     []webrtc.ICECandidateInit
	onLate   func([]webrtc.ICECandidateInit)
}

func (p *pionPeer) onCandidate(c *webrtc.ICECandidate) {
	p.mu.Lock()
	if c != nil {
		if p.early {
			p.late = append(p.late, c.ToJSON())
		}
		p.mu.Unlock()
		return
	}
	p.complete = true
	var batch []webrtc.ICECandidateInit
	if p.early && len(p.late) > 0 {
		batch = p.late
	}
	p.late = nil
	p.early = false
	fn := p.onLate
	p.mu.Unlock()

	if batch != nil && fn != nil {
		fn(batch)
	}
}

func (p *pionPeer) AddTrack(t Track) (Sender, error) {
	sender, err := p.pc.AddTrack(t.Local())
	if err != nil {
		return nil, err
	}
	// RTCP has to be read for interceptors to make progress.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.publishLocal(ctx, offer)
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.publishLocal(ctx, answer)
}

func (p *pionPeer) publishLocal(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, err
	}

	timer := time.NewTimer(p.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		p.mu.Lock()
		if !p.complete {
			p.early = true
		}
		p.mu.Unlock()
		p.logger.Debug("ice gathering timed out; publishing partial description", "timeout", p.gatherTimeout)
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return desc, nil
	}
	return *local, nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{ID: tr.ID(), StreamID: tr.StreamID(), Kind: tr.Kind()})
		// Playback is up to the embedding application; keep the receive
		// buffers drained.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := tr.Read(buf); err != nil {
					return
				}
			}
		}()
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnLateCandidates(fn func([]webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onLate = fn
	p.mu.Unlock()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
