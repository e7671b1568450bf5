package callsession

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrDeviceUnavailable is returned by a MediaSource that has no device for
// the requested kind, or when the user declined access.
var ErrDeviceUnavailable = errors.New("media device unavailable")

// Track is a local outbound media track.
type Track interface {
	Local() webrtc.TrackLocal
	Kind() webrtc.RTPCodecType
	// SetEnabled pauses or resumes the flow of samples without removing the
	// track from the connection.
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
	// Ended is closed once the track stops, whether through Stop or because
	// its source finished (a display share closed by the user).
	Ended() <-chan struct{}
}

type Constraints struct {
	Audio bool
	Video bool
}

// MediaSource captures local media.
type MediaSource interface {
	UserMedia(ctx context.Context, c Constraints) ([]Track, error)
	DisplayMedia(ctx context.Context) (Track, error)
}

// NoDevices is a MediaSource for hosts without capture hardware. Every
// request fails with ErrDeviceUnavailable, so a call falls back to the
// synthetic audio track.
type NoDevices struct{}

func (NoDevices) UserMedia(context.Context, Constraints) ([]Track, error) {
	return nil, ErrDeviceUnavailable
}

func (NoDevices) DisplayMedia(context.Context) (Track, error) {
	return nil, ErrDeviceUnavailable
}

// SampleSource produces the samples of a SampleTrack. io.EOF ends the track.
type SampleSource interface {
	NextSample() (media.Sample, error)
}

// SampleTrack paces samples from a SampleSource onto a
// TrackLocalStaticSample.
type SampleTrack struct {
	track   *webrtc.TrackLocalStaticSample
	source  SampleSource
	enabled atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	ended    chan struct{}
}

func NewSampleTrack(codec webrtc.RTPCodecCapability, kind string, source SampleSource) (*SampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, kind+"-"+uuid.NewString(), "skillswap-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	t := &SampleTrack{
		track:  track,
		source: source,
		stop:   make(chan struct{}),
		ended:  make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *SampleTrack) pump() {
	defer close(t.ended)
	for {
		s, err := t.source.NextSample()
		if err != nil {
			// io.EOF or a source failure both end the track.
			return
		}
		if t.enabled.Load() {
			// An unbound track drops the sample, which is fine before
			// negotiation finishes.
			_ = t.track.WriteSample(s)
		}
		d := s.Duration
		if d <= 0 {
			d = 20 * time.Millisecond
		}
		timer := time.NewTimer(d)
		select {
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *SampleTrack) Local() webrtc.TrackLocal  { return t.track }
func (t *SampleTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *SampleTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *SampleTrack) Enabled() bool             { return t.enabled.Load() }
func (t *SampleTrack) Ended() <-chan struct{}    { return t.ended }

func (t *SampleTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.ended
}

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type silence struct{}

func (silence) NextSample() (media.Sample, error) {
	return media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}, nil
}

// NewSilentAudioTrack returns a placeholder Opus track that sends silence.
// It gives a call without any capture device something to negotiate.
func NewSilentAudioTrack() (*SampleTrack, error) {
	return NewSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", silence{})
}
