package callsession

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

func TestSilentAudioTrack(t *testing.T) {
	tr, err := NewSilentAudioTrack()
	if err != nil {
		t.Fatalf("NewSilentAudioTrack: %v", err)
	}
	if tr.Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("kind=%s, want audio", tr.Kind())
	}
	if !tr.Enabled() {
		t.Fatalf("new track is disabled")
	}
	tr.SetEnabled(false)
	if tr.Enabled() {
		t.Fatalf("SetEnabled(false) ignored")
	}

	tr.Stop()
	tr.Stop()
	select {
	case <-tr.Ended():
	default:
		t.Fatalf("Ended not closed after Stop")
	}
}

type countedSource struct {
	left int
}

func (s *countedSource) NextSample() (media.Sample, error) {
	if s.left == 0 {
		return media.Sample{}, io.EOF
	}
	s.left--
	return media.Sample{Data: opusSilence, Duration: time.Millisecond}, nil
}

func TestSampleTrackEndsWithSource(t *testing.T) {
	tr, err := NewSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", &countedSource{left: 3})
	if err != nil {
		t.Fatalf("NewSampleTrack: %v", err)
	}
	select {
	case <-tr.Ended():
	case <-time.After(2 * time.Second):
		t.Fatalf("track did not end when its source did")
	}
	tr.Stop()
}

func TestNoDevices(t *testing.T) {
	var src NoDevices
	if _, err := src.UserMedia(context.Background(), Constraints{Audio: true}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("UserMedia err=%v", err)
	}
	if _, err := src.DisplayMedia(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("DisplayMedia err=%v", err)
	}
}
