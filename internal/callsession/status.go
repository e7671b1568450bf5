package callsession

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/rtcerr"

	"github.com/skillswap/session-core/internal/mailbox"
)

type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring-media"
	StateSignaling      State = "signaling"
	StateConnected      State = "connected"
	StateEnded          State = "ended"
	StateError          State = "error"
)

// Status is the machine state plus free-form diagnostic text for display.
type Status struct {
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

func (s Status) String() string {
	if s.Detail == "" {
		return string(s.State)
	}
	return string(s.State) + ": " + s.Detail
}

// Diagnostic details reported alongside the states.
const (
	DetailRequestingMedia = "requesting camera and microphone"
	DetailCreatingPeer    = "creating peer connection"
	DetailWaitingForOffer = "waiting for offer"
	DetailOfferSent       = "offer sent"
	DetailAnswerSent      = "answer sent"
	DetailAttempting      = "attempting connection..."
	DetailRemoteMedia     = "remote media received"
	DetailP2PUnavailable  = "audio-only (p2p unavailable)"
	DetailHungUp          = "call ended"
)

// MediaTier is how much local media a call ended up with.
type MediaTier string

const (
	TierCameraAndMic MediaTier = "camera+mic"
	TierAudioOnly    MediaTier = "audio-only"
	TierSynthetic    MediaTier = "synthetic-audio"
)

var (
	// ErrPeerUnavailable means no peer connection could be constructed.
	ErrPeerUnavailable = errors.New("peer connection unavailable")
	// ErrTransient marks failures that a fresh signal from the partner is
	// expected to recover.
	ErrTransient    = errors.New("transient connection failure")
	ErrNotConnected = errors.New("call is not connected")
	ErrNotStarted   = errors.New("call has not started")
	ErrStarted      = errors.New("call already started")
	ErrClosed       = errors.New("call session closed")
	ErrNoSignal     = errors.New("no local signal to resend")
)

type failureClass int

const (
	failureOther failureClass = iota
	failureUnavailable
	failureTransient
)

func classify(err error) failureClass {
	var stateErr *rtcerr.InvalidStateError
	switch {
	case errors.Is(err, ErrPeerUnavailable):
		return failureUnavailable
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, webrtc.ErrConnectionClosed),
		errors.As(err, &stateErr):
		return failureTransient
	default:
		return failureOther
	}
}

// publishError tags a failed envelope write. Anything but a permission
// problem is worth retrying with a fresh signal.
func publishError(err error) error {
	if errors.Is(err, mailbox.ErrForbidden) || errors.Is(err, mailbox.ErrInvalidPath) {
		return err
	}
	return errors.Join(ErrTransient, err)
}
