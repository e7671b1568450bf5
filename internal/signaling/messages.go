package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypeOffer          Type = "offer"
	TypeAnswer         Type = "answer"
	TypeCandidateBatch Type = "ice-candidate-batch"
)

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Signal is one outbound signaling payload. Offers and answers carry a full
// SDP with gathered candidates already embedded; a candidate batch carries
// candidates discovered after the description was published.
type Signal struct {
	Type       Type        `json:"type"`
	SDP        *SDP        `json:"sdp,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

func Offer(desc webrtc.SessionDescription) Signal {
	s := SDPFromPion(desc)
	return Signal{Type: TypeOffer, SDP: &s}
}

func Answer(desc webrtc.SessionDescription) Signal {
	s := SDPFromPion(desc)
	return Signal{Type: TypeAnswer, SDP: &s}
}

func CandidateBatch(inits []webrtc.ICECandidateInit) Signal {
	out := make([]Candidate, 0, len(inits))
	for _, init := range inits {
		out = append(out, CandidateFromPion(init))
	}
	return Signal{Type: TypeCandidateBatch, Candidates: out}
}

func (s Signal) validate() error {
	switch s.Type {
	case TypeOffer, TypeAnswer:
		if s.SDP == nil {
			return fmt.Errorf("%s signal missing sdp", s.Type)
		}
		if s.SDP.Type != string(s.Type) {
			return fmt.Errorf("%s signal has sdp.type=%q", s.Type, s.SDP.Type)
		}
		if s.SDP.SDP == "" {
			return fmt.Errorf("%s signal has empty sdp", s.Type)
		}
		if len(s.Candidates) != 0 {
			return fmt.Errorf("%s signal has unexpected candidates", s.Type)
		}
	case TypeCandidateBatch:
		if len(s.Candidates) == 0 {
			return fmt.Errorf("candidate batch is empty")
		}
		if s.SDP != nil {
			return fmt.Errorf("candidate batch has unexpected sdp")
		}
		for i, c := range s.Candidates {
			if c.Candidate == "" {
				return fmt.Errorf("candidates[%d] is empty", i)
			}
		}
	default:
		return fmt.Errorf("unsupported signal type %q", s.Type)
	}
	return nil
}

// Envelope is the single live document a participant publishes at
// sessions/{id}/signaling/{userId}. Each new signal overwrites the previous
// one with a higher Seq.
type Envelope struct {
	Signal
	From      string `json:"from"`
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

func NewEnvelope(from string, seq int64, sig Signal, now time.Time) Envelope {
	return Envelope{Signal: sig, From: from, Seq: seq, Timestamp: now.UnixMilli()}
}

func (e Envelope) Validate() error {
	if e.From == "" {
		return fmt.Errorf("envelope missing from")
	}
	if e.Seq <= 0 {
		return fmt.Errorf("envelope seq must be > 0")
	}
	return e.Signal.validate()
}

// ParseEnvelope strictly decodes a single envelope document.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

// SeqFilter admits each envelope sequence number at most once and in
// increasing order. The zero value admits any positive seq.
type SeqFilter struct {
	last int64
}

// Admit records seq and reports whether it is newer than anything seen.
func (f *SeqFilter) Admit(seq int64) bool {
	if seq <= f.last {
		return false
	}
	f.last = seq
	return true
}

func (f *SeqFilter) Last() int64 {
	return f.last
}
