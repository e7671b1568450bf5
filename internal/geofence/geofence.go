// Package geofence implements the proof-of-presence check for physical
// sessions: a QR payload scanned at the venue plus an optional great-circle
// distance check against the venue coordinate.
package geofence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/skillswap/session-core/internal/model"
)

const (
	EarthRadiusKm = 6371.0

	// DefaultRadiusKm is the maximum distance from the venue that still counts
	// as being there (50 m).
	DefaultRadiusKm = 0.05
)

type Method string

const (
	// MethodGeofence means the QR payload matched and the observed position
	// was within the radius.
	MethodGeofence Method = "geofence"
	// MethodQROnly means no position was available, so only the QR payload
	// was checked. This is weaker assurance than MethodGeofence.
	MethodQROnly Method = "qr-only"
)

var (
	ErrInvalidPayload  = errors.New("invalid check-in qr payload")
	ErrPayloadMismatch = errors.New("qr payload does not match session")
	ErrNoVenue         = errors.New("session has no venue coordinate")
)

// Coordinate is an observed device position.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Payload is the content encoded in the venue QR code.
type Payload struct {
	SessionID string `json:"sessionId"`
	TeacherID string `json:"teacherId"`
	Timestamp int64  `json:"timestamp"`
}

func NewPayload(s *model.Session, now time.Time) Payload {
	return Payload{SessionID: s.ID, TeacherID: s.TeacherID, Timestamp: now.UnixMilli()}
}

func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func ParsePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.SessionID == "" || p.TeacherID == "" {
		return Payload{}, fmt.Errorf("%w: missing sessionId or teacherId", ErrInvalidPayload)
	}
	return p, nil
}

// Distance returns the haversine great-circle distance in kilometres.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

type Verifier struct {
	RadiusKm float64
}

func NewVerifier(radiusKm float64) *Verifier {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return &Verifier{RadiusKm: radiusKm}
}

// Verify reports whether the observed coordinate lies within the radius of
// venue.
func (v *Verifier) Verify(venue model.Venue, lat, lng float64) bool {
	return Distance(venue.Lat, venue.Lng, lat, lng) <= v.RadiusKm
}

type Result struct {
	Verified   bool     `json:"verified"`
	Method     Method   `json:"method"`
	DistanceKm *float64 `json:"distanceKm,omitempty"`
}

// CheckIn evaluates a scanned payload for session. A nil position skips the
// distance check and reports MethodQROnly. There is no retry: a failed check
// returns Verified=false and the caller must scan again.
func (v *Verifier) CheckIn(s *model.Session, p Payload, position *Coordinate) (Result, error) {
	if p.SessionID != s.ID || p.TeacherID != s.TeacherID {
		return Result{}, ErrPayloadMismatch
	}
	if position == nil {
		return Result{Verified: true, Method: MethodQROnly}, nil
	}
	if s.Location == nil {
		return Result{}, ErrNoVenue
	}
	d := Distance(s.Location.Lat, s.Location.Lng, position.Lat, position.Lng)
	return Result{
		Verified:   d <= v.RadiusKm,
		Method:     MethodGeofence,
		DistanceKm: &d,
	}, nil
}
