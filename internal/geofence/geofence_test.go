package geofence

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/skillswap/session-core/internal/model"
)

var nairobi = model.Venue{Name: "Hub", Lat: -1.2843, Lng: 36.8172}

// kmNorth returns a latitude offset of roughly km kilometres.
func kmNorth(km float64) float64 {
	return km / (EarthRadiusKm * math.Pi / 180)
}

func TestVerify_SamePoint(t *testing.T) {
	v := NewVerifier(0)
	if !v.Verify(nairobi, -1.2843, 36.8172) {
		t.Fatalf("Verify at venue=false, want true")
	}
}

func TestVerify_OneKilometreAway(t *testing.T) {
	v := NewVerifier(0)
	lat := nairobi.Lat + kmNorth(1)
	if d := Distance(nairobi.Lat, nairobi.Lng, lat, nairobi.Lng); math.Abs(d-1) > 0.001 {
		t.Fatalf("distance=%v, want ~1km", d)
	}
	if v.Verify(nairobi, lat, nairobi.Lng) {
		t.Fatalf("Verify 1km away=true, want false")
	}
}

func TestVerify_RadiusBoundary(t *testing.T) {
	v := NewVerifier(DefaultRadiusKm)
	if !v.Verify(nairobi, nairobi.Lat+kmNorth(0.049), nairobi.Lng) {
		t.Fatalf("49m away rejected")
	}
	if v.Verify(nairobi, nairobi.Lat+kmNorth(0.051), nairobi.Lng) {
		t.Fatalf("51m away accepted")
	}
}

func TestCheckIn(t *testing.T) {
	s := &model.Session{ID: "s1", TeacherID: "t1", Type: model.SessionTypePhysical, Location: &nairobi}
	v := NewVerifier(0)

	raw, err := NewPayload(s, time.Unix(0, 0)).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	res, err := v.CheckIn(s, p, &Coordinate{Lat: nairobi.Lat, Lng: nairobi.Lng})
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if !res.Verified || res.Method != MethodGeofence || res.DistanceKm == nil {
		t.Fatalf("res=%+v, want verified geofence", res)
	}

	res, err = v.CheckIn(s, p, &Coordinate{Lat: nairobi.Lat + kmNorth(1), Lng: nairobi.Lng})
	if err != nil {
		t.Fatalf("CheckIn far: %v", err)
	}
	if res.Verified {
		t.Fatalf("far check-in verified")
	}

	res, err = v.CheckIn(s, p, nil)
	if err != nil {
		t.Fatalf("CheckIn no position: %v", err)
	}
	if !res.Verified || res.Method != MethodQROnly {
		t.Fatalf("res=%+v, want qr-only fallback", res)
	}

	other := p
	other.SessionID = "s2"
	if _, err := v.CheckIn(s, other, nil); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("err=%v, want ErrPayloadMismatch", err)
	}
}

func TestParsePayload_Invalid(t *testing.T) {
	for _, raw := range []string{"", "not json", `{"sessionId":"s"}`} {
		if _, err := ParsePayload(raw); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("ParsePayload(%q) err=%v, want ErrInvalidPayload", raw, err)
		}
	}
}
