package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skillswap/session-core/internal/config"
)

func TestJWTRoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret")
	token, err := v.Issue("teacher-1", "Ada", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "teacher-1" || id.Name != "Ada" {
		t.Fatalf("identity=%+v", id)
	}
}

func TestJWTRejects(t *testing.T) {
	v := NewJWTVerifier("secret")
	good, err := v.Issue("u1", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other, _ := NewJWTVerifier("other").Issue("u1", "", time.Hour)

	expiring := NewJWTVerifier("secret")
	expiring.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := expiring.Issue("u1", "", time.Hour)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Issuer: tokenIssuer},
	}).SignedString([]byte("secret"))

	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Issuer: tokenIssuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret"))

	badSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "a/b", Issuer: tokenIssuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret"))

	for name, token := range map[string]string{
		"wrong secret": other,
		"expired":      expired,
		"no exp":       noExp,
		"wrong alg":    hs512,
		"bad subject":  badSubject,
		"truncated":    good[:len(good)-4],
		"garbage":      "not-a-jwt",
	} {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: err=%v, want ErrInvalidCredentials", name, err)
		}
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("empty: err=%v, want ErrMissingCredentials", err)
	}
}

func TestDevVerifier(t *testing.T) {
	id, err := DevVerifier{}.Verify(" learner-7 ")
	if err != nil || id.UserID != "learner-7" {
		t.Fatalf("Verify=(%+v,%v)", id, err)
	}
	for _, bad := range []string{"", "..", "a/b", "a b"} {
		if _, err := (DevVerifier{}).Verify(bad); err == nil {
			t.Fatalf("Verify(%q): expected error", bad)
		}
	}
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/sessions?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got, err := CredentialFromRequest(config.AuthModeJWT, r); err != nil || got != "h" {
		t.Fatalf("jwt header=(%q,%v), want h", got, err)
	}

	r = httptest.NewRequest("GET", "/mailbox?token=q", nil)
	if got, err := CredentialFromRequest(config.AuthModeJWT, r); err != nil || got != "q" {
		t.Fatalf("jwt query=(%q,%v), want q", got, err)
	}

	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("Authorization", "Basic abc")
	if _, err := CredentialFromRequest(config.AuthModeJWT, r); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("basic auth err=%v, want ErrInvalidCredentials", err)
	}

	r = httptest.NewRequest("GET", "/x?userId=u2", nil)
	if got, err := CredentialFromRequest(config.AuthModeNone, r); err != nil || got != "u2" {
		t.Fatalf("none query=(%q,%v), want u2", got, err)
	}
	r.Header.Set(HeaderUserID, "u3")
	if got, err := CredentialFromRequest(config.AuthModeNone, r); err != nil || got != "u3" {
		t.Fatalf("none header=(%q,%v), want u3", got, err)
	}

	r = httptest.NewRequest("GET", "/x", nil)
	if _, err := CredentialFromRequest(config.AuthModeNone, r); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing err=%v, want ErrMissingCredentials", err)
	}
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "s"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, ok := v.(*JWTVerifier); !ok {
		t.Fatalf("verifier=%T, want *JWTVerifier", v)
	}
	if _, err := NewVerifier(config.Config{AuthMode: "basic"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestPeekIdentity(t *testing.T) {
	token, err := NewJWTVerifier("server-secret").Issue("learner-7", "Grace", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := PeekIdentity(token)
	if err != nil {
		t.Fatalf("PeekIdentity: %v", err)
	}
	if id.UserID != "learner-7" || id.Name != "Grace" {
		t.Fatalf("identity=%+v", id)
	}
	if _, err := PeekIdentity("not-a-jwt"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}
