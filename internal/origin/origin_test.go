package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://App.Example.com", "https://app.example.com", true},
		{"https://app.example.com:443", "https://app.example.com", true},
		{"http://localhost:5173/", "http://localhost:5173", true},
		{"http://[::1]:8080", "http://[::1]:8080", true},
		{"ftp://example.com", "", false},
		{"https://example.com/path", "", false},
		{"https://user@example.com", "", false},
		{"null", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Normalize(%q)=(%q,%v), want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPolicySameHostDefault(t *testing.T) {
	p := NewPolicy(nil)
	if !p.Allowed("https://skillswap.example:443", "skillswap.example") {
		t.Fatalf("expected same host to be allowed")
	}
	if !p.Allowed("http://localhost:8080", "LOCALHOST:8080") {
		t.Fatalf("expected host comparison to be case-insensitive")
	}
	if p.Allowed("https://evil.example", "skillswap.example") {
		t.Fatalf("expected other host to be rejected")
	}
}

func TestPolicyAllowList(t *testing.T) {
	p := NewPolicy([]string{"https://app.skillswap.example/", "not an origin"})
	if !p.Allowed("https://APP.skillswap.example", "api.skillswap.example") {
		t.Fatalf("expected listed origin to be allowed")
	}
	if p.Allowed("https://api.skillswap.example", "api.skillswap.example") {
		t.Fatalf("allow-list must replace the same-host default")
	}
	if !NewPolicy([]string{"*"}).Allowed("https://anything.example", "x") {
		t.Fatalf("expected wildcard to allow everything")
	}
}

func TestCheckWithoutOriginHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "http://skillswap.example/api/sessions", nil)
	if _, ok := NewPolicy([]string{"https://app.example"}).Check(r); !ok {
		t.Fatalf("expected non-browser request to pass")
	}
	r.Header.Set("Origin", "https://evil.example")
	if origin, ok := NewPolicy(nil).Check(r); ok || origin != "https://evil.example" {
		t.Fatalf("Check=(%q,%v), want rejection", origin, ok)
	}
}
