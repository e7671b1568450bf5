// Package origin decides which browser origins may call the HTTP API and
// open mailbox WebSockets.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Normalize returns scheme://host[:port] in lower case with the default port
// for the scheme removed. It reports false for anything a browser would not
// send as an Origin header.
func Normalize(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host, ok := normalizeHost(u.Host, scheme)
	if !ok {
		return "", false
	}
	return scheme + "://" + host, true
}

func normalizeHost(hostport, scheme string) (string, bool) {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port.
		host, port = strings.Trim(hostport, "[]"), ""
	}
	if host == "" {
		return "", false
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port, true
	}
	return host, true
}

// Policy is an origin allow-list. An empty list allows same-host origins
// only; "*" allows everything.
type Policy struct {
	allowed []string
}

func NewPolicy(allowed []string) Policy {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a == "*" {
			out = append(out, a)
			continue
		}
		if n, ok := Normalize(a); ok {
			out = append(out, n)
		}
	}
	return Policy{allowed: out}
}

// Allowed reports whether origin may access a server reached at requestHost.
func (p Policy) Allowed(origin, requestHost string) bool {
	normalized, ok := Normalize(origin)
	if !ok {
		return false
	}
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}
	// Scheme is ignored so a TLS-terminating proxy in front of the server
	// still matches.
	scheme, originHost, _ := strings.Cut(normalized, "://")
	reqHost, ok := normalizeHost(requestHost, scheme)
	return ok && reqHost == originHost
}

// Check applies the policy to r. Requests without an Origin header come from
// non-browser clients and are allowed.
func (p Policy) Check(r *http.Request) (origin string, ok bool) {
	origin = r.Header.Get("Origin")
	if origin == "" {
		return "", true
	}
	return origin, p.Allowed(origin, r.Host)
}
