package httpserver

import (
	"net/http"
	"strings"
)

// WithOriginPolicy wraps next with the server's origin policy and CORS
// headers. It is used for routes registered on Mux by other packages.
func (s *Server) WithOriginPolicy(next http.Handler) http.Handler {
	return s.withOriginPolicy(next.ServeHTTP)
}

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader, ok := s.policy.Check(r)
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if originHeader == "" {
			next(w, r)
			return
		}

		// CORS headers only matter to browsers, which always send Origin.
		w.Header().Set("Access-Control-Allow-Origin", strings.TrimSpace(originHeader))
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
			allowHeaders := "Authorization,Content-Type,X-User-ID"
			if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
				allowHeaders = requested
			}
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
