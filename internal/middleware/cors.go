// Package middleware provides HTTP middleware for the kiosk API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/stella/internal/identity"
)

const preflightMaxAge = 10 * time.Minute

var (
	allowedMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", ")
	allowedHeaders = strings.Join([]string{"Content-Type", identity.SessionHeaderName}, ", ")
)

// originPolicy is a parsed origin allow list. Only explicitly listed origins
// may send credentials.
type originPolicy struct {
	wildcard bool
	explicit map[string]bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{explicit: make(map[string]bool, len(origins))}
	for _, o := range origins {
		switch o = strings.TrimRight(strings.TrimSpace(o), "/"); o {
		case "":
		case "*":
			p.wildcard = true
		default:
			p.explicit[o] = true
		}
	}
	return p
}

// CORS returns middleware that sets CORS headers for the kiosk frontend and
// answers preflight requests. "*" admits any origin without credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")

			credentialed := policy.explicit[origin]
			if origin != "" && (credentialed || policy.wildcard) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", allowedMethods)
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
				h.Set("Access-Control-Expose-Headers", identity.SessionHeaderName)
				if credentialed {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Max-Age", strconv.Itoa(int(preflightMaxAge.Seconds())))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
