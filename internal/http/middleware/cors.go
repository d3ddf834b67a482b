package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowedHeaders = "Authorization, Content-Type, Idempotency-Key"
	corsExposedHeaders = "Retry-After"
	corsAllowedMethods = "GET, POST, OPTIONS"
	corsMaxAge         = "600"
)

// OriginAllowlist is the set of browser origins trusted by the API and the
// session stream. A "*" entry trusts every origin.
type OriginAllowlist struct {
	any     bool
	origins map[string]struct{}
}

func NewOriginAllowlist(origins []string) *OriginAllowlist {
	a := &OriginAllowlist{origins: map[string]struct{}{}}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch origin {
		case "":
		case "*":
			a.any = true
		default:
			a.origins[origin] = struct{}{}
		}
	}
	return a
}

// Empty reports whether nothing was configured.
func (a *OriginAllowlist) Empty() bool {
	return a == nil || (!a.any && len(a.origins) == 0)
}

func (a *OriginAllowlist) Allows(origin string) bool {
	if a == nil || origin == "" {
		return false
	}
	if a.any {
		return true
	}
	_, ok := a.origins[origin]
	return ok
}

// CORS echoes allowed origins back and answers their preflight requests.
// Requests from other origins pass through without CORS headers.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allow := NewOriginAllowlist(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			if !allow.Allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
