package middleware

import (
	"net/http"
	"strings"
)

// Response surfaces with distinct header needs.
const (
	surfaceAPI    = "api"
	surfaceSocket = "socket"
	surfaceMedia  = "media"
)

func surfaceOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/ws/"):
		return surfaceSocket
	case strings.HasPrefix(path, "/media/"):
		return surfaceMedia
	}
	return surfaceAPI
}

// SecurityHeaders sets response headers for the surface a request targets.
// Consultation data never lands in shared caches. Stored media is embedded
// by a web client served from another origin, under keys that never change.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Referrer-Policy", "no-referrer")

		switch surfaceOf(r.URL.Path) {
		case surfaceMedia:
			h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
			h.Set("Cross-Origin-Resource-Policy", "cross-origin")
			h.Set("Cache-Control", "private, max-age=31536000, immutable")
		case surfaceSocket:
			h.Set("Cache-Control", "no-store")
		default:
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Cross-Origin-Resource-Policy", "same-site")
			h.Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}

// MaxBodySize limits request body size.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateRequest rejects request shapes no route accepts: bodies other than
// JSON or multipart, socket paths without an upgrade, and paths or queries
// that try to climb out of a room or media key.
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			ct := r.Header.Get("Content-Type")
			if r.ContentLength != 0 && ct != "" &&
				!strings.HasPrefix(ct, "application/json") && !strings.HasPrefix(ct, "multipart/form-data") {
				http.Error(w, `{"error":"content-type must be application/json or multipart/form-data"}`, http.StatusUnsupportedMediaType)
				return
			}
		}

		if surfaceOf(r.URL.Path) == surfaceSocket && !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			http.Error(w, `{"error":"websocket upgrade required"}`, http.StatusUpgradeRequired)
			return
		}

		if unsafePath(r.URL.Path) || unsafePath(r.URL.RawQuery) {
			http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// unsafePath reports traversal, doubled separators, escapes and markup.
// Room ids and media keys never contain any of them.
func unsafePath(input string) bool {
	if input == "" {
		return false
	}
	if strings.ContainsAny(input, "\\\x00<>") {
		return true
	}
	lower := strings.ToLower(input)
	for _, s := range []string{"..", "//", "%2e%2e", "%2f", "%5c", "javascript:"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
