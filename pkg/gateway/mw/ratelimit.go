package mw

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/voicebridge/pkg/gateway/apierror"
	"github.com/vango-go/voicebridge/pkg/gateway/ratelimit"
)

// RateLimit applies the per-remote accept limit to websocket upgrades.
// Plain HTTP requests (health, status, metrics) pass through untouched.
// onLimited, when set, is called for every rejected upgrade.
func RateLimit(limiter *ratelimit.Limiter, trustForwarded bool, onLimited func(limit string), next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.AllowAccept(ClientIP(r, trustForwarded), time.Now())
		if !dec.Allowed {
			if onLimited != nil {
				onLimited("accept")
			}
			reqID, _ := RequestIDFrom(r.Context())
			retry := dec.RetryAfter
			apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{
				Type:       apierror.ErrRateLimit,
				Message:    "rate limit exceeded",
				RequestID:  reqID,
				RetryAfter: &retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the remote address used as the rate-limit key. Forwarding
// headers are honoured only when the server sits behind a trusted proxy.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
