package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const ipContextKey contextKey = "client_ip"

// RequireSecret returns a middleware that rejects requests whose bearer
// token does not match secret. An empty secret disables the check.
func RequireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetIPFromRequest(r)
			ctx := context.WithValue(r.Context(), ipContextKey, ip)

			if secret != "" {
				token := extractBearerToken(r)
				if token == "" {
					writeError(w, http.StatusUnauthorized, "Authentication required")
					return
				}
				if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
					slog.Debug("auth: rejected token", "ip", ip)
					writeError(w, http.StatusUnauthorized, "Invalid token")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// GetIPFromContext returns the IP from context
func GetIPFromContext(ctx context.Context) string {
	ip, ok := ctx.Value(ipContextKey).(string)
	if !ok {
		return ""
	}
	return ip
}

// GetIPFromRequest extracts the client IP from request
func GetIPFromRequest(r *http.Request) string {
	// X-Forwarded-For from proxies/load balancers; the first entry is the client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
