package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	identifierKey contextKey = "identifier"
	originKey     contextKey = "origin"
)

// Identity derives the admission identifier for each request and puts
// it on the context. The identifier is a hash of the bearer token
// subject when one parses, otherwise a hash of the client IP; the
// network origin (hashed IP) rides along for cross-identifier rules.
// Nothing reversible to PII ever reaches the store.
type Identity struct {
	jwtSecret string
}

func NewIdentity(jwtSecret string) *Identity {
	return &Identity{jwtSecret: jwtSecret}
}

func (m *Identity) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		origin := hashValue("ip:" + ip)
		identifier := origin

		if subject := m.tokenSubject(r); subject != "" {
			// Composite key: the same account from a new network is a
			// distinct quota bucket.
			identifier = hashValue("user:" + subject + ":" + ip)
		} else if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			identifier = hashValue("key:" + apiKey)
		}

		ctx := context.WithValue(r.Context(), identifierKey, identifier)
		ctx = context.WithValue(ctx, originKey, origin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tokenSubject extracts the subject from a bearer token if one parses
// against the configured secret. This is identity keying only; real
// authentication happens upstream.
func (m *Identity) tokenSubject(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(m.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return ""
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return strings.Trim(ip, "[]")
}

// GetIdentifier returns the hashed caller identifier from the context.
func GetIdentifier(ctx context.Context) string {
	if val := ctx.Value(identifierKey); val != nil {
		return val.(string)
	}
	return ""
}

// GetOrigin returns the hashed network origin from the context.
func GetOrigin(ctx context.Context) string {
	if val := ctx.Value(originKey); val != nil {
		return val.(string)
	}
	return ""
}
