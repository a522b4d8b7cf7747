package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt"
	"github.com/guildhall-io/guildhall/internal/realtime"
)

const (
	tokenCookieKey = "token"

	userIdClaim   = "user-id"
	userNameClaim = "user-name"
)

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity stores the authenticated identity on a request context.
func WithIdentity(ctx context.Context, id realtime.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity set by the auth middleware, if any.
func IdentityFrom(ctx context.Context) (realtime.Identity, bool) {
	id, ok := ctx.Value(identityKey).(realtime.Identity)
	return id, ok
}

func (s *GuildhallApp) extractIdentityFromToken(r *http.Request) (realtime.Identity, error) {
	tokenCookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return realtime.Identity{}, fmt.Errorf("get cookie: %w", err)
	}

	token, err := jwt.Parse(tokenCookie.Value, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return realtime.Identity{}, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return realtime.Identity{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return realtime.Identity{}, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return realtime.Identity{}, fmt.Errorf("invalid user id claim")
	}

	userName, _ := claims[userNameClaim].(string)

	return realtime.Identity{UserId: userId, UserName: userName}, nil
}

// authMiddleware rejects requests without a valid session token.
func (s *GuildhallApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.extractIdentityFromToken(r)
		if err != nil {
			s.log.Printf("failed to extract identity from token: %v", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithIdentity(r.Context(), identity)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

// identityMiddleware attaches an identity when a valid token is present
// but lets the request through anonymously otherwise. Used for the
// websocket endpoint, where anonymous connections may still subscribe
// to the change feed.
func (s *GuildhallApp) identityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.extractIdentityFromToken(r)
		if err != nil {
			next(w, r)
			return
		}

		next(w, r.WithContext(WithIdentity(r.Context(), identity)))
	}
}
