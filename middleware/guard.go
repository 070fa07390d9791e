package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/okada-platform/authcore"
)

// Validator is the part of *authcore.Engine the guard needs.
type Validator interface {
	ValidateAccessToken(ctx context.Context, accessToken string) (*authcore.AccessInfo, error)
}

type accessContextKey struct{}
type tokenContextKey struct{}

// AccessFromContext returns what Guard validated for this request.
func AccessFromContext(ctx context.Context) (*authcore.AccessInfo, bool) {
	info, ok := ctx.Value(accessContextKey{}).(*authcore.AccessInfo)
	return info, ok
}

// TokenFromContext returns the raw bearer token Guard accepted.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenContextKey{}).(string)
	return token, ok
}

// Guard rejects requests without a valid, unrevoked access token. Rejections
// are written with WriteError, so an unreachable revocation index answers
// 503 rather than 401.
func Guard(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="authcore"`)
				WriteError(w, authcore.ErrInvalid)
				return
			}

			info, err := v.ValidateAccessToken(r.Context(), token)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), accessContextKey{}, info)
			ctx = context.WithValue(ctx, tokenContextKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
