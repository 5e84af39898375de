package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// principal is the signed-in user a request acts for.
type principal struct {
	UserID string
	Email  string
}

type principalKey struct{}

const sessionCookie = "auth-token"

var (
	errNoCredentials = errors.New("missing authorization header or session cookie")
	errBadScheme     = errors.New("authorization header must be \"Bearer <token>\"")
)

// contextSetter lets audit see the principal attached further down.
type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth rejects requests without a valid access token and attaches the
// principal to the request context.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		who, err := r.authenticate(req)
		if err != nil {
			r.logger.Warn("unauthenticated request", "path", req.URL.Path, "error", err)
			msg := "authentication failed"
			if errors.Is(err, errNoCredentials) || errors.Is(err, errBadScheme) {
				msg = "authentication required"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		ctx := context.WithValue(req.Context(), principalKey{}, who)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func (r *Router) authenticate(req *http.Request) (principal, error) {
	token, err := sessionToken(req)
	if err != nil {
		return principal{}, err
	}
	user, _, err := r.auth.Authorize(req.Context(), token)
	if err != nil {
		return principal{}, err
	}
	return principal{UserID: user.ID, Email: user.Email}, nil
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// sessionToken reads a bearer token, falling back to the login cookie so the
// browser can open the log websocket.
func sessionToken(req *http.Request) (string, error) {
	if header := strings.TrimSpace(req.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
			return "", errBadScheme
		}
		return token, nil
	}
	if c, err := req.Cookie(sessionCookie); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v, nil
		}
	}
	return "", errNoCredentials
}
