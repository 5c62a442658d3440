package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"lanvault/internal/models"
	"lanvault/pkg/httperrors"
)

type ctxKey string

const principalKey ctxKey = "lanvault.principal"

// Authenticator checks credentials and returns the caller with the roots
// granted right now.
type Authenticator interface {
	Authenticate(name, password string) (models.Principal, error)
}

func PrincipalFromContext(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(models.Principal)
	return p, ok
}

func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// RequireAuth resolves the BasicAuth caller on every request, so changes to
// a user's directories apply to the next request.
func RequireAuth(a Authenticator, log logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, pw, ok := parseBasicAuth(r.Header.Get("Authorization"))
		if !ok {
			deny(w)
			return
		}
		p, err := a.Authenticate(u, pw)
		if err != nil {
			log.WithFields(logrus.Fields{"user": u, "remote": r.RemoteAddr}).Info("authentication failed")
			deny(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin must run behind RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			deny(w)
			return
		}
		if !p.IsAdmin {
			httperrors.Write(w, fmt.Errorf("%w: administrator access required", models.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="lanvault"`)
	httperrors.Write(w, models.ErrUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
