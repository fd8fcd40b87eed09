package principal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
)

const (
	HeaderDemoToken = "X-Demo-Token"
	CookieDemoToken = "demoToken"

	touchTimeout = 2 * time.Second
)

// ErrNoCredentials is wrapped by Resolve when the request carries neither a
// token nor a platform session.
var ErrNoCredentials = errors.New("no credentials")

// ActivityToucher records that a signup was active.
type ActivityToucher interface {
	TouchSignup(ctx context.Context, id string) error
}

// Provisioner creates the entitlement of a principal seen for the first time.
type Provisioner interface {
	Provision(ctx context.Context, p Principal) error
}

// Resolver maps a request to a Principal.
type Resolver struct {
	tokens    *TokenIssuer
	sessions  *SessionStore
	touch     ActivityToucher
	provision Provisioner
	logger    zerolog.Logger
}

// NewResolver builds a resolver. sessions and touch may be nil.
func NewResolver(tokens *TokenIssuer, sessions *SessionStore, touch ActivityToucher, logger zerolog.Logger) *Resolver {
	return &Resolver{tokens: tokens, sessions: sessions, touch: touch, logger: logger}
}

// SetProvisioner makes every resolved principal hold an entitlement before
// the request proceeds.
func (rs *Resolver) SetProvisioner(p Provisioner) {
	rs.provision = p
}

// Resolve tries the demo token first and the platform session second. A token
// that is present but invalid fails the request; it never falls through.
func (rs *Resolver) Resolve(r *http.Request) (Principal, error) {
	if token := TokenFromRequest(r); token != "" {
		claims, err := rs.tokens.Verify(token)
		if err != nil {
			return Principal{}, err
		}
		p := claims.Principal()
		rs.touchSignup(r.Context(), p)
		return rs.provisioned(r.Context(), p)
	}
	if id, ok := rs.sessions.Lookup(r); ok {
		return rs.provisioned(r.Context(), id.Principal())
	}
	return Principal{}, apperrors.Unauthenticated("resolve_principal", ErrNoCredentials)
}

func (rs *Resolver) provisioned(ctx context.Context, p Principal) (Principal, error) {
	if rs.provision == nil {
		return p, nil
	}
	if err := rs.provision.Provision(ctx, p); err != nil {
		return Principal{}, err
	}
	return p, nil
}

func (rs *Resolver) touchSignup(ctx context.Context, p Principal) {
	if rs.touch == nil || p.Sandbox() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	if err := rs.touch.TouchSignup(ctx, p.SubjectID); err != nil {
		rs.logger.Warn().Err(err).Str("subject", p.SubjectID).Msg("Failed to update last active time")
	}
}

// Require resolves the principal and stores it in the request context.
// onError writes the failure response.
func (rs *Resolver) Require(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := rs.Resolve(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Optional stores the principal when one resolves and continues either way.
func (rs *Resolver) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, err := rs.Resolve(r); err == nil {
			r = r.WithContext(WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// TokenFromRequest reads the demo token from the header, a bearer
// Authorization header or the cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderDemoToken)); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	if c, err := r.Cookie(CookieDemoToken); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
