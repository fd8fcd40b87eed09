// Package principal resolves the caller of a request into a Principal:
// a signed demo or sandbox token first, then the platform (OIDC) session.
package principal

import (
	"context"
	"strings"

	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

// AuthType names how a principal authenticated.
type AuthType string

const (
	AuthDemo     AuthType = "demo"
	AuthPlatform AuthType = "platform"
)

// Principal is the authenticated caller.
type Principal struct {
	SubjectID   string            `json:"id"`
	SubjectType tiers.SubjectType `json:"subjectType"`
	Tier        tiers.Tier        `json:"tier"`
	Email       string            `json:"email"`
	Name        string            `json:"name"`
	ExternalID  string            `json:"slackUserId,omitempty"`
	AuthType    AuthType          `json:"authType"`
}

// AssigneeID is the identifier the principal's tasks are partitioned by.
func (p Principal) AssigneeID() string {
	if p.ExternalID != "" {
		return p.ExternalID
	}
	return p.SubjectID
}

// Sandbox reports whether the principal came from a chat sandbox token and
// has no signup row behind it.
func (p Principal) Sandbox() bool {
	return p.ExternalID != "" && strings.HasPrefix(p.SubjectID, sandboxPrefix)
}

// FirstName and LastName split Name on the first space.
func (p Principal) FirstName() string {
	first, _, _ := strings.Cut(strings.TrimSpace(p.Name), " ")
	return first
}

func (p Principal) LastName() string {
	_, last, _ := strings.Cut(strings.TrimSpace(p.Name), " ")
	return strings.TrimSpace(last)
}

type contextKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by Require.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
