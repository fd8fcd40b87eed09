package principal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const (
	TokenIssuerName = "taskgate"
	TokenLifetime   = 90 * 24 * time.Hour

	tokenTypeDemo = "demo"
	sandboxPrefix = "sandbox_"
)

// Claims is the payload of a demo or sandbox token.
type Claims struct {
	SignupID    string `json:"signupId"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Tier        string `json:"tier"`
	Type        string `json:"type"`
	SlackUserID string `json:"slackUserId,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts verified claims into a temporary principal.
func (c *Claims) Principal() Principal {
	return Principal{
		SubjectID:   c.SignupID,
		SubjectType: tiers.SubjectTemporary,
		Tier:        tiers.ParseTier(c.Tier),
		Email:       c.Email,
		Name:        c.Name,
		ExternalID:  c.SlackUserID,
		AuthType:    AuthDemo,
	}
}

// SandboxClaims builds the identity minted for a chat user without a signup.
func SandboxClaims(slackUserID, name string) Claims {
	return Claims{
		SignupID:    sandboxPrefix + slackUserID,
		Email:       slackUserID + "@sandbox.demo",
		Name:        name,
		Tier:        string(tiers.TierBeta),
		Type:        tokenTypeDemo,
		SlackUserID: slackUserID,
	}
}

// TokenIssuer signs and verifies HS256 demo tokens.
type TokenIssuer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewTokenIssuer returns an issuer keyed by secret. An empty secret is a
// configuration error.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, apperrors.Configuration("token_issuer", "token secret is required")
	}
	return &TokenIssuer{secret: []byte(secret), lifetime: TokenLifetime, now: time.Now}, nil
}

// SetClock overrides the time source, for tests.
func (ti *TokenIssuer) SetClock(now func() time.Time) {
	ti.now = now
}

// Issue signs c, filling the type and registered claims.
func (ti *TokenIssuer) Issue(c Claims) (string, error) {
	if c.SignupID == "" {
		return "", apperrors.Validation("issue_token", "signupId", "subject is required")
	}
	now := ti.now().UTC()
	c.Type = tokenTypeDemo
	c.Issuer = TokenIssuerName
	c.Subject = c.SignupID
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ti.lifetime))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &c).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign demo token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm, issuer, expiry and token type.
// Every failure is Unauthenticated.
func (ti *TokenIssuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		strings.TrimSpace(token),
		claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return ti.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, apperrors.Unauthenticated("verify_token", err)
	}
	if !parsed.Valid {
		return nil, apperrors.Unauthenticated("verify_token", errors.New("token is invalid"))
	}
	if claims.Type != tokenTypeDemo || claims.SignupID == "" {
		return nil, apperrors.Unauthenticated("verify_token", errors.New("unexpected token type"))
	}
	return claims, nil
}
