package principal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
)

const exchangeTimeout = 10 * time.Second

// OIDCConfig holds the platform identity provider settings.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether every setting is present.
func (c OIDCConfig) Enabled() bool {
	return c.IssuerURL != "" && c.ClientID != "" && c.ClientSecret != "" && c.RedirectURL != ""
}

// OIDCLogin runs the authorization code flow and stores the result in the
// platform session.
type OIDCLogin struct {
	sessions   *SessionStore
	oauth      oauth2.Config
	verifier   *oidc.IDTokenVerifier
	provision  Provisioner
	afterLogin string
}

// NewOIDCLogin discovers the provider and prepares the code flow.
func NewOIDCLogin(ctx context.Context, cfg OIDCConfig, sessions *SessionStore) (*OIDCLogin, error) {
	if !cfg.Enabled() {
		return nil, apperrors.Configuration("oidc", "issuer, client id, client secret and redirect url are required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, apperrors.Upstream("oidc_discovery", err)
	}
	oauthCfg := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return newOIDCLogin(oauthCfg, verifier, sessions), nil
}

func newOIDCLogin(cfg oauth2.Config, verifier *oidc.IDTokenVerifier, sessions *SessionStore) *OIDCLogin {
	return &OIDCLogin{sessions: sessions, oauth: cfg, verifier: verifier, afterLogin: "/"}
}

// SetProvisioner creates the entitlement of each platform identity as it
// logs in.
func (o *OIDCLogin) SetProvisioner(p Provisioner) {
	o.provision = p
}

// Login redirects to the provider with a fresh state value.
func (o *OIDCLogin) Login(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	if err := o.sessions.setState(w, r, state); err != nil {
		log.Error().Err(err).Msg("Failed to store OIDC state")
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, o.oauth.AuthCodeURL(state), http.StatusFound)
}

// Callback exchanges the code, verifies the ID token and saves the session.
func (o *OIDCLogin) Callback(w http.ResponseWriter, r *http.Request) {
	want, err := o.sessions.takeState(w, r)
	if err != nil || want == "" || r.URL.Query().Get("state") != want {
		http.Error(w, "invalid login state", http.StatusBadRequest)
		return
	}
	if msg := r.URL.Query().Get("error"); msg != "" {
		http.Error(w, "login denied: "+msg, http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	id, err := o.exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		log.Warn().Err(err).Msg("OIDC callback failed")
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}
	if o.provision != nil {
		if err := o.provision.Provision(ctx, id.Principal()); err != nil {
			log.Error().Err(err).Str("subject", id.Subject).Msg("Failed to provision platform entitlement")
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}
	}
	if err := o.sessions.Save(w, r, id); err != nil {
		log.Error().Err(err).Msg("Failed to save platform session")
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}
	log.Info().Str("subject", id.Subject).Msg("Platform login")
	http.Redirect(w, r, o.afterLogin, http.StatusFound)
}

// Logout clears the platform session.
func (o *OIDCLogin) Logout(w http.ResponseWriter, r *http.Request) {
	if err := o.sessions.Clear(w, r); err != nil {
		log.Warn().Err(err).Msg("Failed to clear platform session")
	}
	http.Redirect(w, r, o.afterLogin, http.StatusFound)
}

func (o *OIDCLogin) exchange(ctx context.Context, code string) (PlatformIdentity, error) {
	if strings.TrimSpace(code) == "" {
		return PlatformIdentity{}, errors.New("missing authorization code")
	}
	token, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		return PlatformIdentity{}, fmt.Errorf("exchange code: %w", err)
	}
	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return PlatformIdentity{}, errors.New("token response has no id_token")
	}
	idToken, err := o.verifier.Verify(ctx, rawID)
	if err != nil {
		return PlatformIdentity{}, fmt.Errorf("verify id token: %w", err)
	}
	var claims struct {
		Email      string `json:"email"`
		Name       string `json:"name"`
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return PlatformIdentity{}, fmt.Errorf("decode id token claims: %w", err)
	}
	name := claims.Name
	if name == "" {
		name = strings.TrimSpace(claims.GivenName + " " + claims.FamilyName)
	}
	return PlatformIdentity{Subject: idToken.Subject, Email: claims.Email, Name: name}, nil
}
