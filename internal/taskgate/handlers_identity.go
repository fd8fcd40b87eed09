package taskgate

import (
	"context"
	"net/http"
	"time"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/auditlog"
	"github.com/rcourtman/taskgate/internal/taskgate/principal"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

type signupRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	MarketingOptIn bool   `json:"marketingOptIn"`
}

type userView struct {
	ID          string             `json:"id"`
	Email       string             `json:"email"`
	Name        string             `json:"name,omitempty"`
	FirstName   string             `json:"firstName,omitempty"`
	LastName    string             `json:"lastName,omitempty"`
	Tier        tiers.Tier         `json:"tier"`
	AuthType    principal.AuthType `json:"authType"`
	SlackUserID string             `json:"slackUserId,omitempty"`
	SignupDate  *time.Time         `json:"signupDate,omitempty"`
}

type signupResponse struct {
	Token   string   `json:"token"`
	User    userView `json:"user"`
	Created bool     `json:"created"`
}

// handleSignup registers (or re-registers) a demo identity and issues its
// token. A repeated email reuses the identity and resets its entitlement.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, "signup", &req); err != nil {
		writeError(w, r, err)
		return
	}

	signup, _, created, err := s.store.RegisterSignup(r.Context(), store.SignupRequest{
		Email:          req.Email,
		Name:           req.Name,
		MarketingOptIn: req.MarketingOptIn,
		Source:         "demo",
		IPAddress:      auditlog.ClientIP(r),
		UserAgent:      auditlog.UserAgent(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	tier := tiers.DefaultTier(tiers.SubjectTemporary)
	token, err := s.tokens.Issue(principal.Claims{
		SignupID: signup.ID,
		Email:    signup.Email,
		Name:     signup.Name,
		Tier:     string(tier),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if created {
		s.crm.SignupCompleted(signup, auditlog.SessionID(r))
	}
	s.logger.Info().Str("signup_id", signup.ID).Bool("created", created).Msg("Demo signup")

	writeJSON(w, http.StatusOK, signupResponse{
		Token:   token,
		Created: created,
		User: userView{
			ID:       signup.ID,
			Email:    signup.Email,
			Name:     signup.Name,
			Tier:     tier,
			AuthType: principal.AuthDemo,
		},
	})
}

func (s *Server) handleGetSignup(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	if p.AuthType != principal.AuthDemo || p.Sandbox() {
		writeError(w, r, apperrors.NotFound("get_signup", "demo signup"))
		return
	}
	signup, err := s.store.GetSignup(r.Context(), p.SubjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if signup == nil {
		writeError(w, r, apperrors.NotFound("get_signup", "demo signup"))
		return
	}
	created := signup.CreatedAt
	writeJSON(w, http.StatusOK, map[string]userView{"user": {
		ID:         signup.ID,
		Email:      signup.Email,
		Name:       signup.Name,
		Tier:       p.Tier,
		AuthType:   p.AuthType,
		SignupDate: &created,
	}})
}

// handleAuthUser reports the resolved principal with its effective tier.
func (s *Server) handleAuthUser(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	tier, _, err := s.policy.EffectiveTier(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userView{
		ID:          p.SubjectID,
		Email:       p.Email,
		FirstName:   p.FirstName(),
		LastName:    p.LastName(),
		Tier:        tier,
		AuthType:    p.AuthType,
		SlackUserID: p.ExternalID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "taskgate",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// mustPrincipal reads the principal stored by the auth middleware.
func mustPrincipal(r *http.Request) principal.Principal {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		panic("taskgate: handler mounted without principal middleware")
	}
	return p
}
