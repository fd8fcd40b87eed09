package taskgate

import (
	"net/http"
	"strings"

	"github.com/rcourtman/taskgate/internal/taskgate/billing"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

func (s *Server) handleBillingStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.bridge.Status(r.Context(), mustPrincipal(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBillingPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": billing.Plans()})
}

type checkoutRequest struct {
	Tier string `json:"tier"`
}

// handleCreateCheckout returns a hosted checkout URL. Redirects go back to
// the calling origin when the browser sends one.
func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, "create_checkout", &req); err != nil {
		writeError(w, r, err)
		return
	}
	origin := strings.TrimRight(r.Header.Get("Origin"), "/")
	res, err := s.bridge.CreateCheckoutSession(r.Context(), mustPrincipal(r), tiers.ParseTier(req.Tier), origin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
