package taskgate

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
)

// Handler returns the complete HTTP surface wrapped in the shared middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return requestLogger(securityHeaders(mux))
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := func(h http.HandlerFunc) http.Handler {
		return s.resolver.Require(writeError)(h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return requireAdmin(s.cfg.AdminUser, s.cfg.AdminPasswordHash, h)
	}

	// Health and readiness.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Identity.
	mux.Handle("POST /api/demo/signup", rateLimit("signup", s.signupLimiter, http.HandlerFunc(s.handleSignup)))
	mux.Handle("GET /api/demo/signup", auth(s.handleGetSignup))
	mux.Handle("GET /api/auth/user", auth(s.handleAuthUser))
	mux.HandleFunc("GET /api/login", s.platformLogin(func(w http.ResponseWriter, r *http.Request) { s.oidc.Login(w, r) }))
	mux.HandleFunc("GET /api/callback", s.platformLogin(func(w http.ResponseWriter, r *http.Request) { s.oidc.Callback(w, r) }))
	mux.HandleFunc("GET /api/logout", s.platformLogin(func(w http.ResponseWriter, r *http.Request) { s.oidc.Logout(w, r) }))

	// Tasks.
	mux.Handle("GET /api/tasks", auth(s.handleListTasks))
	mux.Handle("POST /api/tasks", auth(s.handleCreateTask))
	mux.Handle("PUT /api/tasks/{id}", auth(s.handleUpdateTask))
	mux.Handle("DELETE /api/tasks/{id}", auth(s.handleDeleteTask))
	mux.Handle("GET /api/status", auth(s.handleStatus))
	mux.HandleFunc("POST /api/suggest-tasks", s.handleSuggestTasks)

	// Billing. The webhook authenticates by signature.
	mux.Handle("GET /api/billing/status", auth(s.handleBillingStatus))
	mux.HandleFunc("GET /api/billing/plans", s.handleBillingPlans)
	mux.Handle("POST /api/billing/create-checkout-session", auth(s.handleCreateCheckout))
	mux.Handle("POST /api/stripe/webhook", rateLimit("webhook", s.webhookLimiter, s.webhook))

	// Chat.
	mux.HandleFunc("POST /api/slack/commands", s.handleSlashCommand)
	mux.Handle("POST /api/slack/daily-report", admin(s.handleDailyReport))

	// CRM.
	mux.Handle("POST /api/crm/page-visit", s.resolver.Optional(http.HandlerFunc(s.handlePageVisit)))
	mux.Handle("GET /api/crm/user-activity", auth(s.handleListOwnActivity))
	mux.Handle("POST /api/crm/user-activity", auth(s.handleRecordActivity))

	// Admin.
	mux.Handle("GET /api/admin/crm-summary", admin(s.handleCRMSummary))
	mux.Handle("GET /api/admin/demo-signups", admin(s.handleListSignups))
	mux.Handle("GET /api/admin/user-activities", admin(s.handleListActivities))
	mux.Handle("GET /api/admin/export-csv", admin(s.handleExportCSV))
	mux.Handle("POST /api/admin/sandbox-token", admin(s.handleSandboxToken))
}

// platformLogin answers 503 while OIDC is not configured.
func (s *Server) platformLogin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.oidc == nil {
			writeError(w, r, apperrors.Configuration("platform_login", "platform login is not configured"))
			return
		}
		h(w, r)
	}
}

func (s *Server) handleSlashCommand(w http.ResponseWriter, r *http.Request) {
	if s.slash == nil {
		writeError(w, r, apperrors.Configuration("slash_command", "slack signing secret is not configured"))
		return
	}
	s.slash.ServeHTTP(w, r)
}
