package taskgate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/auditlog"
	"github.com/rcourtman/taskgate/internal/taskgate/crm"
	"github.com/rcourtman/taskgate/internal/taskgate/principal"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

type pageVisitRequest struct {
	Page        string `json:"page"`
	Referrer    string `json:"referrer"`
	UTMSource   string `json:"utmSource"`
	UTMMedium   string `json:"utmMedium"`
	UTMCampaign string `json:"utmCampaign"`
}

// handlePageVisit accepts anonymous visits. The write is queued, so the id
// is returned before the row exists.
func (s *Server) handlePageVisit(w http.ResponseWriter, r *http.Request) {
	var req pageVisitRequest
	if err := decodeJSON(w, r, "page_visit", &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Page) == "" {
		writeError(w, r, apperrors.Validation("page_visit", "page", "page is required"))
		return
	}

	v := store.PageVisit{
		ID:          ulid.Make().String(),
		SessionID:   auditlog.SessionID(r),
		UserType:    "anonymous",
		Page:        req.Page,
		Referrer:    req.Referrer,
		UserAgent:   auditlog.UserAgent(r),
		IPAddress:   auditlog.ClientIP(r),
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
	}
	if p, ok := principal.FromContext(r.Context()); ok {
		v.UserID = p.SubjectID
		v.UserType = string(p.SubjectType)
	}
	s.crm.PageVisit(v)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "id": v.ID})
}

type activityRequest struct {
	ActivityType string          `json:"activityType"`
	ActivityData json.RawMessage `json:"activityData"`
	Page         string          `json:"page"`
}

func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	var req activityRequest
	if err := decodeJSON(w, r, "user_activity", &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ActivityType) == "" {
		writeError(w, r, apperrors.Validation("user_activity", "activityType", "activityType is required"))
		return
	}
	if len(req.ActivityData) > 0 && !json.Valid(req.ActivityData) {
		writeError(w, r, apperrors.Validation("user_activity", "activityData", "activityData must be JSON"))
		return
	}

	a := store.Activity{
		ID:           ulid.Make().String(),
		UserID:       p.SubjectID,
		UserType:     string(p.SubjectType),
		ActivityType: req.ActivityType,
		Data:         req.ActivityData,
		Page:         req.Page,
		SessionID:    auditlog.SessionID(r),
		IPAddress:    auditlog.ClientIP(r),
		UserAgent:    auditlog.UserAgent(r),
	}
	s.crm.Activity(a)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "id": a.ID})
}

func (s *Server) handleListOwnActivity(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	limit, err := activityLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	activities, err := s.store.ListActivities(r.Context(), store.ActivityFilter{
		UserID:   p.SubjectID,
		UserType: string(p.SubjectType),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": nonNil(activities)})
}

func (s *Server) handleCRMSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Summary(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListSignups(w http.ResponseWriter, r *http.Request) {
	signups, err := s.store.ListSignups(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signups": nonNil(signups), "total": len(signups)})
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	limit, err := activityLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	activities, err := s.store.ListActivities(r.Context(), store.ActivityFilter{
		UserID:       q.Get("userId"),
		UserType:     q.Get("userType"),
		ActivityType: q.Get("activityType"),
		Limit:        limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": nonNil(activities), "total": len(activities)})
}

// handleExportCSV streams completed signups. The body is built in memory so
// a store failure still yields a JSON error rather than a truncated file.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	if kind := r.URL.Query().Get("type"); kind != "signups" {
		writeError(w, r, apperrors.Validation("export_csv", "type", "invalid export type"))
		return
	}
	activities, err := s.store.ListActivities(r.Context(), store.ActivityFilter{ActivityType: store.ActivitySignupCompleted})
	if err != nil {
		writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := crm.WriteSignupsCSV(&buf, activities); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="demo_signups.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

type sandboxTokenRequest struct {
	SlackUserID string `json:"slackUserId"`
	Name        string `json:"name"`
}

// handleSandboxToken mints the same dashboard link the /tasks command hands
// out, for operators debugging a chat user's view.
func (s *Server) handleSandboxToken(w http.ResponseWriter, r *http.Request) {
	var req sandboxTokenRequest
	if err := decodeJSON(w, r, "sandbox_token", &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.SlackUserID) == "" {
		writeError(w, r, apperrors.Validation("sandbox_token", "slackUserId", "slackUserId is required"))
		return
	}
	claims := principal.SandboxClaims(req.SlackUserID, req.Name)
	if err := s.policy.Provision(r.Context(), claims.Principal()); err != nil {
		writeError(w, r, err)
		return
	}
	token, err := s.tokens.Issue(claims)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":        token,
		"dashboardUrl": strings.TrimRight(s.cfg.BaseURL, "/") + "/dashboard?" + url.Values{"token": {token}}.Encode(),
	})
}

// handleDailyReport posts the report now instead of waiting for the schedule.
func (s *Server) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		writeError(w, r, apperrors.Configuration("daily_report", "slack report channel is not configured"))
		return
	}
	rep, err := s.reporter.Post(r.Context())
	if err != nil {
		writeError(w, r, apperrors.Upstream("daily_report", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"overdue":  len(rep.Overdue),
		"dueToday": len(rep.DueToday),
		"dueSoon":  len(rep.DueSoon),
	})
}

func activityLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultActivityLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperrors.Validation("list_activities", "limit", "limit must be a positive integer")
	}
	return min(n, maxActivityLimit), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
