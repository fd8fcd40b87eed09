package taskgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/access"
	"github.com/rcourtman/taskgate/internal/taskgate/auditlog"
	"github.com/rcourtman/taskgate/internal/taskgate/principal"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

// dueDate accepts RFC 3339 timestamps and bare YYYY-MM-DD dates. Bare dates
// are resolved in the server's zone when the request is handled.
type dueDate struct {
	t    time.Time
	bare string
}

func (d *dueDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("dueDate must be a string")
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		d.t = t
		return nil
	}
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		d.bare = s
		return nil
	}
	return fmt.Errorf("dueDate %q is not a date", s)
}

func (d *dueDate) resolve(loc *time.Location) *time.Time {
	if d == nil {
		return nil
	}
	if d.bare != "" {
		t, _ := time.ParseInLocation(time.DateOnly, d.bare, loc)
		return &t
	}
	t := d.t
	return &t
}

type createTaskRequest struct {
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	Status         store.TaskStatus `json:"status"`
	Priority       store.Priority   `json:"priority"`
	DueDate        *dueDate         `json:"dueDate"`
	AssigneeName   string           `json:"assigneeName"`
	Category       string           `json:"category"`
	Tags           []string         `json:"tags"`
	EstimatedHours *float64         `json:"estimatedHours"`
	IsAIGenerated  bool             `json:"isAiGenerated"`
	OriginalPrompt string           `json:"originalPrompt"`
}

type updateTaskRequest struct {
	Title          *string           `json:"title"`
	Description    *string           `json:"description"`
	Status         *store.TaskStatus `json:"status"`
	Priority       *store.Priority   `json:"priority"`
	DueDate        *dueDate          `json:"dueDate"`
	ClearDueDate   bool              `json:"clearDueDate"`
	AssigneeName   *string           `json:"assigneeName"`
	Category       *string           `json:"category"`
	Tags           *[]string         `json:"tags"`
	EstimatedHours *float64          `json:"estimatedHours"`
	ActualHours    *float64          `json:"actualHours"`
	IsCriticalPath *bool             `json:"isCriticalPath"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	var (
		tasks []*store.Task
		err   error
	)
	if status := store.TaskStatus(r.URL.Query().Get("status")); status != "" {
		if !status.Valid() {
			writeError(w, r, apperrors.Validation("list_tasks", "status", fmt.Sprintf("unknown status %q", status)))
			return
		}
		tasks, err = s.store.ListTasksByAssigneeStatus(r.Context(), p.AssigneeID(), status)
	} else {
		tasks, err = s.store.ListTasksByAssignee(r.Context(), p.AssigneeID())
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleCreateTask assigns the task to the caller after the quota check.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	var req createTaskRequest
	if err := decodeJSON(w, r, "create_task", &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	if err := s.policy.Authorize(ctx, p, tiers.CapabilityTasks); err != nil {
		writeError(w, r, err)
		return
	}
	if req.IsAIGenerated {
		if err := s.policy.Authorize(ctx, p, tiers.CapabilityAIGeneration); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := s.policy.CheckTaskQuota(ctx, p); err != nil {
		writeError(w, r, err)
		return
	}

	assigneeName := p.Name
	if p.Sandbox() && strings.TrimSpace(req.AssigneeName) != "" {
		assigneeName = req.AssigneeName
	}
	task, err := s.store.CreateTask(ctx, store.TaskDraft{
		Title:          req.Title,
		Description:    req.Description,
		Status:         req.Status,
		Priority:       req.Priority,
		DueDate:        req.DueDate.resolve(s.cfg.Timezone),
		AssigneeID:     p.AssigneeID(),
		AssigneeName:   assigneeName,
		Category:       req.Category,
		Tags:           req.Tags,
		EstimatedHours: req.EstimatedHours,
		IsAIGenerated:  req.IsAIGenerated,
		OriginalPrompt: req.OriginalPrompt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	data, _ := json.Marshal(map[string]string{"taskId": task.ID, "title": task.Title})
	s.crm.Activity(store.Activity{
		UserID:       p.SubjectID,
		UserType:     string(p.SubjectType),
		ActivityType: store.ActivityTaskCreated,
		Data:         data,
		Page:         "/dashboard",
		SessionID:    auditlog.SessionID(r),
		IPAddress:    auditlog.ClientIP(r),
		UserAgent:    auditlog.UserAgent(r),
	})
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	var req updateTaskRequest
	if err := decodeJSON(w, r, "update_task", &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.ownTask(r, p, id, "update_task"); err != nil {
		writeError(w, r, err)
		return
	}

	task, err := s.store.UpdateTask(r.Context(), id, store.TaskPatch{
		Title:          req.Title,
		Description:    req.Description,
		Status:         req.Status,
		Priority:       req.Priority,
		DueDate:        req.DueDate.resolve(s.cfg.Timezone),
		ClearDueDate:   req.ClearDueDate,
		AssigneeName:   req.AssigneeName,
		Category:       req.Category,
		Tags:           req.Tags,
		EstimatedHours: req.EstimatedHours,
		ActualHours:    req.ActualHours,
		IsCriticalPath: req.IsCriticalPath,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	id := r.PathValue("id")
	if err := s.ownTask(r, p, id, "delete_task"); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted", "id": id})
}

// ownTask reports NotFound for tasks of other assignees so ids do not leak.
func (s *Server) ownTask(r *http.Request, p principal.Principal, id, op string) error {
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		return err
	}
	if task == nil || task.AssigneeID != p.AssigneeID() {
		return apperrors.NotFound(op, "task")
	}
	return nil
}

type upgradeHint struct {
	RequiredTier tiers.Tier `json:"requiredTier"`
	Locked       []string   `json:"lockedCapabilities"`
}

type statusResponse struct {
	store.Stats
	UpcomingTasks int          `json:"upcomingTasks"`
	Tier          tiers.Tier   `json:"tier"`
	MaxTasks      int          `json:"maxTasks"`
	Upgrade       *upgradeHint `json:"upgrade,omitempty"`
	LastUpdated   time.Time    `json:"lastUpdated"`
}

// handleStatus reports personal stats and, when some capability is locked,
// an inline upgrade hint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	ctx := r.Context()
	now := s.now()

	stats, err := s.store.ProjectStats(ctx, p.AssigneeID(), now, s.cfg.Timezone)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tier, _, err := s.policy.EffectiveTier(ctx, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ent, err := s.policy.Entitlement(ctx, p)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := statusResponse{
		Stats:         stats,
		UpcomingTasks: stats.DueSoonTasks,
		Tier:          tier,
		MaxTasks:      ent.MaxTasks,
		LastUpdated:   now.UTC(),
	}
	var locked []string
	for _, c := range tiers.Capabilities() {
		if tiers.Authorize(tier, c) == tiers.Denied {
			locked = append(locked, c.Name)
		}
	}
	if len(locked) > 0 {
		resp.Upgrade = &upgradeHint{RequiredTier: access.NextTier(tier), Locked: locked}
	}
	writeJSON(w, http.StatusOK, resp)
}

type suggestion struct {
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	Priority       store.Priority `json:"priority"`
	EstimatedHours float64        `json:"estimatedHours"`
}

var cannedSuggestions = []suggestion{
	{"Venue booking and setup", "Secure venue space and coordinate setup logistics", "infrastructure", store.PriorityHigh, 8},
	{"Speaker lineup confirmation", "Finalize speaker commitments and technical requirements", "content", store.PriorityHigh, 4},
	{"Registration system setup", "Configure registration platform and payment processing", "infrastructure", store.PriorityMedium, 6},
}

// handleSuggestTasks returns a fixed list; there is no generation behind it.
func (s *Server) handleSuggestTasks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, "suggest_tasks", &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": cannedSuggestions,
		"prompt":      store.PlainText(req.Prompt),
	})
}
