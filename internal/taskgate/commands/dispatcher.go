// Package commands executes chat slash commands against the task store.
package commands

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/principal"
	"github.com/rcourtman/taskgate/internal/taskgate/slack"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
	"github.com/rcourtman/taskgate/internal/taskgate/tgmetrics"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const (
	maxAuditResponse = 500
	dateDisplay      = "Jan 2, 2006"
)

// dueDateLayouts are the date forms accepted by /new.
var dueDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2 2006",
	"January 2 2006",
	time.RFC3339,
}

// Store is the persistence the dispatcher needs.
type Store interface {
	CreateTask(ctx context.Context, d store.TaskDraft) (*store.Task, error)
	ListOverdueByAssignee(ctx context.Context, assigneeID string, now time.Time, loc *time.Location) ([]*store.Task, error)
	ProjectStats(ctx context.Context, assigneeID string, now time.Time, loc *time.Location) (store.Stats, error)
	RecordCommand(ctx context.Context, c *store.CommandAudit) error
}

// TokenIssuer mints sandbox tokens for chat users.
type TokenIssuer interface {
	Issue(c principal.Claims) (string, error)
}

// Policy gates task creation by tier and quota.
type Policy interface {
	Provision(ctx context.Context, p principal.Principal) error
	Authorize(ctx context.Context, p principal.Principal, c tiers.Capability) error
	CheckTaskQuotaN(ctx context.Context, p principal.Principal, n int) error
}

// Config configures a Dispatcher.
type Config struct {
	// BaseURL is the public dashboard origin used in sandbox links.
	BaseURL string
	// Location defines day boundaries and the zone of typed due dates.
	Location *time.Location
}

// Dispatcher routes slash commands. It implements slack.CommandHandler.
type Dispatcher struct {
	store     Store
	tokens    TokenIssuer
	policy    Policy
	templates *Catalog
	baseURL   string
	loc       *time.Location
	now       func() time.Time
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher using the embedded template catalog.
func NewDispatcher(s Store, tokens TokenIssuer, policy Policy, cfg Config, logger zerolog.Logger) *Dispatcher {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{
		store:     s,
		tokens:    tokens,
		policy:    policy,
		templates: DefaultTemplates(),
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		loc:       loc,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock overrides the time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// HandleCommand executes cmd and audits the outcome. Input problems and plan
// limits are answered with an ephemeral message; store failures are returned.
func (d *Dispatcher) HandleCommand(ctx context.Context, cmd slack.SlashCommand) (slack.Response, error) {
	start := time.Now()
	resp, err := d.route(ctx, cmd)

	outcome := "ok"
	audit := &store.CommandAudit{
		SlackUserID:   cmd.UserID,
		SlackTeamID:   cmd.TeamID,
		Command:       cmd.Command,
		Arguments:     cmd.Args(),
		ChannelID:     cmd.ChannelID,
		ExecutionTime: time.Since(start).Milliseconds(),
		Successful:    err == nil,
	}
	switch {
	case err == nil:
		audit.ResponseText = truncate(resp.Text, maxAuditResponse)
	case apperrors.TypeOf(err) == apperrors.ErrorTypeValidation:
		outcome = "invalid"
		audit.ErrorMessage = err.Error()
		resp = slack.Ephemeral(validationText(err))
		audit.ResponseText = resp.Text
		err = nil
	case apperrors.TypeOf(err) == apperrors.ErrorTypeUnauthorized:
		outcome = "denied"
		audit.ErrorMessage = err.Error()
		resp = slack.Ephemeral(deniedText(err))
		audit.ResponseText = resp.Text
		err = nil
	default:
		outcome = "error"
		audit.ErrorMessage = err.Error()
	}
	tgmetrics.CommandsTotal.WithLabelValues(metricCommand(cmd.Command), outcome).Inc()

	if recErr := d.store.RecordCommand(ctx, audit); recErr != nil {
		d.logger.Warn().Err(recErr).Str("command", cmd.Command).Msg("Failed to audit slash command")
	}
	return resp, err
}

func (d *Dispatcher) route(ctx context.Context, cmd slack.SlashCommand) (slack.Response, error) {
	if err := d.policy.Provision(ctx, chatPrincipal(cmd)); err != nil {
		return slack.Response{}, err
	}
	args := cmd.Args()
	switch strings.ToLower(strings.TrimSpace(cmd.Command)) {
	case "/tasks":
		switch strings.ToLower(args) {
		case "status":
			return d.status(ctx, cmd)
		case "overdue":
			return d.overdue(ctx, cmd)
		case "":
			return d.sandboxLink(cmd)
		default:
			return slack.Ephemeral("Use `/tasks status` or `/tasks overdue` to view task information, or `/tasks` for your dashboard link."), nil
		}
	case "/new":
		return d.newTask(ctx, cmd)
	case "/start":
		return d.startTemplate(ctx, cmd)
	case "/help":
		return slack.Ephemeral(helpText), nil
	case "/assistant":
		return slack.Ephemeral(assistantText(args)), nil
	default:
		return slack.Ephemeral(fmt.Sprintf("Unknown command: %s. Use `/help` to see available commands.", cmd.Command)), nil
	}
}

func (d *Dispatcher) status(ctx context.Context, cmd slack.SlashCommand) (slack.Response, error) {
	st, err := d.store.ProjectStats(ctx, cmd.UserID, d.now(), d.loc)
	if err != nil {
		return slack.Response{}, err
	}
	var b strings.Builder
	b.WriteString("*Task Status Overview*\n")
	fmt.Fprintf(&b, "• Total Tasks: %d\n", st.TotalTasks)
	fmt.Fprintf(&b, "• Completed: %d (%d%%)\n", st.CompletedTasks, st.CompletionPercentage)
	fmt.Fprintf(&b, "• Overdue: %d\n", st.OverdueTasks)
	fmt.Fprintf(&b, "• Due Today: %d\n", st.DueTodayTasks)
	fmt.Fprintf(&b, "• In Progress: %d", st.InProgressTasks)
	return slack.Ephemeral(b.String()), nil
}

func (d *Dispatcher) overdue(ctx context.Context, cmd slack.SlashCommand) (slack.Response, error) {
	tasks, err := d.store.ListOverdueByAssignee(ctx, cmd.UserID, d.now(), d.loc)
	if err != nil {
		return slack.Response{}, err
	}
	if len(tasks) == 0 {
		return slack.Ephemeral("No overdue tasks! Great work staying on track."), nil
	}
	items := make([]string, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, fmt.Sprintf("• *%s* (%s priority)\n  Due: %s\n  Assignee: %s",
			t.Title, t.Priority, t.DueDate.In(d.loc).Format(dateDisplay), orDefault(t.AssigneeName, "Unassigned")))
	}
	return slack.Ephemeral(fmt.Sprintf("*%d Overdue Tasks*\n\n%s", len(tasks), strings.Join(items, "\n\n"))), nil
}

func (d *Dispatcher) sandboxLink(cmd slack.SlashCommand) (slack.Response, error) {
	if d.tokens == nil || d.baseURL == "" {
		return slack.Ephemeral("The dashboard is not available right now."), nil
	}
	token, err := d.tokens.Issue(principal.SandboxClaims(cmd.UserID, orDefault(cmd.UserName, cmd.UserID)))
	if err != nil {
		return slack.Response{}, fmt.Errorf("issue sandbox token: %w", err)
	}
	link := d.baseURL + "/dashboard?" + url.Values{"token": {token}}.Encode()
	return slack.Ephemeral(fmt.Sprintf("Open your personal task dashboard: <%s|View tasks>\nThis link signs you in; don't share it.", link)), nil
}

func (d *Dispatcher) newTask(ctx context.Context, cmd slack.SlashCommand) (slack.Response, error) {
	args := cmd.Args()
	if args == "" {
		return slack.Ephemeral("Please provide task details. Example: `/new Set up venue, 2025-12-15, John`"), nil
	}
	draft, err := d.parseNewTask(args, cmd)
	if err != nil {
		return slack.Response{}, err
	}
	if err := d.admit(ctx, cmd, 1); err != nil {
		return slack.Response{}, err
	}
	task, err := d.store.CreateTask(ctx, draft)
	if err != nil {
		return slack.Response{}, err
	}

	var b strings.Builder
	b.WriteString("*Task Created Successfully!*\n\n")
	fmt.Fprintf(&b, "Title: %s", task.Title)
	if task.DueDate != nil {
		fmt.Fprintf(&b, "\nDue: %s", task.DueDate.In(d.loc).Format(dateDisplay))
	}
	if task.AssigneeName != "" {
		fmt.Fprintf(&b, "\nAssignee: %s", task.AssigneeName)
	}
	return slack.InChannel(b.String()), nil
}

// parseNewTask reads "title[, due date[, assignee name]]".
func (d *Dispatcher) parseNewTask(args string, cmd slack.SlashCommand) (store.TaskDraft, error) {
	parts := strings.Split(args, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	draft := store.TaskDraft{
		Title:        parts[0],
		AssigneeID:   cmd.UserID,
		AssigneeName: cmd.UserName,
		ChannelID:    cmd.ChannelID,
	}
	if len(parts) > 1 && parts[1] != "" {
		due, err := parseDueDate(parts[1], d.loc)
		if err != nil {
			return store.TaskDraft{}, err
		}
		draft.DueDate = &due
	}
	if len(parts) > 2 && parts[2] != "" {
		draft.AssigneeName = strings.Join(parts[2:], ", ")
	}
	return draft, nil
}

func parseDueDate(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range dueDateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperrors.Validation("new_task", "dueDate",
		fmt.Sprintf("couldn't read %q as a date; use YYYY-MM-DD", s))
}

func (d *Dispatcher) startTemplate(ctx context.Context, cmd slack.SlashCommand) (slack.Response, error) {
	id := cmd.Args()
	tmpl, ok := d.templates.Get(id)
	if !ok {
		prefix := "Pick a template"
		if id != "" {
			prefix = fmt.Sprintf("Unknown template %q", id)
		}
		return slack.Ephemeral(fmt.Sprintf("%s: %s. Example: `/start fitness`", prefix, strings.Join(d.templates.IDs(), ", "))), nil
	}

	drafts := tmpl.Drafts(cmd.UserID, cmd.UserName, d.now(), d.loc)
	if err := d.admit(ctx, cmd, len(drafts)); err != nil {
		return slack.Response{}, err
	}
	for _, draft := range drafts {
		draft.ChannelID = cmd.ChannelID
		if _, err := d.store.CreateTask(ctx, draft); err != nil {
			return slack.Response{}, fmt.Errorf("apply template %s: %w", tmpl.ID, err)
		}
	}
	return slack.InChannel(fmt.Sprintf("*%s* started: %d tasks added over the next %d days. Use `/tasks status` to track progress.",
		tmpl.Name, len(drafts), tmpl.EstimatedDays)), nil
}

const helpText = "*Task Manager Commands*\n\n" +
	"`/tasks` - Get a link to your personal dashboard\n" +
	"`/tasks status` - View task overview and completion statistics\n" +
	"`/tasks overdue` - List your overdue tasks\n" +
	"`/new [description, deadline, owner]` - Create a new task\n" +
	"`/start [template]` - Add a starter set of tasks\n" +
	"`/help` - Show this help message\n" +
	"`/assistant [question]` - Ask the assistant for planning tips\n\n" +
	"*Examples:*\n" +
	"• `/new Set up venue, 2025-12-15, John`\n" +
	"• `/start fitness`"

func assistantText(question string) string {
	if question == "" {
		return "Ask me anything! Example: `/assistant How should I prioritize my event tasks?`"
	}
	return fmt.Sprintf("*Assistant:*\n\nBased on your question: \"%s\"\n\n"+
		"• Prioritize venue and infrastructure tasks first\n"+
		"• Focus on high-priority items with approaching deadlines\n"+
		"• Keep marketing and content tasks aligned with your timeline\n"+
		"• Review dependencies between tasks to avoid bottlenecks\n\n"+
		"Use `/tasks status` to see your current task overview.", question)
}

// chatPrincipal is the sandbox identity behind a chat user, the same one the
// /tasks dashboard link signs in as.
func chatPrincipal(cmd slack.SlashCommand) principal.Principal {
	claims := principal.SandboxClaims(cmd.UserID, orDefault(cmd.UserName, cmd.UserID))
	return claims.Principal()
}

// admit checks that the chat user may create n more tasks.
func (d *Dispatcher) admit(ctx context.Context, cmd slack.SlashCommand, n int) error {
	p := chatPrincipal(cmd)
	if err := d.policy.Authorize(ctx, p, tiers.CapabilityTasks); err != nil {
		return err
	}
	return d.policy.CheckTaskQuotaN(ctx, p, n)
}

func deniedText(err error) string {
	msg := err.Error()
	var appErr *apperrors.AppError
	if apperrors.As(err, &appErr) {
		msg = appErr.Message
		if appErr.RequiredTier != "" {
			return fmt.Sprintf("Your plan doesn't allow that: %s. Upgrade to %s from your dashboard (`/tasks`).", msg, appErr.RequiredTier)
		}
	}
	return "Your plan doesn't allow that: " + msg
}

func validationText(err error) string {
	var appErr *apperrors.AppError
	if apperrors.As(err, &appErr) && appErr.Message != "" {
		return "Couldn't do that: " + appErr.Message
	}
	return "Couldn't do that: " + err.Error()
}

func metricCommand(cmd string) string {
	switch c := strings.ToLower(strings.TrimSpace(cmd)); c {
	case "/tasks", "/new", "/start", "/help", "/assistant":
		return c
	default:
		return "unknown"
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
