package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Activity types counted by the CRM summary.
const (
	ActivitySignupCompleted = "signup_completed"
	ActivityTaskCreated     = "task_created"
	ActivitySlackConnected  = "slack_connected"
)

const activityColumns = `id, user_id, user_type, activity_type, activity_data, page, session_id,
	ip_address, user_agent, created_at`

// RecordActivity appends a user activity event.
func (s *Store) RecordActivity(ctx context.Context, a *Activity) error {
	if a.UserID == "" || a.ActivityType == "" {
		return fmt.Errorf("activity requires user and type")
	}
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.nowUTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO user_activities (`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.UserID, a.UserType, a.ActivityType, string(a.Data), a.Page, a.SessionID,
		a.IPAddress, a.UserAgent, msOf(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// RecordPageVisit appends a page view.
func (s *Store) RecordPageVisit(ctx context.Context, v *PageVisit) error {
	if strings.TrimSpace(v.Page) == "" {
		return fmt.Errorf("page visit requires a page")
	}
	if v.ID == "" {
		v.ID = ulid.Make().String()
	}
	if v.UserType == "" {
		v.UserType = "anonymous"
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.nowUTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO page_visits (
			id, session_id, user_id, user_type, page, referrer, user_agent, ip_address,
			utm_source, utm_medium, utm_campaign, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.SessionID, v.UserID, v.UserType, v.Page, v.Referrer, v.UserAgent, v.IPAddress,
		v.UTMSource, v.UTMMedium, v.UTMCampaign, msOf(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record page visit: %w", err)
	}
	return nil
}

// RecordCommand appends a slash command audit row.
func (s *Store) RecordCommand(ctx context.Context, c *CommandAudit) error {
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.nowUTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO slack_commands (
			id, slack_user_id, slack_team_id, command, arguments, channel_id, response_text,
			execution_time_ms, was_successful, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.SlackUserID, c.SlackTeamID, c.Command, c.Arguments, c.ChannelID, c.ResponseText,
		c.ExecutionTime, boolToInt(c.Successful), c.ErrorMessage, msOf(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

// ListCommands returns audited slash commands, newest first. An empty
// slackUserID lists every user.
func (s *Store) ListCommands(ctx context.Context, slackUserID string, limit int) ([]*CommandAudit, error) {
	query := `SELECT id, slack_user_id, slack_team_id, command, arguments, channel_id, response_text,
		execution_time_ms, was_successful, error_message, created_at FROM slack_commands`
	var args []any
	if slackUserID != "" {
		query += ` WHERE slack_user_id = ?`
		args = append(args, slackUserID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []*CommandAudit
	for rows.Next() {
		var c CommandAudit
		var ok int
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.SlackUserID, &c.SlackTeamID, &c.Command, &c.Arguments, &c.ChannelID,
			&c.ResponseText, &c.ExecutionTime, &ok, &c.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		c.Successful = ok != 0
		c.CreatedAt = fromMs(createdAt)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return out, nil
}

// ActivityFilter narrows ListActivities. A user filter takes precedence over
// a type filter; with neither, the newest Limit events are returned.
type ActivityFilter struct {
	UserID       string
	UserType     string
	ActivityType string
	Limit        int
}

// ListActivities returns activity events, newest first.
func (s *Store) ListActivities(ctx context.Context, f ActivityFilter) ([]*Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM user_activities`
	var args []any
	switch {
	case f.UserID != "" && f.UserType != "":
		query += ` WHERE user_id = ? AND user_type = ?`
		args = append(args, f.UserID, f.UserType)
	case f.ActivityType != "":
		query += ` WHERE activity_type = ?`
		args = append(args, f.ActivityType)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var a Activity
		var data string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.UserType, &a.ActivityType, &data, &a.Page, &a.SessionID,
			&a.IPAddress, &a.UserAgent, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if data != "" {
			a.Data = []byte(data)
		}
		a.CreatedAt = fromMs(createdAt)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return out, nil
}

// CRMSummary is the admin funnel overview.
type CRMSummary struct {
	TotalSignups  int `json:"totalSignups"`
	ActiveUsers7d int `json:"activeUsersLast7Days"`
	PageVisits    struct {
		Homepage  int `json:"homepage"`
		Dashboard int `json:"dashboard"`
		Total     int `json:"total"`
	} `json:"pageVisits"`
	UserActivities struct {
		SignupCompleted int `json:"signupCompleted"`
		TaskCreated     int `json:"taskCreated"`
		SlackConnected  int `json:"slackConnected"`
	} `json:"userActivities"`
	ConversionFunnel struct {
		Visitors        int `json:"visitors"`
		Signups         int `json:"signups"`
		DashboardVisits int `json:"dashboardVisits"`
		TaskCreators    int `json:"taskCreators"`
		SlackUsers      int `json:"slackUsers"`
	} `json:"conversionFunnel"`
}

// Summary counts page visits and key activities.
func (s *Store) Summary(ctx context.Context) (CRMSummary, error) {
	var out CRMSummary
	var err error
	count := func(query string, arg any) int {
		if err != nil {
			return 0
		}
		var n int
		err = s.db.QueryRowContext(ctx, s.q(query), arg).Scan(&n)
		return n
	}
	visits := `SELECT COUNT(*) FROM page_visits WHERE page = ?`
	acts := `SELECT COUNT(*) FROM user_activities WHERE activity_type = ?`

	home := count(visits, "/")
	dash := count(visits, "/dashboard")
	signups := count(acts, ActivitySignupCompleted)
	created := count(acts, ActivityTaskCreated)
	slack := count(acts, ActivitySlackConnected)
	since := msOf(s.nowUTC().AddDate(0, 0, -7))
	active := count(`SELECT COUNT(DISTINCT user_id) FROM user_activities WHERE created_at >= ?`, since)
	if err == nil {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM demo_signups`).Scan(&out.TotalSignups)
	}
	if err != nil {
		return CRMSummary{}, fmt.Errorf("crm summary: %w", err)
	}

	out.ActiveUsers7d = active
	out.PageVisits.Homepage = home
	out.PageVisits.Dashboard = dash
	out.PageVisits.Total = home + dash
	out.UserActivities.SignupCompleted = signups
	out.UserActivities.TaskCreated = created
	out.UserActivities.SlackConnected = slack
	out.ConversionFunnel.Visitors = home
	out.ConversionFunnel.Signups = signups
	out.ConversionFunnel.DashboardVisits = dash
	out.ConversionFunnel.TaskCreators = created
	out.ConversionFunnel.SlackUsers = slack
	return out, nil
}
