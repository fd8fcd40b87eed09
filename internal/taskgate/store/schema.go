package store

import (
	"context"
	"fmt"
)

// Timestamps are unix milliseconds and booleans are 0/1 integers so the same
// DDL runs on SQLite and PostgreSQL.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS demo_signups (
		id               TEXT PRIMARY KEY,
		email            TEXT NOT NULL,
		name             TEXT NOT NULL,
		marketing_opt_in INTEGER NOT NULL DEFAULT 0,
		signup_source    TEXT NOT NULL DEFAULT 'demo',
		ip_address       TEXT NOT NULL DEFAULT '',
		user_agent       TEXT NOT NULL DEFAULT '',
		created_at       BIGINT NOT NULL,
		last_active_at   BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_demo_signups_email ON demo_signups(email)`,

	`CREATE TABLE IF NOT EXISTS entitlements (
		id                     TEXT PRIMARY KEY,
		subject_id             TEXT NOT NULL,
		subject_type           TEXT NOT NULL,
		feature_flags          TEXT NOT NULL,
		max_tasks              INTEGER NOT NULL DEFAULT 10,
		max_team_members       INTEGER NOT NULL DEFAULT 1,
		has_analytics          INTEGER NOT NULL DEFAULT 1,
		has_slack_integration  INTEGER NOT NULL DEFAULT 0,
		has_ai_generation      INTEGER NOT NULL DEFAULT 0,
		has_advanced_reporting INTEGER NOT NULL DEFAULT 0,
		expires_at             BIGINT,
		created_at             BIGINT NOT NULL,
		updated_at             BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_entitlements_subject ON entitlements(subject_id, subject_type)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		id                     TEXT PRIMARY KEY,
		subject_id             TEXT NOT NULL,
		subject_type           TEXT NOT NULL,
		tier                   TEXT NOT NULL,
		status                 TEXT NOT NULL DEFAULT 'active',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		stripe_price_id        TEXT NOT NULL DEFAULT '',
		current_period_start   BIGINT,
		current_period_end     BIGINT,
		trial_end              BIGINT,
		cancel_at_period_end   INTEGER NOT NULL DEFAULT 0,
		created_at             BIGINT NOT NULL,
		updated_at             BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_subject ON subscriptions(subject_id, subject_type, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_stripe_sub ON subscriptions(stripe_subscription_id) WHERE stripe_subscription_id <> ''`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		title            TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'pending',
		priority         TEXT NOT NULL DEFAULT 'medium',
		due_date         BIGINT,
		assignee_id      TEXT NOT NULL DEFAULT '',
		assignee_name    TEXT NOT NULL DEFAULT '',
		category         TEXT NOT NULL DEFAULT '',
		tags             TEXT NOT NULL DEFAULT '[]',
		estimated_hours  DOUBLE PRECISION,
		actual_hours     DOUBLE PRECISION,
		is_critical_path INTEGER NOT NULL DEFAULT 0,
		is_ai_generated  INTEGER NOT NULL DEFAULT 0,
		original_prompt  TEXT NOT NULL DEFAULT '',
		channel_id       TEXT NOT NULL DEFAULT '',
		message_ts       TEXT NOT NULL DEFAULT '',
		completed_at     BIGINT,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due_date ON tasks(due_date)`,

	`CREATE TABLE IF NOT EXISTS user_activities (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		user_type     TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		activity_data TEXT NOT NULL DEFAULT '',
		page          TEXT NOT NULL DEFAULT '',
		session_id    TEXT NOT NULL DEFAULT '',
		ip_address    TEXT NOT NULL DEFAULT '',
		user_agent    TEXT NOT NULL DEFAULT '',
		created_at    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_activities_user ON user_activities(user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS page_visits (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL DEFAULT '',
		user_id      TEXT NOT NULL DEFAULT '',
		user_type    TEXT NOT NULL DEFAULT 'anonymous',
		page         TEXT NOT NULL,
		referrer     TEXT NOT NULL DEFAULT '',
		user_agent   TEXT NOT NULL DEFAULT '',
		ip_address   TEXT NOT NULL DEFAULT '',
		utm_source   TEXT NOT NULL DEFAULT '',
		utm_medium   TEXT NOT NULL DEFAULT '',
		utm_campaign TEXT NOT NULL DEFAULT '',
		created_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_page_visits_created ON page_visits(created_at)`,

	`CREATE TABLE IF NOT EXISTS slack_commands (
		id                TEXT PRIMARY KEY,
		slack_user_id     TEXT NOT NULL,
		slack_team_id     TEXT NOT NULL DEFAULT '',
		command           TEXT NOT NULL,
		arguments         TEXT NOT NULL DEFAULT '',
		channel_id        TEXT NOT NULL DEFAULT '',
		response_text     TEXT NOT NULL DEFAULT '',
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		was_successful    INTEGER NOT NULL DEFAULT 1,
		error_message     TEXT NOT NULL DEFAULT '',
		created_at        BIGINT NOT NULL
	)`,
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
