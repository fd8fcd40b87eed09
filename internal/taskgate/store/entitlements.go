package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const entitlementColumns = `id, subject_id, subject_type, feature_flags, max_tasks, max_team_members,
	expires_at, created_at, updated_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetEntitlement returns the entitlement for the subject, or nil when absent.
func (s *Store) GetEntitlement(ctx context.Context, subjectID string, subjectType tiers.SubjectType) (*Entitlement, error) {
	return s.getEntitlement(ctx, s.db, subjectID, subjectType, false)
}

func (s *Store) getEntitlement(ctx context.Context, q querier, subjectID string, subjectType tiers.SubjectType, lock bool) (*Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE subject_id = ? AND subject_type = ?`
	if lock {
		query += s.forUpdate()
	}
	return scanEntitlement(q.QueryRowContext(ctx, s.q(query), subjectID, string(subjectType)))
}

// PutEntitlement inserts or replaces the entitlement keyed by its subject.
func (s *Store) PutEntitlement(ctx context.Context, e *Entitlement) error {
	return s.putEntitlement(ctx, s.db, e)
}

func (s *Store) putEntitlement(ctx context.Context, q querier, e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	if e.SubjectID == "" || e.SubjectType == "" {
		return apperrors.Validation("put_entitlement", "subjectId", "subject is required")
	}
	now := s.nowUTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	flags, err := json.Marshal(e.Flags)
	if err != nil {
		return fmt.Errorf("encode feature flags: %w", err)
	}

	_, err = q.ExecContext(ctx, s.q(`
		INSERT INTO entitlements (
			id, subject_id, subject_type, feature_flags, max_tasks, max_team_members,
			has_analytics, has_slack_integration, has_ai_generation, has_advanced_reporting,
			expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, subject_type) DO UPDATE SET
			feature_flags = excluded.feature_flags,
			max_tasks = excluded.max_tasks,
			max_team_members = excluded.max_team_members,
			has_analytics = excluded.has_analytics,
			has_slack_integration = excluded.has_slack_integration,
			has_ai_generation = excluded.has_ai_generation,
			has_advanced_reporting = excluded.has_advanced_reporting,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`),
		e.ID, e.SubjectID, string(e.SubjectType), string(flags), e.MaxTasks, e.MaxTeamMembers,
		boolToInt(e.Flags.Analytics), boolToInt(e.Flags.SlackIntegration),
		boolToInt(e.Flags.AIGeneration), boolToInt(e.Flags.AdvancedReporting),
		nullableMs(e.ExpiresAt), msOf(e.CreatedAt), msOf(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put entitlement: %w", err)
	}
	return nil
}

// PatchEntitlement replaces the provided fields of an existing entitlement.
// A provided flag set replaces the stored one entirely; flags are never merged.
func (s *Store) PatchEntitlement(ctx context.Context, subjectID string, subjectType tiers.SubjectType, p EntitlementPatch) (*Entitlement, error) {
	var out *Entitlement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := s.getEntitlement(ctx, tx, subjectID, subjectType, true)
		if err != nil {
			return err
		}
		if e == nil {
			return apperrors.NotFound("patch_entitlement", "entitlement")
		}
		if p.Flags != nil {
			e.Flags = *p.Flags
		}
		if p.MaxTasks != nil {
			e.MaxTasks = *p.MaxTasks
		}
		if p.MaxTeamMembers != nil {
			e.MaxTeamMembers = *p.MaxTeamMembers
		}
		if p.ClearExpiry {
			e.ExpiresAt = nil
		} else if p.ExpiresAt != nil {
			e.ExpiresAt = utcPtr(p.ExpiresAt)
		}
		if err := s.putEntitlement(ctx, tx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureEntitlement stores plan p for the subject unless an entitlement
// already exists. It returns the entitlement in effect and whether it was
// created by this call.
func (s *Store) EnsureEntitlement(ctx context.Context, subjectID string, subjectType tiers.SubjectType, p tiers.Plan) (*Entitlement, bool, error) {
	if subjectID == "" || subjectType == "" {
		return nil, false, apperrors.Validation("ensure_entitlement", "subjectId", "subject is required")
	}
	var out *Entitlement
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getEntitlement(ctx, tx, subjectID, subjectType, true)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}
		e := EntitlementFromPlan(subjectID, subjectType, p)
		if err := s.putEntitlement(ctx, tx, &e); err != nil {
			return err
		}
		out, created = &e, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// applyPlan replaces the subject's entitlement with plan p, keeping the
// identity of an existing row.
func (s *Store) applyPlan(ctx context.Context, q querier, subjectID string, subjectType tiers.SubjectType, p tiers.Plan) (*Entitlement, error) {
	existing, err := s.getEntitlement(ctx, q, subjectID, subjectType, true)
	if err != nil {
		return nil, err
	}
	e := EntitlementFromPlan(subjectID, subjectType, p)
	if existing != nil {
		e.ID = existing.ID
		e.CreatedAt = existing.CreatedAt
	}
	if err := s.putEntitlement(ctx, q, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntitlement(s scanner) (*Entitlement, error) {
	var e Entitlement
	var subjectType, flags string
	var expiresAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(&e.ID, &e.SubjectID, &subjectType, &flags, &e.MaxTasks, &e.MaxTeamMembers,
		&expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}
	e.SubjectType = tiers.SubjectType(subjectType)
	if err := json.Unmarshal([]byte(flags), &e.Flags); err != nil {
		return nil, fmt.Errorf("decode feature flags: %w", err)
	}
	e.ExpiresAt = timePtrFromNull(expiresAt)
	e.CreatedAt = fromMs(createdAt)
	e.UpdatedAt = fromMs(updatedAt)
	return &e, nil
}
