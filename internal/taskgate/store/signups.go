package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const signupColumns = `id, email, name, marketing_opt_in, signup_source, ip_address, user_agent,
	created_at, last_active_at`

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// SignupRequest is a self-registration attempt.
type SignupRequest struct {
	Email          string
	Name           string
	MarketingOptIn bool
	Source         string
	IPAddress      string
	UserAgent      string
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RegisterSignup creates a demo identity, or reuses the one registered with
// the same email. Either way the identity's entitlement is reset to the beta
// plan in the same transaction. created reports whether a new row was written.
func (s *Store) RegisterSignup(ctx context.Context, req SignupRequest) (signup *Signup, ent *Entitlement, created bool, err error) {
	name := PlainText(req.Name)
	email := NormalizeEmail(req.Email)
	if name == "" {
		return nil, nil, false, apperrors.Validation("register_signup", "name", "name and email are required")
	}
	if email == "" {
		return nil, nil, false, apperrors.Validation("register_signup", "email", "name and email are required")
	}
	if !emailPattern.MatchString(email) {
		return nil, nil, false, apperrors.Validation("register_signup", "email", "please enter a valid email address")
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "demo"
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.signupBy(ctx, tx, "email", email)
		if err != nil {
			return err
		}
		if existing != nil {
			signup = existing
		} else {
			now := s.nowUTC()
			signup = &Signup{
				ID:             uuid.NewString(),
				Email:          email,
				Name:           name,
				MarketingOptIn: req.MarketingOptIn,
				SignupSource:   source,
				IPAddress:      req.IPAddress,
				UserAgent:      req.UserAgent,
				CreatedAt:      now,
				LastActiveAt:   now,
			}
			_, err = tx.ExecContext(ctx, s.q(`
				INSERT INTO demo_signups (`+signupColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				signup.ID, signup.Email, signup.Name, boolToInt(signup.MarketingOptIn), signup.SignupSource,
				signup.IPAddress, signup.UserAgent, msOf(signup.CreatedAt), msOf(signup.LastActiveAt),
			)
			if err != nil {
				return fmt.Errorf("insert signup: %w", err)
			}
			created = true
		}
		ent, err = s.applyPlan(ctx, tx, signup.ID, tiers.SubjectTemporary, tiers.PlanFor(tiers.DefaultTier(tiers.SubjectTemporary)))
		return err
	})
	if err != nil {
		return nil, nil, false, err
	}
	return signup, ent, created, nil
}

// GetSignup returns the signup with id, or nil.
func (s *Store) GetSignup(ctx context.Context, id string) (*Signup, error) {
	return s.signupBy(ctx, s.db, "id", id)
}

// GetSignupByEmail returns the signup registered with email, or nil.
func (s *Store) GetSignupByEmail(ctx context.Context, email string) (*Signup, error) {
	return s.signupBy(ctx, s.db, "email", NormalizeEmail(email))
}

func (s *Store) signupBy(ctx context.Context, q querier, column, value string) (*Signup, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+signupColumns+` FROM demo_signups WHERE `+column+` = ?`), value)
	return scanSignup(row)
}

// TouchSignup records activity on a signup. Missing ids are ignored.
func (s *Store) TouchSignup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE demo_signups SET last_active_at = ? WHERE id = ?`),
		msOf(s.nowUTC()), id)
	if err != nil {
		return fmt.Errorf("touch signup: %w", err)
	}
	return nil
}

// ListSignups returns all signups, newest first.
func (s *Store) ListSignups(ctx context.Context) ([]*Signup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+signupColumns+` FROM demo_signups ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list signups: %w", err)
	}
	defer rows.Close()

	var out []*Signup
	for rows.Next() {
		sg, err := scanSignup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list signups: %w", err)
	}
	return out, nil
}

func scanSignup(s scanner) (*Signup, error) {
	var sg Signup
	var optIn int
	var createdAt, lastActive int64
	err := s.Scan(&sg.ID, &sg.Email, &sg.Name, &optIn, &sg.SignupSource, &sg.IPAddress, &sg.UserAgent,
		&createdAt, &lastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan signup: %w", err)
	}
	sg.MarketingOptIn = optIn != 0
	sg.CreatedAt = fromMs(createdAt)
	sg.LastActiveAt = fromMs(lastActive)
	return &sg, nil
}
