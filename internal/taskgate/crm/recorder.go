// Package crm records page visits and user activity off the request path.
// Recording is best effort: a full queue or a failed write is logged and
// counted, never surfaced to the caller.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcourtman/taskgate/internal/taskgate/store"
	"github.com/rcourtman/taskgate/internal/taskgate/tgmetrics"
	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second

	kindPageVisit = "page_visit"
	kindActivity  = "activity"
)

// Store persists telemetry rows.
type Store interface {
	RecordActivity(ctx context.Context, a *store.Activity) error
	RecordPageVisit(ctx context.Context, v *store.PageVisit) error
}

type event struct {
	kind  string
	write func(ctx context.Context) error
}

// Recorder serializes telemetry writes onto one background worker.
type Recorder struct {
	store  Store
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	events chan event
	done   chan struct{}
}

// NewRecorder starts the worker. queueSize <= 0 selects the default.
func NewRecorder(s Store, queueSize int, logger zerolog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		store:  s,
		logger: logger,
		events: make(chan event, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// PageVisit queues a page view. Anonymous visits are allowed.
func (r *Recorder) PageVisit(v store.PageVisit) {
	v.Page = store.PlainText(v.Page)
	v.Referrer = store.PlainText(v.Referrer)
	v.UTMSource = store.PlainText(v.UTMSource)
	v.UTMMedium = store.PlainText(v.UTMMedium)
	v.UTMCampaign = store.PlainText(v.UTMCampaign)
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	r.enqueue(kindPageVisit, func(ctx context.Context) error {
		return r.store.RecordPageVisit(ctx, &v)
	})
}

// Activity queues a user activity event.
func (r *Recorder) Activity(a store.Activity) {
	a.ActivityType = store.PlainText(a.ActivityType)
	a.Page = store.PlainText(a.Page)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	r.enqueue(kindActivity, func(ctx context.Context) error {
		return r.store.RecordActivity(ctx, &a)
	})
}

// SignupData is the payload stored with signup_completed events.
type SignupData struct {
	Email          string `json:"email"`
	Name           string `json:"name"`
	Source         string `json:"source"`
	MarketingOptIn bool   `json:"marketingOptIn"`
}

// SignupCompleted queues the signup_completed event for sg.
func (r *Recorder) SignupCompleted(sg *store.Signup, sessionID string) {
	if sg == nil {
		return
	}
	data, err := json.Marshal(SignupData{
		Email:          sg.Email,
		Name:           sg.Name,
		Source:         sg.SignupSource,
		MarketingOptIn: sg.MarketingOptIn,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("signup_id", sg.ID).Msg("Failed to encode signup activity")
		return
	}
	r.Activity(store.Activity{
		UserID:       sg.ID,
		UserType:     string(tiers.SubjectTemporary),
		ActivityType: store.ActivitySignupCompleted,
		Data:         data,
		Page:         "/",
		SessionID:    sessionID,
		IPAddress:    sg.IPAddress,
		UserAgent:    sg.UserAgent,
	})
}

func (r *Recorder) enqueue(kind string, write func(ctx context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		tgmetrics.CRMEventsTotal.WithLabelValues(kind, "dropped").Inc()
		return
	}
	select {
	case r.events <- event{kind: kind, write: write}:
	default:
		tgmetrics.CRMEventsTotal.WithLabelValues(kind, "dropped").Inc()
		r.logger.Warn().Str("kind", kind).Msg("CRM queue full, dropping event")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := ev.write(ctx)
		cancel()
		if err != nil {
			tgmetrics.CRMEventsTotal.WithLabelValues(ev.kind, "failed").Inc()
			r.logger.Warn().Err(err).Str("kind", ev.kind).Msg("Failed to record CRM event")
			continue
		}
		tgmetrics.CRMEventsTotal.WithLabelValues(ev.kind, "recorded").Inc()
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("crm: pending events not flushed"), ctx.Err())
	}
}
