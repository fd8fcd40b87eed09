package store

import (
	"encoding/json"
	"time"

	"github.com/rcourtman/taskgate/internal/taskgate/tiers"
)

// Signup is a self-registered demo identity.
type Signup struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	MarketingOptIn bool      `json:"marketingOptIn"`
	SignupSource   string    `json:"signupSource"`
	IPAddress      string    `json:"ipAddress,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActiveAt   time.Time `json:"lastActiveAt"`
}

// Entitlement is the enforceable ceiling attached to a subject.
type Entitlement struct {
	ID             string             `json:"id"`
	SubjectID      string             `json:"subjectId"`
	SubjectType    tiers.SubjectType  `json:"subjectType"`
	Flags          tiers.FeatureFlags `json:"featureFlags"`
	MaxTasks       int                `json:"maxTasks"`
	MaxTeamMembers int                `json:"maxTeamMembers"`
	ExpiresAt      *time.Time         `json:"expiresAt,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// EntitlementFromPlan builds the entitlement a subject receives on plan p.
func EntitlementFromPlan(subjectID string, subjectType tiers.SubjectType, p tiers.Plan) Entitlement {
	return Entitlement{
		SubjectID:      subjectID,
		SubjectType:    subjectType,
		Flags:          p.Flags,
		MaxTasks:       p.MaxTasks,
		MaxTeamMembers: p.MaxTeamMembers,
	}
}

// Expired reports whether the entitlement lapsed before now.
func (e *Entitlement) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// EntitlementPatch lists the fields to replace. Flags, when set, replaces the
// whole flag set including experimental flags.
type EntitlementPatch struct {
	Flags          *tiers.FeatureFlags `json:"featureFlags,omitempty"`
	MaxTasks       *int                `json:"maxTasks,omitempty"`
	MaxTeamMembers *int                `json:"maxTeamMembers,omitempty"`
	ExpiresAt      *time.Time          `json:"expiresAt,omitempty"`
	ClearExpiry    bool                `json:"clearExpiry,omitempty"`
}

// SubscriptionStatus is the commercial state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionTrial    SubscriptionStatus = "trial"
)

// Entitled reports whether the status keeps the purchased plan in force.
func (s SubscriptionStatus) Entitled() bool {
	return s == SubscriptionActive || s == SubscriptionTrial
}

// Subscription records a commercial relationship with the payment provider.
type Subscription struct {
	ID                   string             `json:"id"`
	SubjectID            string             `json:"subjectId"`
	SubjectType          tiers.SubjectType  `json:"subjectType"`
	Tier                 tiers.Tier         `json:"tier"`
	Status               SubscriptionStatus `json:"status"`
	StripeCustomerID     string             `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string             `json:"stripeSubscriptionId,omitempty"`
	StripePriceID        string             `json:"stripePriceId,omitempty"`
	CurrentPeriodStart   *time.Time         `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"currentPeriodEnd,omitempty"`
	TrialEnd             *time.Time         `json:"trialEnd,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancelAtPeriodEnd"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// TaskStatus is the free-form task lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskOverdue    TaskStatus = "overdue"
	TaskCompleted  TaskStatus = "completed"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskOverdue, TaskCompleted:
		return true
	}
	return false
}

// Priority orders tasks in reports.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityWeight[p]
	return ok
}

var priorityWeight = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Weight sorts critical first; unknown priorities sort last.
func (p Priority) Weight() int {
	if w, ok := priorityWeight[p]; ok {
		return w
	}
	return len(priorityWeight)
}

// Task is the unit of work, owned by exactly one assignee.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         TaskStatus `json:"status"`
	Priority       Priority   `json:"priority"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	AssigneeID     string     `json:"assigneeExternalId"`
	AssigneeName   string     `json:"assigneeName,omitempty"`
	Category       string     `json:"category,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	EstimatedHours *float64   `json:"estimatedHours,omitempty"`
	ActualHours    *float64   `json:"actualHours,omitempty"`
	IsCriticalPath bool       `json:"isCriticalPath"`
	IsAIGenerated  bool       `json:"isAiGenerated"`
	OriginalPrompt string     `json:"originalPrompt,omitempty"`
	ChannelID      string     `json:"channelId,omitempty"`
	MessageTS      string     `json:"messageTs,omitempty"`
	CompletedAt    *time.Time `json:"completedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// TaskDraft carries the caller-supplied fields of a new task.
type TaskDraft struct {
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         TaskStatus `json:"status,omitempty"`
	Priority       Priority   `json:"priority,omitempty"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	AssigneeID     string     `json:"-"`
	AssigneeName   string     `json:"assigneeName,omitempty"`
	Category       string     `json:"category,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	EstimatedHours *float64   `json:"estimatedHours,omitempty"`
	IsCriticalPath bool       `json:"isCriticalPath,omitempty"`
	IsAIGenerated  bool       `json:"isAiGenerated,omitempty"`
	OriginalPrompt string     `json:"originalPrompt,omitempty"`
	ChannelID      string     `json:"channelId,omitempty"`
	MessageTS      string     `json:"messageTs,omitempty"`
}

// TaskPatch lists the fields to change on an existing task.
type TaskPatch struct {
	Title          *string     `json:"title,omitempty"`
	Description    *string     `json:"description,omitempty"`
	Status         *TaskStatus `json:"status,omitempty"`
	Priority       *Priority   `json:"priority,omitempty"`
	DueDate        *time.Time  `json:"dueDate,omitempty"`
	ClearDueDate   bool        `json:"clearDueDate,omitempty"`
	AssigneeName   *string     `json:"assigneeName,omitempty"`
	Category       *string     `json:"category,omitempty"`
	Tags           *[]string   `json:"tags,omitempty"`
	EstimatedHours *float64    `json:"estimatedHours,omitempty"`
	ActualHours    *float64    `json:"actualHours,omitempty"`
	IsCriticalPath *bool       `json:"isCriticalPath,omitempty"`
}

// Activity is an append-only user activity event.
type Activity struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	UserType     string          `json:"userType"`
	ActivityType string          `json:"activityType"`
	Data         json.RawMessage `json:"activityData,omitempty"`
	Page         string          `json:"page,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	IPAddress    string          `json:"ipAddress,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// PageVisit is an append-only page view, possibly anonymous.
type PageVisit struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	UserType    string    `json:"userType"`
	Page        string    `json:"page"`
	Referrer    string    `json:"referrer,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	UTMSource   string    `json:"utmSource,omitempty"`
	UTMMedium   string    `json:"utmMedium,omitempty"`
	UTMCampaign string    `json:"utmCampaign,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CommandAudit records one slash command execution.
type CommandAudit struct {
	ID            string    `json:"id"`
	SlackUserID   string    `json:"slackUserId"`
	SlackTeamID   string    `json:"slackTeamId"`
	Command       string    `json:"command"`
	Arguments     string    `json:"arguments,omitempty"`
	ChannelID     string    `json:"channelId,omitempty"`
	ResponseText  string    `json:"responseText,omitempty"`
	ExecutionTime int64     `json:"executionTimeMs"`
	Successful    bool      `json:"wasSuccessful"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
