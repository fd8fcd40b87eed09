package store

import (
	"math"
	"time"
)

// Bucket is the urgency class of a task relative to a local day.
type Bucket string

const (
	BucketOverdue   Bucket = "overdue"
	BucketDueToday  Bucket = "due_today"
	BucketDueSoon   Bucket = "due_soon"
	BucketFuture    Bucket = "future"
	BucketCompleted Bucket = "completed"
)

// dueSoonDays is the width of the window starting at today's midnight whose
// days after today count as "due soon".
const dueSoonDays = 4

// Window holds half-open day boundaries in a location.
type Window struct {
	Start   time.Time // start of the local day containing now
	End     time.Time // start of the next local day
	SoonEnd time.Time // end of the due-soon window
}

// DayWindow computes the local day boundaries around now.
func DayWindow(now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return Window{
		Start:   start,
		End:     start.AddDate(0, 0, 1),
		SoonEnd: start.AddDate(0, 0, dueSoonDays),
	}
}

// Classify places t in exactly one bucket. Tasks without a due date are future.
func (w Window) Classify(t *Task) Bucket {
	if t.Status == TaskCompleted {
		return BucketCompleted
	}
	if t.DueDate == nil {
		return BucketFuture
	}
	due := *t.DueDate
	switch {
	case due.Before(w.Start):
		return BucketOverdue
	case due.Before(w.End):
		return BucketDueToday
	case due.Before(w.SoonEnd):
		return BucketDueSoon
	default:
		return BucketFuture
	}
}

// Classify is a convenience for DayWindow(now, loc).Classify(t).
func Classify(t *Task, now time.Time, loc *time.Location) Bucket {
	return DayWindow(now, loc).Classify(t)
}

// Stats aggregates task counts for a report.
type Stats struct {
	TotalTasks           int `json:"totalTasks"`
	CompletedTasks       int `json:"completedTasks"`
	InProgressTasks      int `json:"inProgressTasks"`
	OverdueTasks         int `json:"overdueTasks"`
	DueTodayTasks        int `json:"dueTodayTasks"`
	DueSoonTasks         int `json:"dueSoonTasks"`
	CompletionPercentage int `json:"completionPercentage"`
}

// Summarize computes Stats over tasks. Percentage is 0 for an empty list.
func (w Window) Summarize(tasks []*Task) Stats {
	var st Stats
	st.TotalTasks = len(tasks)
	for _, t := range tasks {
		if t.Status == TaskInProgress {
			st.InProgressTasks++
		}
		switch w.Classify(t) {
		case BucketCompleted:
			st.CompletedTasks++
		case BucketOverdue:
			st.OverdueTasks++
		case BucketDueToday:
			st.DueTodayTasks++
		case BucketDueSoon:
			st.DueSoonTasks++
		}
	}
	if st.TotalTasks > 0 {
		st.CompletionPercentage = int(math.Round(float64(st.CompletedTasks) * 100 / float64(st.TotalTasks)))
	}
	return st
}
