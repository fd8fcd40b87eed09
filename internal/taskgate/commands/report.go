package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcourtman/taskgate/internal/taskgate/store"
)

// TaskLister lists every task for the daily report.
type TaskLister interface {
	ListTasks(ctx context.Context) ([]*store.Task, error)
}

// Poster delivers a message to a chat channel.
type Poster interface {
	PostMessage(ctx context.Context, channel, text string) error
}

// Report groups open tasks by urgency.
type Report struct {
	Date     time.Time
	Overdue  []*store.Task
	DueToday []*store.Task
	DueSoon  []*store.Task
}

// Empty reports whether no bucket holds a task.
func (r Report) Empty() bool {
	return len(r.Overdue) == 0 && len(r.DueToday) == 0 && len(r.DueSoon) == 0
}

// BuildReport classifies tasks against the local day containing now. Each
// bucket is sorted by priority, then due date.
func BuildReport(tasks []*store.Task, now time.Time, loc *time.Location) Report {
	w := store.DayWindow(now, loc)
	r := Report{Date: w.Start}
	for _, t := range tasks {
		switch w.Classify(t) {
		case store.BucketOverdue:
			r.Overdue = append(r.Overdue, t)
		case store.BucketDueToday:
			r.DueToday = append(r.DueToday, t)
		case store.BucketDueSoon:
			r.DueSoon = append(r.DueSoon, t)
		}
	}
	sortByUrgency(r.Overdue)
	sortByUrgency(r.DueToday)
	sortByUrgency(r.DueSoon)
	return r
}

func sortByUrgency(tasks []*store.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if wa, wb := a.Priority.Weight(), b.Priority.Weight(); wa != wb {
			return wa < wb
		}
		return a.DueDate.Before(*b.DueDate)
	})
}

// Text renders the report as chat markdown.
func (r Report) Text(loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Daily Task Report for %s*\n", r.Date.Format("Monday, January 2, 2006"))
	if r.Empty() {
		b.WriteString("\nNothing overdue or due in the next few days.")
		return b.String()
	}
	section := func(title string, tasks []*store.Task) {
		if len(tasks) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n*%s (%d)*\n", title, len(tasks))
		for _, t := range tasks {
			fmt.Fprintf(&b, "• %s [%s] due %s", t.Title, t.Priority, t.DueDate.In(loc).Format(dateDisplay))
			if t.AssigneeName != "" {
				fmt.Fprintf(&b, " (%s)", t.AssigneeName)
			}
			b.WriteByte('\n')
		}
	}
	section("Overdue", r.Overdue)
	section("Due Today", r.DueToday)
	section("Due Soon", r.DueSoon)
	return strings.TrimRight(b.String(), "\n")
}

// Reporter posts the daily report to one channel.
type Reporter struct {
	tasks   TaskLister
	poster  Poster
	channel string
	loc     *time.Location
	now     func() time.Time
	logger  zerolog.Logger
}

// NewReporter creates a reporter posting to channel.
func NewReporter(tasks TaskLister, poster Poster, channel string, loc *time.Location, logger zerolog.Logger) *Reporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Reporter{tasks: tasks, poster: poster, channel: channel, loc: loc, now: time.Now, logger: logger}
}

// SetClock overrides the time source.
func (r *Reporter) SetClock(now func() time.Time) {
	r.now = now
}

// Post builds the report and sends it.
func (r *Reporter) Post(ctx context.Context) (Report, error) {
	tasks, err := r.tasks.ListTasks(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list tasks: %w", err)
	}
	rep := BuildReport(tasks, r.now(), r.loc)
	if err := r.poster.PostMessage(ctx, r.channel, rep.Text(r.loc)); err != nil {
		return rep, err
	}
	r.logger.Info().
		Str("channel", r.channel).
		Int("overdue", len(rep.Overdue)).
		Int("due_today", len(rep.DueToday)).
		Int("due_soon", len(rep.DueSoon)).
		Msg("Daily report posted")
	return rep, nil
}

// Schedule posts the report once a day at hour:00 local time until ctx ends.
// Failures are logged and the next day is still scheduled.
func (r *Reporter) Schedule(ctx context.Context, hour int) {
	for {
		wait := time.Until(nextRun(r.now(), r.loc, hour))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := r.Post(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Daily report failed")
		}
	}
}

// nextRun is the first hour:00 local time strictly after now.
func nextRun(now time.Time, loc *time.Location, hour int) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}
