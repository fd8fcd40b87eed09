package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/taskgate/internal/taskgate/store"
)

func at(t time.Time) *time.Time { return &t }

func TestBuildReport_BucketsAndOrder(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	tasks := []*store.Task{
		{Title: "old low", Priority: store.PriorityLow, DueDate: at(start.Add(-48 * time.Hour))},
		{Title: "old critical", Priority: store.PriorityCritical, DueDate: at(start.Add(-time.Millisecond))},
		{Title: "old high early", Priority: store.PriorityHigh, DueDate: at(start.Add(-72 * time.Hour))},
		{Title: "old high late", Priority: store.PriorityHigh, DueDate: at(start.Add(-24 * time.Hour))},
		{Title: "today", Priority: store.PriorityMedium, DueDate: at(start)},
		{Title: "soon", Priority: store.PriorityMedium, DueDate: at(start.AddDate(0, 0, 2))},
		{Title: "later", Priority: store.PriorityHigh, DueDate: at(start.AddDate(0, 0, 10))},
		{Title: "undated", Priority: store.PriorityHigh},
		{Title: "done", Priority: store.PriorityHigh, Status: store.TaskCompleted, DueDate: at(start.Add(-time.Hour))},
	}

	r := BuildReport(tasks, start.Add(15*time.Hour), time.UTC)

	titles := func(ts []*store.Task) []string {
		out := make([]string, 0, len(ts))
		for _, t := range ts {
			out = append(out, t.Title)
		}
		return out
	}
	assert.Equal(t, []string{"old critical", "old high early", "old high late", "old low"}, titles(r.Overdue))
	assert.Equal(t, []string{"today"}, titles(r.DueToday))
	assert.Equal(t, []string{"soon"}, titles(r.DueSoon))
	assert.False(t, r.Empty())

	text := r.Text(time.UTC)
	assert.True(t, strings.HasPrefix(text, "*Daily Task Report for Tuesday, March 10, 2026*"))
	assert.Less(t, strings.Index(text, "*Overdue (4)*"), strings.Index(text, "*Due Today (1)*"))
	assert.NotContains(t, text, "later")
	assert.NotContains(t, text, "done")
}

func TestReportText_Empty(t *testing.T) {
	r := BuildReport(nil, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), time.UTC)
	assert.True(t, r.Empty())
	assert.Contains(t, r.Text(time.UTC), "Nothing overdue")
}

type fakeLister struct {
	tasks []*store.Task
	err   error
}

func (f fakeLister) ListTasks(context.Context) ([]*store.Task, error) { return f.tasks, f.err }

type recordingPoster struct {
	channel, text string
	err           error
}

func (p *recordingPoster) PostMessage(_ context.Context, channel, text string) error {
	p.channel, p.text = channel, text
	return p.err
}

func TestReporterPost(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	poster := &recordingPoster{}
	lister := fakeLister{tasks: []*store.Task{{Title: "Pay invoices", Priority: store.PriorityHigh, DueDate: at(now)}}}

	r := NewReporter(lister, poster, "C-REPORTS", time.UTC, zerolog.Nop())
	r.SetClock(func() time.Time { return now })

	rep, err := r.Post(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.DueToday, 1)
	assert.Equal(t, "C-REPORTS", poster.channel)
	assert.Contains(t, poster.text, "Pay invoices [high]")

	poster.err = errors.New("channel_not_found")
	_, err = r.Post(context.Background())
	assert.Error(t, err)

	_, err = NewReporter(fakeLister{err: errors.New("db down")}, poster, "C", time.UTC, zerolog.Nop()).Post(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestNextRun(t *testing.T) {
	loc := time.UTC
	before := time.Date(2026, 3, 10, 7, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, loc), nextRun(before, loc, 9))

	exact := time.Date(2026, 3, 10, 9, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, loc), nextRun(exact, loc, 9))

	endOfMonth := time.Date(2026, 3, 31, 23, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, loc), nextRun(endOfMonth, loc, 9))
}
