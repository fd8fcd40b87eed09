package commands

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcourtman/taskgate/internal/taskgate/store"
)

//go:embed templates.yaml
var templatesYAML []byte

// Template is a named starter set of tasks.
type Template struct {
	ID            string         `yaml:"id" json:"id"`
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description" json:"description"`
	EstimatedDays int            `yaml:"estimatedDays" json:"estimatedDays"`
	Tasks         []TemplateTask `yaml:"tasks" json:"tasks"`
}

// TemplateTask is one task of a template. DueInDays counts from the day the
// template is applied.
type TemplateTask struct {
	Title          string         `yaml:"title" json:"title"`
	Description    string         `yaml:"description" json:"description"`
	Priority       store.Priority `yaml:"priority" json:"priority"`
	Category       string         `yaml:"category" json:"category"`
	EstimatedHours float64        `yaml:"estimatedHours,omitempty" json:"estimatedHours,omitempty"`
	DueInDays      int            `yaml:"dueInDays" json:"dueInDays"`
}

// Catalog holds templates by id.
type Catalog struct {
	byID map[string]Template
	ids  []string
}

// ParseTemplates decodes a template document and validates every task.
func ParseTemplates(data []byte) (*Catalog, error) {
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	c := &Catalog{byID: make(map[string]Template, len(doc.Templates))}
	for _, t := range doc.Templates {
		id := strings.ToLower(strings.TrimSpace(t.ID))
		if id == "" {
			return nil, fmt.Errorf("template %q has no id", t.Name)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("duplicate template %q", id)
		}
		for i, task := range t.Tasks {
			if strings.TrimSpace(task.Title) == "" {
				return nil, fmt.Errorf("template %q task %d has no title", id, i)
			}
			if !task.Priority.Valid() {
				return nil, fmt.Errorf("template %q task %q: unknown priority %q", id, task.Title, task.Priority)
			}
			if task.DueInDays < 0 {
				return nil, fmt.Errorf("template %q task %q: negative due offset", id, task.Title)
			}
		}
		t.ID = id
		c.byID[id] = t
		c.ids = append(c.ids, id)
	}
	sort.Strings(c.ids)
	return c, nil
}

// DefaultTemplates returns the embedded catalog.
func DefaultTemplates() *Catalog {
	c, err := ParseTemplates(templatesYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// Get looks a template up by id, case-insensitively.
func (c *Catalog) Get(id string) (Template, bool) {
	t, ok := c.byID[strings.ToLower(strings.TrimSpace(id))]
	return t, ok
}

// IDs lists template ids in sorted order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.ids...)
}

// Drafts expands t into task drafts for assignee, due relative to the local
// day containing now.
func (t Template) Drafts(assigneeID, assigneeName string, now time.Time, loc *time.Location) []store.TaskDraft {
	start := store.DayWindow(now, loc).Start
	drafts := make([]store.TaskDraft, 0, len(t.Tasks))
	for _, task := range t.Tasks {
		due := start.AddDate(0, 0, task.DueInDays)
		d := store.TaskDraft{
			Title:        task.Title,
			Description:  task.Description,
			Priority:     task.Priority,
			Category:     task.Category,
			DueDate:      &due,
			AssigneeID:   assigneeID,
			AssigneeName: assigneeName,
			Tags:         []string{"template:" + t.ID},
		}
		if task.EstimatedHours > 0 {
			hours := task.EstimatedHours
			d.EstimatedHours = &hours
		}
		drafts = append(drafts, d)
	}
	return drafts
}
