package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/andrewh/runtrace/pkg/runner"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCase = cases.Title(language.English)

type summaryRow struct {
	id       string
	project  string
	result   runner.EventType
	duration time.Duration
}

// summary tallies the events of one run for the closing table.
type summary struct {
	rows   []summaryRow
	counts map[runner.EventType]int
	total  int
}

func newSummary() *summary {
	return &summary{counts: make(map[runner.EventType]int)}
}

func (s *summary) add(ev runner.Event) {
	if ev.Task == nil {
		return
	}
	s.total++
	s.counts[ev.Type]++
	s.rows = append(s.rows, summaryRow{
		id:       ev.Task.ID,
		project:  ev.Task.Project,
		result:   ev.Type,
		duration: taskDuration(ev.Task),
	})
}

func (s *summary) failed() int {
	return s.counts[runner.EventFailure]
}

// line describes the counts, e.g. "3 tasks: 2 Success, 1 Failure".
func (s *summary) line() string {
	label := "tasks"
	if s.total == 1 {
		label = "task"
	}
	types := make([]string, 0, len(s.counts))
	for typ := range s.counts {
		types = append(types, string(typ))
	}
	slices.Sort(types)
	parts := make([]string, len(types))
	for i, typ := range types {
		parts[i] = fmt.Sprintf("%d %s", s.counts[runner.EventType(typ)], titleCase.String(typ))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d %s", s.total, label)
	}
	return fmt.Sprintf("%d %s: %s", s.total, label, strings.Join(parts, ", "))
}

func (s *summary) render(w io.Writer) {
	if s.total == 0 {
		_, _ = fmt.Fprintln(w, "No tasks reported")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Task", "Project", "Result", "Duration"})
	for _, r := range s.rows {
		d := "-"
		if r.duration > 0 {
			d = r.duration.Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{r.id, r.project, titleCase.String(string(r.result)), d})
	}
	t.Render()
	_, _ = fmt.Fprintln(w, s.line())
}
