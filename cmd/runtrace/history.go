package main

import (
	"fmt"
	"io"
	"time"

	"github.com/andrewh/runtrace/pkg/history"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultHistoryLimit = 20

func historyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or the events of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := v.GetString("history")
			if dsn == "" {
				return fmt.Errorf("no history database configured\n\n" +
					"Record runs with:\n" +
					"  runtrace run --history sqlite://runtrace.db tasks.yaml\n" +
					"and list them with:\n" +
					"  runtrace history --history sqlite://runtrace.db")
			}
			store, err := history.Open(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid run ID %q: %w", args[0], err)
				}
				events, err := store.Events(cmd.Context(), id)
				if err != nil {
					return err
				}
				renderEvents(cmd.OutOrStdout(), events)
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), v.GetInt("limit"))
			if err != nil {
				return err
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().String("history", "", "history database (sqlite://path or postgres://...)")
	cmd.Flags().Int("limit", defaultHistoryLimit, "maximum runs to list (0 lists all)")

	return cmd
}

func renderRuns(w io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs recorded")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Started", "Target", "Project", "Status", "Duration", "Trace"})
	for _, r := range runs {
		d := "-"
		if !r.FinishedAt.IsZero() {
			d = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{
			r.ID.String(),
			r.StartedAt.Local().Format(time.DateTime),
			r.Target,
			r.Project,
			titleCase.String(r.Status),
			d,
			r.TraceID,
		})
	}
	t.Render()
}

func renderEvents(w io.Writer, events []history.TaskEvent) {
	if len(events) == 0 {
		_, _ = fmt.Fprintln(w, "No events recorded for this run")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Task", "Project", "Result", "Code", "Duration"})
	for _, e := range events {
		d := "-"
		if e.Duration > 0 {
			d = e.Duration.String()
		}
		t.AppendRow(table.Row{e.Seq, e.TaskID, e.Project, titleCase.String(string(e.Type)), e.Code, d})
	}
	t.Render()
}
