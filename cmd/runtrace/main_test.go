// Tests for the runtrace CLI commands
package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/andrewh/runtrace/pkg/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestTaskfile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validTaskfile = `
target: build
project: app
tasks:
  lib:build:
    command: echo building lib
  app:build:
    command: echo building app
    depends_on: ["lib:build"]
`

const failingTaskfile = `
target: build
project: app
tasks:
  gen:proto:
    command: echo oops >&2; exit 3
  app:build:
    command: echo building app
    depends_on: ["gen:proto"]
  docs:build:
    command: "true"
`

// execute runs the CLI with args and returns its stdout, stderr and error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := rootCmd()
	root.SetArgs(args)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	t.Run("valid task file", func(t *testing.T) {
		t.Parallel()
		path := writeTestTaskfile(t, validTaskfile)
		out, _, err := execute(t, "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Task file valid: 2 tasks, runner exec")
		assert.Contains(t, out, "runtrace run --stdout "+path)
	})

	t.Run("singular task", func(t *testing.T) {
		t.Parallel()
		path := writeTestTaskfile(t, "tasks:\n  a:\n    command: \"true\"\n")
		out, _, err := execute(t, "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, "1 task,")
	})

	t.Run("cycle", func(t *testing.T) {
		t.Parallel()
		path := writeTestTaskfile(t, `
tasks:
  a: {command: "true", depends_on: [b]}
  b: {command: "true", depends_on: [a]}
`)
		_, _, err := execute(t, "validate", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dependency cycle")
	})

	t.Run("missing argument", func(t *testing.T) {
		t.Parallel()
		_, _, err := execute(t, "validate")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing task file")
	})
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "runtrace dev")
}

func TestRunCommand(t *testing.T) {
	t.Parallel()

	t.Run("with stdout", func(t *testing.T) {
		t.Parallel()
		path := writeTestTaskfile(t, validTaskfile)
		out, errOut, err := execute(t, "run", "--stdout", path)
		require.NoError(t, err)

		assert.Contains(t, errOut, "success  lib:build")
		assert.Contains(t, errOut, "success  app:build")
		assert.Less(t, strings.Index(errOut, "lib:build"), strings.Index(errOut, "app:build"))
		assert.Contains(t, errOut, "2 tasks: 2 Success")
		assert.Contains(t, out, "runtrace.command")
		assert.Contains(t, out, "lib:build")
	})

	t.Run("all signals with stdout", func(t *testing.T) {
		t.Parallel()
		path := writeTestTaskfile(t, validTaskfile)
		out, _, err := execute(t, "run", "--stdout", "--signals", "traces,metrics,logs", "--slow-threshold", "1ns", path)
		require.NoError(t, err)
		assert.Contains(t, out, "runtrace.task.count")
	})

	t.Run("failing task", func(t *testing.T) {
		t.Parallel()
		path := writeTestTaskfile(t, failingTaskfile)
		_, errOut, err := execute(t, "run", "--stdout", "--parallel", "1", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 3 tasks failed")

		assert.Contains(t, errOut, "failure  gen:proto")
		assert.Contains(t, errOut, "exit 3")
		assert.Contains(t, errOut, "    oops\n")
		assert.Contains(t, errOut, "skipped  app:build")
		assert.Contains(t, errOut, "    skipped: dependency gen:proto did not succeed")
		assert.Contains(t, errOut, "3 tasks: 1 Failure, 1 Skipped, 1 Success")
	})

	t.Run("dry run", func(t *testing.T) {
		t.Parallel()
		path := writeTestTaskfile(t, failingTaskfile)
		_, errOut, err := execute(t, "run", "--stdout", "--dry-run", path)
		require.NoError(t, err)
		assert.Contains(t, errOut, "3 tasks: 3 Success")
	})

	t.Run("nonexistent file", func(t *testing.T) {
		t.Parallel()
		_, _, err := execute(t, "run", "--stdout", "/nonexistent.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading task file")
	})

	t.Run("missing argument", func(t *testing.T) {
		t.Parallel()
		_, _, err := execute(t, "run")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing task file")
	})

	t.Run("unreachable collector", func(t *testing.T) {
		t.Parallel()
		path := writeTestTaskfile(t, validTaskfile)
		_, _, err := execute(t, "run", "--endpoint", "127.0.0.1:1", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot reach OTLP collector")
		assert.Contains(t, err.Error(), "--stdout")
	})
}

func TestRunCommandInvalidFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unknown signal", args: []string{"--signals", "trace"}, wantErr: `unknown signal "trace"`},
		{name: "unknown protocol", args: []string{"--protocol", "udp"}, wantErr: `unsupported protocol "udp"`},
		{name: "negative slow threshold", args: []string{"--slow-threshold", "-1s"}, wantErr: "must not be negative"},
		{name: "negative parallel", args: []string{"--parallel", "-2"}, wantErr: "--parallel must not be negative"},
		{name: "bad history dsn", args: []string{"--history", "mysql://db"}, wantErr: "unsupported history DSN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeTestTaskfile(t, validTaskfile)
			args := append([]string{"run", "--stdout"}, tt.args...)
			_, _, err := execute(t, append(args, path)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunCommandSlowThresholdWithoutLogs(t *testing.T) {
	t.Parallel()

	path := writeTestTaskfile(t, validTaskfile)
	_, errOut, err := execute(t, "run", "--stdout", "--slow-threshold", "50ms", path)
	require.NoError(t, err)
	assert.Contains(t, errOut, "--slow-threshold has no effect without --signals logs")
}

func TestRunCommandConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "runtrace.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("stdout: true\nsignals: traces,logs\ndry-run: true\n"), 0o600))

	path := writeTestTaskfile(t, failingTaskfile)
	out, errOut, err := execute(t, "run", "--config", cfg, path)
	require.NoError(t, err, "config enables stdout, so no collector is needed")
	assert.Contains(t, errOut, "3 tasks: 3 Success")
	assert.Contains(t, out, "runtrace.command")

	t.Run("missing config file", func(t *testing.T) {
		t.Parallel()
		_, _, err := execute(t, "run", "--config", filepath.Join(dir, "nope.yaml"), path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading config file")
	})
}

func TestRunCommandEnvironment(t *testing.T) {
	t.Setenv("RUNTRACE_STDOUT", "true")
	t.Setenv("RUNTRACE_DRY_RUN", "true")

	path := writeTestTaskfile(t, failingTaskfile)
	_, errOut, err := execute(t, "run", path)
	require.NoError(t, err)
	assert.Contains(t, errOut, "3 tasks: 3 Success")

	// Flags win over the environment.
	_, _, err = execute(t, "run", "--dry-run=false", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 tasks failed")
}

func TestRunCommandHistory(t *testing.T) {
	t.Parallel()

	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	ok := writeTestTaskfile(t, validTaskfile)
	failing := writeTestTaskfile(t, failingTaskfile)

	_, _, err := execute(t, "run", "--stdout", "--history", dsn, ok)
	require.NoError(t, err)
	_, _, err = execute(t, "run", "--stdout", "--history", dsn, "--parallel", "1", failing)
	require.Error(t, err)

	store, err := history.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	statuses := []string{runs[0].Status, runs[1].Status}
	assert.ElementsMatch(t, []string{history.StatusSucceeded, history.StatusFailed}, statuses)
	for _, r := range runs {
		assert.Equal(t, "build", r.Target)
		assert.Equal(t, "exec", r.Runner)
		assert.Len(t, r.TraceID, 32)
		assert.False(t, r.FinishedAt.IsZero())
	}

	t.Run("list", func(t *testing.T) {
		t.Parallel()
		out, _, err := execute(t, "history", "--history", dsn)
		require.NoError(t, err)
		assert.Contains(t, out, runs[0].ID.String())
		assert.Contains(t, out, runs[1].ID.String())
		assert.Contains(t, out, "Succeeded")
		assert.Contains(t, out, "Failed")

		out, _, err = execute(t, "history", "--history", dsn, "--limit", "1")
		require.NoError(t, err)
		assert.Contains(t, out, runs[0].ID.String())
		assert.NotContains(t, out, runs[1].ID.String())
	})

	t.Run("events of one run", func(t *testing.T) {
		t.Parallel()
		var failedRun string
		for _, r := range runs {
			if r.Status == history.StatusFailed {
				failedRun = r.ID.String()
			}
		}
		out, _, err := execute(t, "history", "--history", dsn, failedRun)
		require.NoError(t, err)
		assert.Contains(t, out, "gen:proto")
		assert.Contains(t, out, "Failure")
		assert.Contains(t, out, "Skipped")
	})

	t.Run("invalid run id", func(t *testing.T) {
		t.Parallel()
		_, _, err := execute(t, "history", "--history", dsn, "not-a-uuid")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid run ID")
	})
}

func TestRunCommandHistoryInheritsTraceparent(t *testing.T) {
	t.Setenv("TRACEPARENT", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	path := writeTestTaskfile(t, validTaskfile)
	_, _, err := execute(t, "run", "--stdout", "--history", dsn, path)
	require.NoError(t, err)

	store, err := history.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", runs[0].TraceID)
}

func TestHistoryCommandWithoutDatabase(t *testing.T) {
	t.Parallel()

	_, _, err := execute(t, "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no history database configured")
}

func TestRunCommandPushgateway(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		method  string
		urlPath string
		body    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, urlPath = r.Method, r.URL.Path
		body, _ = io.ReadAll(r.Body)
	}))
	t.Cleanup(srv.Close)

	path := writeTestTaskfile(t, validTaskfile)
	_, errOut, err := execute(t, "run", "--stdout", "--pushgateway", srv.URL, path)
	require.NoError(t, err)
	assert.NotContains(t, errOut, "Warning")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/runtrace/invocation_target/build", urlPath)
	assert.Contains(t, string(body), "runtrace_tasks_total")
}

func TestRunCommandPushgatewayUnreachable(t *testing.T) {
	t.Parallel()

	path := writeTestTaskfile(t, validTaskfile)
	_, errOut, err := execute(t, "run", "--stdout", "--pushgateway", "http://127.0.0.1:1", path)
	require.NoError(t, err, "a failed push does not fail the run")
	assert.Contains(t, errOut, "Warning: pushing metrics")
}
