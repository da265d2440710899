// YAML task definitions, loading, validation and dependency ordering
// Produces the runner tasks, run context and options for one invocation
package taskfile

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/andrewh/runtrace/pkg/runner"
	"gopkg.in/yaml.v3"
)

// DefaultRunner is used when a file names no runner.
const DefaultRunner = "exec"

// ErrCycle is returned when task dependencies form a cycle.
var ErrCycle = errors.New("dependency cycle")

// File is a parsed task definition file.
type File struct {
	Target        string
	Project       string
	Runner        string
	RunnerOptions map[string]any
	// Tasks is sorted by name.
	Tasks []TaskConfig
	// BaseDir resolves relative task directories. Load sets it to the file's directory.
	BaseDir string
}

// TaskConfig describes one task.
type TaskConfig struct {
	Name      string
	Project   string
	Target    string
	Command   string
	Dir       string
	Env       map[string]string
	DependsOn []string
}

// rawFile mirrors File but uses a map for tasks to match the YAML structure.
type rawFile struct {
	Target        string             `yaml:"target"`
	Project       string             `yaml:"project"`
	Runner        string             `yaml:"runner,omitempty"`
	RunnerOptions map[string]any     `yaml:"runner_options,omitempty"`
	Tasks         map[string]rawTask `yaml:"tasks"`
}

type rawTask struct {
	Project   string            `yaml:"project,omitempty"`
	Target    string            `yaml:"target,omitempty"`
	Command   string            `yaml:"command"`
	Dir       string            `yaml:"dir,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
}

// Load reads and parses a YAML task file.
//
// A task without an explicit project or target takes them from a "project:target" name,
// falling back to the file-level values.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied task file path is expected
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	f.BaseDir = filepath.Dir(path)
	return f, nil
}

// Parse parses task file contents. BaseDir is left empty.
func Parse(data []byte) (*File, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}

	f := &File{
		Target:        raw.Target,
		Project:       raw.Project,
		Runner:        raw.Runner,
		RunnerOptions: raw.RunnerOptions,
	}

	for _, name := range slices.Sorted(maps.Keys(raw.Tasks)) {
		rt := raw.Tasks[name]
		tc := TaskConfig{
			Name:      name,
			Project:   rt.Project,
			Target:    rt.Target,
			Command:   rt.Command,
			Dir:       rt.Dir,
			Env:       rt.Env,
			DependsOn: rt.DependsOn,
		}
		if project, target, ok := strings.Cut(name, ":"); ok {
			if tc.Project == "" {
				tc.Project = project
			}
			if tc.Target == "" {
				tc.Target = target
			}
		}
		if tc.Project == "" {
			tc.Project = f.Project
		}
		if tc.Target == "" {
			tc.Target = f.Target
		}
		f.Tasks = append(f.Tasks, tc)
	}

	return f, nil
}

// Validate checks a task file for structural correctness.
func Validate(f *File) error {
	if len(f.Tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}

	known := make(map[string]bool, len(f.Tasks))
	for _, tc := range f.Tasks {
		if tc.Name == "" {
			return fmt.Errorf("task names must not be empty")
		}
		if known[tc.Name] {
			return fmt.Errorf("duplicate task %q", tc.Name)
		}
		known[tc.Name] = true
	}

	for _, tc := range f.Tasks {
		if strings.TrimSpace(tc.Command) == "" {
			return fmt.Errorf("task %q: command is required", tc.Name)
		}
		for _, dep := range tc.DependsOn {
			if !known[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", tc.Name, dep)
			}
		}
	}

	return detectCycles(f)
}

// detectCycles performs DFS cycle detection across task dependencies.
func detectCycles(f *File) error {
	const (
		unvisited = iota
		visiting
		visited
	)
	byName := f.byName()
	state := make(map[string]int, len(f.Tasks))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w involving %s", ErrCycle, name)
		case visited:
			return nil
		}
		state[name] = visiting
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = visited
		return nil
	}

	for _, tc := range f.Tasks {
		if state[tc.Name] == unvisited {
			if err := visit(tc.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *File) byName() map[string]*TaskConfig {
	m := make(map[string]*TaskConfig, len(f.Tasks))
	for i := range f.Tasks {
		m[f.Tasks[i].Name] = &f.Tasks[i]
	}
	return m
}

// RunnerTasks returns fresh runner tasks in dependency order. Tasks whose dependencies are all
// satisfied are emitted by name, so the order is deterministic.
func (f *File) RunnerTasks() ([]*runner.Task, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}

	remaining := make(map[string]int, len(f.Tasks))
	dependents := make(map[string][]string, len(f.Tasks))
	for _, tc := range f.Tasks {
		remaining[tc.Name] = len(tc.DependsOn)
		for _, dep := range tc.DependsOn {
			dependents[dep] = append(dependents[dep], tc.Name)
		}
	}

	var ready []string
	for _, tc := range f.Tasks {
		if remaining[tc.Name] == 0 {
			ready = append(ready, tc.Name)
		}
	}

	byName := f.byName()
	tasks := make([]*runner.Task, 0, len(f.Tasks))
	for len(ready) > 0 {
		slices.Sort(ready)
		name := ready[0]
		ready = ready[1:]

		tasks = append(tasks, f.newTask(byName[name]))
		for _, next := range dependents[name] {
			remaining[next]--
			if remaining[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(tasks) != len(f.Tasks) {
		return nil, ErrCycle
	}
	return tasks, nil
}

func (f *File) newTask(tc *TaskConfig) *runner.Task {
	dir := tc.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(f.BaseDir, dir)
	}
	return &runner.Task{
		ID:        tc.Name,
		Project:   tc.Project,
		Target:    tc.Target,
		Command:   tc.Command,
		Dir:       dir,
		Env:       maps.Clone(tc.Env),
		DependsOn: slices.Clone(tc.DependsOn),
	}
}

// RunContext returns the invocation context described by the file.
func (f *File) RunContext() runner.RunContext {
	return runner.RunContext{Target: f.Target, InitiatingProject: f.Project}
}

// Options returns the runner selection and its options.
func (f *File) Options() runner.Options {
	return runner.Options{Runner: f.RunnerName(), RunnerOptions: maps.Clone(f.RunnerOptions)}
}

// RunnerName returns the runner the file selects, falling back to DefaultRunner.
func (f *File) RunnerName() string {
	if f.Runner == "" {
		return DefaultRunner
	}
	return f.Runner
}
