package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/rollout/pkg/inventory"
	"github.com/openfroyo/rollout/pkg/model"
)

// Task is an executable task tree node.
type Task struct {
	info     model.TaskInfo
	include  inventory.Query
	exclude  inventory.Query
	children []*Task
}

// NewTask compiles info and its children.
func NewTask(info model.TaskInfo) *Task {
	t := &Task{info: info}
	if info.IncludeInEnv != nil {
		t.include = inventory.CompileQuery(info.IncludeInEnv)
	}
	if info.ExcludeInEnv != nil {
		t.exclude = inventory.CompileQuery(info.ExcludeInEnv)
	}
	for _, c := range info.Children {
		t.children = append(t.children, NewTask(c))
	}
	return t
}

func (t *Task) Path() string         { return t.info.Path }
func (t *Task) Info() model.TaskInfo { return t.info }
func (t *Task) Resources() []string  { return t.info.ResourcesRequired }
func (t *Task) Children() []*Task    { return append([]*Task(nil), t.children...) }

// ShouldRun decides whether the task runs for x. Checks run in order and
// stop at the first that fails: the environment filter, the skip tags, the
// retirement policy, then every "when" predicate.
func (t *Task) ShouldRun(env *inventory.Environment, skip map[string]bool, x model.ExecContext) (bool, error) {
	if t.include != nil && !t.include.Matches(env) {
		return false, nil
	}
	if t.exclude != nil && t.exclude.Matches(env) {
		return false, nil
	}
	for _, tag := range t.info.Tags {
		if skip[tag] {
			return false, nil
		}
	}
	if x.Retired() {
		if !t.info.IncludeRetiredHosts && !t.info.OnlyRetiredHosts {
			return false, nil
		}
	} else if t.info.OnlyRetiredHosts {
		return false, nil
	}
	for _, when := range t.info.When {
		ok, err := when(x)
		if err != nil {
			return false, fmt.Errorf("task %s: when: %w", t.info.Path, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Execute runs the body and then the children, retrying the whole subtree up
// to the task's retry count. An exit signal is never retried; ExitTask ends
// this task successfully and any other exit propagates unchanged.
func (t *Task) Execute(ctx context.Context, u *hostUnit) error {
	attempts := t.info.Retries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = t.once(ctx, u)
		if err == nil || IsExit(err, ExitTask) {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts {
			break
		}
		u.logger.Warn().Err(err).Str("task", t.info.Path).Int("attempt", attempt).Msg("task failed, retrying")
		u.run.emit(ctx, &Event{
			Type:    EventTypeTaskRetry,
			Play:    u.play.Name(),
			Host:    u.host.Name,
			Task:    t.info.Path,
			Attempt: attempt,
			Message: err.Error(),
		})
		u.run.metrics().RecordTaskRetry(u.play.Name())
	}
	return wrapTaskError(err, t.info.Path, u)
}

func (t *Task) once(ctx context.Context, u *hostUnit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.info.Body != nil {
		if err := t.info.Body(ctx, u); err != nil {
			return err
		}
	}
	children := t.children
	if t.info.Reverse {
		children = make([]*Task, len(t.children))
		for i, c := range t.children {
			children[len(t.children)-1-i] = c
		}
	}
	return runTasks(ctx, u, children)
}

// runTasks runs a task sequence on one host under the resource scheduler.
func runTasks(ctx context.Context, u *hostUnit, tasks []*Task) error {
	payloads := make([]Payload, len(tasks))
	for i, task := range tasks {
		payloads[i] = Payload{
			Name:      task.Path(),
			Resources: task.Resources(),
			Skip: func(ctx context.Context) (bool, error) {
				ok, err := task.ShouldRun(u.run.env, u.run.skipTags, u)
				if err != nil {
					return false, wrapTaskError(err, task.Path(), u)
				}
				if !ok {
					u.logger.Debug().Str("task", task.Path()).Msg("task skipped")
					u.run.emit(ctx, &Event{Type: EventTypeTaskSkipped, Play: u.play.Name(), Host: u.host.Name, Task: task.Path()})
				}
				return !ok, nil
			},
			Run: func(ctx context.Context) error {
				return task.Execute(ctx, u)
			},
		}
	}
	return RunScheduled(ctx, payloads, u.locks)
}

// wrapTaskError attaches task context. Exit signals, cancellation and errors
// that already carry engine context pass through unchanged.
func wrapTaskError(err error, path string, u *hostUnit) error {
	if err == nil || isExitSignal(err) || isCancelled(err) {
		return err
	}
	var e *EngineError
	if errors.As(err, &e) {
		return err
	}
	out := Classify(err)
	return &EngineError{
		Class:   out.Class,
		Message: "task failed",
		Code:    out.Code,
		Play:    u.play.Name(),
		Host:    u.host.Name,
		Task:    path,
		Err:     err,
	}
}
