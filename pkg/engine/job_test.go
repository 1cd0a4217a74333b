package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/project"
	"github.com/openfroyo/rollout/pkg/vars"
)

type fakeRunner struct {
	mu   sync.Mutex
	cmds []string
}

func (f *fakeRunner) Run(_ context.Context, host model.HostInfo, command string) (model.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, host.Name+": "+command)
	return model.CommandResult{}, nil
}

func (f *fakeRunner) Upload(_ context.Context, host model.HostInfo, local, remote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, fmt.Sprintf("%s: upload %s %s", host.Name, local, remote))
	return nil
}

func (f *fakeRunner) sorted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.cmds...)
	sort.Strings(out)
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Record(_ context.Context, e *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *e)
	return nil
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) has(typ EventType) bool {
	for _, t := range l.types() {
		if t == typ {
			return true
		}
	}
	return false
}

// newTestJob builds a job for project "web" in environment prod running the
// given playbook declaration.
func newTestJob(t *testing.T, proj model.ProjectInfo, pb model.PlaybookInfo) *Job {
	t.Helper()
	if proj.Name == "" {
		proj.Name = "web"
	}
	proj.Playbook = pb.Name
	cat, err := project.NewCatalog(webRegistry(t), []model.ProjectInfo{proj}, []model.PlaybookInfo{pb})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	job, err := NewJob(cat, proj.Name, "prod", "")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	return job
}

func ssh(command string) model.TaskFunc {
	return func(ctx context.Context, x model.ExecContext) error {
		_, err := x.SSH(ctx, command)
		return err
	}
}

func fail(msg string) model.TaskFunc {
	return func(context.Context, model.ExecContext) error { return errors.New(msg) }
}

func playStatuses(res *BuildResult) map[string]UnitStatus {
	out := make(map[string]UnitStatus, len(res.Plays))
	for _, p := range res.Plays {
		out[p.Name] = p.Status
	}
	return out
}

func TestJob_Execute(t *testing.T) {
	var hookLog []string
	hook := func(name string) model.HookInfo {
		return model.HookInfo{
			Name: name,
			Setup: func(context.Context, model.Evaluator) error {
				hookLog = append(hookLog, "setup "+name)
				return nil
			},
			Teardown: func(context.Context, model.Evaluator) error {
				hookLog = append(hookLog, "teardown "+name)
				return nil
			},
		}
	}

	install := func(ctx context.Context, x model.ExecContext) error {
		env, err := x.Resolve("build.env")
		if err != nil {
			return err
		}
		version, err := x.Resolve("version")
		if err != nil {
			return err
		}
		if _, err := x.SSH(ctx, fmt.Sprintf("install %v %v", version, env)); err != nil {
			return err
		}
		x.Set("deployed", x.Host().Name)
		return nil
	}
	verify := func(ctx context.Context, x model.ExecContext) error {
		got, err := x.Resolve("deployed")
		if err != nil {
			return err
		}
		if got != x.Host().Name {
			return fmt.Errorf("deployed = %v on %s", got, x.Host().Name)
		}
		return nil
	}

	job := newTestJob(t, model.ProjectInfo{
		Vars: []vars.Variable{vars.Named("version", vars.Value("1.4.2"))},
	}, model.PlaybookInfo{
		Name:  "deploy",
		Hooks: []model.HookInfo{hook("notify"), hook("silence-alerts")},
		Plays: []model.PlayInfo{
			{
				Name:   "rollout",
				Hosts:  "role=web",
				Serial: 1,
				Tasks: []model.TaskInfo{
					{Path: "install", Body: install},
					{Path: "decommission", OnlyRetiredHosts: true, Body: ssh("decommission")},
				},
			},
			{
				Name:  "verify",
				Hosts: "role=web",
				Tasks: []model.TaskInfo{{Path: "check", Body: verify}},
			},
		},
	})

	runner := &fakeRunner{}
	events := &eventLog{}
	res, err := job.Execute(context.Background(), Build{ID: "b-1", Runner: runner, Recorder: events})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != RunStatusSucceeded {
		t.Errorf("status = %s, want succeeded", res.Status)
	}

	wantCmds := []string{
		"old-1: decommission",
		"web-1: install 1.4.2 prod",
		"web-2: install 1.4.2 prod",
		"web-3: install 1.4.2 prod",
	}
	if diff := cmp.Diff(wantCmds, runner.sorted()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}

	wantHooks := []string{"setup notify", "setup silence-alerts", "teardown silence-alerts", "teardown notify"}
	if diff := cmp.Diff(wantHooks, hookLog); diff != "" {
		t.Errorf("hook order mismatch (-want +got):\n%s", diff)
	}

	want := map[string]UnitStatus{"rollout": UnitStatusSucceeded, "verify": UnitStatusSucceeded}
	if diff := cmp.Diff(want, playStatuses(res)); diff != "" {
		t.Errorf("play statuses mismatch (-want +got):\n%s", diff)
	}

	types := events.types()
	if types[0] != EventTypeBuildStarted || types[len(types)-1] != EventTypeBuildCompleted {
		t.Errorf("timeline must start with build_started and end with build_completed, got %v", types)
	}
	if !events.has(EventTypeTaskSkipped) {
		t.Error("retired-only task on active hosts must be reported as skipped")
	}
	for _, e := range events.events {
		if e.BuildID != "b-1" || e.Project != "web" || e.Env != "prod" {
			t.Fatalf("event %s not stamped with the build: %+v", e.Type, e)
		}
	}
}

func TestJob_FailureRunsOnlyAlwaysRunPlays(t *testing.T) {
	var teardown bool
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name: "deploy",
		Hooks: []model.HookInfo{{
			Name:     "maintenance",
			Teardown: func(context.Context, model.Evaluator) error { teardown = true; return nil },
		}},
		Plays: []model.PlayInfo{
			{Name: "migrate", Hosts: "host:web-1", Tasks: []model.TaskInfo{{Path: "run", Body: fail("migration failed")}}},
			{Name: "deploy", Hosts: "host:web-1", Tasks: []model.TaskInfo{{Path: "run", Body: ssh("deploy")}}},
			{Name: "report", Hosts: "host:web-1", AlwaysRun: true, Tasks: []model.TaskInfo{{Path: "run", Body: ssh("report")}}},
		},
	})

	runner := &fakeRunner{}
	res, err := job.Execute(context.Background(), Build{Runner: runner})
	if err == nil {
		t.Fatal("Execute() succeeded, want the migration failure")
	}
	var e *EngineError
	if !errors.As(err, &e) || e.Play != "migrate" || e.Host != "web-1" || e.Task != "run" {
		t.Errorf("error = %v, want task context play=migrate host=web-1 task=run", err)
	}
	if res.Status != RunStatusFailed || res.Error == "" {
		t.Errorf("result = %s %q, want failed with an error", res.Status, res.Error)
	}

	want := map[string]UnitStatus{
		"migrate": UnitStatusFailed,
		"deploy":  UnitStatusSkipped,
		"report":  UnitStatusSucceeded,
	}
	if diff := cmp.Diff(want, playStatuses(res)); diff != "" {
		t.Errorf("play statuses mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"web-1: report"}, runner.sorted()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if !teardown {
		t.Error("teardown must run after a failed play")
	}
}

func TestJob_Retries(t *testing.T) {
	var calls atomic.Int32
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name: "deploy",
		Plays: []model.PlayInfo{{
			Name:    "flaky",
			Hosts:   "host:web-1",
			Retries: 1,
			Tasks: []model.TaskInfo{{Path: "restart", Retries: 2, Body: func(context.Context, model.ExecContext) error {
				calls.Add(1)
				return errors.New("connection reset")
			}}},
		}},
	})

	events := &eventLog{}
	res, err := job.Execute(context.Background(), Build{Recorder: events})
	if err == nil {
		t.Fatal("Execute() succeeded, want a failure")
	}
	// Two host attempts of three task attempts each.
	if got := calls.Load(); got != 6 {
		t.Errorf("task body ran %d times, want 6", got)
	}
	if got := res.Plays[0].Hosts[0].Attempts; got != 2 {
		t.Errorf("host attempts = %d, want 2", got)
	}
	if !events.has(EventTypeTaskRetry) {
		t.Error("missing task_retry events")
	}
}

func TestJob_RetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name: "deploy",
		Plays: []model.PlayInfo{{
			Name:  "flaky",
			Hosts: "host:web-1",
			Tasks: []model.TaskInfo{{Path: "restart", Retries: 3, Body: func(context.Context, model.ExecContext) error {
				if calls.Add(1) < 3 {
					return errors.New("not yet")
				}
				return nil
			}}},
		}},
	})

	if _, err := job.Execute(context.Background(), Build{}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("task body ran %d times, want 3", got)
	}
}

func TestJob_ExitSignals(t *testing.T) {
	t.Run("exit task", func(t *testing.T) {
		runner := &fakeRunner{}
		job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
			Name: "deploy",
			Plays: []model.PlayInfo{{Name: "p", Hosts: "host:web-1", Tasks: []model.TaskInfo{
				{
					Path:     "parent",
					Retries:  3,
					Body:     func(context.Context, model.ExecContext) error { return Exit(ExitTask, "already current") },
					Children: []model.TaskInfo{{Path: "child", Body: ssh("child")}},
				},
				{Path: "next", Body: ssh("next")},
			}}},
		})
		if _, err := job.Execute(context.Background(), Build{Runner: runner}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if diff := cmp.Diff([]string{"web-1: next"}, runner.sorted()); diff != "" {
			t.Errorf("ExitTask must skip the children only (-want +got):\n%s", diff)
		}
	})

	t.Run("exit play", func(t *testing.T) {
		runner := &fakeRunner{}
		var calls atomic.Int32
		job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
			Name: "deploy",
			Plays: []model.PlayInfo{
				{Name: "first", Hosts: "host:web-1", Retries: 2, Tasks: []model.TaskInfo{
					{Path: "gate", Retries: 2, Body: func(context.Context, model.ExecContext) error {
						calls.Add(1)
						return Exit(ExitPlay, "nothing to do")
					}},
					{Path: "skipped", Body: ssh("skipped")},
				}},
				{Name: "second", Hosts: "host:web-1", Tasks: []model.TaskInfo{{Path: "run", Body: ssh("second")}}},
			},
		})
		res, err := job.Execute(context.Background(), Build{Runner: runner})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("exit signal retried: %d calls", calls.Load())
		}
		if diff := cmp.Diff([]string{"web-1: second"}, runner.sorted()); diff != "" {
			t.Errorf("commands mismatch (-want +got):\n%s", diff)
		}
		if got := res.Plays[0].Hosts[0].Status; got != UnitStatusExited {
			t.Errorf("host status = %s, want exited", got)
		}
		if res.Status != RunStatusSucceeded {
			t.Errorf("build status = %s, want succeeded", res.Status)
		}
	})

	t.Run("exit playbook", func(t *testing.T) {
		runner := &fakeRunner{}
		job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
			Name: "deploy",
			Plays: []model.PlayInfo{
				{Name: "check", Hosts: "host:web-1", Tasks: []model.TaskInfo{{Path: "run", Body: func(context.Context, model.ExecContext) error {
					return Exit(ExitPlaybook, "already deployed")
				}}}},
				{Name: "deploy", Hosts: "host:web-1", Tasks: []model.TaskInfo{{Path: "run", Body: ssh("deploy")}}},
				{Name: "report", Hosts: "host:web-1", AlwaysRun: true, Tasks: []model.TaskInfo{{Path: "run", Body: ssh("report")}}},
			},
		})
		res, err := job.Execute(context.Background(), Build{Runner: runner})
		if err != nil {
			t.Fatalf("Execute() error = %v, exit is not a failure", err)
		}
		if res.Status != RunStatusExited {
			t.Errorf("status = %s, want exited", res.Status)
		}
		if diff := cmp.Diff([]string{"web-1: report"}, runner.sorted()); diff != "" {
			t.Errorf("commands mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestJob_ReverseChildren(t *testing.T) {
	runner := &fakeRunner{}
	var order []string
	step := func(name string) model.TaskInfo {
		return model.TaskInfo{Path: name, Body: func(context.Context, model.ExecContext) error {
			order = append(order, name)
			return nil
		}}
	}
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name: "teardown",
		Plays: []model.PlayInfo{{Name: "p", Hosts: "host:web-1", Tasks: []model.TaskInfo{{
			Path:     "stack",
			Reverse:  true,
			Children: []model.TaskInfo{step("network"), step("database"), step("app")},
		}}}},
	})
	if _, err := job.Execute(context.Background(), Build{Runner: runner}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if diff := cmp.Diff([]string{"app", "database", "network"}, order); diff != "" {
		t.Errorf("child order mismatch (-want +got):\n%s", diff)
	}
}

func TestJob_TaskFilters(t *testing.T) {
	runner := &fakeRunner{}
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name: "deploy",
		Plays: []model.PlayInfo{{Name: "p", Hosts: "host:web-1", Tasks: []model.TaskInfo{
			{Path: "slow", Tags: []string{"slow"}, Body: ssh("slow")},
			{Path: "stage-only", IncludeInEnv: &model.QueryInfo{Names: []string{"stage"}}, Body: ssh("stage-only")},
			{Path: "not-prod", ExcludeInEnv: &model.QueryInfo{Names: []string{"prod"}}, Body: ssh("not-prod")},
			{Path: "when-false", When: []model.Predicate{func(model.Evaluator) (bool, error) { return false, nil }}, Body: ssh("when-false")},
			{Path: "when-host", When: []model.Predicate{func(x model.Evaluator) (bool, error) {
				name, err := x.Resolve("host.name")
				return name == "web-1", err
			}}, Body: ssh("when-host")},
			{Path: "always", Body: ssh("always")},
		}}},
	})
	if _, err := job.Execute(context.Background(), Build{Runner: runner, SkipTags: []string{"slow"}}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if diff := cmp.Diff([]string{"web-1: always", "web-1: when-host"}, runner.sorted()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestJob_SequentialConfirm(t *testing.T) {
	runner := &fakeRunner{}
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name:  "deploy",
		Plays: []model.PlayInfo{{Name: "canary", Hosts: "role=web", Tasks: []model.TaskInfo{{Path: "run", Body: ssh("deploy")}}}},
	})

	var asked []string
	confirm := ConfirmFunc(func(_ context.Context, play, host string) (bool, error) {
		asked = append(asked, host)
		return host != "web-2", nil
	})
	res, err := job.Execute(context.Background(), Build{Runner: runner, Confirmer: confirm})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if diff := cmp.Diff([]string{"web-1", "web-2"}, asked); diff != "" {
		t.Errorf("confirmations mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"web-1: deploy"}, runner.sorted()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if res.Plays[0].Status != UnitStatusExited {
		t.Errorf("play status = %s, want exited", res.Plays[0].Status)
	}
}

func TestJob_TaskLockSerializesHosts(t *testing.T) {
	var active, peak atomic.Int32
	body := func(context.Context, model.ExecContext) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name: "deploy",
		Plays: []model.PlayInfo{{
			Name:   "migrate",
			Hosts:  "role=web",
			Serial: 1,
			Tasks:  []model.TaskInfo{{Path: "schema", ResourcesRequired: []string{"db"}, Body: body}},
		}},
	})

	events := &eventLog{}
	if _, err := job.Execute(context.Background(), Build{Recorder: events}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("%d hosts held the db lock at once", got)
	}
	if !events.has(EventTypeResourceAcquired) || !events.has(EventTypeResourceReleased) {
		t.Error("missing resource events")
	}
}

func TestJob_PlayLockCoversTasks(t *testing.T) {
	log := &opLog{}
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name: "deploy",
		Plays: []model.PlayInfo{{
			Name:              "migrate",
			Hosts:             "host:web-1",
			ResourcesRequired: []string{"db"},
			ResourceOperators: map[string]string{"db": "file"},
			Tasks: []model.TaskInfo{
				{Path: "one", ResourcesRequired: []string{"db"}},
				{Path: "two", ResourcesRequired: []string{"db"}},
			},
		}},
	})

	_, err := job.Execute(context.Background(), Build{Operators: map[string]ResourceOperator{"file": log}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if diff := cmp.Diff([]string{"acquire db", "release db"}, log.ops); diff != "" {
		t.Errorf("operator calls mismatch (-want +got):\n%s", diff)
	}
}

func TestJob_ChildTaskSharesParentLock(t *testing.T) {
	childRan := false
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name: "deploy",
		Plays: []model.PlayInfo{{Name: "migrate", Hosts: "host:web-1", Tasks: []model.TaskInfo{{
			Path:              "parent",
			ResourcesRequired: []string{"db"},
			Children: []model.TaskInfo{{
				Path:              "parent/child",
				ResourcesRequired: []string{"db"},
				Body: func(context.Context, model.ExecContext) error {
					childRan = true
					return nil
				},
			}},
		}}}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events := &eventLog{}
	if _, err := job.Execute(ctx, Build{Recorder: events}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !childRan {
		t.Error("child task did not run")
	}
	acquired := 0
	for _, typ := range events.types() {
		if typ == EventTypeResourceAcquired {
			acquired++
		}
	}
	if acquired != 1 {
		t.Errorf("db acquired %d times, want 1", acquired)
	}
}

func TestJob_CascadeContributions(t *testing.T) {
	var released, versions any
	job := newTestJob(t, model.ProjectInfo{
		Vars: []vars.Variable{
			vars.Named("released", vars.CascadeList(vars.Value("base"))),
			vars.Named("versions", vars.CascadeMap()),
			vars.Named("version", vars.Value("1.4.2")),
		},
	}, model.PlaybookInfo{
		Name: "deploy",
		Plays: []model.PlayInfo{{Name: "rollout", Hosts: "host:web-1", Tasks: []model.TaskInfo{
			{Path: "record", Body: func(_ context.Context, x model.ExecContext) error {
				if err := x.Append("released", x.Host().Name); err != nil {
					return err
				}
				return x.Put("versions", x.Host().Name, "1.4.2")
			}},
			{Path: "misuse", Body: func(_ context.Context, x model.ExecContext) error {
				if err := x.Append("versions", "x"); err == nil {
					return errors.New("append to a cascading map must fail")
				}
				if err := x.Put("version", "k", "v"); err == nil {
					return errors.New("put to a plain value must fail")
				}
				return nil
			}},
			{Path: "read", Body: func(_ context.Context, x model.ExecContext) error {
				var err error
				if released, err = x.Concrete("released"); err != nil {
					return err
				}
				versions, err = x.Concrete("versions")
				return err
			}},
		}}},
	})

	if _, err := job.Execute(context.Background(), Build{}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if diff := cmp.Diff([]any{"base", "web-1"}, released); diff != "" {
		t.Errorf("released mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"web-1": "1.4.2"}, versions); diff != "" {
		t.Errorf("versions mismatch (-want +got):\n%s", diff)
	}
}

func TestJob_UnknownOperator(t *testing.T) {
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name: "deploy",
		Plays: []model.PlayInfo{{
			Name:              "migrate",
			ResourcesRequired: []string{"db"},
			ResourceOperators: map[string]string{"db": "consul"},
		}},
	})
	_, err := job.Execute(context.Background(), Build{})
	if !model.IsConfigError(err) {
		t.Fatalf("Execute() error = %v, want a config error", err)
	}
}

func TestJob_SetupFailure(t *testing.T) {
	var hookLog []string
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{
		Name: "deploy",
		Hooks: []model.HookInfo{
			{
				Name:     "first",
				Setup:    func(context.Context, model.Evaluator) error { hookLog = append(hookLog, "setup first"); return nil },
				Teardown: func(context.Context, model.Evaluator) error { hookLog = append(hookLog, "teardown first"); return nil },
			},
			{
				Name:     "second",
				Setup:    func(context.Context, model.Evaluator) error { return errors.New("no quorum") },
				Teardown: func(context.Context, model.Evaluator) error { hookLog = append(hookLog, "teardown second"); return nil },
			},
			{
				Name:  "third",
				Setup: func(context.Context, model.Evaluator) error { hookLog = append(hookLog, "setup third"); return nil },
			},
		},
		Plays: []model.PlayInfo{{Name: "p", Hosts: "host:web-1", Tasks: []model.TaskInfo{{Path: "run", Body: ssh("deploy")}}}},
	})

	runner := &fakeRunner{}
	_, err := job.Execute(context.Background(), Build{Runner: runner})
	var e *EngineError
	if !errors.As(err, &e) || e.Code != ErrCodeHookFailed {
		t.Fatalf("Execute() error = %v, want %s", err, ErrCodeHookFailed)
	}
	if diff := cmp.Diff([]string{"setup first", "teardown first"}, hookLog); diff != "" {
		t.Errorf("hook order mismatch (-want +got):\n%s", diff)
	}
	if len(runner.sorted()) != 0 {
		t.Error("plays must not run after a failed setup")
	}
}

func TestJob_ProjectConditionSkipsBuild(t *testing.T) {
	runner := &fakeRunner{}
	job := newTestJob(t, model.ProjectInfo{
		Vars: []vars.Variable{vars.Named("enabled", vars.Value(false))},
		When: []model.Predicate{func(x model.Evaluator) (bool, error) {
			v, err := x.Resolve("enabled")
			return v == true, err
		}},
	}, model.PlaybookInfo{
		Name:  "deploy",
		Plays: []model.PlayInfo{{Name: "p", Tasks: []model.TaskInfo{{Path: "run", Body: ssh("deploy")}}}},
	})

	res, err := job.Execute(context.Background(), Build{Runner: runner})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != RunStatusSkipped {
		t.Errorf("status = %s, want skipped", res.Status)
	}
	if len(runner.sorted()) != 0 {
		t.Error("nothing may run for a skipped build")
	}
}

func TestJob_RequiredParameter(t *testing.T) {
	var got any
	job := newTestJob(t, model.ProjectInfo{
		Vars: []vars.Variable{vars.Named("version", vars.Parameter(nil, vars.Required()))},
	}, model.PlaybookInfo{
		Name: "deploy",
		Plays: []model.PlayInfo{{Name: "p", Hosts: "host:web-1", Tasks: []model.TaskInfo{{Path: "run", Body: func(_ context.Context, x model.ExecContext) error {
			var err error
			got, err = x.Resolve("version")
			return err
		}}}}},
	})

	params, err := job.Parameters()
	if err != nil {
		t.Fatalf("Parameters() error = %v", err)
	}
	if len(params) != 1 || params[0].Name != "version" || !params[0].Required {
		t.Errorf("Parameters() = %+v, want the required version", params)
	}

	if _, err := job.Execute(context.Background(), Build{}); !errors.Is(err, vars.ErrMissing) {
		t.Fatalf("Execute() without version: error = %v, want ErrMissing", err)
	}
	if _, err := job.Execute(context.Background(), Build{Params: map[string]any{"version": "2.0"}}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "2.0" {
		t.Errorf("version = %v, want 2.0", got)
	}
}

func TestNewJob_InactiveProject(t *testing.T) {
	cat, err := project.NewCatalog(webRegistry(t), []model.ProjectInfo{{
		Name:        "web",
		Playbook:    "deploy",
		ActiveInEnv: &model.QueryInfo{Names: []string{"stage"}},
	}}, []model.PlaybookInfo{{Name: "deploy"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJob(cat, "web", "prod", ""); !model.IsConfigError(err) {
		t.Errorf("NewJob() error = %v, want a config error", err)
	}
}

type fakeScheduler struct{ req ScheduleRequest }

func (f *fakeScheduler) Schedule(_ context.Context, req ScheduleRequest) (string, error) {
	f.req = req
	return "b-2", nil
}

func TestJob_Schedule(t *testing.T) {
	job := newTestJob(t, model.ProjectInfo{}, model.PlaybookInfo{Name: "deploy"})
	sched := &fakeScheduler{}
	b := Build{ID: "b-1", Params: map[string]any{"version": "1.0"}, Scheduler: sched}

	id, err := job.Schedule(context.Background(), b, func(req ScheduleRequest) (ScheduleRequest, error) {
		req.Playbook = "verify"
		req.Params["version"] = "1.1"
		return req, nil
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if id != "b-2" {
		t.Errorf("id = %s, want b-2", id)
	}
	want := ScheduleRequest{Project: "web", Env: "prod", Playbook: "verify", Params: map[string]any{"version": "1.1"}, Parent: "b-1"}
	if diff := cmp.Diff(want, sched.req); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	if b.Params["version"] != "1.0" {
		t.Error("derive must not change the parent build's parameters")
	}

	if _, err := job.Schedule(context.Background(), Build{}, nil); err == nil {
		t.Error("Schedule() without a scheduler must fail")
	}
}
