package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/rollout/pkg/inventory"
	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/project"
	"github.com/openfroyo/rollout/pkg/telemetry"
	"github.com/openfroyo/rollout/pkg/vars"
)

// Job is a project deployed to one environment with one playbook.
type Job struct {
	catalog  *project.Catalog
	project  *project.Project
	env      *inventory.Environment
	playbook string
}

// NewJob looks up the project and environment and checks that the project
// deploys there. An empty playbook selects the project's own.
func NewJob(c *project.Catalog, projectName, envName, playbook string) (*Job, error) {
	p, err := c.Project(projectName)
	if err != nil {
		return nil, err
	}
	env, err := c.Registry().Get(envName)
	if err != nil {
		return nil, err
	}
	if !p.ActiveIn(env) {
		return nil, model.NewConfigError("job", projectName+"@"+envName, model.ErrNotFound,
			"project %q is not active in environment %q", projectName, envName)
	}
	if playbook == "" {
		playbook = p.PlaybookName()
	}
	if playbook == "" {
		return nil, model.NewConfigError("job", projectName+"@"+envName, model.ErrNotFound, "no playbook")
	}
	return &Job{catalog: c, project: p, env: env, playbook: playbook}, nil
}

func (j *Job) Project() *project.Project          { return j.project }
func (j *Job) Environment() *inventory.Environment { return j.env }
func (j *Job) Playbook() string                    { return j.playbook }

func (j *Job) String() string {
	return fmt.Sprintf("%s@%s:%s", j.project.Name(), j.env.Name(), j.playbook)
}

// Parameters lists the user parameters of the job: those declared by the
// project and by its playbook.
func (j *Job) Parameters() ([]project.Parameter, error) {
	pb, err := j.catalog.Playbook(j.playbook, nil)
	if err != nil {
		return nil, err
	}
	return project.CollectParameters(j.env, pb.Scope(j.project.VarsFor(j.env)))
}

// DeriveFunc computes a downstream build request from the current one.
type DeriveFunc func(req ScheduleRequest) (ScheduleRequest, error)

// Schedule enqueues a downstream build through b.Scheduler. The request
// starts as a copy of this job with b's parameters; derive may change any of
// it.
func (j *Job) Schedule(ctx context.Context, b Build, derive DeriveFunc) (string, error) {
	if b.Scheduler == nil {
		return "", NewPermanentError("no scheduler configured", nil).WithCode(ErrCodeValidation)
	}
	params := make(map[string]any, len(b.Params))
	for k, v := range b.Params {
		params[k] = v
	}
	req := ScheduleRequest{
		Project:  j.project.Name(),
		Env:      j.env.Name(),
		Playbook: j.playbook,
		Params:   params,
		Parent:   b.ID,
	}
	if derive != nil {
		var err error
		if req, err = derive(req); err != nil {
			return "", fmt.Errorf("derive downstream build: %w", err)
		}
	}
	return b.Scheduler.Schedule(ctx, req)
}

// Execute runs the job once. The returned result is never nil; the error is
// the first failure of the build. A playbook that exits early is not a
// failure.
func (j *Job) Execute(ctx context.Context, b Build) (*BuildResult, error) {
	if b.ID == "" {
		b.ID = NewBuildID()
	}
	if b.Telemetry == nil {
		b.Telemetry = telemetry.FromTelemetryContext(ctx)
	}
	r := j.newRun(b)
	result := &BuildResult{
		ID:        b.ID,
		Project:   j.project.Name(),
		Env:       j.env.Name(),
		Playbook:  j.playbook,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	var span trace.Span
	if tel := b.Telemetry; tel != nil && tel.Tracer != nil {
		ctx, span = tel.Tracer.StartBuildSpan(ctx, b.ID, j.project.Name(), j.env.Name())
		if id := telemetry.TraceID(ctx); id != "" {
			r.logger = r.logger.With().Str("trace_id", id).Logger()
		}
	}
	r.metrics().RecordBuildStarted(j.project.Name(), j.env.Name())
	r.logger.Info().Str("playbook", j.playbook).Msg("build started")
	r.emit(ctx, &Event{Type: EventTypeBuildStarted, Message: j.String()})

	err := j.execute(ctx, r)

	result.FinishedAt = time.Now()
	result.Plays = r.playResults()
	result.Status = statusFor(err)
	if r.skipped && err == nil {
		result.Status = RunStatusSkipped
	}
	if IsExit(err, ExitPlaybook) {
		r.logger.Info().Str("reason", err.Error()).Msg("playbook exited")
		err = nil
	}
	if span != nil {
		telemetry.EndSpan(span, err)
	}
	r.metrics().RecordBuildCompleted(string(result.Status), result.Duration())

	if err != nil {
		if e := Classify(err); e != nil {
			r.metrics().RecordError(string(e.Class), e.Code)
		}
		result.Error = err.Error()
		r.logger.Error().Err(err).Str("status", string(result.Status)).Msg("build failed")
		r.emit(ctx, &Event{Type: EventTypeBuildFailed, Message: err.Error()})
		return result, err
	}
	r.logger.Info().Str("status", string(result.Status)).Dur("duration", result.Duration()).Msg("build completed")
	r.emit(ctx, &Event{Type: EventTypeBuildCompleted, Message: string(result.Status)})
	return result, nil
}

func (j *Job) execute(ctx context.Context, r *run) error {
	projectScope := j.project.VarsFor(j.env)
	ev := newEvaluator(r.newContext(projectScope), r.logger)
	for _, when := range j.project.When() {
		ok, err := when(ev)
		if err != nil {
			return model.NewConfigError("project", j.project.Name(), err, "when")
		}
		if !ok {
			r.logger.Info().Msg("project conditions not met, skipping build")
			r.skipped = true
			return nil
		}
	}

	pb, err := j.catalog.Playbook(j.playbook, r.build.Params)
	if err != nil {
		return err
	}
	if !pb.ActiveIn(j.env) {
		return model.NewConfigError("playbook", j.playbook, model.ErrNotFound, "not active in environment %q", j.env.Name())
	}
	infos, err := pb.Scene(r.build.Scene)
	if err != nil {
		return err
	}
	plays := make([]*Play, 0, len(infos))
	for _, info := range infos {
		p, err := NewPlay(info)
		if err != nil {
			return err
		}
		plays = append(plays, p)
	}
	if err := r.bindOperators(plays); err != nil {
		return err
	}

	dir := ""
	if ws := r.build.Workspace; ws != nil {
		if dir, err = ws.Prepare(ctx, r.build.ID); err != nil {
			return NewTransientError("prepare workspace", err).WithCode(ErrCodeWorkspace)
		}
		defer func() {
			if err := ws.Cleanup(context.WithoutCancel(ctx), dir); err != nil {
				r.logger.Warn().Err(err).Str("workspace", dir).Msg("workspace cleanup failed")
			}
		}()
	}

	facts := vars.NewTable()
	facts.SetValue("build.id", r.build.ID)
	facts.SetValue("build.workspace", dir)
	facts.SetValue("build.env", j.env.Name())
	facts.SetValue("build.class", string(j.env.Class()))
	facts.SetValue("build.project", j.project.Name())
	facts.SetValue("build.playbook", j.playbook)
	r.scope = pb.Scope(projectScope).With(facts)
	r.base = r.newContext(r.scope)

	if err := r.checkRequired(); err != nil {
		return err
	}
	return r.runPlaybook(ctx, pb.Hooks(), plays)
}

// run is the state of one Job.Execute call.
type run struct {
	build    Build
	job      *Job
	env      *inventory.Environment
	skipTags map[string]bool
	logger   zerolog.Logger

	scope    *vars.Layered
	base     *vars.Context
	hostVars *HostVars
	locks    *LockSet
	operator map[string]string

	skipped bool

	mu    sync.Mutex
	plays []PlayResult
}

func (j *Job) newRun(b Build) *run {
	logger := zerolog.Nop()
	switch {
	case b.Logger != nil:
		logger = b.Logger.With().
			Str("build_id", b.ID).
			Str("project", j.project.Name()).
			Str("env", j.env.Name()).
			Logger()
	case b.Telemetry != nil && b.Telemetry.Logger != nil:
		logger = *b.Telemetry.Logger.NewComponentLogger("engine").
			WithBuild(b.ID, j.project.Name(), j.env.Name()).
			Zerolog()
	}

	r := &run{
		build:    b,
		job:      j,
		env:      j.env,
		skipTags: stringSet(b.SkipTags),
		logger:   logger,
		hostVars: NewHostVars(),
		operator: make(map[string]string),
	}
	memory := NewMemoryLocks()
	r.locks = NewLockSet(func(key string) ResourceOperator {
		if name, ok := r.operator[key]; ok {
			return b.Operators[name]
		}
		if b.DefaultOperator != nil {
			return b.DefaultOperator
		}
		return memory
	}, logger)
	r.locks.notify = func(key string, acquired bool) {
		typ := EventTypeResourceReleased
		if acquired {
			typ = EventTypeResourceAcquired
		}
		r.metrics().RecordResource(key, acquired)
		r.emit(context.Background(), &Event{Type: typ, Resource: key})
	}
	return r
}

// bindOperators maps every resource key a play routes to a named operator.
// Unknown operator names are configuration errors.
func (r *run) bindOperators(plays []*Play) error {
	for _, p := range plays {
		for key, name := range p.info.ResourceOperators {
			if _, ok := r.build.Operators[name]; !ok {
				return model.NewConfigError("play", p.Name(), model.ErrNotFound, "resource operator %q for %q", name, key)
			}
			if prev, ok := r.operator[key]; ok && prev != name {
				return model.NewConfigError("play", p.Name(), model.ErrDuplicate, "resource %q bound to operators %q and %q", key, prev, name)
			}
			r.operator[key] = name
		}
	}
	return nil
}

// checkRequired resolves every required user parameter up front so that a
// missing value fails the build before anything runs.
func (r *run) checkRequired() error {
	params, err := project.CollectParameters(r.env, r.scope)
	if err != nil {
		return err
	}
	for _, p := range params {
		if !p.Required {
			continue
		}
		if _, err := r.base.ResolveName(vars.ParseName(p.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) newContext(scope vars.Scope) *vars.Context {
	rc := vars.NewContext(r.env, scope)
	if r.build.Params != nil {
		rc.Params = r.build.Params
	}
	rc.Authorizer = r.build.Authorizer
	rc.Decrypter = r.build.Decrypter
	rc.Logger = r.logger
	return rc
}

func (r *run) playEvaluator(p *Play) *evaluator {
	return newEvaluator(r.base.Fork(r.scope.With(p.vars)), r.logger.With().Str("play", p.Name()).Logger())
}

// newUnit builds the execution context of play p on one target. Its scope
// layers the play variables and host facts over the playbook scope and
// writes to the host's table.
func (r *run) newUnit(p *Play, t Target) *hostUnit {
	host := t.Host.Info()
	table := r.hostVars.For(host.Name)

	facts := vars.NewTable()
	facts.SetValue("host.name", host.Name)
	facts.SetValue("host.address", t.Host.Address())
	facts.SetValue("host.user", host.User)
	facts.SetValue("host.port", host.Port)
	facts.SetValue("host.retired", t.Retired)
	facts.SetValue("host.labels", stringMap(host.Labels))

	scope := r.scope.With(p.vars, facts).WithWritable(table)
	logger := r.logger.With().Str("play", p.Name()).Str("host", host.Name).Logger()
	rc := r.base.Fork(scope)
	rc.Logger = logger

	return &hostUnit{
		evaluator: newEvaluator(rc, logger),
		run:       r,
		play:      p,
		host:      host,
		retired:   t.Retired,
		table:     table,
		locks:     r.locks.Child(),
	}
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *run) addPlay(res PlayResult) {
	r.mu.Lock()
	r.plays = append(r.plays, res)
	r.mu.Unlock()
}

func (r *run) playResults() []PlayResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PlayResult(nil), r.plays...)
}

func (r *run) metrics() *telemetry.Metrics {
	if r.build.Telemetry == nil {
		return nil
	}
	return r.build.Telemetry.Metrics
}

// emit stamps e with the build identity and hands it to the recorder and the
// telemetry event stream. Recording failures are logged only.
func (r *run) emit(ctx context.Context, e *Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Timestamp = time.Now()
	e.BuildID = r.build.ID
	e.Project = r.job.project.Name()
	e.Env = r.env.Name()
	e.Playbook = r.job.playbook
	if e.Level == "" {
		e.Level = e.Type.Severity()
	}

	if r.build.Recorder != nil {
		if err := r.build.Recorder.Record(ctx, e); err != nil {
			r.logger.Warn().Err(err).Str("event", string(e.Type)).Msg("failed to record event")
		}
	}
	if tel := r.build.Telemetry; tel != nil && tel.Events != nil {
		_ = tel.Events.Publish(telemetry.Event{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Type:      string(e.Type),
			Source:    "engine",
			BuildID:   e.BuildID,
			Play:      e.Play,
			Host:      e.Host,
			Task:      e.Task,
			Resource:  e.Resource,
			Message:   e.Message,
			Level:     e.Level,
		})
	}
}
