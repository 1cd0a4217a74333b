package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/rollout/pkg/inventory"
	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/telemetry"
	"github.com/openfroyo/rollout/pkg/vars"
)

// Play runs a task tree against a host selection.
type Play struct {
	info     model.PlayInfo
	selector *inventory.Selector
	tasks    []*Task
	vars     *vars.Table
	include  inventory.Query
	exclude  inventory.Query
}

// NewPlay compiles info.
func NewPlay(info model.PlayInfo) (*Play, error) {
	sel, err := inventory.ParseSelector(info.Hosts)
	if err != nil {
		return nil, model.NewConfigError("play", info.Name, err, "hosts %q", info.Hosts)
	}
	if info.Serial < 0 || info.Serial > 1 {
		return nil, model.NewConfigError("play", info.Name, nil, "serial %v outside [0, 1]", info.Serial)
	}
	p := &Play{
		info:     info,
		selector: sel,
		vars:     vars.NewTable(info.Vars...),
	}
	if info.IncludeOnlyInEnv != nil {
		p.include = inventory.CompileQuery(info.IncludeOnlyInEnv)
	}
	if info.ExcludedInEnv != nil {
		p.exclude = inventory.CompileQuery(info.ExcludedInEnv)
	}
	for _, t := range info.Tasks {
		p.tasks = append(p.tasks, NewTask(t))
	}
	return p, nil
}

func (p *Play) Name() string         { return p.info.Name }
func (p *Play) Info() model.PlayInfo { return p.info }
func (p *Play) Resources() []string  { return p.info.ResourcesRequired }
func (p *Play) AlwaysRun() bool      { return p.info.AlwaysRun }
func (p *Play) Tasks() []*Task       { return append([]*Task(nil), p.tasks...) }

// ShouldRun applies the play's environment filters, then its "when"
// predicates.
func (p *Play) ShouldRun(env *inventory.Environment, x model.Evaluator) (bool, error) {
	if p.include != nil && !p.include.Matches(env) {
		return false, nil
	}
	if p.exclude != nil && p.exclude.Matches(env) {
		return false, nil
	}
	for _, when := range p.info.When {
		ok, err := when(x)
		if err != nil {
			return false, model.NewConfigError("play", p.info.Name, err, "when")
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Target is a host the play runs on.
type Target struct {
	Host    *inventory.Host
	Retired bool
}

// Targets selects the play's hosts in env. Non-retired hosts are restricted
// to servers when it is set; hosts named in retire are handled as retired.
// Active targets come first, then retired ones. With no eligible active host
// and no explicit retirement list the play cannot run.
func (p *Play) Targets(env *inventory.Environment, servers, retire []string) ([]Target, error) {
	selected, err := p.selector.Select(env)
	if err != nil {
		return nil, NewPermanentError("select hosts", err).WithPlay(p.info.Name).WithCode(ErrCodeValidation)
	}

	serverSet := stringSet(servers)
	retireSet := stringSet(retire)
	var active, retired []Target
	for _, s := range selected {
		name := s.Host.Name
		if s.Retired || retireSet[name] {
			retired = append(retired, Target{Host: s.Host, Retired: true})
			continue
		}
		if len(serverSet) > 0 && !serverSet[name] {
			continue
		}
		active = append(active, Target{Host: s.Host})
	}

	if len(active) == 0 && len(retire) == 0 {
		return nil, NewPermanentError("no eligible hosts", nil).
			WithPlay(p.info.Name).
			WithCode(ErrCodeNoHosts).
			WithDetail("selector", p.selector.String())
	}
	return append(active, retired...), nil
}

func stringSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}

// Step is the batch size for n hosts at serial fraction s.
func Step(n int, serial float64) int {
	return int(math.Round(float64(n) * serial))
}

// Batches partitions host indexes 0..n-1 into consecutive batches. A step of
// one or less yields one batch per host.
func Batches(n int, serial float64) [][]int {
	return partition(0, n, Step(n, serial))
}

func partition(from, to, step int) [][]int {
	if step < 1 {
		step = 1
	}
	var out [][]int
	for start := from; start < to; start += step {
		end := min(start+step, to)
		batch := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, i)
		}
		out = append(out, batch)
	}
	return out
}

// targetBatches sizes batches by the active host count. Retired targets,
// which Targets places last, are batched separately with the same step so
// they never share a batch with active hosts. A play with only retired
// targets sizes its batches by those.
func targetBatches(targets []Target, serial float64) (batches [][]int, step int) {
	active := 0
	for _, t := range targets {
		if !t.Retired {
			active++
		}
	}
	if active > 0 {
		step = Step(active, serial)
	} else {
		step = Step(len(targets), serial)
	}
	return append(partition(0, active, step), partition(active, len(targets), step)...), step
}

// execute runs the play on its targets, batch by batch. A failed batch stops
// the play; later batches do not start.
func (p *Play) execute(ctx context.Context, r *run) (PlayResult, error) {
	result := PlayResult{Name: p.info.Name, Status: UnitStatusSucceeded}
	logger := r.logger.With().Str("play", p.info.Name).Logger()
	fail := func(err error) (PlayResult, error) {
		result.Status = unitStatusFor(err)
		result.Error = errString(err)
		return result, err
	}

	targets, err := p.Targets(r.env, r.build.Servers, r.build.Retire)
	if err != nil {
		return fail(err)
	}

	batches, step := targetBatches(targets, p.info.Serial)
	sequential := step <= 1
	logger.Info().Int("hosts", len(targets)).Float64("serial", p.info.Serial).Bool("sequential", sequential).Msg("play started")

	var mu sync.Mutex
	collect := func(h HostResult) {
		mu.Lock()
		result.Hosts = append(result.Hosts, h)
		mu.Unlock()
	}

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		if sequential && r.build.Confirmer != nil {
			host := targets[batch[0]].Host.Name
			ok, err := r.build.Confirmer.Confirm(ctx, p.info.Name, host)
			if err != nil {
				return fail(err)
			}
			if !ok {
				logger.Warn().Str("host", host).Msg("host not confirmed, stopping play")
				result.Status = UnitStatusExited
				return result, nil
			}
		}

		if err := p.runBatch(ctx, r, targets, batch, collect); err != nil {
			return fail(err)
		}
	}
	return result, nil
}

// runBatch runs the hosts of one batch concurrently and waits for all of
// them. The first failure to arrive is returned.
func (p *Play) runBatch(ctx context.Context, r *run, targets []Target, batch []int, collect func(HostResult)) error {
	if len(batch) == 1 {
		h, err := p.runHost(ctx, r, targets[batch[0]])
		collect(h)
		return err
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(batch))
	for _, i := range batch {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			h, err := p.runHost(ctx, r, t)
			collect(h)
			if err != nil {
				errChan <- err
			}
		}(targets[i])
	}
	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
			continue
		}
		r.logger.Warn().Err(err).Str("play", p.info.Name).Msg("additional host failure in batch")
	}
	return firstErr
}

// runHost runs the whole task tree on one host, retrying it up to the play's
// retry count. ExitPlay ends the host's run successfully.
func (p *Play) runHost(ctx context.Context, r *run, t Target) (result HostResult, err error) {
	u := r.newUnit(p, t)
	result = HostResult{Host: t.Host.Name, Retired: t.Retired}
	start := time.Now()
	if tel := r.build.Telemetry; tel != nil && tel.Tracer != nil {
		var span trace.Span
		ctx, span = tel.Tracer.StartHostSpan(ctx, r.build.ID, p.info.Name, t.Host.Name)
		defer func() { telemetry.EndSpan(span, failure(err)) }()
	}
	r.emit(ctx, &Event{Type: EventTypeHostStarted, Play: p.info.Name, Host: t.Host.Name})

	attempts := p.info.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		err = runTasks(ctx, u, p.tasks)
		if err == nil || !IsRetryable(err) || attempt == attempts {
			break
		}
		u.logger.Warn().Err(err).Int("attempt", attempt).Msg("host failed, retrying play")
	}

	if IsExit(err, ExitPlay) {
		u.logger.Info().Msg("play exited")
		result.Status = UnitStatusExited
		err = nil
	} else {
		result.Status = unitStatusFor(err)
		result.Error = errString(err)
	}

	r.metrics().RecordHost(p.info.Name, string(result.Status), time.Since(start))
	if err != nil && !isExitSignal(err) {
		u.logger.Error().Err(err).Int("attempts", result.Attempts).Msg("host failed")
		r.emit(ctx, &Event{Type: EventTypeHostFailed, Play: p.info.Name, Host: t.Host.Name, Attempt: result.Attempts, Message: err.Error()})
	} else {
		r.emit(ctx, &Event{Type: EventTypeHostCompleted, Play: p.info.Name, Host: t.Host.Name, Attempt: result.Attempts})
	}
	return result, err
}
