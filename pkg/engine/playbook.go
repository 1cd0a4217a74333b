package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

// runPlaybook runs setup hooks front to back, then the plays, then the
// teardown of every hook whose setup succeeded, back to front. A failed
// setup stops further setups and every play. The first failure is returned;
// later ones are logged as warnings.
func (r *run) runPlaybook(ctx context.Context, hooks []model.HookInfo, plays []*Play) error {
	var first error
	record := func(err error) {
		if err == nil {
			return
		}
		if first == nil {
			first = err
			return
		}
		r.logger.Warn().Err(err).Msg("failure after an earlier failure")
		r.emit(ctx, &Event{Type: EventTypeWarning, Message: err.Error()})
	}

	ev := newEvaluator(r.base, r.logger)
	var ran []model.HookInfo
	for _, h := range hooks {
		if h.Setup != nil {
			r.logger.Debug().Str("hook", h.Name).Msg("setup")
			r.emit(ctx, &Event{Type: EventTypeHookStarted, Message: "setup " + h.Name})
			if err := h.Setup(ctx, ev); err != nil {
				record(hookError(h.Name, "setup", err))
				r.emit(ctx, &Event{Type: EventTypeHookFailed, Message: fmt.Sprintf("setup %s: %v", h.Name, err)})
				break
			}
		}
		ran = append(ran, h)
	}

	if first == nil {
		r.runPlays(ctx, plays, func() bool { return first != nil }, record)
	}

	// Teardown runs even when the build was cancelled.
	teardownCtx := context.WithoutCancel(ctx)
	for i := len(ran) - 1; i >= 0; i-- {
		h := ran[i]
		if h.Teardown == nil {
			continue
		}
		r.logger.Debug().Str("hook", h.Name).Msg("teardown")
		if err := h.Teardown(teardownCtx, ev); err != nil {
			record(hookError(h.Name, "teardown", err))
			r.emit(ctx, &Event{Type: EventTypeHookFailed, Message: fmt.Sprintf("teardown %s: %v", h.Name, err)})
		}
	}
	return first
}

func hookError(name, phase string, err error) error {
	if isExitSignal(err) || isCancelled(err) {
		return err
	}
	return NewPermanentError(fmt.Sprintf("%s hook %q failed", phase, name), err).WithCode(ErrCodeHookFailed)
}

// runPlays runs plays in order under the resource scheduler. Once failed
// reports true only always-run plays still execute. Failures go to record so
// that later always-run plays are reached.
func (r *run) runPlays(ctx context.Context, plays []*Play, failed func() bool, record func(error)) {
	payloads := make([]Payload, len(plays))
	for i, p := range plays {
		payloads[i] = Payload{
			Name:      p.Name(),
			Resources: p.Resources(),
			Skip: func(ctx context.Context) (bool, error) {
				if failed() && !p.AlwaysRun() {
					r.skipPlay(ctx, p, "earlier failure")
					return true, nil
				}
				ok, err := p.ShouldRun(r.env, r.playEvaluator(p))
				if err != nil {
					record(err)
					r.addPlay(PlayResult{Name: p.Name(), Status: UnitStatusFailed, Error: err.Error()})
					return true, nil
				}
				if !ok {
					r.skipPlay(ctx, p, "conditions not met")
				}
				return !ok, nil
			},
			Run: func(ctx context.Context) error {
				if failed() {
					r.logger.Info().Str("play", p.Name()).Msg("running always-run play after failure")
				}
				record(r.runPlay(ctx, p))
				return nil
			},
		}
	}
	if err := RunScheduled(ctx, payloads, r.locks); err != nil {
		record(err)
	}
}

func (r *run) skipPlay(ctx context.Context, p *Play, reason string) {
	r.logger.Info().Str("play", p.Name()).Str("reason", reason).Msg("play skipped")
	r.emit(ctx, &Event{Type: EventTypePlaySkipped, Play: p.Name(), Message: reason})
	r.addPlay(PlayResult{Name: p.Name(), Status: UnitStatusSkipped})
}

// runPlay executes one play with its span, events and metrics.
func (r *run) runPlay(ctx context.Context, p *Play) (err error) {
	if tel := r.build.Telemetry; tel != nil && tel.Tracer != nil {
		var span trace.Span
		ctx, span = tel.Tracer.StartPlaySpan(ctx, r.build.ID, p.Name())
		defer func() { telemetry.EndSpan(span, failure(err)) }()
	}

	start := time.Now()
	r.emit(ctx, &Event{Type: EventTypePlayStarted, Play: p.Name()})
	result, err := p.execute(ctx, r)
	r.addPlay(result)
	r.metrics().RecordPlay(p.Name(), string(result.Status), time.Since(start))

	if failure(err) != nil {
		r.logger.Error().Err(err).Str("play", p.Name()).Msg("play failed")
		r.emit(ctx, &Event{Type: EventTypePlayFailed, Play: p.Name(), Message: err.Error()})
		return err
	}
	r.emit(ctx, &Event{Type: EventTypePlayCompleted, Play: p.Name(), Message: string(result.Status)})
	return err
}

// failure drops exit signals, which end a construct without failing it.
func failure(err error) error {
	if isExitSignal(err) {
		return nil
	}
	return err
}
