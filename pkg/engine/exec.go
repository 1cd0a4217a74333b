package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/model"
	"github.com/openfroyo/rollout/pkg/vars"
)

// ErrNoRunner is returned by the ssh and upload primitives when the build
// has no HostRunner.
var ErrNoRunner = errors.New("no host runner configured")

// evaluator resolves names against one resolution context.
type evaluator struct {
	rc     *vars.Context
	logger zerolog.Logger
}

func newEvaluator(rc *vars.Context, logger zerolog.Logger) *evaluator {
	return &evaluator{rc: rc, logger: logger}
}

func (e *evaluator) Env() vars.Environment { return e.rc.Env }

func (e *evaluator) Resolve(name string) (any, error) {
	return e.rc.ResolveName(vars.ParseName(name))
}

func (e *evaluator) Concrete(name string) (any, error) {
	return e.rc.ConcreteName(vars.ParseName(name))
}

func (e *evaluator) Logger() zerolog.Logger { return e.logger }

// hostUnit is the execution context of one play on one host. It owns its
// resolution context; nothing in it is shared with other units except the
// host variable table, which only this unit writes.
type hostUnit struct {
	*evaluator
	run     *run
	play    *Play
	host    model.HostInfo
	retired bool
	table   *vars.Table
	locks   *LockSet
}

var _ model.ExecContext = (*hostUnit)(nil)

func (u *hostUnit) Host() model.HostInfo { return u.host }
func (u *hostUnit) Retired() bool        { return u.retired }

// Set binds name in the host's variable table. Cached values are dropped so
// later lookups see the new binding.
func (u *hostUnit) Set(name string, value any) {
	u.table.SetValue(name, value)
	u.dropCache()
}

// Append registers value as one more element of the cascading list name.
func (u *hostUnit) Append(name string, value any) error {
	c, err := u.cascade(name, false)
	if err != nil {
		return err
	}
	c.Add(u.table, vars.Value(value))
	u.dropCache()
	return nil
}

// Put registers value under key in the cascading map name.
func (u *hostUnit) Put(name, key string, value any) error {
	c, err := u.cascade(name, true)
	if err != nil {
		return err
	}
	c.Put(u.table, key, vars.Value(value))
	u.dropCache()
	return nil
}

func (u *hostUnit) cascade(name string, keyed bool) (vars.Cascade, error) {
	v, ok := u.rc.Where.Lookup(vars.ParseName(name))
	if !ok {
		return vars.Cascade{}, fmt.Errorf("%s: %w", name, vars.ErrMissing)
	}
	c, ok := vars.AsCascade(v)
	if !ok || c.IsMap() != keyed {
		kind := "list"
		if keyed {
			kind = "map"
		}
		return vars.Cascade{}, fmt.Errorf("%s is not a cascading %s", name, kind)
	}
	return c, nil
}

func (u *hostUnit) dropCache() {
	if u.rc.Cache != nil {
		u.rc.Cache = vars.NewMapCache()
	}
}

func (u *hostUnit) SSH(ctx context.Context, command string) (model.CommandResult, error) {
	if u.run.build.Runner == nil {
		return model.CommandResult{}, ErrNoRunner
	}
	u.logger.Debug().Str("command", command).Msg("ssh")
	return u.run.build.Runner.Run(ctx, u.host, command)
}

func (u *hostUnit) Upload(ctx context.Context, local, remote string) error {
	if u.run.build.Runner == nil {
		return ErrNoRunner
	}
	u.logger.Debug().Str("local", local).Str("remote", remote).Msg("upload")
	return u.run.build.Runner.Upload(ctx, u.host, local, remote)
}
