package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/rollout/pkg/config"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/locks"
	"github.com/openfroyo/rollout/pkg/policy"
	"github.com/openfroyo/rollout/pkg/project"
	"github.com/openfroyo/rollout/pkg/secrets"
	"github.com/openfroyo/rollout/pkg/stores"
	"github.com/openfroyo/rollout/pkg/telemetry"
	"github.com/openfroyo/rollout/pkg/transports/ssh"
)

// loadSettings reads the settings file and applies --model.
func loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	if len(modelPaths) > 0 {
		s.Model.Paths = modelPaths
	}
	return s, nil
}

// loadCatalog loads the CUE model and builds the project catalog.
func loadCatalog(ctx context.Context, s *config.Settings) (*config.Model, *project.Catalog, error) {
	parser, err := config.NewCUEParser(log.Logger, config.WithScriptTimeout(s.Model.ScriptTimeout))
	if err != nil {
		return nil, nil, err
	}
	m, err := parser.Load(ctx, s.Model.Paths)
	if err != nil {
		return nil, nil, err
	}
	catalog, err := m.Catalog()
	if err != nil {
		return m, nil, err
	}
	return m, catalog, nil
}

// openStore opens the build history and applies migrations.
func openStore(ctx context.Context, s *config.Settings) (*stores.SQLiteStore, error) {
	if s.Store.Path != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.Store.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(s.Store)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// runtime holds the collaborators a build runs with.
type runtime struct {
	settings *config.Settings
	catalog  *project.Catalog
	logger   zerolog.Logger

	telemetry *telemetry.Telemetry
	store     *stores.SQLiteStore
	keyring   *secrets.Keyring
	policies  *policy.Engine
	locks     *locks.FileLocks
	runner    *ssh.Runner
}

func openRuntime(ctx context.Context) (*runtime, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	_, catalog, err := loadCatalog(ctx, s)
	if err != nil {
		return nil, err
	}

	rt := &runtime{settings: s, catalog: catalog}
	ok := false
	defer func() {
		if !ok {
			rt.Close(context.Background())
		}
	}()

	s.Telemetry.ServiceVersion = binaryVersion
	if rt.telemetry, err = telemetry.NewTelemetry(&s.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	rt.logger = *rt.telemetry.Logger.Zerolog()
	if err := rt.telemetry.StartMetricsServer(ctx); err != nil {
		return nil, err
	}

	if rt.store, err = openStore(ctx, s); err != nil {
		return nil, err
	}
	if rt.keyring, err = secrets.Load(s.Secrets.KeyDir, os.Getenv); err != nil {
		return nil, err
	}

	opts := []policy.Option{policy.WithTimeout(s.Policy.Timeout)}
	if s.Policy.FailClosed {
		opts = append(opts, policy.WithFailClosed())
	}
	if rt.policies, err = policy.NewEngine(rt.logger, opts...); err != nil {
		return nil, err
	}
	if len(s.Policy.Paths) > 0 {
		if err := rt.policies.LoadPolicies(ctx, s.Policy.Paths); err != nil {
			return nil, err
		}
		if s.Policy.Watch {
			if err := rt.policies.Watch(ctx, s.Policy.Paths); err != nil {
				return nil, err
			}
		}
	}

	if rt.locks, err = locks.NewFileLocks(s.Locks.Dir, rt.logger); err != nil {
		return nil, err
	}
	rt.locks.SetRetryDelay(s.Locks.RetryDelay)

	rt.runner = ssh.NewRunner(s.SSH, rt.logger)

	ok = true
	return rt, nil
}

// build assembles an engine.Build. Settings provide every collaborator;
// the caller fills in the per-build fields. Logging and telemetry reach the
// engine through the context set up by execute.
func (rt *runtime) build(id string, params map[string]any, confirmer engine.Confirmer) engine.Build {
	return engine.Build{
		ID:        id,
		Params:    params,
		Workspace: &stores.DirWorkspace{Root: rt.settings.Workspace.Root, Keep: rt.settings.Workspace.Keep},
		Runner:    rt.runner,
		Operators: map[string]engine.ResourceOperator{
			"file":   rt.locks,
			"memory": engine.NewMemoryLocks(),
		},
		DefaultOperator: rt.locks,
		Confirmer:       confirmer,
		Recorder:        stores.NewRecorder(rt.store),
		Scheduler:       rt.store,
		Authorizer:      rt.policies,
		Decrypter:       rt.keyring,
	}
}

// execute runs one build of project in env and stores its result.
func (rt *runtime) execute(ctx context.Context, req engine.ScheduleRequest, b engine.Build) (*engine.BuildResult, error) {
	job, err := engine.NewJob(rt.catalog, req.Project, req.Env, req.Playbook)
	if err != nil {
		return nil, err
	}
	if b.ID == "" {
		b.ID = engine.NewBuildID()
	}

	row := &stores.Build{
		ID:       b.ID,
		Project:  req.Project,
		Env:      req.Env,
		Playbook: job.Playbook(),
		Status:   engine.RunStatusRunning,
		Params:   b.Params,
	}
	if req.Parent != "" {
		row.ParentID = &req.Parent
	}
	if err := rt.store.CreateBuild(ctx, row); err != nil {
		return nil, err
	}

	ctx = rt.telemetry.WithContext(ctx)
	result, runErr := job.Execute(ctx, b)
	if err := rt.store.SaveResult(context.WithoutCancel(ctx), result); err != nil {
		rt.logger.Error().Err(err).Str("build", b.ID).Msg("failed to save build result")
	}
	return result, runErr
}

func (rt *runtime) Close(ctx context.Context) {
	var errs []error
	if rt.runner != nil {
		errs = append(errs, rt.runner.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.telemetry != nil {
		errs = append(errs, rt.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
}
