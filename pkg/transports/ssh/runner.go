package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/model"
)

// ChannelLocal runs a host's commands on the control machine.
const ChannelLocal = "local"

// Runner executes build commands on hosts. SSH connections are opened on
// first use and reused until Close.
type Runner struct {
	defaults Defaults
	getenv   func(string) string
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithGetenv replaces os.Getenv for password and passphrase lookups.
func WithGetenv(fn func(string) string) RunnerOption {
	return func(r *Runner) { r.getenv = fn }
}

// NewRunner creates a runner that connects with defaults.
func NewRunner(defaults Defaults, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		defaults: defaults,
		getenv:   os.Getenv,
		logger:   logger.With().Str("component", "ssh").Logger(),
		clients:  make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes command on host.
func (r *Runner) Run(ctx context.Context, host model.HostInfo, command string) (model.CommandResult, error) {
	if host.Channel == ChannelLocal {
		return r.runLocal(ctx, command)
	}
	c, err := r.client(ctx, host)
	if err != nil {
		return model.CommandResult{}, err
	}
	return c.Run(ctx, command)
}

// Upload copies local to remote on host.
func (r *Runner) Upload(ctx context.Context, host model.HostInfo, local, remote string) error {
	if host.Channel == ChannelLocal {
		return copyLocal(ctx, local, remote)
	}
	c, err := r.client(ctx, host)
	if err != nil {
		return err
	}
	return c.Upload(ctx, local, remote)
}

// Hosts lists the hosts with an open connection.
func (r *Runner) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.clients))
	for key := range r.clients {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Close closes every connection.
func (r *Runner) Close() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) client(ctx context.Context, host model.HostInfo) (*Client, error) {
	cfg := r.defaults.ConfigFor(host, r.getenv)
	key := cfg.User + "@" + cfg.Address()

	r.mu.Lock()
	c, ok := r.clients[key]
	if !ok {
		var err error
		c, err = NewClient(cfg, r.logger)
		if err != nil {
			r.mu.Unlock()
			return nil, &TransportError{Op: "configure", Host: host.Name, Err: err}
		}
		r.clients[key] = c
	}
	r.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Runner) runLocal(ctx context.Context, command string) (model.CommandResult, error) {
	if r.defaults.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.defaults.CommandTimeout)
		defer cancel()
	}

	var stdout, stderr strings.Builder
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	res := model.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	r.logger.Debug().Str("command", command).Err(err).Msg("local command completed")
	if err != nil {
		if ctx.Err() != nil {
			return res, &TransportError{Op: "exec", Host: ChannelLocal, Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, &TransportError{Op: "exec", Host: ChannelLocal, Err: err}
	}
	return res, nil
}

func copyLocal(ctx context.Context, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return &TransportError{Op: "upload", Host: ChannelLocal, Err: err}
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return &TransportError{Op: "upload", Host: ChannelLocal, Err: err}
	}
	if info.IsDir() {
		return &TransportError{Op: "upload", Host: ChannelLocal, Err: fmt.Errorf("%s is a directory", local)}
	}
	if err := os.MkdirAll(filepath.Dir(remote), 0o755); err != nil {
		return &TransportError{Op: "upload", Host: ChannelLocal, Err: err}
	}

	tmp := remote + ".tmp-" + strconv.Itoa(os.Getpid())
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return &TransportError{Op: "upload", Host: ChannelLocal, Err: err}
	}
	if _, err := copyWithContext(ctx, dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return &TransportError{Op: "upload", Host: ChannelLocal, Err: err}
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return &TransportError{Op: "upload", Host: ChannelLocal, Err: err}
	}
	if err := os.Rename(tmp, remote); err != nil {
		os.Remove(tmp)
		return &TransportError{Op: "upload", Host: ChannelLocal, Err: err}
	}
	return nil
}
