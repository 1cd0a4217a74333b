// Package locks provides resource operators backed by advisory file locks,
// so builds running in separate processes on one machine serialize on the
// same resource keys.
package locks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/engine"
)

// DefaultRetryDelay is how often a blocked Acquire retries the lock.
const DefaultRetryDelay = 100 * time.Millisecond

// FileLocks is an engine.ResourceOperator that maps every resource key to a
// lock file under one directory.
type FileLocks struct {
	dir        string
	retryDelay time.Duration
	logger     zerolog.Logger

	mu   sync.Mutex
	held map[string]*flock.Flock
}

var _ engine.ResourceOperator = (*FileLocks)(nil)

// NewFileLocks creates the lock directory if needed.
func NewFileLocks(dir string, logger zerolog.Logger) (*FileLocks, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &FileLocks{
		dir:        dir,
		retryDelay: DefaultRetryDelay,
		logger:     logger.With().Str("component", "file-locks").Logger(),
		held:       make(map[string]*flock.Flock),
	}, nil
}

// SetRetryDelay changes the polling interval of blocked acquires.
func (l *FileLocks) SetRetryDelay(d time.Duration) {
	if d > 0 {
		l.retryDelay = d
	}
}

// Path returns the lock file used for key.
func (l *FileLocks) Path(key string) string {
	return filepath.Join(l.dir, fileName(key))
}

// Acquire blocks until key is locked or ctx ends.
func (l *FileLocks) Acquire(ctx context.Context, key string) error {
	lock := flock.New(l.Path(key))

	locked, err := lock.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		return fmt.Errorf("lock acquisition failed for %s: %w", key, err)
	}
	if !locked {
		return fmt.Errorf("lock %s not acquired", key)
	}

	l.mu.Lock()
	l.held[key] = lock
	l.mu.Unlock()

	l.logger.Debug().Str("resource", key).Str("path", lock.Path()).Msg("Lock acquired")
	return nil
}

// Release unlocks key. The lock file is left in place.
func (l *FileLocks) Release(_ context.Context, key string) error {
	l.mu.Lock()
	lock, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("lock %s is not held", key)
	}
	if err := lock.Unlock(); err != nil {
		return fmt.Errorf("unlocking %s: %w", key, err)
	}
	l.logger.Debug().Str("resource", key).Msg("Lock released")
	return nil
}

// Held lists the keys this operator currently holds.
func (l *FileLocks) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.held))
	for k := range l.held {
		keys = append(keys, k)
	}
	return keys
}

// fileName turns a resource key into a safe file name. Keys that need
// escaping get a hash suffix so distinct keys never share a file.
func fileName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name != key || name == "" || strings.HasPrefix(name, ".") {
		sum := sha256.Sum256([]byte(key))
		name = strings.TrimLeft(name, ".") + "-" + hex.EncodeToString(sum[:6])
	}
	return name + ".lock"
}
