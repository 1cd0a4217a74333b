package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ResourcePlan holds, per payload index, the resource keys to acquire right
// before the payload runs and to release right after it. Keys within an
// index are sorted.
type ResourcePlan struct {
	Acquire map[int][]string
	Release map[int][]string
}

// PlanResources computes the acquire point (first index requiring a key) and
// the release point (last index requiring it) of every key.
func PlanResources(required [][]string) ResourcePlan {
	first := make(map[string]int)
	last := make(map[string]int)
	for i, keys := range required {
		for _, key := range keys {
			if _, ok := first[key]; !ok {
				first[key] = i
			}
			last[key] = i
		}
	}

	plan := ResourcePlan{Acquire: make(map[int][]string), Release: make(map[int][]string)}
	for key, i := range first {
		plan.Acquire[i] = append(plan.Acquire[i], key)
	}
	for key, i := range last {
		plan.Release[i] = append(plan.Release[i], key)
	}
	for _, keys := range plan.Acquire {
		sort.Strings(keys)
	}
	for _, keys := range plan.Release {
		sort.Strings(keys)
	}
	return plan
}

// Payload is one step of a scheduled sequence.
type Payload struct {
	Name      string
	Resources []string

	// Skip, when set, is asked right before the payload's locks would be
	// taken. A skipped payload acquires nothing. An error aborts the sequence.
	Skip func(ctx context.Context) (bool, error)

	Run func(ctx context.Context) error
}

// RunScheduled runs payloads in order, holding each resource key from the
// first payload that needs it through the last one. Locks scheduled for
// release after a payload are released even when it fails; on any early
// return, keys still held are released in reverse acquisition order. Release
// failures are logged and never returned.
func RunScheduled(ctx context.Context, payloads []Payload, locks *LockSet) (err error) {
	required := make([][]string, len(payloads))
	for i, p := range payloads {
		required[i] = p.Resources
	}
	plan := PlanResources(required)

	var held []string
	release := func(key string) {
		for i := len(held) - 1; i >= 0; i-- {
			if held[i] == key {
				held = append(held[:i], held[i+1:]...)
				locks.release(key)
				return
			}
		}
	}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			locks.release(held[i])
		}
	}()

	for i, p := range payloads {
		if err := ctx.Err(); err != nil {
			return err
		}

		skip := false
		if p.Skip != nil {
			if skip, err = p.Skip(ctx); err != nil {
				return err
			}
		}

		if !skip {
			keys := append([]string(nil), p.Resources...)
			sort.Strings(keys)
			for _, key := range keys {
				if contains(held, key) {
					continue
				}
				if err := locks.acquire(ctx, key); err != nil {
					return err
				}
				held = append(held, key)
			}
			err = p.Run(ctx)
		}

		keys := plan.Release[i]
		for j := len(keys) - 1; j >= 0; j-- {
			release(keys[j])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// LockSet is the lock bookkeeping of one execution scope. Keys held by the
// scope itself or an enclosing one count as held, so a task needing a key its
// play or parent task already holds does not block on itself. LockSet is safe for concurrent use by the
// host units of one batch.
type LockSet struct {
	parent *LockSet
	lookup func(key string) ResourceOperator
	logger zerolog.Logger
	notify func(key string, acquired bool)

	mu   sync.Mutex
	held map[string]int
}

// NewLockSet returns a root lock set. lookup picks the operator for a key.
func NewLockSet(lookup func(key string) ResourceOperator, logger zerolog.Logger) *LockSet {
	return &LockSet{lookup: lookup, logger: logger, held: make(map[string]int)}
}

// Child returns a nested scope sharing the operators of s.
func (s *LockSet) Child() *LockSet {
	return &LockSet{parent: s, lookup: s.lookup, logger: s.logger, notify: s.notify, held: make(map[string]int)}
}

// Held reports whether key is held by s or an enclosing scope.
func (s *LockSet) Held(key string) bool {
	for l := s; l != nil; l = l.parent {
		l.mu.Lock()
		n := l.held[key]
		l.mu.Unlock()
		if n > 0 {
			return true
		}
	}
	return false
}

func (s *LockSet) acquire(ctx context.Context, key string) error {
	if s.Held(key) {
		s.mu.Lock()
		s.held[key]++
		s.mu.Unlock()
		return nil
	}

	start := time.Now()
	if err := s.lookup(key).Acquire(ctx, key); err != nil {
		if isCancelled(err) {
			return err
		}
		return NewConflictError(fmt.Sprintf("acquire resource %q", key), err).WithCode(ErrCodeLock)
	}
	s.mu.Lock()
	s.held[key]++
	s.mu.Unlock()
	s.logger.Debug().Str("resource", key).Dur("waited", time.Since(start)).Msg("resource acquired")
	if s.notify != nil {
		s.notify(key, true)
	}
	return nil
}

func (s *LockSet) release(key string) {
	s.mu.Lock()
	s.held[key]--
	n := s.held[key]
	if n <= 0 {
		delete(s.held, key)
	}
	s.mu.Unlock()
	if n > 0 || (s.parent != nil && s.parent.Held(key)) {
		return
	}

	// Release must run even when the build was cancelled.
	ctx := context.Background()
	if err := s.lookup(key).Release(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("resource", key).Msg("failed to release resource")
		return
	}
	s.logger.Debug().Str("resource", key).Msg("resource released")
	if s.notify != nil {
		s.notify(key, false)
	}
}

// MemoryLocks is an in-process ResourceOperator: one mutex per key.
type MemoryLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocks returns an empty lock table.
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{slots: make(map[string]chan struct{})}
}

func (m *MemoryLocks) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

// Acquire blocks until key is free or ctx ends.
func (m *MemoryLocks) Acquire(ctx context.Context, key string) error {
	select {
	case m.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees key.
func (m *MemoryLocks) Release(_ context.Context, key string) error {
	select {
	case <-m.slot(key):
		return nil
	default:
		return fmt.Errorf("resource %q is not held", key)
	}
}
