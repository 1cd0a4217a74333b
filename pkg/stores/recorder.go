package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/rollout/pkg/engine"
)

// Recorder writes engine events into a Store.
type Recorder struct {
	store Store
}

var _ engine.Recorder = (*Recorder)(nil)

// NewRecorder returns a recorder appending to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record implements engine.Recorder. The build row is created from the
// build_started event when the caller did not create it beforehand.
func (r *Recorder) Record(ctx context.Context, e *engine.Event) error {
	if e.Type == engine.EventTypeBuildStarted {
		if err := r.ensureBuild(ctx, e); err != nil {
			return err
		}
	}

	event := &Event{
		EventID:   e.ID,
		BuildID:   e.BuildID,
		Type:      e.Type,
		Level:     e.Level,
		Play:      nullString(e.Play),
		Host:      nullString(e.Host),
		Task:      nullString(e.Task),
		Resource:  nullString(e.Resource),
		Attempt:   e.Attempt,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		details := string(data)
		event.Details = &details
	}
	return r.store.AppendEvent(ctx, event)
}

func (r *Recorder) ensureBuild(ctx context.Context, e *engine.Event) error {
	_, err := r.store.GetBuild(ctx, e.BuildID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	started := e.Timestamp
	if started.IsZero() {
		started = time.Now()
	}
	return r.store.CreateBuild(ctx, &Build{
		ID:        e.BuildID,
		Project:   e.Project,
		Env:       e.Env,
		Playbook:  e.Playbook,
		Status:    engine.RunStatusRunning,
		StartedAt: started.UTC(),
	})
}
