package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/rollout/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to re-run migrations: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"builds", "play_results", "host_results", "events", "build_queue"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		if err := store.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestBuildCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	parent := "parent-1"
	build := &Build{
		ID:       "build-1",
		Project:  "shop",
		Env:      "prod-eu",
		Playbook: "deploy",
		ParentID: &parent,
		Params:   map[string]any{"version": "1.4.2", "canary": true},
	}
	if err := store.CreateBuild(ctx, build); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}
	if build.Status != engine.RunStatusPending {
		t.Errorf("expected default status pending, got %s", build.Status)
	}

	got, err := store.GetBuild(ctx, "build-1")
	if err != nil {
		t.Fatalf("failed to get build: %v", err)
	}
	if got.Project != "shop" || got.Env != "prod-eu" || got.Playbook != "deploy" {
		t.Errorf("unexpected build identity: %+v", got)
	}
	if got.ParentID == nil || *got.ParentID != parent {
		t.Errorf("parent not stored: %v", got.ParentID)
	}
	if diff := cmp.Diff(build.Params, got.Params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
	if !got.StartedAt.Equal(build.StartedAt) {
		t.Errorf("started_at: want %v, got %v", build.StartedAt, got.StartedAt)
	}
	if got.FinishedAt != nil || got.Error != nil {
		t.Errorf("new build should not be finished: %+v", got)
	}

	if err := store.CreateBuild(ctx, &Build{ID: "build-1", Project: "shop", Env: "prod-eu"}); err == nil {
		t.Error("expected duplicate ID to fail")
	}

	if err := store.DeleteBuild(ctx, "build-1"); err != nil {
		t.Fatalf("failed to delete build: %v", err)
	}
	if _, err := store.GetBuild(ctx, "build-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteBuild(ctx, "build-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for second delete, got %v", err)
	}
}

func sampleResult() *engine.BuildResult {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &engine.BuildResult{
		ID:         "build-2",
		Project:    "shop",
		Env:        "prod-eu",
		Playbook:   "deploy",
		Status:     engine.RunStatusFailed,
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Minute),
		Error:      "play web: host web-2 failed",
		Plays: []engine.PlayResult{
			{
				Name:   "db",
				Status: engine.UnitStatusSucceeded,
				Hosts: []engine.HostResult{
					{Host: "db-1", Status: engine.UnitStatusSucceeded, Attempts: 1},
				},
			},
			{
				Name:   "web",
				Status: engine.UnitStatusFailed,
				Error:  "host web-2 failed",
				Hosts: []engine.HostResult{
					{Host: "web-1", Status: engine.UnitStatusSucceeded, Attempts: 1},
					{Host: "web-2", Status: engine.UnitStatusFailed, Attempts: 3, Error: "exit status 1"},
					{Host: "web-old", Retired: true, Status: engine.UnitStatusSucceeded, Attempts: 1},
				},
			},
			{Name: "notify", Status: engine.UnitStatusSkipped},
		},
	}
}

func TestSaveResult(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	result := sampleResult()

	if err := store.CreateBuild(ctx, &Build{
		ID:        result.ID,
		Project:   result.Project,
		Env:       result.Env,
		Playbook:  result.Playbook,
		Status:    engine.RunStatusRunning,
		Params:    map[string]any{"version": "2.0"},
		StartedAt: result.StartedAt,
	}); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}

	if err := store.SaveResult(ctx, result); err != nil {
		t.Fatalf("failed to save result: %v", err)
	}
	// Saving twice replaces the stored plays.
	if err := store.SaveResult(ctx, result); err != nil {
		t.Fatalf("failed to save result again: %v", err)
	}

	build, err := store.GetBuild(ctx, result.ID)
	if err != nil {
		t.Fatalf("failed to get build: %v", err)
	}
	if build.Status != engine.RunStatusFailed {
		t.Errorf("expected status failed, got %s", build.Status)
	}
	if build.Error == nil || *build.Error != result.Error {
		t.Errorf("unexpected error column: %v", build.Error)
	}
	if build.FinishedAt == nil || !build.FinishedAt.Equal(result.FinishedAt) {
		t.Errorf("unexpected finished_at: %v", build.FinishedAt)
	}
	if build.Params["version"] != "2.0" {
		t.Errorf("params lost on save: %v", build.Params)
	}

	plays, err := store.ListPlayResults(ctx, result.ID)
	if err != nil {
		t.Fatalf("failed to list play results: %v", err)
	}
	if diff := cmp.Diff(result.Plays, plays); diff != "" {
		t.Errorf("play results mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveResult_WithoutCreate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	result := sampleResult()
	result.Status = engine.RunStatusSucceeded
	result.Error = ""

	if err := store.SaveResult(ctx, result); err != nil {
		t.Fatalf("failed to save result: %v", err)
	}
	build, err := store.GetBuild(ctx, result.ID)
	if err != nil {
		t.Fatalf("failed to get build: %v", err)
	}
	if build.Status != engine.RunStatusSucceeded || build.Error != nil || build.Params != nil {
		t.Errorf("unexpected build: %+v", build)
	}
}

func TestListBuilds(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	builds := []*Build{
		{ID: "a", Project: "shop", Env: "prod", Playbook: "deploy", Status: engine.RunStatusSucceeded, StartedAt: base},
		{ID: "b", Project: "shop", Env: "qa", Playbook: "deploy", Status: engine.RunStatusFailed, StartedAt: base.Add(time.Hour)},
		{ID: "c", Project: "blog", Env: "prod", Playbook: "deploy", Status: engine.RunStatusSucceeded, StartedAt: base.Add(2 * time.Hour)},
		{ID: "d", Project: "shop", Env: "prod", Playbook: "rollback", Status: engine.RunStatusExited, StartedAt: base.Add(3 * time.Hour)},
	}
	for _, b := range builds {
		if err := store.CreateBuild(ctx, b); err != nil {
			t.Fatalf("failed to create build %s: %v", b.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter BuildFilter
		limit  int
		offset int
		want   []string
	}{
		{"all newest first", BuildFilter{}, 10, 0, []string{"d", "c", "b", "a"}},
		{"by project", BuildFilter{Project: "shop"}, 10, 0, []string{"d", "b", "a"}},
		{"by env", BuildFilter{Env: "prod"}, 10, 0, []string{"d", "c", "a"}},
		{"by status", BuildFilter{Status: engine.RunStatusSucceeded}, 10, 0, []string{"c", "a"}},
		{"combined", BuildFilter{Project: "shop", Env: "prod"}, 10, 0, []string{"d", "a"}},
		{"paged", BuildFilter{}, 2, 1, []string{"c", "b"}},
		{"no match", BuildFilter{Project: "none"}, 10, 0, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListBuilds(ctx, tt.filter, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("failed to list builds: %v", err)
			}
			ids := []string{}
			for _, b := range got {
				ids = append(ids, b.ID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateBuild(ctx, &Build{ID: "build-3", Project: "shop", Env: "qa", Playbook: "deploy"}); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}

	play, host := "web", "web-1"
	details := `{"delay":"5s"}`
	events := []*Event{
		{EventID: "e1", BuildID: "build-3", Type: engine.EventTypeBuildStarted, Level: "info", Message: "started", Timestamp: time.Now()},
		{EventID: "e2", BuildID: "build-3", Type: engine.EventTypeTaskRetry, Level: "warning", Play: &play, Host: &host, Attempt: 2, Message: "retrying", Details: &details, Timestamp: time.Now()},
		{EventID: "e3", BuildID: "build-3", Type: engine.EventTypeHostFailed, Level: "error", Play: &play, Host: &host, Message: "failed", Timestamp: time.Now()},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event %s: %v", e.EventID, err)
		}
		if e.ID == 0 {
			t.Errorf("event %s did not get an ID", e.EventID)
		}
	}

	if err := store.AppendEvent(ctx, &Event{EventID: "e1", BuildID: "build-3", Type: engine.EventTypeWarning, Level: "info", Timestamp: time.Now()}); err == nil {
		t.Error("expected duplicate event ID to fail")
	}
	if err := store.AppendEvent(ctx, &Event{EventID: "e9", BuildID: "missing", Type: engine.EventTypeWarning, Level: "info", Timestamp: time.Now()}); err == nil {
		t.Error("expected event for unknown build to fail")
	}

	all, err := store.GetEvents(ctx, "build-3", nil, 100, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(all) != 3 || all[0].EventID != "e1" || all[2].EventID != "e3" {
		t.Fatalf("unexpected events: %+v", all)
	}
	retry := all[1]
	if retry.Attempt != 2 || retry.Host == nil || *retry.Host != "web-1" || retry.Details == nil || *retry.Details != details {
		t.Errorf("retry event not round-tripped: %+v", retry)
	}
	if all[0].Play != nil {
		t.Errorf("expected nil play on build event, got %q", *all[0].Play)
	}

	level := "error"
	errs, err := store.GetEvents(ctx, "build-3", &level, 100, 0)
	if err != nil {
		t.Fatalf("failed to get events by level: %v", err)
	}
	if len(errs) != 1 || errs[0].EventID != "e3" {
		t.Errorf("unexpected error events: %+v", errs)
	}

	// Deleting the build removes its events.
	if err := store.DeleteBuild(ctx, "build-3"); err != nil {
		t.Fatalf("failed to delete build: %v", err)
	}
	left, err := store.GetEvents(ctx, "build-3", nil, 100, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("expected events to cascade, %d left", len(left))
	}
}

func TestQueue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.ClaimNext(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty queue, got %v", err)
	}

	first, err := store.Schedule(ctx, engine.ScheduleRequest{
		Project:  "shop",
		Env:      "prod",
		Playbook: "deploy",
		Params:   map[string]any{"version": "3.1"},
		Parent:   "build-9",
	})
	if err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}
	second, err := store.Schedule(ctx, engine.ScheduleRequest{Project: "blog", Env: "prod", Playbook: "deploy"})
	if err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}
	if _, err := store.Schedule(ctx, engine.ScheduleRequest{Project: "blog"}); err == nil {
		t.Error("expected request without env to fail")
	}

	queued, err := store.ListQueued(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list queue: %v", err)
	}
	if len(queued) != 2 || queued[0].ID != first || queued[1].ID != second {
		t.Fatalf("unexpected queue: %+v", queued)
	}

	claimed, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if claimed.ID != first || claimed.Status != QueueStatusClaimed || claimed.ClaimedAt == nil {
		t.Errorf("unexpected claim: %+v", claimed)
	}
	want := engine.ScheduleRequest{
		Project:  "shop",
		Env:      "prod",
		Playbook: "deploy",
		Params:   map[string]any{"version": "3.1"},
		Parent:   "build-9",
	}
	if diff := cmp.Diff(want, claimed.Request()); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	queued, err = store.ListQueued(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list queue: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != second {
		t.Errorf("claimed build still queued: %+v", queued)
	}
}

func TestRecorder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	rec := NewRecorder(store)

	now := time.Now()
	started := &engine.Event{
		ID: "ev-1", Type: engine.EventTypeBuildStarted, Timestamp: now,
		BuildID: "build-4", Project: "shop", Env: "qa", Playbook: "deploy",
		Level: "info", Message: "build started",
	}
	retry := &engine.Event{
		ID: "ev-2", Type: engine.EventTypeTaskRetry, Timestamp: now,
		BuildID: "build-4", Play: "web", Host: "web-1", Task: "restart", Attempt: 2,
		Level: "warning", Message: "retrying", Details: map[string]interface{}{"delay": "1s"},
	}
	for _, e := range []*engine.Event{started, retry} {
		if err := rec.Record(ctx, e); err != nil {
			t.Fatalf("failed to record %s: %v", e.Type, err)
		}
	}

	build, err := store.GetBuild(ctx, "build-4")
	if err != nil {
		t.Fatalf("build_started did not create the build: %v", err)
	}
	if build.Status != engine.RunStatusRunning || build.Project != "shop" {
		t.Errorf("unexpected build: %+v", build)
	}

	events, err := store.GetEvents(ctx, "build-4", nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	got := events[1]
	if got.Task == nil || *got.Task != "restart" || got.Resource != nil {
		t.Errorf("unexpected task/resource: %+v", got)
	}
	if got.Details == nil || *got.Details != `{"delay":"1s"}` {
		t.Errorf("unexpected details: %v", got.Details)
	}

	// A pre-created build is left alone.
	if err := store.CreateBuild(ctx, &Build{ID: "build-5", Project: "shop", Env: "qa", Playbook: "deploy", Params: map[string]any{"a": 1.0}}); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}
	if err := rec.Record(ctx, &engine.Event{ID: "ev-3", Type: engine.EventTypeBuildStarted, Timestamp: now, BuildID: "build-5", Level: "info"}); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	build, err = store.GetBuild(ctx, "build-5")
	if err != nil {
		t.Fatalf("failed to get build: %v", err)
	}
	if build.Status != engine.RunStatusPending || build.Params["a"] != 1.0 {
		t.Errorf("existing build was overwritten: %+v", build)
	}
}

func TestDirWorkspace(t *testing.T) {
	root := filepath.Join(t.TempDir(), "work")
	ws := &DirWorkspace{Root: root}
	ctx := context.Background()

	dir, err := ws.Prepare(ctx, "build-6")
	if err != nil {
		t.Fatalf("failed to prepare workspace: %v", err)
	}
	if dir != filepath.Join(root, "build-6") {
		t.Errorf("unexpected dir %s", dir)
	}
	if _, err := ws.Prepare(ctx, "build-6"); err == nil {
		t.Error("expected existing workspace to fail")
	}
	for _, bad := range []string{"", "..", "a/b"} {
		if _, err := ws.Prepare(ctx, bad); err == nil {
			t.Errorf("expected invalid build ID %q to fail", bad)
		}
	}

	if err := ws.Cleanup(ctx, dir); err != nil {
		t.Fatalf("failed to clean up: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace still exists: %v", err)
	}
	if err := ws.Cleanup(ctx, t.TempDir()); err == nil {
		t.Error("expected cleanup outside root to fail")
	}

	keep := &DirWorkspace{Root: root, Keep: true}
	dir, err = keep.Prepare(ctx, "build-7")
	if err != nil {
		t.Fatalf("failed to prepare workspace: %v", err)
	}
	if err := keep.Cleanup(ctx, dir); err != nil {
		t.Fatalf("failed to clean up: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("kept workspace was removed: %v", err)
	}
}
