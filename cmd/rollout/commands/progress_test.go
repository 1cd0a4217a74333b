package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

func TestWatchProgress(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false
	events, err := telemetry.NewEventPublisher(cfg.Events)
	if err != nil {
		t.Fatal(err)
	}
	defer events.Shutdown(context.Background())

	var out bytes.Buffer
	stop := watchProgress(events, &out)

	publish := func(typ engine.EventType, host, msg string) {
		t.Helper()
		e := telemetry.Event{Type: string(typ), Play: "deploy", Host: host, Message: msg, Level: typ.Severity()}
		if err := events.Publish(e); err != nil {
			t.Fatal(err)
		}
	}
	publish(engine.EventTypePlayStarted, "", "")
	publish(engine.EventTypeHostStarted, "web-1", "")
	publish(engine.EventTypeHostCompleted, "web-1", "")
	publish(engine.EventTypeHostFailed, "web-2", "connection refused")
	publish(engine.EventTypeResourceAcquired, "", "")
	publish(engine.EventTypeWarning, "web-3", "post hook failed")
	stop()
	publish(engine.EventTypePlayStarted, "", "")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{"play deploy", "✓ web-1", "✗ web-2 connection refused", "! web-3 post hook failed"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(want), len(lines), out.String())
	}
	for i, w := range want {
		if !strings.Contains(lines[i], w) {
			t.Errorf("line %d = %q, want it to contain %q", i, lines[i], w)
		}
	}
}
