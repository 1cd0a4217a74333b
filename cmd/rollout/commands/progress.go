package commands

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

var progressFilter = telemetry.AnyOf(
	telemetry.FilterByType(
		string(engine.EventTypePlayStarted),
		string(engine.EventTypePlaySkipped),
		string(engine.EventTypeHostCompleted),
		string(engine.EventTypeHostFailed),
		string(engine.EventTypeTaskRetry),
	),
	telemetry.FilterByLevel(telemetry.EventLevelWarning),
)

// watchProgress prints a line per play and host of every build published
// to events, plus every warning, until the returned function is called.
func watchProgress(events *telemetry.EventPublisher, w io.Writer) (stop func()) {
	var mu sync.Mutex
	return events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, progressLine(e))
	}, progressFilter)
}

func progressLine(e telemetry.Event) string {
	stamp := styleDim.Render(e.Timestamp.Local().Format(time.TimeOnly))
	switch engine.EventType(e.Type) {
	case engine.EventTypePlayStarted:
		return fmt.Sprintf("%s %s %s", stamp, styleBold.Render("play"), e.Play)
	case engine.EventTypePlaySkipped:
		return fmt.Sprintf("%s %s %s %s", stamp, styleBold.Render("play"), e.Play, styleWarning.Render("skipped: "+e.Message))
	case engine.EventTypeHostCompleted:
		return fmt.Sprintf("%s   %s %s", stamp, styleSuccess.Render("✓"), e.Host)
	case engine.EventTypeHostFailed:
		return fmt.Sprintf("%s   %s %s %s", stamp, styleError.Render("✗"), e.Host, styleError.Render(e.Message))
	}

	where := e.Host
	if e.Task != "" {
		where += "/" + e.Task
	}
	msg := styleWarning.Render(e.Message)
	if e.Level == telemetry.EventLevelError {
		msg = styleError.Render(e.Message)
	}
	return fmt.Sprintf("%s   %s %s %s", stamp, styleWarning.Render("!"), where, msg)
}
