package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/rollout/pkg/telemetry"
)

// Example_eventPublishing shows a synchronous subscriber following one build.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	events, _ := telemetry.NewEventPublisher(cfg.Events)
	defer events.Shutdown(context.Background())

	events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s\n", event.Type, event.Play)
	}, telemetry.FilterByBuild("b-1"))

	_ = events.Publish(telemetry.Event{Type: "play_started", BuildID: "b-1", Play: "deploy"})
	_ = events.Publish(telemetry.Event{Type: "play_started", BuildID: "b-2", Play: "other"})
	_ = events.Publish(telemetry.Event{Type: "play_completed", BuildID: "b-1", Play: "deploy"})

	// Output:
	// play_started deploy
	// play_completed deploy
}

// Example_metricsCollection records the metrics of one build.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	metrics, _ := telemetry.NewMetrics(cfg.Metrics)
	metrics.RecordBuildStarted("web", "prod")
	metrics.RecordPlay("deploy", "succeeded", 2*time.Second)
	metrics.RecordHost("deploy", "succeeded", time.Second)
	metrics.RecordTaskRetry("deploy")
	metrics.RecordBuildCompleted("succeeded", 3*time.Second)

	fmt.Println("metrics recorded")
	// Output: metrics recorded
}
