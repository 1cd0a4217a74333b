// Package telemetry provides logging, tracing, metrics and the build event
// stream for rollout.
//
// Logging uses zerolog, tracing uses OpenTelemetry with OTLP or stdout
// exporters, and metrics are exposed for Prometheus. The engine only needs a
// *Telemetry; every component tolerates being nil or disabled so that tests
// and one-off CLI runs can leave telemetry out.
//
// Typical setup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	_ = tel.StartMetricsServer(ctx)
//
// Build events published by the engine carry the build ID and, where they
// apply, the play, host, task and resource they concern. Subscribers receive
// them in publish order:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Host)
//	}, telemetry.FilterByBuild(buildID))
package telemetry
