// Package telemetry provides observability for provisioning runs:
// structured logging (zerolog), distributed tracing (OpenTelemetry),
// Prometheus metrics, and an in-process run event stream.
//
// Init brings everything up from one Config and Shutdown tears it
// down:
//
//	tel, err := telemetry.Init(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// The Telemetry handle implements engine.StepMetrics, so passing it to
// the executor feeds both the Prometheus counters and the event
// stream:
//
//	executor := engine.NewExecutor(cfg, registry, store, cloud, tel, logger)
//
// Run lifecycle events can be observed in order:
//
//	tel.Events.Subscribe(func(ev telemetry.RunEvent) {
//	    logger.Debug().Str("event", ev.Type).Msg(ev.Message)
//	})
//
// Spans follow a fixed hierarchy: a run span per apply or destroy,
// with step and backend-call spans nested under it. The default config
// creates spans without exporting them; set Tracing.Exporter to
// "stdout" or "otlp" to ship them.
//
// Metrics live in a private registry under the "strato" namespace and
// are served by StartMetricsServer when a scrape endpoint is wanted.
package telemetry
