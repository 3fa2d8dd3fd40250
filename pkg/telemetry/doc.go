// Package telemetry provides observability instrumentation for focusbridge.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at startup, usually from the telemetry section of
// the configuration file:
//
//	tel, err := telemetry.NewTelemetry(telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Structured Logging
//
// Components receive zerolog loggers at construction:
//
//	logger := tel.Logger.NewComponentLogger("cli")
//	engine.New(engine.Options{Logger: logger.Zerolog(), ...})
//
// # Distributed Tracing
//
// NewTracer installs the global provider. The engine opens one span per
// operation (engine.execute) with children for script.compose, bridge.run
// and escalation.reconcile. Supported exporters are otlp (gRPC), stdout
// and none.
//
// # Metrics
//
// Metrics implements engine.Recorder:
//
//	engine.New(engine.Options{Recorder: tel.Metrics, ...})
//
// Exported series, all under the configured namespace:
//
//	bridge_invocations_total{entity,mode,result}
//	bridge_duration_seconds{entity,mode}
//	cache_lookups_total{entity,result}
//	cache_invalidations_total{entity}
//	cache_invalidated_entries_total{entity}
//	escalations_total{entity,result}
//	read_retries_total{entity,reason}
//	errors_total{kind}
//
// Metrics are served over HTTP at /metrics (default :9090) when enabled.
package telemetry
