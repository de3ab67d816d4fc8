// Package telemetry provides OpenTelemetry tracing for watchdogs.
//
// InitProvider installs an OTLP exporter (grpc or http) as the global
// tracer provider. Watchdogs take a *Tracer and record one span per
// election and per termination notification:
//
//	p, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
//	    Endpoint: "localhost:4317",
//	    Insecure: true,
//	    NodeID:   nodeID,
//	})
//	defer p.Shutdown(context.Background())
//
// Without a provider, GetTracer returns a no-op tracer.
package telemetry
