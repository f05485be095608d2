// Package telemetry wires logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and job events (NATS) for srxops.
//
// Initialize once at startup and attach to the root context:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Workers wrap each job in a JobScope:
//
//	scope := tel.StartJob(ctx, job.ID, "upgrade", dev.ID, dev.Hostname)
//	scope.Phase("5/10 upload")
//	scope.End("success", nil)
//
// A disabled or nil Metrics, Tracer or EventPublisher drops observations,
// so components constructed with NewNop behave identically minus output.
package telemetry
