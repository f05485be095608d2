package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// NewNop returns telemetry that discards everything. Used by tests and as
// the default when a component is constructed without telemetry.
func NewNop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	cfg.Tracing.Enabled = false

	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)

	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil when none was attached.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops events, tracing and the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
	)
}

// Flush forces all pending spans to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// JobScope carries the span, logger and timer of one job execution.
type JobScope struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	tel       *Telemetry
	phaseSpan trace.Span
	jobID     string
	jobType   string
	deviceID  string
	timer     *Timer
}

// StartJob opens a span, derives a job logger, records the started
// metric and publishes the started event.
func (t *Telemetry) StartJob(ctx context.Context, jobID, jobType, deviceID, hostname string) *JobScope {
	spanCtx, span := t.Tracer.StartJobSpan(ctx, jobID, jobType, deviceID)

	logger := FromContext(ctx).
		WithJobID(jobID).
		WithDevice(deviceID, hostname).
		WithField("job_type", jobType)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}
	spanCtx = logger.WithContext(spanCtx)

	t.Metrics.RecordJobStarted(jobType)
	if err := t.Events.PublishJobStarted(jobID, jobType, deviceID, hostname); err != nil {
		logger.WithError(err).Debug("job started event not published")
	}

	return &JobScope{
		Ctx:      spanCtx,
		Span:     span,
		Logger:   logger,
		tel:      t,
		jobID:    jobID,
		jobType:  jobType,
		deviceID: deviceID,
		timer:    NewTimer(),
	}
}

// Phase records a phase transition on the span and the event stream. Each
// phase gets a child span that stays open until the next phase or End.
func (s *JobScope) Phase(phase string) {
	if s.phaseSpan != nil {
		RecordSuccess(s.phaseSpan)
		s.phaseSpan.End()
	}
	_, s.phaseSpan = s.tel.Tracer.StartPhaseSpan(s.Ctx, s.jobType, phase)

	AddPhaseEvent(s.Span, phase, "")
	if err := s.tel.Events.PublishJobPhase(s.jobID, s.jobType, s.deviceID, phase); err != nil {
		s.Logger.WithError(err).Debug("phase event not published")
	}
}

// End closes the span and records the terminal status.
func (s *JobScope) End(status string, err error) {
	if s.phaseSpan != nil {
		if err != nil {
			RecordError(s.phaseSpan, err)
		} else {
			RecordSuccess(s.phaseSpan)
		}
		s.phaseSpan.End()
		s.phaseSpan = nil
	}

	if err != nil {
		RecordError(s.Span, err)
	} else {
		RecordSuccess(s.Span)
	}
	s.Span.SetAttributes(AttrJobStatus.String(status))
	s.Span.End()

	duration := s.timer.Duration()
	s.tel.Metrics.RecordJobCompleted(s.jobType, status, duration)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if perr := s.tel.Events.PublishJobFinished(s.jobID, s.jobType, s.deviceID, status, errMsg, duration); perr != nil {
		s.Logger.WithError(perr).Debug("job finished event not published")
	}
}
