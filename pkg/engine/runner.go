package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/srxops/srxops/pkg/telemetry"
)

// Handler executes one job type against a device. The returned result is
// stored as the job's final result document even when err is non-nil.
type Handler interface {
	Execute(ctx context.Context, run *Run) (any, error)
}

// RunnerConfig holds the time budgets and lease settings of the runner.
type RunnerConfig struct {
	// HardBudget cancels the job context when exceeded.
	HardBudget time.Duration

	// SoftBudget only logs a warning and records a metric.
	SoftBudget time.Duration

	// LeaseMargin is added to HardBudget to form the lease TTL.
	LeaseMargin time.Duration

	// LeaseRenewInterval is how often a held lease is extended.
	// Defaults to a third of the TTL.
	LeaseRenewInterval time.Duration

	// Owner identifies this process in lease records. The lease holder is
	// Owner plus the job ID, so two jobs of one process still exclude each
	// other.
	Owner string
}

// DefaultRunnerConfig returns the production budgets.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		HardBudget:  30 * time.Minute,
		SoftBudget:  25 * time.Minute,
		LeaseMargin: 5 * time.Minute,
	}
}

// Runner executes claimed jobs: it resolves the device, takes the device
// lease, enforces the time budgets, dispatches to the handler registered for
// the job type and writes the terminal status.
type Runner struct {
	jobs     JobStore
	devices  DeviceStore
	leases   LeaseManager
	clock    Clock
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	cfg      RunnerConfig
	mu       sync.RWMutex
	handlers map[JobType]Handler
}

// NewRunner creates a runner. leases may be nil, in which case no device
// exclusion is enforced.
func NewRunner(jobs JobStore, devices DeviceStore, leases LeaseManager, cfg RunnerConfig, clock Clock, tel *telemetry.Telemetry) *Runner {
	d := DefaultRunnerConfig()
	if cfg.HardBudget <= 0 {
		cfg.HardBudget = d.HardBudget
	}
	if cfg.SoftBudget <= 0 || cfg.SoftBudget > cfg.HardBudget {
		cfg.SoftBudget = cfg.HardBudget * 5 / 6
	}
	if cfg.LeaseMargin <= 0 {
		cfg.LeaseMargin = d.LeaseMargin
	}
	if cfg.LeaseRenewInterval <= 0 {
		cfg.LeaseRenewInterval = (cfg.HardBudget + cfg.LeaseMargin) / 3
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
	if clock == nil {
		clock = RealClock{}
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}

	return &Runner{
		jobs:     jobs,
		devices:  devices,
		leases:   leases,
		clock:    clock,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("runner"),
		cfg:      cfg,
		handlers: make(map[JobType]Handler),
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "srxops"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Handle registers the handler for a job type.
func (r *Runner) Handle(jobType JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Owner returns the lease owner name of this runner.
func (r *Runner) Owner() string {
	return r.cfg.Owner
}

func (r *Runner) handler(jobType JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// RunJob starts a pending job and executes it inline, returning the job
// record after it reached a terminal status.
func (r *Runner) RunJob(ctx context.Context, id string) (*Job, error) {
	job, err := r.jobs.StartJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to start job %s: %w", id, err)
	}

	if err := r.Execute(ctx, job); err != nil {
		return nil, err
	}
	return r.jobs.GetJob(context.WithoutCancel(ctx), id)
}

// Execute runs a job that is already in the running status. Job failures
// are recorded on the job; the returned error reports only failures to
// persist the terminal status.
func (r *Runner) Execute(ctx context.Context, job *Job) error {
	logger := r.logger.WithJobID(job.ID).WithField("job_type", string(job.Type))

	dev, err := r.devices.GetDevice(ctx, job.DeviceID)
	if err != nil {
		return r.finish(ctx, job, nil, NewInternalError("failed to load device", err), logger)
	}

	h, ok := r.handler(job.Type)
	if !ok {
		return r.finish(ctx, job, nil, NewInternalError(fmt.Sprintf("no handler registered for job type %s", job.Type), nil), logger)
	}

	scope := r.tel.StartJob(r.tel.WithContext(ctx), job.ID, string(job.Type), dev.ID, dev.Hostname)
	jobCtx := scope.Ctx

	release, err := r.acquire(jobCtx, job, dev)
	if err != nil {
		scope.Logger.WithError(err).Warn("device lease not acquired")
		return r.end(ctx, scope, job, nil, err)
	}
	defer release()

	// Cancellation requested while the job sat in the queue or waited for the lease.
	run := NewRun(job, dev, r.jobs, scope)
	if oe := run.CheckCancel(jobCtx, "start"); oe != nil {
		return r.end(ctx, scope, job, nil, oe)
	}

	budgetCtx, cancel := context.WithTimeout(jobCtx, r.cfg.HardBudget)
	defer cancel()

	soft := time.AfterFunc(r.cfg.SoftBudget, func() {
		r.tel.Metrics.RecordSoftBudgetExceeded(string(job.Type))
		scope.Logger.WithField("soft_budget", r.cfg.SoftBudget.String()).Warn("job exceeded its soft time budget")
	})
	defer soft.Stop()

	result, err := h.Execute(budgetCtx, run)
	if err != nil && errors.Is(budgetCtx.Err(), context.DeadlineExceeded) && !errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = r.timeoutError(err)
	}

	return r.end(ctx, scope, job, result, err)
}

func (r *Runner) timeoutError(err error) *OrchestrationError {
	te := NewTimeoutError(fmt.Sprintf("job exceeded its hard time budget of %s", r.cfg.HardBudget), err)
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		te.Phase = oe.Phase
		te.Mutated = oe.Mutated
	}
	return te
}

// LeaseHolder returns the lease owner recorded while this runner executes job.
func (r *Runner) LeaseHolder(job *Job) string {
	return r.cfg.Owner + "/" + job.ID
}

// acquire takes the device lease and keeps it renewed until the returned
// release function is called.
func (r *Runner) acquire(ctx context.Context, job *Job, dev *Device) (func(), error) {
	if r.leases == nil {
		return func() {}, nil
	}

	holder := r.LeaseHolder(job)
	ttl := r.cfg.HardBudget + r.cfg.LeaseMargin
	if _, err := r.leases.Acquire(ctx, dev.ID, holder, job.ID, ttl); err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			r.tel.Metrics.RecordLeaseContention()
			return nil, NewInternalError("device busy: another job holds the device lease", err).WithPhase("lease")
		}
		return nil, NewInternalError("failed to acquire device lease", err).WithPhase("lease")
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if err := r.clock.Sleep(renewCtx, r.cfg.LeaseRenewInterval); err != nil {
				return
			}
			if err := r.leases.Renew(renewCtx, dev.ID, holder, ttl); err != nil {
				r.logger.WithDevice(dev.ID, dev.Hostname).WithError(err).Warn("failed to renew device lease")
			}
		}
	}()

	return func() {
		stop()
		<-done
		if err := r.leases.Release(context.WithoutCancel(ctx), dev.ID, holder); err != nil {
			r.logger.WithDevice(dev.ID, dev.Hostname).WithError(err).Warn("failed to release device lease")
		}
	}, nil
}

func (r *Runner) end(ctx context.Context, scope *telemetry.JobScope, job *Job, result any, err error) error {
	status := statusFor(err)
	if err != nil {
		telemetry.SetAttributes(scope.Span, telemetry.AttrErrorKind.String(string(KindOf(err))))
	}
	scope.End(string(status), err)
	return r.finish(ctx, job, result, err, scope.Logger)
}

// finish writes the terminal status. It runs detached from ctx so that a
// shutdown or an expired budget never leaves the job running.
func (r *Runner) finish(ctx context.Context, job *Job, result any, err error, logger *telemetry.Logger) error {
	ctx = context.WithoutCancel(ctx)
	status := statusFor(err)

	var raw json.RawMessage
	if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			logger.WithError(merr).Warn("failed to encode job result")
		} else if string(data) != "null" {
			raw = data
		}
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	if ferr := r.jobs.FinishJob(ctx, job.ID, status, raw, errMsg); ferr != nil {
		logger.WithError(ferr).WithField("status", string(status)).Error("failed to record job result")
		return fmt.Errorf("failed to finish job %s: %w", job.ID, ferr)
	}

	job.Status = status
	job.Error = errMsg
	job.Result = raw

	entry := logger.WithField("status", string(status))
	switch status {
	case JobStatusSuccess:
		entry.Info("job completed")
	case JobStatusCancelled:
		entry.Info("job cancelled")
	default:
		entry.WithError(err).Error("job failed")
	}
	return nil
}

// statusFor maps a handler outcome to a terminal status. Only an operator
// cancellation honored at a phase boundary yields cancelled; an aborted
// context is a failure.
func statusFor(err error) JobStatus {
	if err == nil {
		return JobStatusSuccess
	}
	var oe *OrchestrationError
	if errors.As(err, &oe) && oe.Kind == KindCancelled {
		return JobStatusCancelled
	}
	return JobStatusFailed
}

// EnqueueRequest is the input for a new job.
type EnqueueRequest struct {
	Type        JobType
	DeviceID    string
	RequestedBy Requester
	Params      JobParams
}

// Validate checks that the request carries what its job type needs.
func (req EnqueueRequest) Validate() error {
	if err := req.Type.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return errors.New("device id is required")
	}

	switch req.Type {
	case JobTypeConfigChange:
		if len(req.Params.Commands) == 0 {
			return errors.New("config_change requires at least one command")
		}
		for i, cmd := range req.Params.Commands {
			if strings.TrimSpace(cmd) == "" {
				return fmt.Errorf("command %d is empty", i+1)
			}
		}
		if req.Params.ConfirmTimeout < 0 {
			return errors.New("confirm timeout must not be negative")
		}
	case JobTypeUpgrade:
		if strings.TrimSpace(req.Params.FirmwareVersion) == "" {
			return errors.New("upgrade requires a firmware version")
		}
	}
	return nil
}

// Enqueue validates req, checks that the device exists and writes a pending job.
func Enqueue(ctx context.Context, jobs JobStore, devices DeviceStore, req EnqueueRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := devices.GetDevice(ctx, req.DeviceID); err != nil {
		return nil, fmt.Errorf("device %s: %w", req.DeviceID, err)
	}

	job := &Job{
		Type:        req.Type,
		DeviceID:    req.DeviceID,
		Status:      JobStatusPending,
		RequestedBy: req.RequestedBy,
		Params:      req.Params,
	}
	if err := jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}
