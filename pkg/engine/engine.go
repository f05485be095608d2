package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/srxops/srxops/pkg/device"
	"github.com/srxops/srxops/pkg/telemetry"
)

// Options tunes the orchestrators. Zero values fall back to DefaultOptions,
// except SettleWait and ReconnectInterval where zero means no wait.
type Options struct {
	// DefaultUser and DefaultPassword are used when a device has no
	// credential override.
	DefaultUser     string
	DefaultPassword string

	// ConnectTimeout bounds session setup.
	ConnectTimeout time.Duration

	// CommandTimeout bounds a single device RPC. Together with ConnectTimeout
	// it sizes the reachability check run while a commit-confirmed is armed.
	CommandTimeout time.Duration

	// CommitConfirmMinutes is the device-side rollback timer armed by every change.
	CommitConfirmMinutes int

	// VerifyRunningConfig re-diffs the commands after confirm and records a
	// warning when the running configuration does not contain them.
	VerifyRunningConfig bool

	// SettleWait is how long to wait after issuing a reboot before the first
	// reconnection attempt.
	SettleWait time.Duration

	// ReconnectInterval is the pause before every reconnection attempt.
	ReconnectInterval time.Duration

	// ReconnectAttempts is the maximum number of reconnection attempts.
	ReconnectAttempts int

	// FirmwareDir is the directory on the device firmware images are uploaded to.
	FirmwareDir string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		DefaultUser:          "admin",
		ConnectTimeout:       10 * time.Second,
		CommandTimeout:       30 * time.Second,
		CommitConfirmMinutes: 5,
		SettleWait:           300 * time.Second,
		ReconnectInterval:    30 * time.Second,
		ReconnectAttempts:    12,
		FirmwareDir:          "/var/tmp",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultUser == "" {
		o.DefaultUser = d.DefaultUser
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	if o.CommitConfirmMinutes <= 0 {
		o.CommitConfirmMinutes = d.CommitConfirmMinutes
	}
	if o.SettleWait < 0 {
		o.SettleWait = 0
	}
	if o.ReconnectInterval < 0 {
		o.ReconnectInterval = 0
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = d.ReconnectAttempts
	}
	if o.FirmwareDir == "" {
		o.FirmwareDir = d.FirmwareDir
	}
	return o
}

// Deps are the collaborators shared by every job handler.
type Deps struct {
	Dialer    device.Dialer
	Devices   DeviceStore
	Versions  VersionStore
	Artifacts ArtifactStore
	Clock     Clock
	Telemetry *telemetry.Telemetry
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = RealClock{}
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.NewNop()
	}
	return d
}

// open starts a session to dev. Failures are ConnectionErrors unless the
// dialer already classified them.
func (d Deps) open(ctx context.Context, opts Options, dev *Device) (device.Session, error) {
	ctx, span := d.Telemetry.Tracer.StartDeviceSpan(ctx, dev.Hostname, "open")
	defer span.End()

	sess, err := d.Dialer.Open(ctx, dev.Target(opts.DefaultUser, opts.DefaultPassword, opts.ConnectTimeout))
	if err != nil {
		telemetry.RecordError(span, err)
		if KindOf(err) == KindUnreachable || KindOf(err) == KindConnection {
			return nil, FromDeviceError(fmt.Sprintf("failed to connect to %s", dev.Hostname), err)
		}
		return nil, NewConnectionError(fmt.Sprintf("failed to connect to %s", dev.Hostname), err)
	}
	return sess, nil
}

// snapshot saves the running configuration and records a ConfigVersion.
func (d Deps) snapshot(ctx context.Context, sess device.Session, run *Run, backupType BackupType, message string) (*SavedConfig, error) {
	content, err := sess.RunningConfig(ctx, "set")
	if err != nil {
		return nil, FromDeviceError("failed to read running configuration", err)
	}
	return d.store(ctx, run, []byte(content), backupType, message)
}

// store writes already-fetched configuration content. Artifact and store
// calls are made without touching the device session.
func (d Deps) store(ctx context.Context, run *Run, content []byte, backupType BackupType, message string) (*SavedConfig, error) {
	saved, err := d.Artifacts.Save(ctx, run.Device, content, message)
	if err != nil {
		return nil, NewInternalError("failed to store configuration", err)
	}

	version := &ConfigVersion{
		DeviceID:     run.Device.ID,
		StoredAt:     d.Clock.Now().UTC(),
		VersionToken: saved.Token,
		Size:         saved.Size,
		Lines:        saved.Lines,
		BackupType:   backupType,
		TriggeredBy:  run.Job.RequestedBy.Label(),
		Message:      message,
		JobID:        run.Job.ID,
	}
	if err := d.Versions.AddConfigVersion(ctx, version); err != nil {
		return nil, NewInternalError("failed to record configuration version", err)
	}

	run.Logger.WithFields(map[string]interface{}{
		"backup_type": string(backupType),
		"token":       saved.Token,
		"size":        saved.Size,
	}).Info("configuration saved")

	return saved, nil
}

// Run is one execution of a claimed job. Handlers report progress and poll
// for cancellation through it.
type Run struct {
	Job    *Job
	Device *Device
	Logger *telemetry.Logger

	jobs  JobStore
	scope *telemetry.JobScope
}

// NewRun builds a Run. scope may be nil.
func NewRun(job *Job, dev *Device, jobs JobStore, scope *telemetry.JobScope) *Run {
	logger := telemetry.NewNopLogger()
	if scope != nil {
		logger = scope.Logger
	}
	return &Run{Job: job, Device: dev, Logger: logger, jobs: jobs, scope: scope}
}

// Progress persists the current phase and partial result. A store failure
// is logged and does not stop the job.
func (r *Run) Progress(ctx context.Context, phase string, partial any) {
	var raw json.RawMessage
	if partial != nil {
		data, err := json.Marshal(partial)
		if err != nil {
			r.Logger.WithError(err).Warn("failed to encode partial result")
		} else {
			raw = data
		}
	}

	if err := r.jobs.UpdateJobProgress(ctx, r.Job.ID, phase, raw); err != nil {
		r.Logger.WithError(err).WithField("phase", phase).Warn("failed to persist job progress")
	}
	r.Job.Phase = phase

	if r.scope != nil {
		r.scope.Phase(phase)
	}
	r.Logger.WithPhase(phase).Debug("phase reached")
}

// CheckCancel returns a cancelled error when an operator asked to stop the
// job. Call it only at boundaries where stopping leaves the device unchanged.
func (r *Run) CheckCancel(ctx context.Context, boundary string) *OrchestrationError {
	requested, err := r.jobs.IsCancelRequested(ctx, r.Job.ID)
	if err != nil {
		r.Logger.WithError(err).Warn("failed to read cancellation flag")
		return nil
	}
	if !requested {
		return nil
	}
	r.Logger.WithPhase(boundary).Info("cancellation honored")
	return NewCancelledError("cancelled by operator before " + boundary).WithPhase(boundary)
}

// ignoreCancel logs a cancellation request that arrived after the point of
// no return.
func (r *Run) ignoreCancel(ctx context.Context, phase string) {
	requested, err := r.jobs.IsCancelRequested(ctx, r.Job.ID)
	if err == nil && requested {
		r.Logger.WithPhase(phase).Warn("cancellation requested after the device was mutated; ignoring")
	}
}

func closeSession(sess device.Session) {
	if sess != nil {
		_ = sess.Close()
	}
}
