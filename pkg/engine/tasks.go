package engine

import (
	"context"

	"github.com/srxops/srxops/pkg/device"
)

// BackupResult is the result document of a backup job.
type BackupResult struct {
	ConfigSize int    `json:"config_size"`
	Lines      int    `json:"lines"`
	CommitSHA  string `json:"commit_sha"`
	Path       string `json:"path,omitempty"`
}

// BackupTask saves the running configuration of one device.
type BackupTask struct {
	deps Deps
	opts Options
}

var _ Handler = (*BackupTask)(nil)

// NewBackupTask creates a backup handler.
func NewBackupTask(deps Deps, opts Options) *BackupTask {
	return &BackupTask{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

// Execute implements Handler.
func (t *BackupTask) Execute(ctx context.Context, run *Run) (any, error) {
	return t.Backup(ctx, run)
}

// Backup reads the configuration in set format and stores it. Jobs requested
// by the scheduler are recorded as scheduled backups, all others as manual.
func (t *BackupTask) Backup(ctx context.Context, run *Run) (*BackupResult, error) {
	backupType := BackupTypeManual
	message := "Manual backup by " + run.Job.RequestedBy.Label()
	if run.Job.RequestedBy.IsSystem() {
		backupType = BackupTypeScheduled
		message = "Scheduled backup"
	}

	run.Logger.Info("starting config backup")
	run.Progress(ctx, "fetch", nil)

	sess, err := t.deps.open(ctx, t.opts, run.Device)
	if err != nil {
		return nil, err
	}
	content, err := sess.RunningConfig(ctx, "set")
	closeSession(sess)
	if err != nil {
		return nil, FromDeviceError("failed to read running configuration", err)
	}

	run.Progress(ctx, "store", nil)
	saved, err := t.deps.store(ctx, run, []byte(content), backupType, message)
	if err != nil {
		return nil, err
	}

	if err := t.deps.Devices.TouchBackup(ctx, run.Device.ID, t.deps.Clock.Now().UTC()); err != nil {
		return nil, NewInternalError("failed to update last backup time", err)
	}

	run.Logger.WithFields(map[string]interface{}{
		"commit_sha": saved.Token,
		"size":       saved.Size,
	}).Info("backup completed successfully")

	return &BackupResult{
		ConfigSize: saved.Size,
		Lines:      saved.Lines,
		CommitSHA:  saved.Token,
		Path:       saved.Path,
	}, nil
}

// HealthResult is the result document of a health job.
type HealthResult struct {
	Facts        *device.Facts       `json:"facts"`
	Storage      []device.Filesystem `json:"storage"`
	TunnelCount  int                 `json:"tunnel_count"`
	Tunnels      []device.Tunnel     `json:"tunnels"`
	Alarms       []device.Alarm      `json:"alarms"`
	InterfacesUp int                 `json:"interfaces_up"`
}

// HealthTask refreshes device facts and captures a health snapshot.
type HealthTask struct {
	deps Deps
	opts Options
}

var _ Handler = (*HealthTask)(nil)

// NewHealthTask creates a health handler.
func NewHealthTask(deps Deps, opts Options) *HealthTask {
	return &HealthTask{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

// Execute implements Handler.
func (t *HealthTask) Execute(ctx context.Context, run *Run) (any, error) {
	return t.Check(ctx, run)
}

// Check gathers facts, storage, alarms and tunnels, and records model,
// version and serial number on the device.
func (t *HealthTask) Check(ctx context.Context, run *Run) (*HealthResult, error) {
	run.Logger.Info("starting health check")

	sess, err := t.deps.open(ctx, t.opts, run.Device)
	if err != nil {
		return nil, err
	}
	health, err := sess.Health(ctx)
	closeSession(sess)
	if err != nil {
		return nil, FromDeviceError("health check failed", err)
	}

	facts := health.Facts
	if facts == nil {
		facts = &device.Facts{}
	}
	if err := t.deps.Devices.RecordFacts(ctx, run.Device.ID, facts.Model, facts.Version, facts.SerialNumber, t.deps.Clock.Now().UTC()); err != nil {
		return nil, NewInternalError("failed to record device facts", err)
	}

	tunnels := health.Tunnels
	if tunnels == nil {
		tunnels = []device.Tunnel{}
	}

	run.Logger.WithFields(map[string]interface{}{
		"version": facts.Version,
		"tunnels": health.TunnelCount,
		"alarms":  len(health.Alarms),
	}).Info("health check completed")

	return &HealthResult{
		Facts:        facts,
		Storage:      health.Storage,
		TunnelCount:  health.TunnelCount,
		Tunnels:      tunnels,
		Alarms:       health.Alarms,
		InterfacesUp: health.InterfacesUp,
	}, nil
}
