package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/srxops/srxops/pkg/policy"
)

// JobStore persists job records. Status transitions are guarded by the store:
// a terminal job is never modified and started_at / finished_at are written
// exactly once.
type JobStore interface {
	// CreateJob inserts a pending job. ID, TaskID and timestamps are filled
	// in when empty.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// ClaimNextJob atomically moves the oldest pending job of one of the given
	// types to running and returns it. Jobs of a device that already has a
	// running job stay pending. It returns nil, nil when nothing is claimable.
	ClaimNextJob(ctx context.Context, types []JobType) (*Job, error)

	// StartJob moves a specific pending job to running.
	StartJob(ctx context.Context, id string) (*Job, error)

	// UpdateJobProgress records the phase and partial result of a running job.
	UpdateJobProgress(ctx context.Context, id string, phase string, result json.RawMessage) error

	// FinishJob moves a running job to a terminal status.
	FinishJob(ctx context.Context, id string, status JobStatus, result json.RawMessage, errMsg string) error

	// CancelJob cancels a pending job outright, or flags a running job for
	// cancellation at its next safe phase boundary. It returns the job after
	// the update.
	CancelJob(ctx context.Context, id string) (*Job, error)

	// IsCancelRequested reports whether cancellation was requested for a running job.
	IsCancelRequested(ctx context.Context, id string) (bool, error)
}

// DeviceStore persists the device inventory.
type DeviceStore interface {
	CreateDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	GetDeviceByAddress(ctx context.Context, mgmtIP string) (*Device, error)
	ListDevices(ctx context.Context, enabledOnly bool) ([]*Device, error)
	UpdateDevice(ctx context.Context, device *Device) error

	// DeleteDevice removes a device and its history. It fails while the
	// device has a pending or running job.
	DeleteDevice(ctx context.Context, id string) error

	// RecordFacts stores model, version and serial from a health check and
	// bumps last_seen_at.
	RecordFacts(ctx context.Context, id string, model, version, serial string, seenAt time.Time) error

	// SetFirmwareVersion records the running firmware after an upgrade.
	SetFirmwareVersion(ctx context.Context, id string, version string) error

	// TouchBackup sets last_backup_at.
	TouchBackup(ctx context.Context, id string, at time.Time) error
}

// VersionStore records which configuration snapshots exist for a device.
type VersionStore interface {
	AddConfigVersion(ctx context.Context, version *ConfigVersion) error
	ListConfigVersions(ctx context.Context, deviceID string, limit int) ([]*ConfigVersion, error)
}

// LeaseManager grants exclusive per-device leases so that at most one
// mutating job touches a device at a time.
type LeaseManager interface {
	// Acquire takes the lease for deviceID, stealing it if expired. It
	// returns an error wrapping ErrLeaseHeld when another live owner holds it.
	Acquire(ctx context.Context, deviceID, owner, jobID string, ttl time.Duration) (*Lease, error)

	// Renew extends a lease held by owner.
	Renew(ctx context.Context, deviceID, owner string, ttl time.Duration) error

	// Release drops a lease held by owner. Releasing a lease that is gone
	// or owned by someone else is not an error.
	Release(ctx context.Context, deviceID, owner string) error
}

// ArtifactStore stores configuration snapshots by content.
type ArtifactStore interface {
	// Save stores content for the device and returns its version token.
	// Saving identical content twice yields the same token.
	Save(ctx context.Context, device *Device, content []byte, label string) (*SavedConfig, error)

	// Read returns exactly the bytes that were saved under token.
	Read(ctx context.Context, token string) ([]byte, error)
}

// FirmwareCatalog resolves firmware versions to local image files.
type FirmwareCatalog interface {
	Find(version string) (*FirmwareImage, error)
}

// PolicyGate evaluates change and readiness policies.
type PolicyGate interface {
	EvaluateChange(ctx context.Context, input *policy.ChangeInput) (*policy.Decision, error)
	EvaluateReadiness(ctx context.Context, input *policy.ReadinessInput) (*policy.Decision, error)
}

// UpgradeCheck runs site specific post-upgrade validation and returns issues.
type UpgradeCheck interface {
	Check(ctx context.Context, input *UpgradeCheckInput) ([]string, error)
}

// UpgradeCheckInput is passed to post-upgrade checks.
type UpgradeCheckInput struct {
	Hostname      string         `json:"hostname"`
	TargetVersion string         `json:"target_version"`
	Pre           map[string]any `json:"pre"`
	Post          map[string]any `json:"post"`
}
