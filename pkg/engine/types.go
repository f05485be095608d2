package engine

import (
	"encoding/json"
	"time"

	"github.com/srxops/srxops/pkg/device"
)

// SystemRequester is the requester recorded for jobs started by the beat scheduler.
const SystemRequester = "system"

// Device is a managed appliance in the inventory.
type Device struct {
	// ID is the unique identifier for this device.
	ID string `json:"id"`

	// Hostname is the configured system host-name.
	Hostname string `json:"hostname"`

	// MgmtIP is the management address, unique across the inventory.
	MgmtIP string `json:"mgmt_ip"`

	Site   string `json:"site,omitempty"`
	City   string `json:"city,omitempty"`
	State  string `json:"state,omitempty"`
	Region string `json:"region,omitempty"`
	Entity string `json:"entity,omitempty"`

	// Model, SerialNumber and FirmwareVersion are refreshed by health jobs.
	Model           string `json:"model,omitempty"`
	SerialNumber    string `json:"serial_number,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`

	Subnet        string `json:"subnet,omitempty"`
	WANType       string `json:"wan_type,omitempty"`
	ISPProvider   string `json:"isp_provider,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	Technician    string `json:"technician,omitempty"`

	// SSHUser and SSHPassword override the configured defaults when set.
	SSHUser     string `json:"ssh_user,omitempty"`
	SSHPassword string `json:"-"`
	SSHPort     int    `json:"ssh_port"`

	// Enabled devices are included in scheduled backups and health checks.
	Enabled bool `json:"enabled"`

	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	LastBackupAt *time.Time `json:"last_backup_at,omitempty"`

	// Tags are free-form labels for selecting devices.
	Tags  []string `json:"tags,omitempty"`
	Notes string   `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Target builds the connection target for this device, filling empty
// credentials from the given defaults.
func (d *Device) Target(defaultUser, defaultPassword string, timeout time.Duration) device.Target {
	user := d.SSHUser
	if user == "" {
		user = defaultUser
	}
	password := d.SSHPassword
	if password == "" {
		password = defaultPassword
	}
	port := d.SSHPort
	if port == 0 {
		port = 22
	}

	return device.Target{
		DeviceID: d.ID,
		Hostname: d.Hostname,
		Address:  d.MgmtIP,
		Port:     port,
		User:     user,
		Password: password,
		Timeout:  timeout,
	}
}

// Requester identifies who asked for a job.
type Requester struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Label returns the most readable identity of the requester.
func (r Requester) Label() string {
	if r.Name != "" {
		return r.Name
	}
	if r.Email != "" {
		return r.Email
	}
	return "unknown"
}

// IsSystem reports whether the job was requested by the scheduler.
func (r Requester) IsSystem() bool {
	return r.Email == SystemRequester || r.Name == SystemRequester
}

// JobParams carries the operator input for a job.
type JobParams struct {
	// Commands are Junos set commands for config_change jobs.
	Commands []string `json:"commands,omitempty"`

	// Description is recorded in commit comments and backup messages.
	Description string `json:"description,omitempty"`

	// FirmwareVersion is the target version for upgrade jobs.
	FirmwareVersion string `json:"firmware_version,omitempty"`

	// ConfirmTimeout overrides the commit confirmed timeout in minutes.
	ConfirmTimeout int `json:"confirm_timeout,omitempty"`
}

// Job is the durable record of one orchestrated operation.
type Job struct {
	// ID is the unique identifier for this job.
	ID string `json:"id"`

	// Type is the kind of work.
	Type JobType `json:"job_type"`

	// DeviceID is the device the job targets.
	DeviceID string `json:"device_id"`

	// Status is the lifecycle state, which only moves forward.
	Status JobStatus `json:"status"`

	// QueuedAt is when the job was enqueued.
	QueuedAt time.Time `json:"queued_at"`

	// StartedAt is set once, on entry to running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt is set once, on entry to a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// TaskID is the unique worker task identifier.
	TaskID string `json:"task_id"`

	// RequestedBy identifies the operator or "system".
	RequestedBy Requester `json:"requested_by"`

	// Params is the operator input.
	Params JobParams `json:"params"`

	// Result is the partial or final structured result.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is the failure message for failed or cancelled jobs.
	Error string `json:"error,omitempty"`

	// Phase is the last recorded state or phase name.
	Phase string `json:"phase,omitempty"`

	// CancelRequested is set when an operator asks to stop a running job.
	CancelRequested bool `json:"cancel_requested"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration returns the run time of the job, or zero if it never started.
// Running jobs report the time elapsed so far.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.FinishedAt == nil {
		return time.Since(*j.StartedAt)
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// JobFilter selects jobs for listing.
type JobFilter struct {
	DeviceID string
	Type     JobType
	Status   JobStatus
	Limit    int
}

// ConfigVersion is one stored configuration snapshot.
type ConfigVersion struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"device_id"`
	StoredAt     time.Time  `json:"stored_at"`
	VersionToken string     `json:"version_token"`
	Size         int        `json:"size"`
	Lines        int        `json:"lines"`
	BackupType   BackupType `json:"backup_type"`
	TriggeredBy  string     `json:"triggered_by"`
	Message      string     `json:"message"`
	JobID        string     `json:"job_id,omitempty"`
}

// Lease grants one owner exclusive use of a device until it expires.
type Lease struct {
	DeviceID   string    `json:"device_id"`
	Owner      string    `json:"owner"`
	JobID      string    `json:"job_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer valid at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// FirmwareImage is an installable package in the firmware catalog.
type FirmwareImage struct {
	Version string `json:"version"`
	File    string `json:"file"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Major   string `json:"major"`
}

// SavedConfig describes a configuration snapshot written during a job.
type SavedConfig struct {
	Token string `json:"commit_sha"`
	Path  string `json:"path,omitempty"`
	Size  int    `json:"config_size"`
	Lines int    `json:"lines"`
}
