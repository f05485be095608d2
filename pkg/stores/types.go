package stores

import (
	"errors"
	"time"

	"github.com/srxops/srxops/pkg/engine"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseHeld is returned when another live owner holds a device lease.
	ErrLeaseHeld = engine.ErrLeaseHeld

	// ErrInvalidTransition is returned when a job is not in a status that
	// allows the requested change.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrDeviceBusy is returned when deleting a device with an active job.
	ErrDeviceBusy = errors.New("device has an active job")

	// ErrDuplicate is returned when a unique key such as mgmt_ip already exists.
	ErrDuplicate = errors.New("already exists")
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`    // e.g. "device.created", "job.cancelled"
	Actor     string    `json:"actor"`     // operator email or "system"
	TargetID  string    `json:"target_id"` // device or job ID
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditFilter selects audit entries. Empty fields match everything.
type AuditFilter struct {
	Action string
	Actor  string
	Limit  int
	Offset int
}

const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

var (
	_ engine.JobStore     = (*SQLiteStore)(nil)
	_ engine.DeviceStore  = (*SQLiteStore)(nil)
	_ engine.VersionStore = (*SQLiteStore)(nil)
	_ engine.LeaseManager = (*SQLiteStore)(nil)
)
