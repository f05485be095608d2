// Package device defines the session contract the orchestration engine uses
// to talk to a managed appliance, and its Junos NETCONF implementation.
package device

import (
	"context"
	"time"
)

// Target identifies one device and the credentials used to reach it.
type Target struct {
	DeviceID string
	Hostname string
	Address  string
	Port     int
	User     string
	Password string

	// Timeout bounds connection setup including the NETCONF hello
	Timeout time.Duration
}

// Session is one live, authenticated connection to exactly one device.
// Sessions are short lived: open at phase start, Close on every exit path.
type Session interface {
	// LoadAndDiff merges set-style commands into the candidate configuration
	// and returns the textual diff against the active configuration. The
	// candidate stays staged.
	LoadAndDiff(ctx context.Context, commands []string) (string, error)

	// CommitConfirmed activates the candidate and arms the device-side
	// rollback timer. It returns as soon as the device accepts the commit.
	CommitConfirmed(ctx context.Context, comment string, minutes int) error

	// Confirm cancels a pending confirmed-commit rollback.
	Confirm(ctx context.Context, comment string) error

	// RollbackCandidate discards a staged, uncommitted candidate.
	RollbackCandidate(ctx context.Context) error

	// Close releases the connection. Idempotent; never fails.
	Close() error

	Facts(ctx context.Context) (*Facts, error)
	Health(ctx context.Context) (*Health, error)

	// RunningConfig returns the active configuration in "set" or "text" format.
	RunningConfig(ctx context.Context, format string) (string, error)

	// Snapshot copies the boot environment to the alternate slot.
	Snapshot(ctx context.Context) error

	// Upload copies a local firmware image into remoteDir and returns the
	// remote path.
	Upload(ctx context.Context, localPath string, remoteDir string) (string, error)

	// Install validates and stages a package without activating it.
	Install(ctx context.Context, remotePath string) error

	// Reboot asks the device to reboot. Losing the connection afterwards is
	// expected.
	Reboot(ctx context.Context) error
}

// Dialer opens sessions.
type Dialer interface {
	Open(ctx context.Context, target Target) (Session, error)
}

// Facts is the basic identity of a device as reported by the device itself.
type Facts struct {
	Hostname     string    `json:"hostname"`
	Model        string    `json:"model"`
	Version      string    `json:"version"`
	SerialNumber string    `json:"serial_number"`
	Uptime       int64     `json:"uptime_seconds"`
	BootTime     time.Time `json:"boot_time,omitempty"`
	Personality  string    `json:"personality"`
}

// Filesystem is one mounted filesystem.
type Filesystem struct {
	Name        string `json:"name"`
	MountedOn   string `json:"mounted_on"`
	Size        string `json:"size"`
	Used        string `json:"used"`
	Available   string `json:"available"`
	UsedPercent int    `json:"used_percent"`
}

// Alarm is one active chassis or system alarm.
type Alarm struct {
	Class       string `json:"class"`
	Description string `json:"description"`
	Type        string `json:"type,omitempty"`
}

// Major reports whether the alarm is of class Major.
func (a Alarm) Major() bool {
	return a.Class == "Major"
}

// Tunnel is one IPsec security association.
type Tunnel struct {
	RemoteAddress string `json:"remote_address"`
	Port          string `json:"port"`
	Index         string `json:"index"`
	SPI           string `json:"spi"`
	State         string `json:"state"`
}

// Health is a point-in-time health snapshot.
type Health struct {
	Facts        *Facts       `json:"facts"`
	Storage      []Filesystem `json:"storage"`
	Alarms       []Alarm      `json:"alarms"`
	InterfacesUp int          `json:"interfaces_up"`
	Tunnels      []Tunnel     `json:"tunnels"`
	TunnelCount  int          `json:"tunnel_count"`
}

// MajorAlarms returns the Major class alarms.
func (h *Health) MajorAlarms() []Alarm {
	var out []Alarm
	for _, a := range h.Alarms {
		if a.Major() {
			out = append(out, a)
		}
	}
	return out
}

// MaxStorageUsed returns the highest used percentage across filesystems.
func (h *Health) MaxStorageUsed() int {
	max := 0
	for _, fs := range h.Storage {
		if fs.UsedPercent > max {
			max = fs.UsedPercent
		}
	}
	return max
}
