package engine

import (
	"fmt"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is queued but not yet claimed by a worker.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning indicates a worker is executing the job.
	JobStatusRunning JobStatus = "running"

	// JobStatusSuccess indicates the job completed successfully.
	JobStatusSuccess JobStatus = "success"

	// JobStatusFailed indicates the job ended with an error.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates the job was cancelled before it mutated the device.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive returns true if the job is pending or running.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// CanTransition reports whether moving from s to next is allowed.
// Status only moves forward: pending -> running -> terminal, or pending -> cancelled.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSuccess,
		JobStatusFailed, JobStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// JobType identifies the kind of work a job performs.
type JobType string

const (
	// JobTypeBackup snapshots the running configuration.
	JobTypeBackup JobType = "backup"

	// JobTypeHealth gathers facts, storage, alarms and tunnels.
	JobTypeHealth JobType = "health"

	// JobTypeConfigChange applies set commands with confirmed commit.
	JobTypeConfigChange JobType = "config_change"

	// JobTypeUpgrade runs the ten phase firmware upgrade.
	JobTypeUpgrade JobType = "upgrade"
)

// Validate checks if the job type is valid.
func (t JobType) Validate() error {
	switch t {
	case JobTypeBackup, JobTypeHealth, JobTypeConfigChange, JobTypeUpgrade:
		return nil
	default:
		return fmt.Errorf("invalid job type: %s", t)
	}
}

// Mutating returns true for job types that change device state.
func (t JobType) Mutating() bool {
	return t == JobTypeConfigChange || t == JobTypeUpgrade
}

// Queue names the worker queue a job type is routed to.
type Queue string

const (
	QueueBackup Queue = "backup"
	QueueHealth Queue = "health"
	QueueChange Queue = "change"
)

// Queue returns the queue a job type runs on. Upgrades share the change queue.
func (t JobType) Queue() Queue {
	switch t {
	case JobTypeBackup:
		return QueueBackup
	case JobTypeHealth:
		return QueueHealth
	default:
		return QueueChange
	}
}

// JobTypesFor returns the job types served by the given queues.
func JobTypesFor(queues []Queue) []JobType {
	all := []JobType{JobTypeBackup, JobTypeHealth, JobTypeConfigChange, JobTypeUpgrade}
	if len(queues) == 0 {
		return all
	}

	var out []JobType
	for _, t := range all {
		for _, q := range queues {
			if t.Queue() == q {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// BackupType labels a stored configuration version.
type BackupType string

const (
	BackupTypeScheduled  BackupType = "scheduled"
	BackupTypeManual     BackupType = "manual"
	BackupTypePreChange  BackupType = "pre_change"
	BackupTypePostChange BackupType = "post_change"
)

// Validate checks if the backup type is valid.
func (b BackupType) Validate() error {
	switch b {
	case BackupTypeScheduled, BackupTypeManual, BackupTypePreChange, BackupTypePostChange:
		return nil
	default:
		return fmt.Errorf("invalid backup type: %s", b)
	}
}

// ChangeState is a step of the configuration change state machine.
type ChangeState string

const (
	ChangeStarted          ChangeState = "started"
	ChangePreBackup        ChangeState = "pre_backup"
	ChangeLoaded           ChangeState = "loaded"
	ChangeNoDiff           ChangeState = "no_diff"
	ChangeCommittedPending ChangeState = "committed_pending"
	ChangeVerified         ChangeState = "verified"
	ChangeConfirmed        ChangeState = "confirmed"
	ChangePostBackup       ChangeState = "post_backup"
	ChangeDone             ChangeState = "done"
	ChangeFailed           ChangeState = "failed"
)

// UpgradePhase is one of the ten upgrade phases, numbered from 1.
type UpgradePhase int

const (
	PhaseReadiness UpgradePhase = iota + 1
	PhasePlan
	PhasePreSnapshot
	PhaseSystemSnapshot
	PhaseUpload
	PhaseInstall
	PhaseReboot
	PhaseReconnect
	PhasePostValidation
	PhaseFinalize
)

var phaseNames = map[UpgradePhase]string{
	PhaseReadiness:      "readiness",
	PhasePlan:           "plan",
	PhasePreSnapshot:    "pre_snapshot",
	PhaseSystemSnapshot: "system_snapshot",
	PhaseUpload:         "upload",
	PhaseInstall:        "install",
	PhaseReboot:         "reboot",
	PhaseReconnect:      "reconnect",
	PhasePostValidation: "post_validation",
	PhaseFinalize:       "finalize",
}

// String returns e.g. "3/10 pre_snapshot".
func (p UpgradePhase) String() string {
	name, ok := phaseNames[p]
	if !ok {
		return fmt.Sprintf("%d/10 unknown", int(p))
	}
	return fmt.Sprintf("%d/10 %s", int(p), name)
}

// Name returns the bare phase name.
func (p UpgradePhase) Name() string {
	return phaseNames[p]
}

// MayHavePartiallyApplied is true for the reboot and reconnection phases,
// where a failure leaves the device in an unknown but possibly healthy state.
func (p UpgradePhase) MayHavePartiallyApplied() bool {
	return p == PhaseReboot || p == PhaseReconnect
}
