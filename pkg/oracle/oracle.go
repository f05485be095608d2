// Package oracle defines the advisory contract consulted before and after a
// firmware upgrade, with an HTTP client and a rule-based implementation.
//
// Advice never mutates a device. Callers treat any error from an Oracle as
// "no advice" and fall back to NotReady or Investigate.
package oracle

import (
	"context"

	"github.com/srxops/srxops/pkg/device"
)

// UnavailableSummary is the summary recorded when advice could not be obtained.
const UnavailableSummary = "advisory analysis unavailable"

// Oracle answers readiness, planning and result questions for an upgrade.
type Oracle interface {
	AssessReadiness(ctx context.Context, req *ReadinessRequest) (*Readiness, error)
	GeneratePlan(ctx context.Context, req *PlanRequest) (*Plan, error)
	AssessResult(ctx context.Context, req *ResultRequest) (*Assessment, error)
}

// Recommendation is the verdict after an upgrade.
type Recommendation string

const (
	RecommendProceed     Recommendation = "proceed"
	RecommendRollback    Recommendation = "rollback"
	RecommendInvestigate Recommendation = "investigate"
)

// Valid reports whether r is one of the known recommendations.
func (r Recommendation) Valid() bool {
	return r == RecommendProceed || r == RecommendRollback || r == RecommendInvestigate
}

// Level is a low/medium/high style rating used for risk and confidence.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

func (l Level) valid() bool {
	return l == LevelLow || l == LevelMedium || l == LevelHigh || l == LevelCritical
}

// DeviceInfo identifies the device being upgraded.
type DeviceInfo struct {
	Hostname       string `json:"hostname"`
	Model          string `json:"model"`
	CurrentVersion string `json:"current_version"`
}

// State is the comparable device state captured before and after an upgrade.
type State struct {
	Version      string              `json:"version"`
	Alarms       []device.Alarm      `json:"alarms"`
	Storage      []device.Filesystem `json:"storage"`
	InterfacesUp int                 `json:"interfaces_up"`
	Tunnels      int                 `json:"tunnels"`
	BootTime     string              `json:"boot_time,omitempty"`
	CommitSHA    string              `json:"commit_sha,omitempty"`
}

// StateFromHealth builds a State from a health snapshot.
func StateFromHealth(h *device.Health) State {
	s := State{
		Alarms:       h.Alarms,
		Storage:      h.Storage,
		InterfacesUp: h.InterfacesUp,
		Tunnels:      h.TunnelCount,
	}
	if h.Facts != nil {
		s.Version = h.Facts.Version
		if !h.Facts.BootTime.IsZero() {
			s.BootTime = h.Facts.BootTime.UTC().Format("2006-01-02T15:04:05Z")
		}
	}
	return s
}

// ReadinessRequest asks whether a device may be upgraded.
type ReadinessRequest struct {
	Device        DeviceInfo `json:"device"`
	TargetVersion string     `json:"target_version"`
	Health        State      `json:"health"`
}

// Check is one readiness check outcome.
type Check struct {
	Category       string `json:"category"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Readiness is the readiness verdict.
type Readiness struct {
	Ready         bool     `json:"ready"`
	Risk          Level    `json:"overall_risk"`
	Confidence    Level    `json:"confidence"`
	Summary       string   `json:"summary"`
	Checks        []Check  `json:"checks,omitempty"`
	Prerequisites []string `json:"prerequisites,omitempty"`

	// Fallback is set when the verdict is the conservative default.
	Fallback bool `json:"fallback,omitempty"`
}

// PlanRequest asks for a human-readable upgrade procedure.
type PlanRequest struct {
	Device        DeviceInfo `json:"device"`
	TargetVersion string     `json:"target_version"`
	FirmwareFile  string     `json:"firmware_file"`
}

// PlanStep is one step of an upgrade procedure.
type PlanStep struct {
	Step        int    `json:"step"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// Plan is advisory only; it is stored in the job result and never executed.
type Plan struct {
	Summary           string     `json:"summary"`
	Steps             []PlanStep `json:"steps"`
	EstimatedDowntime string     `json:"estimated_downtime,omitempty"`
	RollbackPlan      string     `json:"rollback_plan,omitempty"`
	Fallback          bool       `json:"fallback,omitempty"`
}

// ResultRequest asks for a verdict on a finished upgrade.
type ResultRequest struct {
	Hostname      string `json:"hostname"`
	TargetVersion string `json:"target_version"`
	Pre           State  `json:"pre"`
	Post          State  `json:"post"`
}

// Issue is one problem found after an upgrade.
type Issue struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// Assessment is the post-upgrade verdict.
type Assessment struct {
	Recommendation Recommendation `json:"recommendation"`
	Confidence     Level          `json:"confidence"`
	Success        bool           `json:"success"`
	Summary        string         `json:"summary"`
	Issues         []Issue        `json:"issues,omitempty"`
	NextSteps      []string       `json:"next_steps,omitempty"`
	Fallback       bool           `json:"fallback,omitempty"`
}

// NotReady is the conservative readiness default.
func NotReady(reason string) *Readiness {
	summary := UnavailableSummary
	if reason != "" {
		summary = UnavailableSummary + ": " + reason
	}
	return &Readiness{
		Ready:      false,
		Risk:       LevelHigh,
		Confidence: LevelLow,
		Summary:    summary,
		Fallback:   true,
	}
}

// Investigate is the conservative result default.
func Investigate() *Assessment {
	return &Assessment{
		Recommendation: RecommendInvestigate,
		Confidence:     LevelLow,
		Success:        false,
		Summary:        UnavailableSummary,
		Fallback:       true,
	}
}

// DefaultPlan describes the fixed procedure the upgrade orchestrator runs.
func DefaultPlan(req *PlanRequest) *Plan {
	steps := []PlanStep{
		{Action: "readiness", Description: "Check storage, alarms and version; obtain readiness verdict"},
		{Action: "plan", Description: "Record this procedure"},
		{Action: "backup", Description: "Save the running configuration"},
		{Action: "snapshot", Description: "Copy the boot environment to the alternate slot"},
		{Action: "upload", Description: "Copy " + req.FirmwareFile + " to /var/tmp"},
		{Action: "install", Description: "Add the package without validation"},
		{Action: "reboot", Description: "Reboot into " + req.TargetVersion},
		{Action: "reconnect", Description: "Wait for the device to return"},
		{Action: "validate", Description: "Compare pre and post state"},
		{Action: "finalize", Description: "Record the new version"},
	}
	for i := range steps {
		steps[i].Step = i + 1
	}

	return &Plan{
		Summary:           "Standard upgrade of " + req.Device.Hostname + " to " + req.TargetVersion,
		Steps:             steps,
		EstimatedDowntime: "15-25 minutes",
		RollbackPlan:      "Boot from the alternate slot with 'request system reboot slice alternate media internal'",
		Fallback:          true,
	}
}
