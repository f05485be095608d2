package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityLow is for style or hygiene findings.
	SeverityLow Severity = "low"

	// SeverityMedium is for findings that should be reviewed but do not block.
	SeverityMedium Severity = "medium"

	// SeverityHigh blocks the operation.
	SeverityHigh Severity = "high"

	// SeverityCritical blocks the operation and marks a likely outage.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity stops the operation.
func (s Severity) Blocking() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Kind selects which gate a policy belongs to.
type Kind string

const (
	// KindChange policies inspect set commands and the candidate diff before commit.
	KindChange Kind = "change"

	// KindReadiness policies inspect device health before a firmware upgrade.
	KindReadiness Kind = "readiness"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Kind is the gate this policy is evaluated in.
	Kind Kind `json:"kind" yaml:"kind"`

	// Rego contains the Rego policy code. Violations are read from data.<package>.deny.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Command is the offending set command, when there is one.
	Command string `json:"command,omitempty"`
}

// String formats the violation for job results and logs.
func (v Violation) String() string {
	return string(v.Severity) + ": " + v.Message + " (" + v.Policy + ")"
}

// Decision is the outcome of evaluating one gate.
type Decision struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Reasons returns the messages of the blocking violations.
func (d *Decision) Reasons() []string {
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.String())
	}
	return out
}

// WarningMessages returns the messages of the non-blocking violations.
func (d *Decision) WarningMessages() []string {
	out := make([]string, 0, len(d.Warnings))
	for _, v := range d.Warnings {
		out = append(out, v.String())
	}
	return out
}

// DeviceInfo is the device context passed to every policy.
type DeviceInfo struct {
	ID       string   `json:"id"`
	Hostname string   `json:"hostname"`
	Model    string   `json:"model,omitempty"`
	Site     string   `json:"site,omitempty"`
	Region   string   `json:"region,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// ChangeInput is the input document for change policies.
type ChangeInput struct {
	Device      DeviceInfo `json:"device"`
	Commands    []string   `json:"commands"`
	Diff        string     `json:"diff"`
	Description string     `json:"description"`
	RequestedBy string     `json:"requested_by"`
}

// Filesystem is a storage entry in the readiness input.
type Filesystem struct {
	Name        string  `json:"name"`
	MountedOn   string  `json:"mounted_on"`
	UsedPercent float64 `json:"used_percent"`
}

// Alarm is an active alarm in the readiness input.
type Alarm struct {
	Class       string `json:"class"`
	Description string `json:"description"`
}

// ReadinessInput is the input document for readiness policies.
type ReadinessInput struct {
	Device         DeviceInfo   `json:"device"`
	CurrentVersion string       `json:"current_version"`
	TargetVersion  string       `json:"target_version"`
	Storage        []Filesystem `json:"storage"`
	Alarms         []Alarm      `json:"alarms"`
	InterfacesUp   int          `json:"interfaces_up"`
	TunnelCount    int          `json:"tunnel_count"`
}
