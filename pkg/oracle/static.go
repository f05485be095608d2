package oracle

import (
	"context"
	"fmt"
	"strings"
)

// StorageLimit is the used percentage at or above which a filesystem fails
// the readiness check.
const StorageLimit = 90

// Static is a rule-based Oracle used when no advisory service is configured.
type Static struct{}

var _ Oracle = Static{}

// AssessReadiness checks storage headroom, major alarms and the target version.
func (Static) AssessReadiness(_ context.Context, req *ReadinessRequest) (*Readiness, error) {
	r := &Readiness{Confidence: LevelMedium}

	storage := Check{Category: "storage", Status: "pass", Message: "storage headroom ok"}
	for _, fs := range req.Health.Storage {
		if fs.UsedPercent >= StorageLimit {
			storage.Status = "fail"
			storage.Message = fmt.Sprintf("%s is %d%% used", fs.MountedOn, fs.UsedPercent)
			storage.Recommendation = "request system storage cleanup"
			break
		}
	}

	alarms := Check{Category: "health", Status: "pass", Message: "no major alarms"}
	for _, a := range req.Health.Alarms {
		if a.Major() {
			alarms.Status = "fail"
			alarms.Message = "major alarm: " + a.Description
			break
		}
		alarms.Status = "warning"
		alarms.Message = "minor alarm: " + a.Description
	}

	version := Check{Category: "version_compatibility", Status: "pass", Message: req.Device.CurrentVersion + " -> " + req.TargetVersion}
	if req.TargetVersion == "" || req.TargetVersion == req.Device.CurrentVersion {
		version.Status = "fail"
		version.Message = "target version equals current version"
	}

	r.Checks = []Check{storage, alarms, version}

	var failed []string
	warnings := 0
	for _, c := range r.Checks {
		switch c.Status {
		case "fail":
			failed = append(failed, c.Message)
		case "warning":
			warnings++
		}
	}

	switch {
	case len(failed) > 0:
		r.Ready = false
		r.Risk = LevelHigh
		r.Summary = "not ready: " + strings.Join(failed, "; ")
	case warnings > 0:
		r.Ready = true
		r.Risk = LevelMedium
		r.Summary = "ready with warnings"
	default:
		r.Ready = true
		r.Risk = LevelLow
		r.Summary = "all readiness checks passed"
	}
	return r, nil
}

// GeneratePlan returns the standard procedure.
func (Static) GeneratePlan(_ context.Context, req *PlanRequest) (*Plan, error) {
	plan := DefaultPlan(req)
	plan.Fallback = false
	return plan, nil
}

// AssessResult recommends rollback when the version did not change, and
// investigate when alarms appeared or connectivity counts dropped.
func (Static) AssessResult(_ context.Context, req *ResultRequest) (*Assessment, error) {
	a := &Assessment{
		Confidence: LevelMedium,
		Issues:     CompareStates(req.TargetVersion, req.Pre, req.Post),
	}

	switch {
	case len(a.Issues) == 0:
		a.Recommendation = RecommendProceed
		a.Success = true
		a.Summary = "upgrade verified"
	case a.Issues[0].Category == "version":
		a.Recommendation = RecommendRollback
		a.Summary = "device is not running the target version"
		a.NextSteps = []string{"check 'show system software'", "reboot from the alternate slot if the device is unstable"}
	default:
		a.Recommendation = RecommendInvestigate
		a.Success = true
		a.Summary = "upgrade applied with regressions"
		a.NextSteps = []string{"review alarms and tunnel state"}
	}
	return a, nil
}

// CompareStates lists the regressions between pre and post upgrade state. A
// version mismatch, when present, is always the first issue.
func CompareStates(target string, pre, post State) []Issue {
	var issues []Issue

	if post.Version != target {
		issues = append(issues, Issue{
			Severity:    "critical",
			Category:    "version",
			Description: fmt.Sprintf("running %s, expected %s", post.Version, target),
		})
	}
	if n := newMajorAlarms(pre, post); n > 0 {
		issues = append(issues, Issue{
			Severity:    "high",
			Category:    "alarms",
			Description: fmt.Sprintf("%d new major alarms", n),
		})
	}
	if post.InterfacesUp < pre.InterfacesUp {
		issues = append(issues, Issue{
			Severity:    "high",
			Category:    "connectivity",
			Description: fmt.Sprintf("interfaces up dropped from %d to %d", pre.InterfacesUp, post.InterfacesUp),
		})
	}
	if post.Tunnels < pre.Tunnels {
		issues = append(issues, Issue{
			Severity:    "high",
			Category:    "services",
			Description: fmt.Sprintf("tunnels dropped from %d to %d", pre.Tunnels, post.Tunnels),
		})
	}
	return issues
}

func newMajorAlarms(pre, post State) int {
	seen := make(map[string]bool)
	for _, a := range pre.Alarms {
		if a.Major() {
			seen[a.Description] = true
		}
	}
	n := 0
	for _, a := range post.Alarms {
		if a.Major() && !seen[a.Description] {
			n++
		}
	}
	return n
}
