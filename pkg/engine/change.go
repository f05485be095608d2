package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/srxops/srxops/pkg/device"
	"github.com/srxops/srxops/pkg/policy"
)

const defaultChangeDescription = "Configuration change"

// ChangeResult is the result document of a config_change job.
type ChangeResult struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
	Error       string      `json:"error,omitempty"`
	State       ChangeState `json:"state"`
	Commands    []string    `json:"commands"`
	Description string      `json:"description"`
	Diff        string      `json:"diff,omitempty"`
	PreCommit   string      `json:"pre_commit,omitempty"`
	PostCommit  string      `json:"post_commit,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
}

// ChangeOrchestrator applies a batch of set commands with commit confirmed.
//
// The flow is STARTED → PRE_BACKUP → LOADED → (NO_DIFF → DONE) |
// COMMITTED_PENDING → VERIFIED → CONFIRMED → POST_BACKUP → DONE. Once the
// confirmed commit is sent the device reverts on its own unless a fresh
// session can reach it, so Confirm is only ever sent after that check passes.
// The check and Confirm both finish inside the first half of the rollback
// window or the job fails as unreachable.
type ChangeOrchestrator struct {
	deps   Deps
	policy PolicyGate
	opts   Options
}

var _ Handler = (*ChangeOrchestrator)(nil)

// NewChangeOrchestrator creates a change orchestrator. gate may be nil.
func NewChangeOrchestrator(deps Deps, gate PolicyGate, opts Options) *ChangeOrchestrator {
	return &ChangeOrchestrator{
		deps:   deps.withDefaults(),
		policy: gate,
		opts:   opts.withDefaults(),
	}
}

// Execute implements Handler.
func (o *ChangeOrchestrator) Execute(ctx context.Context, run *Run) (any, error) {
	return o.Apply(ctx, run)
}

// Apply runs the change. The returned result is never nil; on failure it
// carries the error message and, past the load step, the attempted diff.
func (o *ChangeOrchestrator) Apply(ctx context.Context, run *Run) (*ChangeResult, error) {
	params := run.Job.Params
	description := strings.TrimSpace(params.Description)
	if description == "" {
		description = defaultChangeDescription
	}
	minutes := params.ConfirmTimeout
	if minutes <= 0 {
		minutes = o.opts.CommitConfirmMinutes
	}

	res := &ChangeResult{
		State:       ChangeStarted,
		Commands:    params.Commands,
		Description: description,
	}
	logger := run.Logger.WithField("commands", len(params.Commands))

	fail := func(err *OrchestrationError) (*ChangeResult, error) {
		if err.Phase == "" {
			err.Phase = string(res.State)
		}
		res.Success = false
		res.Error = err.Detail()
		res.State = ChangeFailed
		logger.WithError(err).WithPhase(err.Phase).Error("configuration change failed")
		run.Progress(ctx, string(ChangeFailed), res)
		return res, err
	}

	if len(params.Commands) == 0 {
		return fail(NewValidationError("no commands given", nil))
	}

	run.Progress(ctx, string(ChangeStarted), res)
	logger.WithField("description", description).Info("starting configuration change")

	sess, err := o.deps.open(ctx, o.opts, run.Device)
	if err != nil {
		return fail(FromDeviceError("", err))
	}
	defer closeSession(sess)

	// Pre-change backup
	pre, err := o.deps.snapshot(ctx, sess, run, BackupTypePreChange, "Pre-change backup: "+description)
	if err != nil {
		return fail(FromDeviceError("pre-change backup failed", err))
	}
	res.PreCommit = pre.Token
	res.State = ChangePreBackup
	run.Progress(ctx, string(ChangePreBackup), res)

	if err := run.CheckCancel(ctx, string(ChangeLoaded)); err != nil {
		return fail(err)
	}

	// Load
	diff, err := sess.LoadAndDiff(ctx, params.Commands)
	if err != nil {
		o.discard(ctx, run, sess)
		return fail(FromDeviceError("failed to load configuration", err))
	}

	if strings.TrimSpace(diff) == "" {
		o.discard(ctx, run, sess)
		res.Success = true
		res.Message = "No changes detected"
		res.State = ChangeNoDiff
		run.Progress(ctx, string(ChangeNoDiff), res)
		res.State = ChangeDone
		logger.Warn("no configuration changes detected")
		return res, nil
	}

	res.Diff = diff
	res.State = ChangeLoaded
	run.Progress(ctx, string(ChangeLoaded), res)
	logger.WithField("diff", diff).Info("configuration diff")

	if err := o.evaluatePolicy(ctx, run, res); err != nil {
		o.discard(ctx, run, sess)
		return fail(err)
	}

	if err := run.CheckCancel(ctx, string(ChangeCommittedPending)); err != nil {
		o.discard(ctx, run, sess)
		return fail(err)
	}

	// Commit confirmed. From here on the job runs to a terminal state.
	if err := sess.CommitConfirmed(ctx, description, minutes); err != nil {
		oe := FromDeviceError("commit confirmed failed", err)
		if oe.Kind == KindUnreachable {
			// The commit may have landed; the device timer will revert it.
			oe.Mutated = true
		} else {
			o.discard(ctx, run, sess)
		}
		return fail(oe)
	}
	res.State = ChangeCommittedPending
	run.Progress(ctx, string(ChangeCommittedPending), res)
	logger.WithField("timeout_minutes", minutes).Info("configuration committed, awaiting confirmation")

	window := confirmWindow(minutes)
	confirmCtx, cancelConfirm := context.WithTimeout(ctx, window)
	defer cancelConfirm()

	if err := o.checkReachable(confirmCtx, run, min(o.opts.ConnectTimeout+o.opts.CommandTimeout, window)); err != nil {
		logger.WithError(err).
			WithField("rollback_minutes", minutes).
			Error("device not responding after change, automatic rollback will occur")
		return fail(NewUnreachableError("Device connectivity lost after change", err).WithMutated(true))
	}
	res.State = ChangeVerified
	run.Progress(ctx, string(ChangeVerified), res)
	run.ignoreCancel(ctx, string(ChangeVerified))

	if err := sess.Confirm(confirmCtx, "Confirming change: "+description); err != nil {
		return fail(FromDeviceError("confirm failed; the device will roll back automatically", err).WithMutated(true))
	}
	res.State = ChangeConfirmed
	run.Progress(ctx, string(ChangeConfirmed), res)
	logger.Info("change confirmed")

	if o.opts.VerifyRunningConfig {
		if warning := o.verifyRunning(ctx, run, sess, params.Commands); warning != "" {
			res.Warnings = append(res.Warnings, warning)
			logger.Warn(warning)
		}
	}

	// Post-change backup
	post, err := o.deps.snapshot(ctx, sess, run, BackupTypePostChange, "Applied: "+description)
	if err != nil {
		return fail(FromDeviceError("post-change backup failed", err).WithMutated(true))
	}
	res.PostCommit = post.Token
	res.State = ChangePostBackup
	run.Progress(ctx, string(ChangePostBackup), res)

	res.Success = true
	res.Message = "Configuration applied successfully"
	res.State = ChangeDone
	logger.Info("configuration change completed successfully")
	return res, nil
}

// confirmWindow is the part of the device rollback timer the orchestrator
// may spend before Confirm.
func confirmWindow(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute / 2
}

// checkReachable opens a fresh session and reads facts within timeout. A
// fresh session observes a management lockout that an already established
// session might survive.
func (o *ChangeOrchestrator) checkReachable(ctx context.Context, run *Run, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := o.deps.open(ctx, o.opts, run.Device)
	if err != nil {
		return err
	}
	defer closeSession(sess)

	facts, err := sess.Facts(ctx)
	if err != nil {
		return err
	}
	run.Logger.WithField("version", facts.Version).Info("device still reachable after change")
	return nil
}

// evaluatePolicy runs the change guard. Blocking violations fail the job;
// the rest become warnings.
func (o *ChangeOrchestrator) evaluatePolicy(ctx context.Context, run *Run, res *ChangeResult) *OrchestrationError {
	if o.policy == nil {
		return nil
	}

	dev := run.Device
	decision, err := o.policy.EvaluateChange(ctx, &policy.ChangeInput{
		Device: policy.DeviceInfo{
			ID:       dev.ID,
			Hostname: dev.Hostname,
			Model:    dev.Model,
			Site:     dev.Site,
			Region:   dev.Region,
			Tags:     dev.Tags,
		},
		Commands:    res.Commands,
		Diff:        res.Diff,
		Description: res.Description,
		RequestedBy: run.Job.RequestedBy.Label(),
	})
	if err != nil {
		return NewValidationError("policy evaluation failed", err)
	}

	res.Warnings = append(res.Warnings, decision.WarningMessages()...)
	if decision.Allowed {
		return nil
	}

	reasons := decision.Reasons()
	o.deps.Telemetry.Metrics.RecordPolicyDenial("change")
	_ = o.deps.Telemetry.Events.PublishPolicyDenied(run.Job.ID, dev.ID, "change", reasons)
	return NewValidationError(fmt.Sprintf("change blocked by policy: %s", strings.Join(reasons, "; ")), nil)
}

// verifyRunning re-loads the commands after confirm. A non-empty diff means
// the running configuration does not contain them.
func (o *ChangeOrchestrator) verifyRunning(ctx context.Context, run *Run, sess device.Session, commands []string) string {
	diff, err := sess.LoadAndDiff(ctx, commands)
	o.discard(ctx, run, sess)

	if err != nil {
		return "running configuration verification failed: " + err.Error()
	}
	if strings.TrimSpace(diff) != "" {
		return "running configuration does not match the requested commands after confirm"
	}
	return ""
}

func (o *ChangeOrchestrator) discard(ctx context.Context, run *Run, sess device.Session) {
	if err := sess.RollbackCandidate(ctx); err != nil {
		run.Logger.WithError(err).Warn("failed to discard candidate configuration")
	}
}
