package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/srxops/srxops/pkg/device"
	"github.com/srxops/srxops/pkg/oracle"
	"github.com/srxops/srxops/pkg/policy"
	"github.com/srxops/srxops/pkg/telemetry"
)

const (
	noChangesNote       = "no changes were made"
	partialNote         = "upgrade may have partially applied; manual verification required"
	postValidationNote  = "upgrade applied; post-upgrade validation incomplete"
	validationIssueKind = "validation"
)

// UpgradeResult is the result document of an upgrade job. It is persisted
// after every phase, so a failed job shows how far it got.
type UpgradeResult struct {
	Success           bool               `json:"success"`
	Error             string             `json:"error,omitempty"`
	Phase             string             `json:"phase"`
	TargetVersion     string             `json:"target_version"`
	PreviousVersion   string             `json:"previous_version,omitempty"`
	NewVersion        string             `json:"new_version,omitempty"`
	Firmware          *FirmwareImage     `json:"firmware,omitempty"`
	RemotePath        string             `json:"remote_path,omitempty"`
	ReadinessAnalysis *oracle.Readiness  `json:"readiness_analysis,omitempty"`
	PolicyWarnings    []string           `json:"policy_warnings,omitempty"`
	UpgradePlan       *oracle.Plan       `json:"upgrade_plan,omitempty"`
	PreBackupCommit   string             `json:"pre_backup_commit,omitempty"`
	PostBackupCommit  string             `json:"post_backup_commit,omitempty"`
	PreUpgradeHealth  *oracle.State      `json:"pre_upgrade_health,omitempty"`
	PostUpgradeHealth *oracle.State      `json:"post_upgrade_health,omitempty"`
	ReconnectAttempts int                `json:"reconnect_attempts,omitempty"`
	Comparison        []oracle.Issue     `json:"comparison,omitempty"`
	Recommendation    *oracle.Assessment `json:"recommendation,omitempty"`
	VersionUpdated    bool               `json:"version_updated"`
}

// UpgradeOrchestrator runs the ten-phase firmware upgrade.
//
// Phases 1–6 leave the running system untouched. Phase 7 issues the reboot,
// the one designed disconnection point, and phase 8 waits for the device to
// come back with a bounded number of reconnection attempts driven by Clock.
type UpgradeOrchestrator struct {
	deps     Deps
	firmware FirmwareCatalog
	oracle   oracle.Oracle
	policy   PolicyGate
	check    UpgradeCheck
	opts     Options
}

var _ Handler = (*UpgradeOrchestrator)(nil)

// UpgradeConfig groups the optional upgrade collaborators.
type UpgradeConfig struct {
	Firmware FirmwareCatalog

	// Oracle defaults to the rule-based oracle.Static.
	Oracle oracle.Oracle

	// Policy and Check may be nil.
	Policy PolicyGate
	Check  UpgradeCheck
}

// NewUpgradeOrchestrator creates an upgrade orchestrator.
func NewUpgradeOrchestrator(deps Deps, cfg UpgradeConfig, opts Options) *UpgradeOrchestrator {
	o := &UpgradeOrchestrator{
		deps:     deps.withDefaults(),
		firmware: cfg.Firmware,
		oracle:   cfg.Oracle,
		policy:   cfg.Policy,
		check:    cfg.Check,
		opts:     opts.withDefaults(),
	}
	if o.oracle == nil {
		o.oracle = oracle.Static{}
	}
	return o
}

// Execute implements Handler.
func (o *UpgradeOrchestrator) Execute(ctx context.Context, run *Run) (any, error) {
	return o.Upgrade(ctx, run)
}

// upgradeRun carries the state of one upgrade between phases.
type upgradeRun struct {
	*Run
	res     *UpgradeResult
	sess    device.Session
	health  *device.Health
	image   *FirmwareImage
	pre     oracle.State
	current string
}

func (u *upgradeRun) enter(ctx context.Context, phase UpgradePhase) {
	u.res.Phase = phase.String()
	u.Logger.WithPhase(phase.String()).Info("upgrade phase started")
	u.Progress(ctx, phase.String(), u.res)
}

// Upgrade runs all phases. The returned result is never nil.
func (o *UpgradeOrchestrator) Upgrade(ctx context.Context, run *Run) (*UpgradeResult, error) {
	target := strings.TrimSpace(run.Job.Params.FirmwareVersion)
	u := &upgradeRun{
		Run: run,
		res: &UpgradeResult{
			TargetVersion:   target,
			PreviousVersion: run.Device.FirmwareVersion,
		},
	}
	defer func() { closeSession(u.sess) }()
	telemetry.SetAttributes(telemetry.SpanFromContext(ctx), telemetry.AttrTargetVersion.String(target))

	steps := []struct {
		phase UpgradePhase
		fn    func(context.Context, *upgradeRun) error
	}{
		{PhaseReadiness, o.readiness},
		{PhasePlan, o.plan},
		{PhasePreSnapshot, o.preSnapshot},
		{PhaseSystemSnapshot, o.systemSnapshot},
		{PhaseUpload, o.upload},
		{PhaseInstall, o.install},
		{PhaseReboot, o.reboot},
		{PhaseReconnect, o.reconnect},
		{PhasePostValidation, o.postValidation},
		{PhaseFinalize, o.finalize},
	}

	for _, step := range steps {
		if step.phase <= PhaseReboot {
			if err := run.CheckCancel(ctx, step.phase.String()); err != nil {
				return o.fail(ctx, u, step.phase, err)
			}
		} else {
			run.ignoreCancel(ctx, step.phase.String())
		}

		u.enter(ctx, step.phase)
		started := o.deps.Clock.Now()
		err := step.fn(ctx, u)
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		o.deps.Telemetry.Metrics.RecordPhase(string(JobTypeUpgrade), step.phase.Name(), outcome, o.deps.Clock.Now().Sub(started))
		if err != nil {
			return o.fail(ctx, u, step.phase, err)
		}
	}

	u.Logger.WithFields(map[string]interface{}{
		"previous_version": u.res.PreviousVersion,
		"new_version":      u.res.NewVersion,
		"recommendation":   string(u.res.Recommendation.Recommendation),
	}).Info("firmware upgrade completed")

	return u.res, nil
}

// fail annotates err with the phase and whether the device may have been
// changed, records it in the result, and persists it.
func (o *UpgradeOrchestrator) fail(ctx context.Context, u *upgradeRun, phase UpgradePhase, err error) (*UpgradeResult, error) {
	oe := FromDeviceError("", err)

	note := noChangesNote
	mutated := oe.Mutated
	switch {
	case phase.MayHavePartiallyApplied():
		note = partialNote
		mutated = true
	case phase > PhaseReconnect:
		note = postValidationNote
		mutated = true
	}

	message := note
	if oe.Message != "" {
		message = fmt.Sprintf("%s (%s)", oe.Message, note)
	}
	wrapped := &OrchestrationError{
		Kind:    oe.Kind,
		Phase:   phase.String(),
		Message: message,
		Mutated: mutated,
		Err:     oe.Err,
	}

	u.res.Success = false
	u.res.Error = wrapped.Detail()
	u.res.Phase = phase.String()
	u.Logger.WithError(wrapped).WithPhase(phase.String()).Error("firmware upgrade failed")
	u.Progress(ctx, phase.String(), u.res)
	return u.res, wrapped
}

// Phase 1: facts, health, readiness policy and oracle verdict.
func (o *UpgradeOrchestrator) readiness(ctx context.Context, u *upgradeRun) error {
	target := u.res.TargetVersion
	if target == "" {
		return NewValidationError("firmware version is required", nil)
	}
	if o.firmware == nil {
		return NewValidationError("no firmware catalog configured", nil)
	}

	image, err := o.firmware.Find(target)
	if err != nil {
		return NewValidationError(fmt.Sprintf("Firmware version %s not found", target), err)
	}
	u.image = image
	u.res.Firmware = image

	sess, err := o.deps.open(ctx, o.opts, u.Device)
	if err != nil {
		return err
	}
	u.sess = sess

	health, err := sess.Health(ctx)
	if err != nil {
		return FromDeviceError("failed to gather device health", err)
	}
	u.health = health

	u.current = u.Device.FirmwareVersion
	if health.Facts != nil && health.Facts.Version != "" {
		u.current = health.Facts.Version
	}
	u.res.PreviousVersion = u.current

	if err := o.readinessPolicy(ctx, u); err != nil {
		return err
	}

	readiness, err := o.oracle.AssessReadiness(ctx, &oracle.ReadinessRequest{
		Device:        o.deviceInfo(u),
		TargetVersion: target,
		Health:        oracle.StateFromHealth(health),
	})
	if err != nil || readiness == nil {
		reason := "no verdict"
		if err != nil {
			reason = err.Error()
		}
		u.Logger.WithField("reason", reason).Warn("readiness oracle unavailable, treating device as not ready")
		o.deps.Telemetry.Metrics.RecordOracleFallback("readiness")
		readiness = oracle.NotReady(reason)
	}
	u.res.ReadinessAnalysis = readiness

	if !readiness.Ready {
		return NewAdvisoryError("Device not ready for upgrade: "+readiness.Summary, nil)
	}

	u.Logger.WithFields(map[string]interface{}{
		"risk":       string(readiness.Risk),
		"confidence": string(readiness.Confidence),
	}).Info("readiness check passed")
	return nil
}

func (o *UpgradeOrchestrator) readinessPolicy(ctx context.Context, u *upgradeRun) error {
	if o.policy == nil {
		return nil
	}

	input := &policy.ReadinessInput{
		Device: policy.DeviceInfo{
			ID:       u.Device.ID,
			Hostname: u.Device.Hostname,
			Model:    u.Device.Model,
			Site:     u.Device.Site,
			Region:   u.Device.Region,
			Tags:     u.Device.Tags,
		},
		CurrentVersion: u.current,
		TargetVersion:  u.res.TargetVersion,
		InterfacesUp:   u.health.InterfacesUp,
		TunnelCount:    u.health.TunnelCount,
	}
	for _, fs := range u.health.Storage {
		input.Storage = append(input.Storage, policy.Filesystem{
			Name:        fs.Name,
			MountedOn:   fs.MountedOn,
			UsedPercent: float64(fs.UsedPercent),
		})
	}
	for _, a := range u.health.Alarms {
		input.Alarms = append(input.Alarms, policy.Alarm{Class: a.Class, Description: a.Description})
	}

	decision, err := o.policy.EvaluateReadiness(ctx, input)
	if err != nil {
		return NewValidationError("readiness policy evaluation failed", err)
	}
	u.res.PolicyWarnings = decision.WarningMessages()
	if decision.Allowed {
		return nil
	}

	reasons := decision.Reasons()
	o.deps.Telemetry.Metrics.RecordPolicyDenial("readiness")
	_ = o.deps.Telemetry.Events.PublishPolicyDenied(u.Job.ID, u.Device.ID, "readiness", reasons)
	return NewValidationError("Device not ready for upgrade: "+strings.Join(reasons, "; "), nil)
}

// Phase 2: advisory plan, stored and never executed.
func (o *UpgradeOrchestrator) plan(ctx context.Context, u *upgradeRun) error {
	req := &oracle.PlanRequest{
		Device:        o.deviceInfo(u),
		TargetVersion: u.res.TargetVersion,
		FirmwareFile:  u.image.File,
	}

	plan, err := o.oracle.GeneratePlan(ctx, req)
	if err != nil || plan == nil {
		u.Logger.WithError(err).Warn("plan oracle unavailable, using default procedure")
		o.deps.Telemetry.Metrics.RecordOracleFallback("plan")
		plan = oracle.DefaultPlan(req)
	}
	u.res.UpgradePlan = plan
	u.Logger.WithField("steps", len(plan.Steps)).Info("upgrade plan recorded")
	return nil
}

// Phase 3: configuration and health baseline.
func (o *UpgradeOrchestrator) preSnapshot(ctx context.Context, u *upgradeRun) error {
	saved, err := o.deps.snapshot(ctx, u.sess, u.Run, BackupTypePreChange, "Pre-upgrade backup before "+u.res.TargetVersion)
	if err != nil {
		return err
	}
	u.res.PreBackupCommit = saved.Token

	u.pre = oracle.StateFromHealth(u.health)
	u.pre.Version = u.current
	u.pre.CommitSHA = saved.Token
	u.res.PreUpgradeHealth = &u.pre
	return nil
}

// Phase 4: copy the boot environment to the alternate slot.
func (o *UpgradeOrchestrator) systemSnapshot(ctx context.Context, u *upgradeRun) error {
	if err := u.sess.Snapshot(ctx); err != nil {
		return FromDeviceError("system snapshot failed", err)
	}
	u.Logger.Info("system snapshot created")
	return nil
}

// Phase 5: transfer the image to temporary storage.
func (o *UpgradeOrchestrator) upload(ctx context.Context, u *upgradeRun) error {
	u.Logger.WithFields(map[string]interface{}{
		"file": u.image.File,
		"size": u.image.Size,
	}).Info("uploading firmware")

	remote, err := u.sess.Upload(ctx, u.image.Path, o.opts.FirmwareDir)
	if err != nil {
		oe := FromDeviceError("firmware upload failed", err)
		if oe.Kind == KindInternal {
			oe.Kind = KindTransfer
		}
		return oe
	}
	if remote == "" {
		remote = filepath.ToSlash(filepath.Join(o.opts.FirmwareDir, u.image.File))
	}
	u.res.RemotePath = remote
	return nil
}

// Phase 6: validate and stage the package without activating it.
func (o *UpgradeOrchestrator) install(ctx context.Context, u *upgradeRun) error {
	u.Logger.WithField("package", u.res.RemotePath).Info("installing firmware")
	if err := u.sess.Install(ctx, u.res.RemotePath); err != nil {
		oe := FromDeviceError("firmware install failed", err)
		if oe.Kind == KindInternal {
			oe.Kind = KindInstall
		}
		return oe
	}
	return nil
}

// Phase 7: reboot. Losing the session here is expected.
func (o *UpgradeOrchestrator) reboot(ctx context.Context, u *upgradeRun) error {
	err := u.sess.Reboot(ctx)
	closeSession(u.sess)
	u.sess = nil

	if err != nil && !IsRetryable(err) {
		return FromDeviceError("reboot request failed", err)
	}
	if err != nil {
		u.Logger.WithError(err).Info("session dropped while requesting reboot")
	}
	return nil
}

// Phase 8: settle, then poll until the device answers a health query.
func (o *UpgradeOrchestrator) reconnect(ctx context.Context, u *upgradeRun) error {
	clock := o.deps.Clock
	metrics := o.deps.Telemetry.Metrics

	u.Logger.WithField("settle", o.opts.SettleWait.String()).Info("device rebooting, waiting before reconnecting")
	if err := clock.Sleep(ctx, o.opts.SettleWait); err != nil {
		return FromDeviceError("interrupted while waiting for reboot", err)
	}

	for attempt := 1; attempt <= o.opts.ReconnectAttempts; attempt++ {
		if err := clock.Sleep(ctx, o.opts.ReconnectInterval); err != nil {
			return FromDeviceError("interrupted while reconnecting", err)
		}

		u.res.ReconnectAttempts = attempt
		sess, health, err := o.tryReconnect(ctx, u)
		if err == nil {
			metrics.RecordReconnectAttempt("success")
			u.sess = sess
			u.health = health
			u.Logger.WithField("attempt", attempt).Info("device reconnected")
			return nil
		}

		if !IsRetryable(err) {
			metrics.RecordReconnectAttempt("error")
			return FromDeviceError("reconnection failed", err)
		}

		metrics.RecordReconnectAttempt("unreachable")
		u.Logger.WithError(err).WithFields(map[string]interface{}{
			"attempt":      attempt,
			"max_attempts": o.opts.ReconnectAttempts,
		}).Info("reconnection attempt failed")
	}

	return NewUpgradeTimeoutError(
		fmt.Sprintf("Device did not come back online after %d reconnection attempts", o.opts.ReconnectAttempts), nil)
}

func (o *UpgradeOrchestrator) tryReconnect(ctx context.Context, u *upgradeRun) (device.Session, *device.Health, error) {
	sess, err := o.deps.open(ctx, o.opts, u.Device)
	if err != nil {
		return nil, nil, err
	}
	health, err := sess.Health(ctx)
	if err != nil {
		closeSession(sess)
		return nil, nil, err
	}
	return sess, health, nil
}

// Phase 9: post snapshot, comparison, site checks and the oracle verdict.
func (o *UpgradeOrchestrator) postValidation(ctx context.Context, u *upgradeRun) error {
	target := u.res.TargetVersion

	saved, err := o.deps.snapshot(ctx, u.sess, u.Run, BackupTypePostChange, "Post-upgrade backup after "+target)
	if err != nil {
		return err
	}
	u.res.PostBackupCommit = saved.Token

	post := oracle.StateFromHealth(u.health)
	if post.Version == "" {
		post.Version = "Unknown"
	}
	post.CommitSHA = saved.Token
	u.res.PostUpgradeHealth = &post
	u.res.NewVersion = post.Version

	comparison := oracle.CompareStates(target, u.pre, post)
	comparison = append(comparison, o.siteChecks(ctx, u, post)...)
	u.res.Comparison = comparison

	assessment, err := o.oracle.AssessResult(ctx, &oracle.ResultRequest{
		Hostname:      u.Device.Hostname,
		TargetVersion: target,
		Pre:           u.pre,
		Post:          post,
	})
	if err != nil || assessment == nil {
		u.Logger.WithError(err).Warn("result oracle unavailable, recommending investigation")
		o.deps.Telemetry.Metrics.RecordOracleFallback("result")
		assessment = oracle.Investigate()
	}
	u.res.Recommendation = assessment

	u.Logger.WithFields(map[string]interface{}{
		"recommendation": string(assessment.Recommendation),
		"issues":         len(comparison),
	}).Info("post-upgrade analysis complete")
	return nil
}

// siteChecks runs the optional validation script. Script failures are
// reported as issues and never fail the job.
func (o *UpgradeOrchestrator) siteChecks(ctx context.Context, u *upgradeRun, post oracle.State) []oracle.Issue {
	if o.check == nil {
		return nil
	}

	pre, err := toMap(u.pre)
	if err != nil {
		return nil
	}
	postMap, err := toMap(post)
	if err != nil {
		return nil
	}

	messages, err := o.check.Check(ctx, &UpgradeCheckInput{
		Hostname:      u.Device.Hostname,
		TargetVersion: u.res.TargetVersion,
		Pre:           pre,
		Post:          postMap,
	})
	if err != nil {
		u.Logger.WithError(err).Warn("upgrade validation script failed")
		return []oracle.Issue{{
			Severity:    "medium",
			Category:    validationIssueKind,
			Description: "validation script failed: " + err.Error(),
		}}
	}

	issues := make([]oracle.Issue, 0, len(messages))
	for _, m := range messages {
		issues = append(issues, oracle.Issue{Severity: "medium", Category: validationIssueKind, Description: m})
	}
	return issues
}

// Phase 10: record the new version when it actually changed.
func (o *UpgradeOrchestrator) finalize(ctx context.Context, u *upgradeRun) error {
	res := u.res
	changed := res.NewVersion != "" && res.NewVersion != "Unknown" && res.NewVersion != res.PreviousVersion

	if changed {
		if err := o.deps.Devices.SetFirmwareVersion(ctx, u.Device.ID, res.NewVersion); err != nil {
			return NewInternalError("failed to record new firmware version", err)
		}
		u.Device.FirmwareVersion = res.NewVersion
		res.VersionUpdated = true
	}

	if u.health != nil && u.health.Facts != nil {
		f := u.health.Facts
		version := u.Device.FirmwareVersion
		if err := o.deps.Devices.RecordFacts(ctx, u.Device.ID, f.Model, version, f.SerialNumber, o.deps.Clock.Now().UTC()); err != nil {
			u.Logger.WithError(err).Warn("failed to record device facts")
		}
	}

	res.Success = res.NewVersion == res.TargetVersion &&
		res.Recommendation != nil &&
		res.Recommendation.Recommendation != oracle.RecommendRollback
	return nil
}

func (o *UpgradeOrchestrator) deviceInfo(u *upgradeRun) oracle.DeviceInfo {
	model := u.Device.Model
	if u.health != nil && u.health.Facts != nil && u.health.Facts.Model != "" {
		model = u.health.Facts.Model
	}
	return oracle.DeviceInfo{
		Hostname:       u.Device.Hostname,
		Model:          model,
		CurrentVersion: u.current,
	}
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
