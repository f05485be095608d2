package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/srxops/srxops/pkg/artifacts"
	"github.com/srxops/srxops/pkg/config"
	"github.com/srxops/srxops/pkg/device"
	"github.com/srxops/srxops/pkg/engine"
	"github.com/srxops/srxops/pkg/oracle"
	"github.com/srxops/srxops/pkg/policy"
	"github.com/srxops/srxops/pkg/stores"
	"github.com/srxops/srxops/pkg/stores/redislease"
	"github.com/srxops/srxops/pkg/telemetry"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg       *config.Config
	store     *stores.SQLiteStore
	artifacts *artifacts.Store
	catalog   *artifacts.Catalog
	tel       *telemetry.Telemetry

	closers []func(context.Context) error
}

// openApp loads the configuration, opens and migrates the database and
// prepares the artifact store.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(cfg.Database.StoreConfig())
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	arts, err := artifacts.NewStore(cfg.Artifacts.Root, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry unavailable, continuing without it")
		tel = telemetry.NewNop()
	}

	a := &app{
		cfg:       cfg,
		store:     store,
		artifacts: arts,
		catalog:   artifacts.NewCatalog(cfg.Artifacts.Root),
		tel:       tel,
	}
	a.closers = append(a.closers, tel.Shutdown, func(context.Context) error { return store.Close() })
	return a, nil
}

// Close releases everything opened by openApp and newRunner, newest first.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Debug().Err(err).Msg("shutdown step failed")
		}
	}
}

func (a *app) requester() engine.Requester {
	return engine.Requester{Name: actor}
}

// audit records a mutation. Failures are logged only.
func (a *app) audit(ctx context.Context, action, target string, details any) {
	entry := &stores.AuditEntry{Action: action, Actor: actor, TargetID: target}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			entry.Details = string(data)
		}
	}
	if err := a.store.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}

// policyEngine loads the built-in policies plus the configured directories.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	return newPolicyEngine(ctx, a.cfg)
}

func newPolicyEngine(ctx context.Context, cfg *config.Config) (*policy.Engine, error) {
	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Dirs) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Policy.Dirs); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return pe, nil
}

// leaseManager returns the configured lease backend.
func (a *app) leaseManager(ctx context.Context) (engine.LeaseManager, error) {
	if a.cfg.Worker.LeaseBackend != "redis" {
		return a.store, nil
	}
	mgr, err := redislease.New(ctx, a.cfg.Redis.LeaseConfig())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return mgr.Close() })
	return mgr, nil
}

// newRunner wires the job handlers. The returned policy engine is the one
// used by the change and upgrade gates.
func (a *app) newRunner(ctx context.Context) (*engine.Runner, *policy.Engine, error) {
	leases, err := a.leaseManager(ctx)
	if err != nil {
		return nil, nil, err
	}

	gate, err := a.policyEngine(ctx)
	if err != nil {
		return nil, nil, err
	}

	upgradeCfg := engine.UpgradeConfig{Firmware: a.catalog, Policy: gate}
	if a.cfg.Oracle.URL != "" {
		orc, err := oracle.NewHTTPOracle(a.cfg.Oracle.HTTPConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create oracle client: %w", err)
		}
		upgradeCfg.Oracle = orc
	}
	if script := a.cfg.Upgrade.ValidationScript; script != "" {
		check, err := config.NewScriptCheck(script, a.cfg.Upgrade.ScriptTimeout)
		if err != nil {
			return nil, nil, err
		}
		upgradeCfg.Check = check
	}

	deps := engine.Deps{
		Dialer:    device.NewJunosDialer(a.cfg.SSH.DialOptions()),
		Devices:   a.store,
		Versions:  a.store,
		Artifacts: a.artifacts,
		Clock:     engine.RealClock{},
		Telemetry: a.tel,
	}
	opts := a.cfg.EngineOptions()

	runner := engine.NewRunner(a.store, a.store, leases, a.cfg.Worker.RunnerConfig(), engine.RealClock{}, a.tel)
	runner.Handle(engine.JobTypeBackup, engine.NewBackupTask(deps, opts))
	runner.Handle(engine.JobTypeHealth, engine.NewHealthTask(deps, opts))
	runner.Handle(engine.JobTypeConfigChange, engine.NewChangeOrchestrator(deps, gate, opts))
	runner.Handle(engine.JobTypeUpgrade, engine.NewUpgradeOrchestrator(deps, upgradeCfg, opts))
	return runner, gate, nil
}

// resolveDevice accepts a device ID, management address or hostname.
func (a *app) resolveDevice(ctx context.Context, ref string) (*engine.Device, error) {
	if d, err := a.store.GetDevice(ctx, ref); err == nil {
		return d, nil
	} else if !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}
	if d, err := a.store.GetDeviceByAddress(ctx, ref); err == nil {
		return d, nil
	} else if !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}

	devices, err := a.store.ListDevices(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Hostname == ref {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %q: %w", ref, stores.ErrNotFound)
}

// submit enqueues a job and, with wait set, runs it in this process.
func (a *app) submit(ctx context.Context, req engine.EnqueueRequest, wait bool) (*engine.Job, error) {
	job, err := engine.Enqueue(ctx, a.store, a.store, req)
	if err != nil {
		return nil, err
	}
	a.audit(ctx, "job.enqueued", job.ID, map[string]string{"job_type": string(job.Type), "device_id": job.DeviceID})
	if err := a.tel.Events.PublishJobQueued(job.ID, string(job.Type), job.DeviceID, job.RequestedBy.Label()); err != nil {
		log.Debug().Err(err).Msg("job queued event not published")
	}

	if !wait {
		return job, nil
	}

	runner, _, err := a.newRunner(ctx)
	if err != nil {
		return job, err
	}
	return runner.RunJob(ctx, job.ID)
}
