package engine

import (
	"context"
	"errors"
	"time"

	"github.com/srxops/srxops/pkg/telemetry"
)

// BeatConfig configures the periodic scheduler.
type BeatConfig struct {
	// BackupHour is the local hour (0-23) of the nightly backup run.
	BackupHour int

	// HealthInterval is the period of fleet health checks. Zero disables them.
	HealthInterval time.Duration
}

// DefaultBeatConfig returns a nightly backup at 02:00 and health checks
// every five minutes.
func DefaultBeatConfig() BeatConfig {
	return BeatConfig{BackupHour: 2, HealthInterval: 300 * time.Second}
}

// Beat enqueues scheduled backups and health checks for enabled devices.
// Jobs it creates are requested by SystemRequester.
type Beat struct {
	jobs    JobStore
	devices DeviceStore
	clock   Clock
	cfg     BeatConfig
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
}

// NewBeat creates a beat scheduler.
func NewBeat(jobs JobStore, devices DeviceStore, cfg BeatConfig, clock Clock, tel *telemetry.Telemetry) *Beat {
	if cfg.BackupHour < 0 || cfg.BackupHour > 23 {
		cfg.BackupHour = DefaultBeatConfig().BackupHour
	}
	if clock == nil {
		clock = RealClock{}
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Beat{
		jobs:    jobs,
		devices: devices,
		clock:   clock,
		cfg:     cfg,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("beat"),
	}
}

// Run fires the schedules until ctx is done.
func (b *Beat) Run(ctx context.Context) error {
	now := b.clock.Now()
	nextBackup := NextBackupTime(now, b.cfg.BackupHour)
	var nextHealth time.Time
	if b.cfg.HealthInterval > 0 {
		nextHealth = now.Add(b.cfg.HealthInterval)
	}

	b.logger.WithFields(map[string]interface{}{
		"next_backup":     nextBackup.Format(time.RFC3339),
		"health_interval": b.cfg.HealthInterval.String(),
	}).Info("beat scheduler started")

	for {
		next := nextBackup
		if !nextHealth.IsZero() && nextHealth.Before(next) {
			next = nextHealth
		}

		if err := b.clock.Sleep(ctx, next.Sub(b.clock.Now())); err != nil {
			b.logger.Info("beat scheduler stopped")
			return nil
		}
		now = b.clock.Now()

		if !now.Before(nextBackup) {
			if _, err := b.EnqueueBackups(ctx, ""); err != nil {
				b.logger.WithError(err).Error("scheduled backup run failed")
			}
			nextBackup = NextBackupTime(now, b.cfg.BackupHour)
		}
		if !nextHealth.IsZero() && !now.Before(nextHealth) {
			if _, err := b.EnqueueHealthChecks(ctx); err != nil {
				b.logger.WithError(err).Error("scheduled health run failed")
			}
			nextHealth = now.Add(b.cfg.HealthInterval)
		}
	}
}

// NextBackupTime returns the first occurrence of hour:00 strictly after now,
// in now's location.
func NextBackupTime(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// EnqueueBackups enqueues a scheduled backup for every enabled device, or
// only for those in region when it is non-empty. It returns the created jobs.
func (b *Beat) EnqueueBackups(ctx context.Context, region string) ([]*Job, error) {
	return b.enqueueAll(ctx, JobTypeBackup, region)
}

// EnqueueHealthChecks enqueues a health check for every enabled device and
// refreshes the device gauges.
func (b *Beat) EnqueueHealthChecks(ctx context.Context) ([]*Job, error) {
	return b.enqueueAll(ctx, JobTypeHealth, "")
}

func (b *Beat) enqueueAll(ctx context.Context, jobType JobType, region string) ([]*Job, error) {
	devices, err := b.devices.ListDevices(ctx, false)
	if err != nil {
		return nil, err
	}

	enabled := 0
	var created []*Job
	var errs []error
	for _, dev := range devices {
		if !dev.Enabled {
			continue
		}
		enabled++
		if region != "" && dev.Region != region {
			continue
		}

		// A device whose previous job of this type is still queued is skipped.
		pending, err := b.jobs.ListJobs(ctx, JobFilter{DeviceID: dev.ID, Type: jobType, Status: JobStatusPending, Limit: 1})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(pending) > 0 {
			continue
		}

		job, err := Enqueue(ctx, b.jobs, b.devices, EnqueueRequest{
			Type:        jobType,
			DeviceID:    dev.ID,
			RequestedBy: Requester{Email: SystemRequester, Name: SystemRequester},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.tel.Events.PublishJobQueued(job.ID, string(jobType), dev.ID, SystemRequester); err != nil {
			b.logger.WithError(err).Debug("job queued event not published")
		}
		created = append(created, job)
	}
	b.tel.Metrics.SetDeviceCounts(enabled, len(devices)-enabled)

	b.logger.WithFields(map[string]interface{}{
		"job_type": string(jobType),
		"region":   region,
		"enqueued": len(created),
	}).Info("scheduled jobs enqueued")

	return created, errors.Join(errs...)
}
