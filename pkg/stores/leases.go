package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/srxops/srxops/pkg/engine"
)

// Acquire takes the device lease for owner and jobID. An expired lease, or
// one held by the same owner for the same job, is taken over; any other live
// lease is not.
func (s *SQLiteStore) Acquire(ctx context.Context, deviceID, owner, jobID string, ttl time.Duration) (*engine.Lease, error) {
	now := s.now().UTC()
	lease := &engine.Lease{
		DeviceID:   deviceID,
		Owner:      owner,
		JobID:      jobID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	query := `
		INSERT INTO device_leases (device_id, owner, job_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			owner = excluded.owner,
			job_id = excluded.job_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE device_leases.expires_at <= ?
			OR (device_leases.owner = excluded.owner AND device_leases.job_id = excluded.job_id)
	`

	result, err := s.db.ExecContext(ctx, query,
		deviceID, owner, jobID, formatTime(now), formatTime(lease.ExpiresAt), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		current, err := s.GetLease(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", deviceID, ErrLeaseHeld)
		}
		return nil, fmt.Errorf("device %s held by %s until %s: %w",
			deviceID, current.Owner, current.ExpiresAt.Format(time.RFC3339), ErrLeaseHeld)
	}

	return lease, nil
}

// Renew extends a live lease held by owner.
func (s *SQLiteStore) Renew(ctx context.Context, deviceID, owner string, ttl time.Duration) error {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE device_leases SET expires_at = ? WHERE device_id = ? AND owner = ?`,
		formatTime(now.Add(ttl)), deviceID, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("lease on device %s lost by %s: %w", deviceID, owner, ErrLeaseHeld)
	}
	return nil
}

// Release drops the lease if owner still holds it.
func (s *SQLiteStore) Release(ctx context.Context, deviceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_leases WHERE device_id = ? AND owner = ?`, deviceID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// GetLease returns the current lease row for a device, expired or not.
func (s *SQLiteStore) GetLease(ctx context.Context, deviceID string) (*engine.Lease, error) {
	lease := &engine.Lease{}
	var acquired, expires string

	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, owner, job_id, acquired_at, expires_at FROM device_leases WHERE device_id = ?`,
		deviceID,
	).Scan(&lease.DeviceID, &lease.Owner, &lease.JobID, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease for device %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	if lease.AcquiredAt, err = parseTime(acquired); err != nil {
		return nil, err
	}
	if lease.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	return lease, nil
}
