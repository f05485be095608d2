package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/srxops/srxops/pkg/engine"
)

const deviceColumns = `id, hostname, mgmt_ip, site, city, state, region, entity, model,
	serial_number, firmware_version, subnet, wan_type, isp_provider, account_number,
	technician, ssh_user, ssh_password, ssh_port, enabled, last_seen_at, last_backup_at,
	tags, notes, created_at, updated_at`

// CreateDevice inserts a device. ID and timestamps are filled in when empty
// and the SSH port defaults to 22.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *engine.Device) error {
	if strings.TrimSpace(d.Hostname) == "" || strings.TrimSpace(d.MgmtIP) == "" {
		return fmt.Errorf("device hostname and mgmt_ip are required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.SSHPort == 0 {
		d.SSHPort = 22
	}
	now := s.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	tags, err := marshalTags(d.Tags)
	if err != nil {
		return err
	}

	query := `INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.Hostname, d.MgmtIP, d.Site, d.City, d.State, d.Region, d.Entity, d.Model,
		d.SerialNumber, d.FirmwareVersion, d.Subnet, d.WANType, d.ISPProvider, d.AccountNumber,
		d.Technician, d.SSHUser, d.SSHPassword, d.SSHPort, d.Enabled,
		formatTimePtr(d.LastSeenAt), formatTimePtr(d.LastBackupAt),
		tags, d.Notes, formatTime(now), formatTime(now),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("device %s (%s): %w", d.Hostname, d.MgmtIP, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	return nil
}

// GetDevice retrieves a device by ID
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*engine.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// GetDeviceByAddress retrieves a device by management IP.
func (s *SQLiteStore) GetDeviceByAddress(ctx context.Context, mgmtIP string) (*engine.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mgmt_ip = ?`, mgmtIP)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device at %s: %w", mgmtIP, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// ListDevices lists devices ordered by hostname.
func (s *SQLiteStore) ListDevices(ctx context.Context, enabledOnly bool) ([]*engine.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE (? = 0 OR enabled = 1) ORDER BY hostname, id`

	rows, err := s.db.QueryContext(ctx, query, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []*engine.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// UpdateDevice overwrites the inventory fields of a device.
func (s *SQLiteStore) UpdateDevice(ctx context.Context, d *engine.Device) error {
	if d.SSHPort == 0 {
		d.SSHPort = 22
	}
	tags, err := marshalTags(d.Tags)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	query := `
		UPDATE devices SET hostname = ?, mgmt_ip = ?, site = ?, city = ?, state = ?,
			region = ?, entity = ?, model = ?, serial_number = ?, firmware_version = ?,
			subnet = ?, wan_type = ?, isp_provider = ?, account_number = ?, technician = ?,
			ssh_user = ?, ssh_password = ?, ssh_port = ?, enabled = ?, tags = ?, notes = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		d.Hostname, d.MgmtIP, d.Site, d.City, d.State,
		d.Region, d.Entity, d.Model, d.SerialNumber, d.FirmwareVersion,
		d.Subnet, d.WANType, d.ISPProvider, d.AccountNumber, d.Technician,
		d.SSHUser, d.SSHPassword, d.SSHPort, d.Enabled, tags, d.Notes,
		formatTime(now), d.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("device %s (%s): %w", d.Hostname, d.MgmtIP, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}

	if err := expectRow(result, "device", d.ID); err != nil {
		return err
	}
	d.UpdatedAt = now
	return nil
}

// DeleteDevice removes a device unless it has pending or running jobs. The
// check and the delete are one statement, so a job enqueued concurrently
// either blocks the delete or fails on the missing device. Jobs, config
// versions and the lease go with it through ON DELETE CASCADE.
func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM devices
		WHERE id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE device_id = ? AND status IN ('pending', 'running')
		  )`, id, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up device: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("device %s: %w", id, ErrDeviceBusy)
	}
	return fmt.Errorf("device %s: %w", id, ErrNotFound)
}

// RecordFacts stores facts reported by a health check.
func (s *SQLiteStore) RecordFacts(ctx context.Context, id string, model, version, serial string, seenAt time.Time) error {
	query := `
		UPDATE devices SET
			model = CASE WHEN ? <> '' THEN ? ELSE model END,
			firmware_version = CASE WHEN ? <> '' THEN ? ELSE firmware_version END,
			serial_number = CASE WHEN ? <> '' THEN ? ELSE serial_number END,
			last_seen_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		model, model, version, version, serial, serial,
		formatTime(seenAt), s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record device facts: %w", err)
	}

	return expectRow(result, "device", id)
}

// SetFirmwareVersion records the running firmware version.
func (s *SQLiteStore) SetFirmwareVersion(ctx context.Context, id string, version string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET firmware_version = ?, updated_at = ? WHERE id = ?`,
		version, s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set firmware version: %w", err)
	}

	return expectRow(result, "device", id)
}

// TouchBackup sets last_backup_at.
func (s *SQLiteStore) TouchBackup(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_backup_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record backup time: %w", err)
	}

	return expectRow(result, "device", id)
}

func scanDevice(row rowScanner) (*engine.Device, error) {
	d := &engine.Device{}
	var (
		lastSeen, lastBackup sql.NullString
		tags                 string
		created, updated     string
	)

	err := row.Scan(
		&d.ID, &d.Hostname, &d.MgmtIP, &d.Site, &d.City, &d.State, &d.Region, &d.Entity, &d.Model,
		&d.SerialNumber, &d.FirmwareVersion, &d.Subnet, &d.WANType, &d.ISPProvider, &d.AccountNumber,
		&d.Technician, &d.SSHUser, &d.SSHPassword, &d.SSHPort, &d.Enabled, &lastSeen, &lastBackup,
		&tags, &d.Notes, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	if d.LastSeenAt, err = scanTime(lastSeen); err != nil {
		return nil, err
	}
	if d.LastBackupAt, err = scanTime(lastBackup); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
		return nil, fmt.Errorf("invalid tags: %w", err)
	}
	if len(d.Tags) == 0 {
		d.Tags = nil
	}

	return d, nil
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(b), nil
}

// expectRow maps a zero-row UPDATE or DELETE to ErrNotFound.
func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
