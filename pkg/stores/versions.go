package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/srxops/srxops/pkg/engine"
)

// AddConfigVersion records a stored configuration snapshot.
func (s *SQLiteStore) AddConfigVersion(ctx context.Context, v *engine.ConfigVersion) error {
	if err := v.BackupType.Validate(); err != nil {
		return err
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.StoredAt.IsZero() {
		v.StoredAt = s.now().UTC()
	}

	var jobID any
	if v.JobID != "" {
		jobID = v.JobID
	}

	query := `
		INSERT INTO config_versions (id, device_id, stored_at, version_token, size, lines,
			backup_type, triggered_by, message, job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		v.ID, v.DeviceID, formatTime(v.StoredAt), v.VersionToken, v.Size, v.Lines,
		string(v.BackupType), v.TriggeredBy, v.Message, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to add config version: %w", err)
	}

	return nil
}

// ListConfigVersions lists a device's snapshots, newest first. A limit of
// zero returns all of them.
func (s *SQLiteStore) ListConfigVersions(ctx context.Context, deviceID string, limit int) ([]*engine.ConfigVersion, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, device_id, stored_at, version_token, size, lines, backup_type,
			triggered_by, message, job_id
		FROM config_versions
		WHERE device_id = ?
		ORDER BY stored_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list config versions: %w", err)
	}
	defer rows.Close()

	versions := []*engine.ConfigVersion{}
	for rows.Next() {
		v := &engine.ConfigVersion{}
		var (
			storedAt, backupType string
			jobID                sql.NullString
		)
		err := rows.Scan(
			&v.ID, &v.DeviceID, &storedAt, &v.VersionToken, &v.Size, &v.Lines,
			&backupType, &v.TriggeredBy, &v.Message, &jobID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config version: %w", err)
		}
		if v.StoredAt, err = parseTime(storedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config version: %w", err)
		}
		v.BackupType = engine.BackupType(backupType)
		v.JobID = jobID.String
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config versions: %w", err)
	}

	return versions, nil
}
