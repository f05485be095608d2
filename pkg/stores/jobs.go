package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/srxops/srxops/pkg/engine"
)

const jobColumns = `id, job_type, device_id, status, queued_at, started_at, finished_at,
	task_id, requested_by_email, requested_by_name, params, result, error, phase,
	cancel_requested, created_at, updated_at`

// CreateJob inserts a pending job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *engine.Job) error {
	if err := job.Type.Validate(); err != nil {
		return err
	}
	if job.Status != "" && job.Status != engine.JobStatusPending {
		return fmt.Errorf("new job must be pending, got %s: %w", job.Status, ErrInvalidTransition)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.TaskID == "" {
		job.TaskID = uuid.NewString()
	}
	job.Status = engine.JobStatusPending
	now := s.now().UTC()
	job.QueuedAt, job.CreatedAt, job.UpdatedAt = now, now, now

	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal job params: %w", err)
	}

	query := `
		INSERT INTO jobs (id, job_type, device_id, status, queued_at, task_id,
			requested_by_email, requested_by_name, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID, string(job.Type), job.DeviceID, string(job.Status), formatTime(now), job.TaskID,
		job.RequestedBy.Email, job.RequestedBy.Name, string(params), formatTime(now), formatTime(now),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*engine.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs lists jobs matching the filter, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter engine.JobFilter) ([]*engine.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE (? = '' OR device_id = ?)
		  AND (? = '' OR job_type = ?)
		  AND (? = '' OR status = ?)
		ORDER BY queued_at DESC, rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query,
		filter.DeviceID, filter.DeviceID,
		string(filter.Type), string(filter.Type),
		string(filter.Status), string(filter.Status),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*engine.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// ClaimNextJob moves the oldest pending job of one of the given types to
// running, skipping devices that are busy. The status guard on the outer UPDATE makes concurrent claims of
// the same row lose cleanly.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, types []engine.JobType) (*engine.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	now := s.timestamp()
	args := []any{now, now}
	for _, t := range types {
		args = append(args, string(t))
	}

	args = append(args, now)

	// Devices with a running job or a live lease keep their pending jobs
	// queued, so each device has a single execution slot.
	query := `
		UPDATE jobs SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = (
			SELECT p.id FROM jobs p
			WHERE p.status = 'pending' AND p.job_type IN (` + placeholders + `)
				AND NOT EXISTS (
					SELECT 1 FROM jobs r WHERE r.device_id = p.device_id AND r.status = 'running'
				)
				AND NOT EXISTS (
					SELECT 1 FROM device_leases l WHERE l.device_id = p.device_id AND l.expires_at > ?
				)
			ORDER BY p.queued_at, p.rowid
			LIMIT 1
		) AND status = 'pending'
		RETURNING id
	`

	var id string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return s.GetJob(ctx, id)
}

// StartJob moves a pending job to running.
func (s *SQLiteStore) StartJob(ctx context.Context, id string) (*engine.Job, error) {
	now := s.timestamp()
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start job: %w", err)
	}
	if err := s.expectTransition(ctx, result, id, engine.JobStatusRunning); err != nil {
		return nil, err
	}

	return s.GetJob(ctx, id)
}

// UpdateJobProgress records the phase and partial result of a running job.
// A nil result leaves the stored result untouched.
func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, phase string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET phase = ?, result = COALESCE(?, result), updated_at = ? WHERE id = ? AND status = 'running'`,
		phase, nullJSON(result), s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return s.expectTransition(ctx, res, id, engine.JobStatusRunning)
}

// FinishJob moves a running job to a terminal status.
func (s *SQLiteStore) FinishJob(ctx context.Context, id string, status engine.JobStatus, result json.RawMessage, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finish job with status %s: %w", status, ErrInvalidTransition)
	}

	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?, result = COALESCE(?, result), error = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), now, nullJSON(result), errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	return s.expectTransition(ctx, res, id, status)
}

// CancelJob cancels a pending job or flags a running one. Cancelling a
// terminal job is an error.
func (s *SQLiteStore) CancelJob(ctx context.Context, id string) (*engine.Job, error) {
	now := s.timestamp()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', finished_at = ?, error = 'cancelled before start', updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		now, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return s.GetJob(ctx, id)
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status = 'running'`,
		now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}
	if err := s.expectTransition(ctx, res, id, engine.JobStatusCancelled); err != nil {
		return nil, err
	}

	return s.GetJob(ctx, id)
}

// IsCancelRequested reports whether cancellation was requested for a job.
func (s *SQLiteStore) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// expectTransition explains a guarded UPDATE that touched no row: either the
// job does not exist or it is not in a status that allows moving to next.
func (s *SQLiteStore) expectTransition(ctx context.Context, result sql.Result, id string, next engine.JobStatus) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return fmt.Errorf("job %s is %s, cannot move to %s: %w", id, current, next, ErrInvalidTransition)
}

func scanJob(row rowScanner) (*engine.Job, error) {
	job := &engine.Job{}
	var (
		jobType, status           string
		queued, created, updated  string
		started, finished, result sql.NullString
		params                    string
	)

	err := row.Scan(
		&job.ID, &jobType, &job.DeviceID, &status, &queued, &started, &finished,
		&job.TaskID, &job.RequestedBy.Email, &job.RequestedBy.Name, &params, &result, &job.Error, &job.Phase,
		&job.CancelRequested, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	job.Type = engine.JobType(jobType)
	job.Status = engine.JobStatus(status)
	if job.QueuedAt, err = parseTime(queued); err != nil {
		return nil, err
	}
	if job.StartedAt, err = scanTime(started); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = scanTime(finished); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
		return nil, fmt.Errorf("invalid job params: %w", err)
	}
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}

	return job, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
