package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// Job is one row of the persistent scheduler job store. Each cooperative
// scheduler sees only the rows whose service id matches its own.
type Job struct {
	// ID uniquely identifies the job across all schedulers.
	ID string

	// NextRunTime is a float UTC epoch; nil means the job is paused.
	NextRunTime *float64

	// State is the opaque serialized job payload.
	State []byte

	// ServiceID is the owning worker's service row id.
	ServiceID int64

	// Tag carries the owning host and job name.
	Tag JobTag
}

// JobTag identifies the job's owner.
type JobTag struct {
	Host string `json:"host"`
	Name string `json:"name"`
}

// NextRun converts the stored epoch to a time, or zero when paused.
func (j *Job) NextRun() time.Time {
	if j.NextRunTime == nil {
		return time.Time{}
	}
	sec := int64(*j.NextRunTime)
	nsec := int64((*j.NextRunTime - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// SetNextRun stores a time as the float epoch column value.
func (j *Job) SetNextRun(t time.Time) {
	epoch := float64(t.UnixNano()) / 1e9
	j.NextRunTime = &epoch
}

// InsertJob adds a job row. Inserting a duplicate id is a conflict error.
func (s *SQLiteStore) InsertJob(ctx context.Context, job *Job) error {
	tag, err := json.Marshal(job.Tag)
	if err != nil {
		return fmt.Errorf("failed to encode job tag: %w", err)
	}

	query := `
		INSERT INTO scheduler_jobs (id, next_run_time, job_state, service_id, tag)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, job.ID, job.NextRunTime, job.State, job.ServiceID, string(tag))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.NewConflictError(fmt.Sprintf("job already exists: %s", job.ID), err).
				WithCode(core.ErrCodeJobExists).WithEntity(job.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// UpdateJob rewrites the schedule and state of one job.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *Job) error {
	query := `UPDATE scheduler_jobs SET next_run_time = ?, job_state = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, job.NextRunTime, job.State, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("job", job.ID)
	}
	return nil
}

// DeleteJob removes one job row.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("job", id)
	}
	return nil
}

// GetJob retrieves one job row by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT id, next_run_time, job_state, service_id, tag FROM scheduler_jobs WHERE id = ?`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the jobs owned by one service, ordered by next run
// time so the scheduler can pick the most overdue first.
func (s *SQLiteStore) ListJobs(ctx context.Context, serviceID int64) ([]*Job, error) {
	query := `
		SELECT id, next_run_time, job_state, service_id, tag
		FROM scheduler_jobs
		WHERE service_id = ?
		ORDER BY next_run_time ASC
	`
	rows, err := s.db.QueryContext(ctx, query, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
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

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	job := &Job{}
	var next sql.NullFloat64
	var tag string
	if err := row.Scan(&job.ID, &next, &job.State, &job.ServiceID, &tag); err != nil {
		return nil, err
	}
	if next.Valid {
		v := next.Float64
		job.NextRunTime = &v
	}
	if err := json.Unmarshal([]byte(tag), &job.Tag); err != nil {
		return nil, fmt.Errorf("failed to decode job tag: %w", err)
	}
	return job, nil
}
