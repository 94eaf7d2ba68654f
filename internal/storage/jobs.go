package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/promptcron/internal/model"
)

const jobColumns = `id, name, prompt, type, schedule, run_at, max_budget_usd, allowed_tools,
	use_browser, model, paused_until, skip_runs, status, last_run_at, next_run_at,
	created_at, updated_at`

// CreateJob stores a new job, assigning an ID and timestamps when absent
func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobStatusEnabled
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	tools, err := encodeTools(job.AllowedTools)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Name,
		job.Prompt,
		job.Type,
		nullString(job.Schedule),
		nullTime(job.RunAt),
		job.MaxBudgetUSD,
		tools,
		job.UseBrowser,
		nullString(job.Model),
		nullTime(job.PausedUntil),
		job.SkipRuns,
		job.Status,
		nullTime(job.LastRunAt),
		nullTime(job.NextRunAt),
		job.CreatedAt.UTC(),
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// UpdateJob overwrites every mutable column of an existing job
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = s.now().UTC()

	tools, err := encodeTools(job.AllowedTools)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			name = ?,
			prompt = ?,
			type = ?,
			schedule = ?,
			run_at = ?,
			max_budget_usd = ?,
			allowed_tools = ?,
			use_browser = ?,
			model = ?,
			paused_until = ?,
			skip_runs = ?,
			status = ?,
			last_run_at = ?,
			next_run_at = ?,
			updated_at = ?
		WHERE id = ?`,
		job.Name,
		job.Prompt,
		job.Type,
		nullString(job.Schedule),
		nullTime(job.RunAt),
		job.MaxBudgetUSD,
		tools,
		job.UseBrowser,
		nullString(job.Model),
		nullTime(job.PausedUntil),
		job.SkipRuns,
		job.Status,
		nullTime(job.LastRunAt),
		nullTime(job.NextRunAt),
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return expectOne(res, job.ID)
}

// SetNextRun records the next computed fire time of a job
func (s *SQLiteStore) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET next_run_at = ? WHERE id = ?", nullTime(next), id)
	if err != nil {
		return fmt.Errorf("failed to set next run: %w", err)
	}
	return expectOne(res, id)
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// DeleteJob removes a job; its runs are kept as history
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return expectOne(res, id)
}

// ListJobs returns every job ordered by creation time
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*model.Job, error) {
	return s.queryJobs(ctx, "SELECT "+jobColumns+" FROM jobs ORDER BY created_at")
}

// ListEnabledJobs returns the jobs the scheduler should arm
func (s *SQLiteStore) ListEnabledJobs(ctx context.Context) ([]*model.Job, error) {
	return s.queryJobs(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY created_at",
		model.JobStatusEnabled)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job                                      model.Job
		schedule, tools, modelName               sql.NullString
		runAt, pausedUntil, lastRunAt, nextRunAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Prompt,
		&job.Type,
		&schedule,
		&runAt,
		&job.MaxBudgetUSD,
		&tools,
		&job.UseBrowser,
		&modelName,
		&pausedUntil,
		&job.SkipRuns,
		&job.Status,
		&lastRunAt,
		&nextRunAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Schedule = schedule.String
	job.Model = modelName.String
	job.RunAt = timePtr(runAt)
	job.PausedUntil = timePtr(pausedUntil)
	job.LastRunAt = timePtr(lastRunAt)
	job.NextRunAt = timePtr(nextRunAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &job.AllowedTools); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allowed tools of job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func encodeTools(tools []string) (sql.NullString, error) {
	if len(tools) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal allowed tools: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func expectOne(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
