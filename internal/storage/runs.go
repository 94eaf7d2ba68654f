package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
)

const runColumns = `id, job_id, status, result, error, cost_usd, duration_ms, stop_reason,
	session_id, started_at, completed_at`

// CreateRun stores a run in the running state
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	run.StartedAt = run.StartedAt.UTC()
	run.Status = model.RunStatusRunning

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, status, started_at)
		VALUES (?, ?, ?, ?)`,
		run.ID,
		run.JobID,
		run.Status,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// CompleteRun moves a running run to its terminal status. A run completes exactly once.
func (s *SQLiteStore) CompleteRun(ctx context.Context, run *model.Run) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("cannot complete run %s with status %s", run.ID, run.Status)
	}
	if run.CompletedAt == nil {
		now := s.now().UTC()
		run.CompletedAt = &now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			result = ?,
			error = ?,
			cost_usd = ?,
			duration_ms = ?,
			stop_reason = ?,
			session_id = ?,
			completed_at = ?
		WHERE id = ? AND status = ?`,
		run.Status,
		nullString(run.Result),
		nullString(run.Error),
		run.CostUSD,
		run.DurationMS,
		nullString(string(run.StopReason)),
		nullString(run.SessionID),
		nullTime(run.CompletedAt),
		run.ID,
		model.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return fmt.Errorf("run %s: %w", run.ID, ErrRunCompleted)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the most recent runs of a job, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, jobID string, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE job_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// DeleteRunsBefore deletes completed runs started before the given time
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM runs WHERE started_at < ? AND status != ?",
		before.UTC(), model.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old run records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		run                                   model.Run
		result, errStr, stopReason, sessionID sql.NullString
		completedAt                           sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.JobID,
		&run.Status,
		&result,
		&errStr,
		&run.CostUSD,
		&run.DurationMS,
		&stopReason,
		&sessionID,
		&run.StartedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Result = result.String
	run.Error = errStr.String
	run.StopReason = model.StopReason(stopReason.String)
	run.SessionID = sessionID.String
	run.StartedAt = run.StartedAt.UTC()
	run.CompletedAt = timePtr(completedAt)
	return &run, nil
}
