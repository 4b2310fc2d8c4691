package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

// AppendGenerationLog appends one provider call to the audit trail.
func (s *SQLiteStorage) AppendGenerationLog(ctx context.Context, entry model.GenerationLog) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(entry.SubjectID, "subjectID"); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_log (
			run_id, subject_id, kind, prompt_hash, prompt, response, context_json, report_json,
			error, attempts, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.SubjectID, string(entry.Kind), entry.PromptHash, entry.Prompt,
		entry.Response, entry.ContextJSON, entry.ReportJSON, entry.Error, entry.Attempts,
		entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append generation log: %w", err)
	}
	return nil
}

// GetGenerationLogs returns the audit trail for a subject, oldest first.
func (s *SQLiteStorage) GetGenerationLogs(ctx context.Context, subjectID string) ([]model.GenerationLog, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(subjectID, "subjectID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, subject_id, kind, prompt_hash, prompt, response, context_json, report_json,
			error, attempts, created_at
		FROM generation_log WHERE subject_id = ? ORDER BY id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.GenerationLog
	for rows.Next() {
		var (
			e                                   model.GenerationLog
			kind                                string
			runID, hash, prompt, resp           sql.NullString
			contextJSON, reportJSON, errMessage sql.NullString
		)
		if err := rows.Scan(&runID, &e.SubjectID, &kind, &hash, &prompt, &resp, &contextJSON,
			&reportJSON, &errMessage, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan generation log: %w", err)
		}
		e.RunID = runID.String
		e.Kind = model.AnswerKind(kind)
		e.PromptHash = hash.String
		e.Prompt = prompt.String
		e.Response = resp.String
		e.ContextJSON = contextJSON.String
		e.ReportJSON = reportJSON.String
		e.Error = errMessage.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate generation log: %w", err)
	}
	return out, nil
}

// StartJobRun records that a job began.
func (s *SQLiteStorage) StartJobRun(ctx context.Context, run model.JobRun) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(run.ID, "runID"); err != nil {
		return err
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = "running"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job, status, detail, processed, failed, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Job, run.Status, run.Detail, run.Processed, run.Failed, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to start job run: %w", err)
	}
	return nil
}

// FinishJobRun stores the outcome of a job run.
func (s *SQLiteStorage) FinishJobRun(ctx context.Context, run model.JobRun) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(run.ID, "runID"); err != nil {
		return err
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET status = ?, detail = ?, processed = ?, failed = ?, finished_at = ?
		WHERE id = ?`,
		run.Status, run.Detail, run.Processed, run.Failed, run.FinishedAt.UTC(), run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish job run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job run %s: %w", run.ID, common.ErrNotFound)
	}
	return nil
}

// ListJobRuns returns the most recent job runs, newest first.
func (s *SQLiteStorage) ListJobRuns(ctx context.Context, limit int) ([]model.JobRun, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job, status, detail, processed, failed, started_at, finished_at
		FROM job_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.JobRun
	for rows.Next() {
		var (
			run      model.JobRun
			detail   sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.Job, &run.Status, &detail, &run.Processed, &run.Failed,
			&run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		run.Detail = detail.String
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job runs: %w", err)
	}
	return out, nil
}

// RecordDispatch records one dispatch attempt. A nil dispatchErr is a success.
func (s *SQLiteStorage) RecordDispatch(ctx context.Context, runID, transactionID string, dispatchErr error) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(runID, "runID"); err != nil {
		return err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return err
	}

	var message sql.NullString
	if dispatchErr != nil {
		message = sql.NullString{String: dispatchErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_attempts (run_id, transaction_id, success, error, attempted_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, transactionID, boolToInt(dispatchErr == nil), message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	return nil
}

// LastDispatchFailure returns when the latest attempt for a transaction
// failed, or nil when the latest attempt succeeded or none was made.
func (s *SQLiteStorage) LastDispatchFailure(ctx context.Context, transactionID string) (*time.Time, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT success, attempted_at FROM dispatch_attempts
		WHERE transaction_id = ? ORDER BY id DESC LIMIT 1`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		success int
		at      time.Time
	)
	if err := rows.Scan(&success, &at); err != nil {
		return nil, fmt.Errorf("failed to scan dispatch attempt: %w", err)
	}
	if success != 0 {
		return nil, nil
	}
	return &at, nil
}

// ClaimTransaction gives the caller exclusive write access to a
// transaction for the run. It reports false when the run already claimed it.
func (s *SQLiteStorage) ClaimTransaction(ctx context.Context, runID, transactionID string) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateString(runID, "runID"); err != nil {
		return false, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO transaction_claims (run_id, transaction_id) VALUES (?, ?)`,
		runID, transactionID)
	if err != nil {
		return false, fmt.Errorf("failed to claim transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}
