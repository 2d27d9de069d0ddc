package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantumhub/execgate/pkg/job"
)

// JobStore implements job.Store on SQLite. Transitions run inside a
// transaction with a seq compare-and-set, so duplicate notifications
// from concurrent pollers collapse to one applied change.
type JobStore struct {
	db *sql.DB
}

var _ job.Store = (*JobStore)(nil)

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, j *job.Job) error {
	tags, err := encodeTags(j.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs
			(id, subscription_id, key_id, platform, device_id, run_mode, status, seq,
			 shots, input, tags, estimated_cost_ns, actual_cost_ns, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SubscriptionID, j.KeyID, j.Platform, j.DeviceID, string(j.RunMode),
		string(j.Status), j.Seq, j.Shots, nullBytes(j.Input), tags,
		int64(j.EstimatedCost), int64(j.ActualCost), nullString(j.Error),
		timeText(j.CreatedAt), timeText(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, subscription_id, key_id, platform, device_id, run_mode, status, seq,
	shots, input, tags, estimated_cost_ns, actual_cost_ns, error, created_at, updated_at`

func (s *JobStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// transitionRetries bounds optimistic CAS retries under write races.
const transitionRetries = 3

func (s *JobStore) Transition(ctx context.Context, req job.TransitionRequest) (*job.Job, bool, error) {
	var lastErr error
	for attempt := 0; attempt < transitionRetries; attempt++ {
		j, applied, retry, err := s.tryTransition(ctx, req)
		if retry {
			lastErr = err
			continue
		}
		return j, applied, err
	}
	return nil, false, fmt.Errorf("transition contention on job %s: %w", req.JobID, lastErr)
}

func (s *JobStore) tryTransition(ctx context.Context, req job.TransitionRequest) (*job.Job, bool, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT status, seq FROM jobs WHERE id = ?`, req.JobID)
	var statusStr string
	var seq int64
	if err := row.Scan(&statusStr, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, false, job.ErrNotFound
		}
		return nil, false, false, fmt.Errorf("select job: %w", err)
	}
	cur := job.State(statusStr)

	if job.IsDuplicateTransition(cur, req.To) {
		_ = tx.Rollback()
		j, err := s.GetJob(ctx, req.JobID)
		return j, false, false, err
	}
	if !job.CanTransition(cur, req.To) {
		return nil, false, false, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, cur, req.To)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs
		SET status = ?, seq = seq + 1, updated_at = ?,
			error = COALESCE(?, error),
			actual_cost_ns = CASE WHEN ? > 0 THEN ? ELSE actual_cost_ns END
		WHERE id = ? AND seq = ?`,
		string(req.To), timeText(now),
		nullString(req.Error),
		req.ActualCost, req.ActualCost*int64(time.Millisecond),
		req.JobID, seq)
	if err != nil {
		return nil, false, false, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, false, fmt.Errorf("update job rows: %w", err)
	}
	if n == 0 {
		// Lost the race; re-read and re-evaluate.
		return nil, false, true, fmt.Errorf("seq moved past %d", seq)
	}

	if req.To.Terminal() {
		if err := insertResult(ctx, tx, req, now); err != nil {
			return nil, false, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, false, fmt.Errorf("commit transition: %w", err)
	}

	j, err := s.GetJob(ctx, req.JobID)
	return j, true, false, err
}

func insertResult(ctx context.Context, tx *sql.Tx, req job.TransitionRequest, now time.Time) error {
	res := req.Result
	if res == nil {
		res = &job.Result{}
	}
	errMsg := res.Error
	if errMsg == nil {
		errMsg = req.Error
	}
	execMS := res.ExecutionTimeMS
	if execMS == 0 {
		execMS = req.ActualCost
	}
	shots := res.Shots
	if shots == 0 {
		var jobShots int
		if err := tx.QueryRowContext(ctx, `SELECT shots FROM jobs WHERE id = ?`, req.JobID).Scan(&jobShots); err == nil {
			shots = jobShots
		}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_results (job_id, status, error, result_data, execution_time_ms, shots, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		req.JobID, string(req.To), nullString(errMsg), nullBytes(res.Data),
		execMS, shots, timeText(now))
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *JobStore) GetResult(ctx context.Context, jobID string) (*job.Result, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, status, error, result_data, execution_time_ms, shots, created_at
		FROM job_results WHERE job_id = ?`, jobID)

	var res job.Result
	var status, createdAt string
	var errMsg sql.NullString
	var data []byte
	err := row.Scan(&res.JobID, &status, &errMsg, &data, &res.ExecutionTimeMS, &res.Shots, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, jerr := s.GetJob(ctx, jobID); jerr != nil {
				return nil, jerr
			}
			return nil, job.ErrNoResult
		}
		return nil, fmt.Errorf("select result: %w", err)
	}

	res.Status = job.State(status)
	if errMsg.Valid {
		e := errMsg.String
		res.Error = &e
	}
	if len(data) > 0 {
		res.Data = json.RawMessage(data)
	}
	if res.CreatedAt, err = parseTimeText(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &res, nil
}

func (s *JobStore) ListJobs(ctx context.Context, subscriptionID string) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE subscription_id = ? ORDER BY created_at DESC`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var runMode, status, createdAt, updatedAt string
	var input, tags []byte
	var errMsg sql.NullString
	var estCost, actCost int64

	err := row.Scan(&j.ID, &j.SubscriptionID, &j.KeyID, &j.Platform, &j.DeviceID,
		&runMode, &status, &j.Seq, &j.Shots, &input, &tags,
		&estCost, &actCost, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.RunMode = job.RunMode(runMode)
	j.Status = job.State(status)
	j.EstimatedCost = time.Duration(estCost)
	j.ActualCost = time.Duration(actCost)
	if errMsg.Valid {
		e := errMsg.String
		j.Error = &e
	}
	if len(input) > 0 {
		j.Input = json.RawMessage(input)
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &j.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if j.CreatedAt, err = parseTimeText(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTimeText(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &j, nil
}

func encodeTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return b, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
