package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"questpay/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnqueueJob inserts a queued job for the given entity. This is the only
// write entry point into the queue, used by intake and by the verification
// step to chain verify into payout.
func (s *Store) EnqueueJob(ctx context.Context, jobType, entityID string) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, entity_id, status, attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5, $5)
	`, id, jobType, entityID, models.JobQueued, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:        id,
		Type:      jobType,
		EntityID:  entityID,
		Status:    models.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ClaimNextJob atomically selects the oldest queued job, transitions it to
// processing, and increments its attempt counter. Rows locked by concurrent
// claimants are skipped, so no two workers ever claim the same job. Returns
// found=false when the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2 AND run_after <= NOW()
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, entity_id, status, attempts, last_error, created_at, updated_at
	`, models.JobProcessing, models.JobQueued)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// FinalizeJob transitions a processing job to completed, or to failed with
// the error message recorded. A job is never silently dropped.
func (s *Store) FinalizeJob(ctx context.Context, id string, jobErr error) error {
	if jobErr == nil {
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
		`, id, models.JobCompleted)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.JobFailed, jobErr.Error())
	return err
}

// RequeueJob puts a transiently failed job back in the queue with the error
// preserved and a deferred run time, so a later tick retries it with backoff.
func (s *Store) RequeueJob(ctx context.Context, id string, jobErr error, runAfter time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, run_after = $4, updated_at = NOW() WHERE id = $1
	`, id, models.JobQueued, jobErr.Error(), runAfter)
	return err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, entity_id, status, attempts, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s not found: %w", id, err)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// QueuedDepth returns the number of jobs waiting to be claimed.
func (s *Store) QueuedDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1
	`, models.JobQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var lastErr pgtype.Text
	if err := row.Scan(&job.ID, &job.Type, &job.EntityID, &job.Status, &job.Attempts, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
