package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job statuses. queued → processing → completed | failed; processing reverts
// to queued on a transient failure, completed and failed are terminal.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// maxErrorMessageLen bounds the persisted error_message column. Matches the
// web app's reader, which renders at most 2000 characters.
const maxErrorMessageLen = 2000

// Job is a claimed job ready for one extraction attempt.
type Job struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	ImageURL   string
	ImageHash  string
	Status     string
	RetryCount int
}

// JobRow is the full persisted row, used by reads (operator tooling, tests).
type JobRow struct {
	Job
	Result         json.RawMessage
	ProcessingTime *int32
	ErrorMessage   *string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Result is the envelope persisted on completion. Field names are part of the
// contract with the web app's result reader, hence the camelCase JSON tags.
type Result struct {
	OCRText        string   `json:"ocrText"`
	ExtractedItems []any    `json:"extractedItems"`
	Confidence     float64  `json:"confidence"`
	FlaggedFields  []string `json:"flaggedFields"`
	ProcessingTime int64    `json:"processingTime"`
	AIParsingUsed  bool     `json:"aiParsingUsed"`
}

// ClaimNext atomically claims the oldest queued job inside tx using
// FOR UPDATE SKIP LOCKED and transitions it to processing. Returns (nil, nil)
// when no claimable job exists. The processing update stays uncommitted until
// the caller settles the attempt — concurrent claimers skip the locked row
// instead of blocking on it, and a rollback restores the row to queued.
func (s *Store) ClaimNext(ctx context.Context, tx pgx.Tx) (*Job, error) {
	row := tx.QueryRow(ctx, `
		UPDATE ocr_jobs
		SET status = 'processing', started_at = now()
		WHERE id = (
			SELECT id FROM ocr_jobs
			WHERE status = 'queued'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, user_id, image_url, image_hash, status, COALESCE(retry_count, 0)`,
	)

	var j Job
	err := row.Scan(&j.ID, &j.UserID, &j.ImageURL, &j.ImageHash, &j.Status, &j.RetryCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &j, nil
}

// MarkCompleted terminally transitions the job to completed inside tx,
// persisting the result envelope and a completion timestamp.
func (s *Store) MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID, ocrText string, elapsedMS int64, confidence float64) error {
	result, err := json.Marshal(Result{
		OCRText:        ocrText,
		ExtractedItems: []any{},
		Confidence:     confidence,
		FlaggedFields:  []string{},
		ProcessingTime: elapsedMS,
		AIParsingUsed:  false,
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE ocr_jobs
		SET status = 'completed', result = $2, processing_time = $3, completed_at = now()
		WHERE id = $1`,
		id, result, elapsedMS,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// MarkFailed terminally transitions the job to failed inside tx. The message
// is truncated to maxErrorMessageLen characters before persisting.
func (s *Store) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, message string) error {
	_, err := tx.Exec(ctx,
		`UPDATE ocr_jobs SET status = 'failed', error_message = $2 WHERE id = $1`,
		id, truncate(message, maxErrorMessageLen),
	)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// IncrementRetry atomically increments the job's retry counter inside tx and
// returns the new value. A null prior value counts as zero.
func (s *Store) IncrementRetry(ctx context.Context, tx pgx.Tx, id uuid.UUID) (int, error) {
	var count int
	err := tx.QueryRow(ctx, `
		UPDATE ocr_jobs
		SET retry_count = COALESCE(retry_count, 0) + 1
		WHERE id = $1
		RETURNING retry_count`,
		id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment retry %s: %w", id, err)
	}
	return count, nil
}

// Requeue transitions the job back to queued inside tx, making it claimable
// again. created_at is untouched, so the job keeps its place in claim order.
func (s *Store) Requeue(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE ocr_jobs SET status = 'queued', started_at = NULL WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return nil
}

// Enqueue inserts a new queued job and returns its ID. Production rows come
// from the web app; this backs the enqueue subcommand and tests. The insert
// trigger notifies listening workers.
func (s *Store) Enqueue(ctx context.Context, userID uuid.UUID, imageURL, imageHash string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ocr_jobs (user_id, image_url, image_hash)
		VALUES ($1, $2, $3)
		RETURNING id`,
		userID, imageURL, imageHash,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// GetJob returns the full row by ID, or (nil, nil) if it does not exist.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*JobRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, image_url, image_hash, status, COALESCE(retry_count, 0),
		       result, processing_time, error_message, created_at, completed_at
		FROM ocr_jobs
		WHERE id = $1`,
		id,
	)

	var r JobRow
	err := row.Scan(&r.ID, &r.UserID, &r.ImageURL, &r.ImageHash, &r.Status, &r.RetryCount,
		&r.Result, &r.ProcessingTime, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &r, nil
}

// RecoverStaleJobs resets committed processing rows older than staleAfter back
// to queued and returns the count. The worker itself never commits a
// processing state — its claim rolls back on crash — so this only matters for
// rows stranded by other writers. Run via the recover subcommand, never from
// the worker loop.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ocr_jobs
		SET status = 'queued', started_at = NULL
		WHERE status = 'processing'
		  AND started_at < now() - ($1::bigint * interval '1 second')`,
		int64(staleAfter.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// truncate bounds s to max characters, not bytes, so a multibyte message is
// never cut mid-rune.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
