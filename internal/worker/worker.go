package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leonclem/one-minute-menu/internal/store"
	"github.com/leonclem/one-minute-menu/internal/wake"
)

// minProcessingTimeout floors the per-attempt deadline so a misconfigured
// WORKER_PROCESSING_TIMEOUT_MS cannot starve every fetch.
const minProcessingTimeout = 1 * time.Second

// Config holds the immutable worker tuning values, threaded in at
// construction — no ambient lookups inside the loop.
type Config struct {
	// PollInterval is the wake-wait timeout once the queue is drained.
	PollInterval time.Duration
	// ProcessingTimeout bounds one fetch+extract attempt.
	ProcessingTimeout time.Duration
	// MaxRetries is the attempt count at which a failing job goes terminal.
	MaxRetries int
}

// Worker is a single sequential claim→process→settle loop. Run one per
// process; scale by running more processes.
type Worker struct {
	store     *store.Store
	fetcher   Fetcher
	extractor Extractor
	waiter    wake.Waiter
	cfg       Config
	log       *slog.Logger
}

// New creates a Worker. The waiter selects the wake strategy (notify or poll).
func New(st *store.Store, f Fetcher, e Extractor, w wake.Waiter, cfg Config) *Worker {
	if cfg.ProcessingTimeout < minProcessingTimeout {
		cfg.ProcessingTimeout = minProcessingTimeout
	}
	return &Worker{
		store:     st,
		fetcher:   f,
		extractor: e,
		waiter:    w,
		cfg:       cfg,
		log:       slog.Default(),
	}
}

// Run drives the loop until ctx is cancelled, which is the only way to stop
// it and is not an error: Run returns nil on cancellation. Per-job failures
// never propagate past one iteration.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"processing_timeout", w.cfg.ProcessingTimeout,
		"max_retries", w.cfg.MaxRetries,
	)

	for {
		// Drain: claim and process until a claim comes back empty.
		for {
			if ctx.Err() != nil {
				w.log.Info("worker stopping")
				return nil
			}
			claimed, err := w.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					w.log.Info("worker stopping")
					return nil
				}
				w.log.Error("job cycle failed", "error", err)
			}
			if !claimed {
				break
			}
		}

		w.waiter.Wait(ctx, w.cfg.PollInterval)
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// claimed; a claimed job with a failed cycle returns (true, err) so the drain
// loop keeps going. Exported for tests and exercised by Run.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	// The claim transaction stays open across the extraction attempt: the
	// uncommitted processing update keeps the row locked (claimers skip it),
	// and a rollback — explicit or via crash — restores it to queued.
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return false, err
	}

	job, err := w.store.ClaimNext(ctx, tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, err
	}
	if job == nil {
		_ = tx.Rollback(ctx)
		return false, nil
	}

	w.log.Info("processing job",
		"job_id", job.ID, "user_id", job.UserID, "retry_count", job.RetryCount)

	start := time.Now()
	res, procErr := w.attempt(ctx, job)
	if procErr == nil {
		elapsed := time.Since(start).Milliseconds()
		if err := w.store.MarkCompleted(ctx, tx, job.ID, res.Text, elapsed, res.Confidence); err != nil {
			_ = tx.Rollback(ctx)
			return true, err
		}
		if err := tx.Commit(ctx); err != nil {
			return true, fmt.Errorf("commit completion %s: %w", job.ID, err)
		}
		w.log.Info("job completed",
			"job_id", job.ID, "elapsed_ms", elapsed, "confidence", res.Confidence)
		return true, nil
	}

	// Roll back the attempt; the row reverts to queued.
	_ = tx.Rollback(ctx)

	if ctx.Err() != nil {
		// Shutdown mid-attempt. The rollback already returned the job to the
		// queue; don't charge it a retry.
		return true, ctx.Err()
	}

	w.log.Warn("job attempt failed", "job_id", job.ID, "error", procErr)
	if err := w.settleFailure(ctx, job.ID, procErr); err != nil {
		// The retry decision itself failed at the storage layer. Leave the job
		// alone for this cycle and move on; external recovery owns stuck rows.
		return true, err
	}
	return true, nil
}

// attempt performs exactly one fetch+extract under the configured deadline.
func (w *Worker) attempt(ctx context.Context, job *store.Job) (Extraction, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.ProcessingTimeout)
	defer cancel()

	image, err := w.fetcher.Fetch(attemptCtx, job.ImageURL)
	if err != nil {
		return Extraction{}, fmt.Errorf("fetch image: %w", err)
	}
	res, err := w.extractor.Extract(attemptCtx, image)
	if err != nil {
		return Extraction{}, fmt.Errorf("extract text: %w", err)
	}
	return res, nil
}

// settleFailure commits the retry decision in its own transaction: bump the
// counter, then fail out at MaxRetries or requeue below it.
func (w *Worker) settleFailure(ctx context.Context, id uuid.UUID, cause error) error {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return err
	}

	count, err := w.store.IncrementRetry(ctx, tx, id)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if count >= w.cfg.MaxRetries {
		if err := w.store.MarkFailed(ctx, tx, id, cause.Error()); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		w.log.Warn("job failed permanently", "job_id", id, "retry_count", count)
	} else {
		if err := w.store.Requeue(ctx, tx, id); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		w.log.Info("job requeued", "job_id", id, "retry_count", count)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit retry decision %s: %w", id, err)
	}
	return nil
}
