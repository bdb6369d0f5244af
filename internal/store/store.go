// Package store provides the data access layer over the ocr_jobs table.
//
// Job-mutating methods take a pgx.Tx: the worker loop owns every transaction
// boundary so that a claim, a completion, or a failure-plus-retry decision
// commits atomically with no partial visibility. Convenience reads and the
// operator-facing writes (Enqueue, RecoverStaleJobs) run on the pool directly.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object for the worker.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (the LISTEN/NOTIFY waiter, test fixtures).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Begin opens a transaction for one claim/settle sequence. The caller must
// commit or roll back; an abandoned transaction releases its row locks when
// the connection drops, so a crashed worker never strands a claim.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}
