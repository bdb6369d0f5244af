// Package worker drives the claim→process→settle cycle over the ocr_jobs
// queue: drain everything claimable, wait on the wake channel, repeat.
//
// Claim exclusivity lives entirely in the storage layer (FOR UPDATE SKIP
// LOCKED), so any number of independent worker processes can run against the
// same database with no coordination beyond row locks.
package worker

import "context"

// Fetcher retrieves the raw payload bytes behind a job's image URL.
// Implementations must honor the ctx deadline; the worker does not preempt an
// in-flight call beyond that.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Extraction is the outcome of one successful OCR attempt.
type Extraction struct {
	Text       string
	Confidence float64 // in [0, 1]
}

// Extractor runs text extraction over image bytes.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (Extraction, error)
}
