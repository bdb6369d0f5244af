// ABOUTME: Tests for the notify/poll wake strategies: timeout bounds, floor
// ABOUTME: enforcement, subscription-failure fallback, notification wake-up.
package wake_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leonclem/one-minute-menu/internal/testutil"
	"github.com/leonclem/one-minute-menu/internal/wake"
)

func TestPoller_WaitsFullTimeout(t *testing.T) {
	t.Parallel()

	start := time.Now()
	wake.Poller{}.Wait(context.Background(), 1100*time.Millisecond)
	elapsed := time.Since(start)

	if elapsed < 1100*time.Millisecond {
		t.Errorf("Wait returned after %v, want >= 1.1s", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Wait took %v, way past the timeout", elapsed)
	}
}

func TestPoller_EnforcesFloor(t *testing.T) {
	t.Parallel()

	// A near-zero interval must not produce a tight loop against the store.
	start := time.Now()
	wake.Poller{}.Wait(context.Background(), time.Millisecond)
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Wait returned after %v, want the 1s floor", elapsed)
	}
}

func TestPoller_ReturnsEarlyOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	wake.Poller{}.Wait(ctx, 30*time.Second)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Wait ignored cancellation, returned after %v", elapsed)
	}
}

// A listener whose subscription cannot be established must degrade to a
// bounded sleep, never crash or hang the worker.
func TestListener_SubscriptionFailureFallsBackToSleep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Nothing listens on this port; Acquire fails fast.
	pool, err := pgxpool.New(ctx, "postgres://nobody@127.0.0.1:1/nope?connect_timeout=1")
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()

	l := wake.NewListener(pool, "ocr_jobs")
	defer l.Close()

	start := time.Now()
	l.Wait(ctx, 300*time.Millisecond)
	elapsed := time.Since(start)

	if elapsed < 250*time.Millisecond {
		t.Errorf("fallback wait returned after %v, want >= 250ms floor", elapsed)
	}
	if elapsed > 10*time.Second {
		t.Errorf("fallback wait took %v, should be bounded near the timeout", elapsed)
	}
}

func TestListener_WakesOnInsertNotification(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	l := wake.NewListener(s.Pool(), "ocr_jobs")
	defer l.Close()

	// First wait with a short timeout just establishes the subscription.
	l.Wait(ctx, time.Second)

	// Insert after a delay; the trigger's pg_notify should wake the listener
	// well before the 15s timeout.
	go func() {
		time.Sleep(500 * time.Millisecond)
		_, _ = s.Enqueue(ctx, uuid.New(), "https://menus.example.com/img.jpg", "cafebabe")
	}()

	start := time.Now()
	l.Wait(ctx, 15*time.Second)
	elapsed := time.Since(start)

	if elapsed >= 15*time.Second {
		t.Errorf("Wait slept the full timeout (%v); notification did not wake it", elapsed)
	}
}

func TestListener_TimesOutWithoutNotification(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	l := wake.NewListener(s.Pool(), "ocr_jobs")
	defer l.Close()

	start := time.Now()
	l.Wait(ctx, 1200*time.Millisecond) // subscribes, then waits
	elapsed := time.Since(start)

	if elapsed < 1200*time.Millisecond {
		t.Errorf("Wait returned after %v, want the full 1.2s timeout", elapsed)
	}
	if elapsed > 30*time.Second {
		t.Errorf("Wait took %v, unbounded", elapsed)
	}
}
