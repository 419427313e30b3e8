package db

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/farebox-data/occupancy.report/internal/monitoring"
	"github.com/farebox-data/occupancy.report/internal/timeutil"
)

// SyncWorker periodically drains the trip event queue to the backend.
// Each tick probes connectivity first; while the vehicle is out of
// coverage the worker sleeps instead of burning retries. Events go out in
// per-trip sequence order, one attempt per tick per event.
type SyncWorker struct {
	DB     *DB
	Client *BackendClient
	Clock  timeutil.Clock

	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
	BatchLimit  int
	LeaseWindow time.Duration

	StopChan chan struct{}

	online atomic.Bool
}

// NewSyncWorker creates a SyncWorker with default pacing.
func NewSyncWorker(db *DB, client *BackendClient, clock timeutil.Clock) *SyncWorker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SyncWorker{
		DB:          db,
		Client:      client,
		Clock:       clock,
		Interval:    5 * time.Second,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
		MaxAttempts: 10,
		BatchLimit:  50,
		LeaseWindow: time.Minute,
		StopChan:    make(chan struct{}),
	}
}

// Start runs the worker loop in a goroutine until Stop is called.
func (w *SyncWorker) Start() {
	go func() {
		ticker := w.Clock.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if err := w.RunOnce(context.Background()); err != nil {
					monitoring.Logf("sync worker run error: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *SyncWorker) Stop() {
	close(w.StopChan)
}

// Online reports the result of the most recent connectivity probe.
func (w *SyncWorker) Online() bool {
	return w.online.Load()
}

// RunOnce performs a single sync pass: recover expired claims, probe,
// claim, deliver, record.
func (w *SyncWorker) RunOnce(ctx context.Context) error {
	now := w.Clock.Now()

	// An event stranded in_flight (crash mid-delivery, failed bookkeeping)
	// blocks its trip's head; once the claim lease runs out it goes back to
	// pending. Re-sending is safe, the backend dedupes on event id.
	if n, err := w.DB.ResetStaleInFlight(now, w.LeaseWindow); err != nil {
		return err
	} else if n > 0 {
		monitoring.Logf("sync worker: reset %d stale in-flight events for redelivery", n)
	}

	batch, err := w.DB.NextDeliverable(now, w.BatchLimit)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	wasOnline := w.online.Load()
	online := w.Client.Probe(ctx)
	w.online.Store(online)
	if !online {
		if wasOnline {
			monitoring.Logf("sync worker: backend unreachable, suspending delivery (%d queued)", len(batch))
		}
		return nil
	}
	if !wasOnline {
		monitoring.Logf("sync worker: backend reachable, resuming delivery (%d queued)", len(batch))
	}

	for _, ev := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := w.DB.MarkInFlight(ev.EventID, now)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		if err := w.Client.DeliverEvent(ctx, ev); err != nil {
			w.recordFailure(ev, err)
			continue
		}
		if err := w.DB.MarkDelivered(ev.EventID); err != nil {
			return err
		}
	}
	return nil
}

// recordFailure schedules a retry with exponential backoff, or abandons the
// event on a permanent rejection or exhausted attempts.
func (w *SyncWorker) recordFailure(ev QueuedEvent, cause error) {
	attempts := ev.Attempts + 1 // MarkInFlight already counted this attempt

	var perm *PermanentDeliveryError
	abandon := errors.As(cause, &perm) || attempts >= w.MaxAttempts
	if abandon {
		monitoring.Logf("sync worker: abandoning event %s (trip %s seq %d) after %d attempts: %v",
			ev.EventID, ev.TripID, ev.Seq, attempts, cause)
	} else {
		monitoring.Logf("sync worker: delivery of event %s failed (attempt %d): %v",
			ev.EventID, attempts, cause)
	}

	next := w.Clock.Now().Add(w.backoff(attempts))
	if err := w.DB.MarkFailed(ev.EventID, cause.Error(), next, abandon); err != nil {
		monitoring.Logf("sync worker: failed to record failure for event %s: %v", ev.EventID, err)
	}
}

// backoff returns base * 2^(attempts-1), capped.
func (w *SyncWorker) backoff(attempts int) time.Duration {
	d := w.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.BackoffMax {
			return w.BackoffMax
		}
	}
	if d > w.BackoffMax {
		return w.BackoffMax
	}
	return d
}
