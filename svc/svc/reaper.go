package svc

import (
	"context"
	"sync/atomic"
	"time"

	"pastelite/metrics"
	"pastelite/pkg/clock"
	"pastelite/svc/db"
	"pastelite/svc/util"

	"github.com/pkg/errors"
)

// Reaper physically removes pastes that expired more than retention ago.
// Availability never depends on it; it only bounds storage growth.
type Reaper struct {
	store     db.Store
	clock     *clock.Provider
	interval  time.Duration
	retention time.Duration
	running   atomic.Bool
}

func NewReaper(store db.Store, clk *clock.Provider, interval, retention time.Duration) *Reaper {
	return &Reaper{store: store, clock: clk, interval: interval, retention: retention}
}

func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	before := r.clock.Now(ctx) - r.retention.Milliseconds()
	deleted, err := r.store.DeleteExpired(ctx, before)
	if deleted > 0 {
		metrics.ReaperDeleted.Add(float64(deleted))
	}
	return deleted, err
}

// Run blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return errors.New("reaper interval must be positive")
	}
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reaper already running")
	}
	defer r.running.Store(false)
	reqID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, reqID)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", reqID).
		Dur("interval", r.interval).
		Dur("retention", r.retention).
		Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().Str("request_id", reqID).Msg("reaper shutting down")
			return nil
		case <-ticker.C:
			deleted, err := r.Sweep(ctx)
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", reqID).
					Int("deleted", deleted).
					Msg("reaper sweep failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", reqID).
					Msg("reaper sweep completed")
			}
		}
	}
}
