package dispatch

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

// startSearcher keeps retrying a SEARCHING ride in the background until it
// is matched, leaves SEARCHING, or the search timeout elapses. At most one
// searcher runs per ride in this process.
func (e *Engine) startSearcher(r *models.Ride, degraded bool) {
	e.mu.Lock()
	if _, running := e.searches[r.ID]; running {
		e.mu.Unlock()
		return
	}
	e.searches[r.ID] = struct{}{}
	e.mu.Unlock()

	deadline := r.Timestamps[models.StateSearching].Add(e.cfg.SearchTimeout)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.searches, r.ID)
			e.mu.Unlock()
		}()
		e.search(r, deadline, degraded)
	}()
}

func (e *Engine) search(r *models.Ride, deadline time.Time, degraded bool) {
	interval := e.cfg.SearchRetryInterval
	for {
		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			e.timeout(e.bg, r.ID, degraded)
			return
		}
		step := remaining
		if interval > 0 && interval < step {
			step = interval
		}
		timer := time.NewTimer(step)
		select {
		case <-e.bg.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !e.now().Before(deadline) {
			e.timeout(e.bg, r.ID, degraded)
			return
		}
		if interval <= 0 {
			continue
		}
		res := e.attempt(e.bg, r)
		if res.matched || res.closed {
			return
		}
		degraded = degraded || res.degraded
	}
}

// timeout cancels a ride whose search ran out of time. The reason tells
// riders apart from a degraded system: TIMEOUT when any attempt hit a
// failing dependency, NO_DRIVERS_AVAILABLE otherwise.
func (e *Engine) timeout(ctx context.Context, rideID string, degraded bool) {
	reason := models.ReasonNoDrivers
	if degraded {
		reason = models.ReasonTimeout
	}
	if _, err := e.expire(ctx, rideID, lifecycle.ActionTimeout, reason); err != nil {
		e.logger.Debug("search timeout not applied", "ride_id", rideID, "error", err)
	}
}

func (e *Engine) searching(rideID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.searches[rideID]
	return ok
}

// SweepTimeouts cancels SEARCHING rides older than the search timeout that
// no searcher in this process owns, e.g. after a restart. It returns how
// many rides were cancelled.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	rides, err := e.rides.ListByState(ctx, models.StateSearching)
	if err != nil {
		return 0, err
	}
	now := e.now()
	n := 0
	for _, r := range rides {
		if e.searching(r.ID) {
			continue
		}
		started, ok := r.Timestamps[models.StateSearching]
		if ok && now.Sub(started) <= e.cfg.SearchTimeout {
			continue
		}
		if _, err := e.expire(ctx, r.ID, lifecycle.ActionTimeout, models.ReasonTimeout); err != nil {
			e.logger.Warn("timeout sweep skipped ride", "ride_id", r.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// SweepScheduled starts the search for REQUESTED rides that are due,
// including immediate rides whose search never started. It returns how
// many rides entered SEARCHING.
func (e *Engine) SweepScheduled(ctx context.Context) (int, error) {
	rides, err := e.rides.ListByState(ctx, models.StateRequested)
	if err != nil {
		return 0, err
	}
	now := e.now()
	n := 0
	for _, r := range rides {
		if !e.due(r, now) {
			continue
		}
		// leave fresh immediate requests to the request path
		if r.ScheduledAt == nil && now.Sub(r.CreatedAt) < e.cfg.MonitorInterval {
			continue
		}
		if _, err := e.begin(ctx, r.ID); err != nil {
			e.logger.Warn("search not started", "ride_id", r.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// RunTimeoutMonitor runs SweepTimeouts every MonitorInterval until ctx is
// done.
func (e *Engine) RunTimeoutMonitor(ctx context.Context) {
	e.runEvery(ctx, "timeout", e.SweepTimeouts)
}

// RunScheduler runs SweepScheduled every MonitorInterval until ctx is done.
func (e *Engine) RunScheduler(ctx context.Context) {
	e.runEvery(ctx, "schedule", e.SweepScheduled)
}

func (e *Engine) runEvery(ctx context.Context, name string, sweep func(context.Context) (int, error)) {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweep(ctx)
			if err != nil {
				e.logger.Warn("sweep failed", "sweep", name, "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("sweep applied", "sweep", name, "rides", n)
			}
		}
	}
}
