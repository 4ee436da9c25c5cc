// Package dispatch matches ride requests to drivers and drives every ride
// through its lifecycle. All ride mutations happen under a lock keyed by
// ride id; driver assignment and release additionally hold the driver's
// lock, always acquired after the ride's.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

type Config struct {
	MaxRadiusKm    float64
	CandidateLimit int
	// SearchTimeout bounds how long a ride may stay SEARCHING.
	SearchTimeout time.Duration
	// SearchRetryInterval re-runs the search while the timeout has not
	// elapsed. Zero cancels on the first empty search.
	SearchRetryInterval time.Duration
	// MonitorInterval is the period of the timeout and schedule sweeps.
	MonitorInterval time.Duration
	// ScheduleLead is how long before a scheduled pickup the search starts.
	ScheduleLead time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRadiusKm:     50,
		CandidateLimit:  5,
		SearchTimeout:   3 * time.Second,
		MonitorInterval: time.Second,
		ScheduleLead:    10 * time.Minute,
	}
}

type Deps struct {
	Rides    storage.RideRepository
	Drivers  storage.DriverRepository
	Geo      geo.Geo
	Locks    lock.Locker
	Policy   matcher.Policy   // defaults to matcher.Nearest
	ETA      *eta.Estimator   // defaults to 40 km/h with a 2 minute floor
	Notifier notify.Notifier  // optional
	Payments payments.Gateway // optional
	Logger   *slog.Logger
	Clock    func() time.Time // defaults to time.Now
}

type Engine struct {
	cfg      Config
	rides    storage.RideRepository
	drivers  storage.DriverRepository
	geo      geo.Geo
	locks    lock.Locker
	policy   matcher.Policy
	eta      *eta.Estimator
	notifier notify.Notifier
	payments payments.Gateway
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// background searchers outlive the request that started them
	bg       context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	searches map[string]struct{}
}

func NewEngine(cfg Config, d Deps) *Engine {
	def := DefaultConfig()
	if cfg.MaxRadiusKm <= 0 {
		cfg.MaxRadiusKm = def.MaxRadiusKm
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = def.SearchTimeout
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if d.Policy == nil {
		d.Policy = matcher.Nearest{}
	}
	if d.ETA == nil {
		d.ETA = eta.NewEstimator(eta.DefaultSpeedKmh, eta.DefaultMinMinutes)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	bg, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		rides:    d.Rides,
		drivers:  d.Drivers,
		geo:      d.Geo,
		locks:    d.Locks,
		policy:   d.Policy,
		eta:      d.ETA,
		notifier: d.Notifier,
		payments: d.Payments,
		logger:   d.Logger,
		tracer:   observability.Tracer(),
		now:      d.Clock,
		bg:       bg,
		stop:     stop,
		searches: make(map[string]struct{}),
	}
}

// Close stops background searchers and waits for them to exit.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// Get returns a snapshot of the ride.
func (e *Engine) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return e.rides.Get(ctx, rideID)
}

// RequestRide persists a new ride and, unless it is scheduled beyond the
// lead time, starts searching for a driver. Once the ride is stored the
// outcome of the search is reported through the ride's state, never as an
// error: a degraded dependency ends in CANCELLED/TIMEOUT, an empty search in
// CANCELLED/NO_DRIVERS_AVAILABLE.
func (e *Engine) RequestRide(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.RequestRide", trace.WithAttributes(attribute.String("rider_id", req.RiderID)))
	defer span.End()

	now := e.now().UTC()
	quote := fare.Estimate(req.Pickup, req.Destination, req.Tariff)
	r := &models.Ride{
		RiderID:     req.RiderID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		Tariff:      req.Tariff,
		Fare:        quote,
		DistanceKm:  quote.DistanceKm,
		State:       models.StateRequested,
		Timestamps:  map[models.RideState]time.Time{models.StateRequested: now},
		CreatedAt:   now,
	}
	if req.ScheduledAt != nil {
		t := req.ScheduledAt.UTC()
		r.ScheduledAt = &t
	}
	if err := e.rides.Create(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create ride")
		return nil, err
	}
	observability.RidesRequested.Inc()
	span.SetAttributes(attribute.String("ride_id", r.ID))
	e.publish(ctx, r)

	if !e.due(r, now) {
		e.logger.Info("ride scheduled", "ride_id", r.ID, "scheduled_at", r.ScheduledAt)
		return r, nil
	}
	started, err := e.begin(ctx, r.ID)
	if err != nil {
		// the schedule sweep retries REQUESTED rides
		e.logger.Warn("search not started", "ride_id", r.ID, "error", err)
		if cur, gerr := e.rides.Get(ctx, r.ID); gerr == nil {
			return cur, nil
		}
		return r, nil
	}
	return started, nil
}

func (e *Engine) due(r *models.Ride, now time.Time) bool {
	return r.ScheduledAt == nil || !r.ScheduledAt.After(now.Add(e.cfg.ScheduleLead))
}

// begin moves a REQUESTED ride to SEARCHING and runs the first search. It
// fails only when the ride could not enter SEARCHING.
func (e *Engine) begin(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := e.transition(ctx, rideID, lifecycle.ActionSearch, nil)
	if err != nil {
		return nil, err
	}
	res := e.attempt(ctx, r)
	switch {
	case res.matched || res.closed:
	case res.degraded || e.cfg.SearchRetryInterval > 0:
		e.startSearcher(r, res.degraded)
	default:
		if _, err := e.expire(ctx, rideID, lifecycle.ActionNoMatch, models.ReasonNoDrivers); err != nil {
			e.logger.Warn("no-match cancel failed", "ride_id", rideID, "error", err)
		}
	}
	return e.rides.Get(ctx, rideID)
}

type attemptResult struct {
	matched  bool
	closed   bool // ride left SEARCHING for another reason
	degraded bool // a dependency failed during the attempt
}

// attempt queries the index and tries candidates in policy order until one
// is assigned. A candidate lost to a concurrent assignment is skipped.
func (e *Engine) attempt(ctx context.Context, r *models.Ride) attemptResult {
	ctx, span := e.tracer.Start(ctx, "dispatch.attempt", trace.WithAttributes(attribute.String("ride_id", r.ID)))
	defer span.End()

	cands, err := e.geo.QueryNearest(ctx, r.Pickup, e.cfg.MaxRadiusKm, e.cfg.CandidateLimit)
	if err != nil {
		span.RecordError(err)
		observability.SearchOutcomes.WithLabelValues("degraded").Inc()
		e.logger.Warn("candidate query failed", "ride_id", r.ID, "error", err)
		return attemptResult{degraded: true}
	}
	var res attemptResult
	for _, c := range e.policy.Rank(cands) {
		assigned, err := e.assign(ctx, r.ID, c)
		switch {
		case err == nil:
			observability.SearchOutcomes.WithLabelValues("matched").Inc()
			e.publish(ctx, assigned)
			return attemptResult{matched: true}
		case errors.Is(err, errNotSearching):
			return attemptResult{closed: true}
		case errors.Is(err, errDriverUnavailable), errors.Is(err, apperr.ErrConflict):
			e.logger.Debug("candidate skipped", "ride_id", r.ID, "driver_id", c.DriverID, "error", err)
		default:
			res.degraded = true
			e.logger.Warn("assignment failed", "ride_id", r.ID, "driver_id", c.DriverID, "error", err)
		}
	}
	observability.SearchOutcomes.WithLabelValues("empty").Inc()
	return res
}

var (
	errNotSearching      = errors.New("ride is no longer searching")
	errDriverUnavailable = errors.New("driver unavailable")
)

// assign binds driver c to the ride. It holds the ride lock and then the
// driver lock for the whole check-assign-mark sequence, and returns the
// assigned ride for the caller to publish once both are released.
func (e *Engine) assign(ctx context.Context, rideID string, c geo.Candidate) (*models.Ride, error) {
	unlockRide, err := e.locks.Lock(ctx, lock.RideKey(rideID))
	if err != nil {
		return nil, err
	}
	defer unlockRide()

	r, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.State != models.StateSearching {
		return nil, errNotSearching
	}

	unlockDriver, err := e.locks.Lock(ctx, lock.DriverKey(c.DriverID))
	if err != nil {
		return nil, err
	}
	defer unlockDriver()

	d, err := e.drivers.GetDriver(ctx, c.DriverID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s unknown", errDriverUnavailable, c.DriverID)
		}
		return nil, err
	}
	if d.Assigned() {
		if !e.healStaleAssignment(ctx, d) {
			return nil, fmt.Errorf("%w: %s holds %s", errDriverUnavailable, d.ID, d.ActiveRideID)
		}
	}
	if !d.Online || d.Blocked || d.Approval != models.ApprovalApproved {
		return nil, fmt.Errorf("%w: %s not dispatchable", errDriverUnavailable, d.ID)
	}
	if err := e.drivers.AssignRide(ctx, d.ID, r.ID); err != nil {
		return nil, err
	}

	now := e.now()
	next := r.Clone()
	if err := lifecycle.Apply(next, lifecycle.ActionMatch, now); err != nil {
		e.rollbackAssign(ctx, d.ID, r.ID, "")
		return nil, err
	}
	next.DriverID = d.ID
	next.Fare = fare.Estimate(r.Pickup, r.Destination, r.Tariff)
	next.DistanceKm = next.Fare.DistanceKm
	next.EtaMinutes = e.eta.Minutes(ctx, c.Loc, r.Pickup)
	if e.payments != nil {
		ref, err := e.payments.Hold(ctx, r.ID, next.Fare.Amount, next.Fare.Currency)
		if err != nil {
			observability.PaymentFailures.WithLabelValues("hold").Inc()
			e.logger.Warn("payment hold failed", "ride_id", r.ID, "error", err)
		} else {
			next.PaymentRef = ref
		}
	}
	if err := e.rides.Update(ctx, next, r.Version); err != nil {
		e.rollbackAssign(ctx, d.ID, r.ID, next.PaymentRef)
		return nil, err
	}
	if err := e.geo.SetAssigned(ctx, d.ID, true); err != nil {
		// the repository stays authoritative; the index catches up on the
		// driver's next availability change
		e.logger.Warn("index not marked assigned", "driver_id", d.ID, "error", err)
	}

	observability.MatchesTotal.Inc()
	observability.TransitionsTotal.WithLabelValues(string(lifecycle.ActionMatch), string(next.State)).Inc()
	if started, ok := r.Timestamps[models.StateSearching]; ok {
		observability.MatchLatency.Observe(now.Sub(started).Seconds())
	}
	e.logger.Info("ride assigned", "ride_id", r.ID, "driver_id", d.ID, "distance_km", c.DistanceKm, "eta_minutes", next.EtaMinutes, "fare", next.Fare.Amount)
	return next, nil
}

func (e *Engine) rollbackAssign(ctx context.Context, driverID, rideID, paymentRef string) {
	if _, err := e.drivers.ReleaseRide(ctx, driverID, rideID); err != nil {
		e.logger.Error("assignment rollback failed", "driver_id", driverID, "ride_id", rideID, "error", err)
	}
	if paymentRef != "" && e.payments != nil {
		if err := e.payments.Void(ctx, rideID, paymentRef); err != nil {
			observability.PaymentFailures.WithLabelValues("void").Inc()
			e.logger.Warn("payment void failed", "ride_id", rideID, "error", err)
		}
	}
}

// healStaleAssignment clears a driver's assignment to a ride that already
// ended but whose release was lost. Terminal rides never change again, so
// reading it without its lock is safe. Caller holds the driver lock.
func (e *Engine) healStaleAssignment(ctx context.Context, d *models.Driver) bool {
	held, err := e.rides.Get(ctx, d.ActiveRideID)
	if err != nil || !held.State.Terminal() {
		return false
	}
	ok, err := e.drivers.ReleaseRide(ctx, d.ID, held.ID)
	if err != nil || !ok {
		return false
	}
	e.logger.Warn("released stale assignment", "driver_id", d.ID, "ride_id", held.ID)
	d.ActiveRideID = ""
	return true
}

// ReportArrival records that the driver reached the pickup.
func (e *Engine) ReportArrival(ctx context.Context, rideID string) (*models.Ride, error) {
	return e.transition(ctx, rideID, lifecycle.ActionArrive, nil)
}

// StartTrip records that the rider is on board.
func (e *Engine) StartTrip(ctx context.Context, rideID string) (*models.Ride, error) {
	return e.transition(ctx, rideID, lifecycle.ActionStart, nil)
}

// CompleteTrip finishes the ride, releases the driver and captures the
// payment hold. Replaying it fails with an invalid transition and has no
// side effects.
func (e *Engine) CompleteTrip(ctx context.Context, rideID string) (*models.Ride, error) {
	return e.transition(ctx, rideID, lifecycle.ActionComplete, nil)
}

// Cancel cancels the ride on behalf of initiator.
func (e *Engine) Cancel(ctx context.Context, rideID string, initiator models.Initiator) (*models.Ride, error) {
	reason := models.ReasonSystemCancel
	switch initiator {
	case models.InitiatorRider:
		reason = models.ReasonRiderCancel
	case models.InitiatorDriver:
		reason = models.ReasonDriverCancel
	}
	return e.transition(ctx, rideID, lifecycle.ActionCancel, func(r *models.Ride) {
		r.CancelReason = reason
		r.CancelledBy = initiator
	})
}

func (e *Engine) expire(ctx context.Context, rideID string, action lifecycle.Action, reason models.CancelReason) (*models.Ride, error) {
	return e.transition(ctx, rideID, action, func(r *models.Ride) {
		r.CancelReason = reason
		r.CancelledBy = models.InitiatorSystem
	})
}

// transition is the single path for lock, load, apply, persist and
// publish. The stored ride is only replaced by a fully staged copy. Events
// go out after the ride lock is released so a slow sink cannot stall other
// transitions; Version orders them for consumers.
func (e *Engine) transition(ctx context.Context, rideID string, action lifecycle.Action, mutate func(*models.Ride)) (*models.Ride, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch."+string(action), trace.WithAttributes(attribute.String("ride_id", rideID)))
	defer span.End()

	next, err := e.apply(ctx, rideID, action, mutate)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.publish(ctx, next)
	return next, nil
}

// apply does the locked part of transition, including the side effects of
// reaching a terminal state.
func (e *Engine) apply(ctx context.Context, rideID string, action lifecycle.Action, mutate func(*models.Ride)) (*models.Ride, error) {
	unlock, err := e.locks.Lock(ctx, lock.RideKey(rideID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := lifecycle.Apply(next, action, e.now()); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(next)
	}
	if err := e.rides.Update(ctx, next, cur.Version); err != nil {
		trace.SpanFromContext(ctx).SetStatus(codes.Error, "persist")
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(action), string(next.State)).Inc()
	e.logger.Info("ride transition", "ride_id", rideID, "action", action, "from", cur.State, "to", next.State, "reason", next.CancelReason)

	if next.State.Terminal() {
		e.finish(ctx, next)
	}
	return next, nil
}

// finish runs the side effects of a terminal transition: driver release,
// payment settlement and hand-off to history. The transition is already
// durable, so failures here are logged rather than returned.
func (e *Engine) finish(ctx context.Context, r *models.Ride) {
	if r.DriverID != "" {
		if err := e.release(ctx, r.DriverID, r.ID); err != nil {
			e.logger.Error("driver release failed", "driver_id", r.DriverID, "ride_id", r.ID, "error", err)
		}
	}
	if r.PaymentRef != "" && e.payments != nil {
		op, call := "capture", e.payments.Capture
		if r.State == models.StateCancelled {
			op, call = "void", e.payments.Void
		}
		if err := call(ctx, r.ID, r.PaymentRef); err != nil {
			observability.PaymentFailures.WithLabelValues(op).Inc()
			e.logger.Warn("payment settlement failed", "op", op, "ride_id", r.ID, "error", err)
		}
	}
	if err := e.rides.Archive(ctx, r.ID); err != nil {
		e.logger.Warn("archive failed", "ride_id", r.ID, "error", err)
	}
}

// release returns the driver to the pool if it still holds rideID.
func (e *Engine) release(ctx context.Context, driverID, rideID string) error {
	unlock, err := e.locks.Lock(ctx, lock.DriverKey(driverID))
	if err != nil {
		return err
	}
	defer unlock()
	released, err := e.drivers.ReleaseRide(ctx, driverID, rideID)
	if err != nil || !released {
		return err
	}
	return e.geo.SetAssigned(ctx, driverID, false)
}

func (e *Engine) publish(ctx context.Context, r *models.Ride) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, notify.NewEvent(r)); err != nil {
		e.logger.Warn("event delivery incomplete", "ride_id", r.ID, "state", r.State, "error", err)
	}
}
