// Package service is the entry point transports call. It validates input,
// snapshots the tariff, retries transient failures and translates every
// error it returns into an *apperr.Error.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/places"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tariff"
)

// Options tunes the facade. Zero values pick the defaults.
type Options struct {
	ConflictRetries   int
	DependencyRetries int
	// Backoff is the first dependency retry delay; it doubles per attempt.
	Backoff time.Duration
	// ScheduleGrace tolerates client clock skew on scheduled pickups.
	ScheduleGrace time.Duration
}

func DefaultOptions() Options {
	return Options{
		ConflictRetries:   3,
		DependencyRetries: 3,
		Backoff:           50 * time.Millisecond,
		ScheduleGrace:     time.Minute,
	}
}

type Deps struct {
	Engine  *dispatch.Engine
	Rides   storage.RideRepository
	Riders  storage.RiderRepository
	Tariffs *tariff.Store
	Locks   lock.Locker
	// Area restricts pickups and destinations when set.
	Area   *places.Gazetteer
	Logger *slog.Logger
	Clock  func() time.Time
}

type Service struct {
	engine  *dispatch.Engine
	rides   storage.RideRepository
	riders  storage.RiderRepository
	tariffs *tariff.Store
	locks   lock.Locker
	area    *places.Gazetteer
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

func New(d Deps, opts Options) *Service {
	def := DefaultOptions()
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = def.ConflictRetries
	}
	if opts.DependencyRetries <= 0 {
		opts.DependencyRetries = def.DependencyRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.ScheduleGrace <= 0 {
		opts.ScheduleGrace = def.ScheduleGrace
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Service{
		engine:  d.Engine,
		rides:   d.Rides,
		riders:  d.Riders,
		tariffs: d.Tariffs,
		locks:   d.Locks,
		area:    d.Area,
		opts:    opts,
		logger:  d.Logger,
		now:     d.Clock,
	}
}

// RideInput is a ride request as received from a client. Coordinates are
// pointers so a missing point can be told apart from (0,0).
type RideInput struct {
	RiderID     string        `json:"rider_id"`
	Pickup      *models.Coord `json:"pickup"`
	Destination *models.Coord `json:"destination"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
}

// RequestRide validates in, snapshots the tariff and hands the request to
// the engine. The returned ride may already be ASSIGNED or CANCELLED; a
// search without drivers is a ride state, not an error.
func (s *Service) RequestRide(ctx context.Context, in RideInput) (*models.Ride, error) {
	if err := s.validateRide(in); err != nil {
		return nil, err
	}

	// one active ride per rider: check and create under the rider's lock
	unlock, err := s.locks.Lock(ctx, lock.RiderKey(in.RiderID))
	if err != nil {
		return nil, translate(err)
	}
	defer unlock()

	rider, err := s.riders.GetRider(ctx, in.RiderID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Validation(apperr.CodeUnknownRider, "unknown rider "+in.RiderID)
		}
		return nil, translate(err)
	}
	if rider.Blocked {
		return nil, apperr.Validation(apperr.CodeRiderBlocked, "rider is blocked")
	}
	active, err := s.rides.ActiveByRider(ctx, in.RiderID)
	if err != nil {
		return nil, translate(err)
	}
	if active != nil {
		return nil, apperr.Validation(apperr.CodeRideAlreadyActive, "rider already has ride "+active.ID)
	}

	t, err := retry(ctx, s, "tariff", s.tariffs.Current)
	if err != nil {
		return nil, translate(err)
	}
	req := models.RideRequest{
		RiderID:     in.RiderID,
		Pickup:      *in.Pickup,
		Destination: *in.Destination,
		ScheduledAt: in.ScheduledAt,
		Tariff:      t,
	}
	attempts := 0
	r, err := retry(ctx, s, "request", func(ctx context.Context) (*models.Ride, error) {
		attempts++
		if attempts > 1 {
			// a failed attempt may still have stored the ride
			if prev, err := s.rides.ActiveByRider(ctx, in.RiderID); err != nil {
				return nil, err
			} else if prev != nil {
				return prev, nil
			}
		}
		return s.engine.RequestRide(ctx, req)
	})
	if err != nil {
		return nil, translate(err)
	}
	return r, nil
}

func (s *Service) validateRide(in RideInput) error {
	if in.RiderID == "" {
		return apperr.Validation(apperr.CodeMissingID, "rider_id is required")
	}
	if in.Pickup == nil || in.Destination == nil {
		return apperr.Validation(apperr.CodeInvalidCoordinates, "pickup and destination are required")
	}
	if !in.Pickup.Valid() || !in.Destination.Valid() {
		return apperr.Validation(apperr.CodeInvalidCoordinates, "coordinates out of range")
	}
	if s.area != nil && (!s.area.InServiceArea(*in.Pickup) || !s.area.InServiceArea(*in.Destination)) {
		return apperr.Validation(apperr.CodeOutsideServiceArea, "location is outside the service area")
	}
	if in.ScheduledAt != nil && in.ScheduledAt.Before(s.now().Add(-s.opts.ScheduleGrace)) {
		return apperr.Validation(apperr.CodeInvalidSchedule, "scheduled_at is in the past")
	}
	return nil
}

// Ride returns the current snapshot of a ride, including archived ones.
func (s *Service) Ride(ctx context.Context, rideID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, apperr.Validation(apperr.CodeMissingID, "ride id is required")
	}
	r, err := retry(ctx, s, "get", func(ctx context.Context) (*models.Ride, error) {
		return s.engine.Get(ctx, rideID)
	})
	if err != nil {
		return nil, translate(err)
	}
	return r, nil
}

func (s *Service) ReportArrival(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, lifecycle.ActionArrive, s.engine.ReportArrival)
}

func (s *Service) StartTrip(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, lifecycle.ActionStart, s.engine.StartTrip)
}

func (s *Service) CompleteTrip(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, lifecycle.ActionComplete, s.engine.CompleteTrip)
}

func (s *Service) Cancel(ctx context.Context, rideID string, initiator models.Initiator) (*models.Ride, error) {
	switch initiator {
	case models.InitiatorRider, models.InitiatorDriver, models.InitiatorSystem:
	default:
		return nil, apperr.Validation(apperr.CodeInvalidInitiator, "initiator must be rider, driver or system")
	}
	return s.transition(ctx, rideID, lifecycle.ActionCancel, func(ctx context.Context, id string) (*models.Ride, error) {
		return s.engine.Cancel(ctx, id, initiator)
	})
}

// transition runs op with retries. A rejected or contended transition whose
// target the ride already holds is a replay and succeeds with the current
// snapshot. A caller that lost the race to a different outcome gets an
// invalid transition rather than a conflict.
func (s *Service) transition(ctx context.Context, rideID string, action lifecycle.Action, op func(context.Context, string) (*models.Ride, error)) (*models.Ride, error) {
	if rideID == "" {
		return nil, apperr.Validation(apperr.CodeMissingID, "ride id is required")
	}
	r, err := retry(ctx, s, string(action), func(ctx context.Context) (*models.Ride, error) {
		return op(ctx, rideID)
	})
	if err == nil {
		return r, nil
	}
	conflict := errors.Is(err, apperr.ErrConflict)
	if conflict || errors.Is(err, apperr.ErrInvalidTransition) {
		cur, gerr := s.engine.Get(ctx, rideID)
		switch {
		case gerr != nil:
		case cur.State == lifecycle.TargetOf(action):
			s.logger.Debug("transition replayed", "ride_id", rideID, "action", action)
			return cur, nil
		case conflict && !lifecycle.CanTransition(cur.State, action):
			err = &lifecycle.InvalidTransitionError{RideID: rideID, From: cur.State, Action: action}
		}
	}
	return nil, translate(err)
}

// retry re-runs fn on ErrConflict a bounded number of times, and on
// ErrDependencyUnavailable with a doubling delay. Everything else is
// returned as is.
func retry[T any](ctx context.Context, s *Service, op string, fn func(context.Context) (T, error)) (T, error) {
	delay := s.opts.Backoff
	conflicts, deps := 0, 0
	for {
		v, err := fn(ctx)
		switch {
		case err == nil:
			return v, nil
		case errors.Is(err, apperr.ErrConflict) && conflicts < s.opts.ConflictRetries:
			conflicts++
			observability.DependencyRetries.WithLabelValues(op, "conflict").Inc()
		case errors.Is(err, apperr.ErrDependencyUnavailable) && deps < s.opts.DependencyRetries:
			deps++
			observability.DependencyRetries.WithLabelValues(op, "dependency").Inc()
			s.logger.Warn("dependency unavailable, retrying", "op", op, "attempt", deps, "backoff", delay, "error", err)
			select {
			case <-ctx.Done():
				return v, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		default:
			return v, err
		}
	}
}

// translate maps internal errors onto the boundary taxonomy. Messages of
// conflicts, dependency failures and internal errors are replaced so lock
// keys and storage details never reach callers; the original stays in Err
// for logging.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apperr.ErrValidation, apperr.ErrNotFound, apperr.ErrInvalidTransition:
			return ae
		}
	}
	switch {
	case errors.Is(err, apperr.ErrInvalidTransition):
		return &apperr.Error{Kind: apperr.ErrInvalidTransition, Code: apperr.CodeInvalidTransition, Msg: err.Error()}
	case errors.Is(err, apperr.ErrConflict):
		return &apperr.Error{Kind: apperr.ErrConflict, Code: apperr.CodeConflict, Msg: "resource busy, retry later", Err: err}
	case errors.Is(err, apperr.ErrNotFound):
		return apperr.NotFound(err.Error())
	case errors.Is(err, apperr.ErrValidation):
		return &apperr.Error{Kind: apperr.ErrValidation, Code: apperr.Code(err), Msg: err.Error()}
	case errors.Is(err, apperr.ErrDependencyUnavailable):
		return &apperr.Error{Kind: apperr.ErrDependencyUnavailable, Code: apperr.CodeDegraded, Msg: "service degraded", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &apperr.Error{Kind: apperr.ErrDependencyUnavailable, Code: apperr.CodeDegraded, Msg: "request timed out", Err: err}
	}
	return &apperr.Error{Code: apperr.CodeInternal, Msg: "internal error", Err: err}
}
