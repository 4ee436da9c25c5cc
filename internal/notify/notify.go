// Package notify carries ride lifecycle events to the outside world: driver
// WebSocket sessions, a Kafka topic, and an HTTP push provider. Delivery is
// best effort; the dispatch core logs failures and moves on.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type EventType string

const (
	EventRequested EventType = "ride.requested"
	EventSearching EventType = "ride.searching"
	EventAssigned  EventType = "ride.assigned"
	EventArrived   EventType = "ride.arrived"
	EventStarted   EventType = "ride.started"
	EventCompleted EventType = "ride.completed"
	EventCancelled EventType = "ride.cancelled"
)

// EventFor maps a ride state to the event announcing it.
func EventFor(s models.RideState) EventType {
	switch s {
	case models.StateSearching:
		return EventSearching
	case models.StateAssigned:
		return EventAssigned
	case models.StateArrived:
		return EventArrived
	case models.StateInProgress:
		return EventStarted
	case models.StateCompleted:
		return EventCompleted
	case models.StateCancelled:
		return EventCancelled
	default:
		return EventRequested
	}
}

type Event struct {
	Type     EventType           `json:"type"`
	RideID   string              `json:"ride_id"`
	RiderID  string              `json:"rider_id"`
	DriverID string              `json:"driver_id,omitempty"`
	State    models.RideState    `json:"state"`
	Reason   models.CancelReason `json:"reason,omitempty"`
	Offer    *models.MatchOffer  `json:"offer,omitempty"`
	Version  int                 `json:"version"`
	At       time.Time           `json:"at"`
}

// NewEvent describes the current state of r.
func NewEvent(r *models.Ride) Event {
	ev := Event{
		Type:     EventFor(r.State),
		RideID:   r.ID,
		RiderID:  r.RiderID,
		DriverID: r.DriverID,
		State:    r.State,
		Reason:   r.CancelReason,
		Version:  r.Version,
		At:       r.Timestamps[r.State],
	}
	if r.State == models.StateAssigned {
		ev.Offer = &models.MatchOffer{
			RideID:      r.ID,
			DriverID:    r.DriverID,
			Pickup:      r.Pickup,
			Destination: r.Destination,
			ETA:         r.EtaMinutes,
			Fare:        r.Fare.Amount,
			Currency:    r.Fare.Currency,
			DistanceKm:  r.DistanceKm,
		}
	}
	return ev
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

type sink struct {
	name string
	n    Notifier
}

// Multi fans an event out to every sink. A failing sink does not stop the
// others; all failures are logged, counted and joined into the result.
type Multi struct {
	logger *slog.Logger
	sinks  []sink
}

func NewMulti(logger *slog.Logger) *Multi {
	return &Multi{logger: logger}
}

// Add registers n under name, which labels logs and metrics. Nil notifiers
// are skipped so optional sinks can be passed unconditionally.
func (m *Multi) Add(name string, n Notifier) *Multi {
	if n == nil {
		return m
	}
	m.sinks = append(m.sinks, sink{name: name, n: n})
	return m
}

func (m *Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.n.Notify(ctx, ev); err != nil {
			if errors.Is(err, ErrNoSession) {
				continue
			}
			observability.NotifyFailures.WithLabelValues(s.name).Inc()
			m.logger.Warn("notify failed", "sink", s.name, "event", ev.Type, "ride_id", ev.RideID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes every event to the structured log.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, ev Event) error {
	l.Logger.Info("ride_event", "event", ev.Type, "ride_id", ev.RideID, "driver_id", ev.DriverID, "state", ev.State, "reason", ev.Reason)
	return nil
}
