// Package lifecycle owns the ride state machine. Apply is the only code path
// that changes Ride.State.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type Action string

const (
	ActionSearch   Action = "search"
	ActionMatch    Action = "match"
	ActionNoMatch  Action = "no_match"
	ActionTimeout  Action = "timeout"
	ActionArrive   Action = "arrive"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

var transitions = map[models.RideState]map[Action]models.RideState{
	models.StateRequested: {
		ActionSearch: models.StateSearching,
		ActionCancel: models.StateCancelled,
	},
	models.StateSearching: {
		ActionMatch:   models.StateAssigned,
		ActionNoMatch: models.StateCancelled,
		ActionTimeout: models.StateCancelled,
		ActionCancel:  models.StateCancelled,
	},
	models.StateAssigned: {
		ActionArrive: models.StateArrived,
		ActionCancel: models.StateCancelled,
	},
	models.StateArrived: {
		ActionStart:  models.StateInProgress,
		ActionCancel: models.StateCancelled,
	},
	models.StateInProgress: {
		ActionComplete: models.StateCompleted,
	},
}

// InvalidTransitionError reports an action that is not allowed from the
// ride's current state.
type InvalidTransitionError struct {
	RideID string
	From   models.RideState
	Action Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ride %s: %s not allowed from %s", e.RideID, e.Action, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return apperr.ErrInvalidTransition }

// Target returns the state action leads to from from.
func Target(from models.RideState, action Action) (models.RideState, bool) {
	to, ok := transitions[from][action]
	return to, ok
}

// CanTransition reports whether action is allowed from from.
func CanTransition(from models.RideState, action Action) bool {
	_, ok := Target(from, action)
	return ok
}

// TargetOf returns the state action always leads to regardless of origin.
// Used to recognise replays of an action that already happened.
func TargetOf(action Action) models.RideState {
	switch action {
	case ActionSearch:
		return models.StateSearching
	case ActionMatch:
		return models.StateAssigned
	case ActionArrive:
		return models.StateArrived
	case ActionStart:
		return models.StateInProgress
	case ActionComplete:
		return models.StateCompleted
	default:
		return models.StateCancelled
	}
}

// Apply moves r through action, stamping the new state's timestamp and
// bumping the version. On error r is left untouched.
func Apply(r *models.Ride, action Action, at time.Time) error {
	to, ok := Target(r.State, action)
	if !ok {
		return &InvalidTransitionError{RideID: r.ID, From: r.State, Action: action}
	}
	if r.Timestamps == nil {
		r.Timestamps = make(map[models.RideState]time.Time)
	}
	r.State = to
	r.Timestamps[to] = at.UTC()
	r.Version++
	return nil
}

// Valid reports whether states is a path the machine could have produced,
// starting from REQUESTED.
func Valid(states []models.RideState) bool {
	if len(states) == 0 {
		return true
	}
	if states[0] != models.StateRequested {
		return false
	}
	for i := 1; i < len(states); i++ {
		found := false
		for _, to := range transitions[states[i-1]] {
			if to == states[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
