package dispatch

import (
	"context"

	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// RegisterDriver stores a new driver, offline, approved only when
// autoApprove is set.
func (e *Engine) RegisterDriver(ctx context.Context, d *models.Driver, autoApprove bool) (*models.Driver, error) {
	d.Approval = models.ApprovalPending
	if autoApprove {
		d.Approval = models.ApprovalApproved
	}
	d.Online = false
	d.ActiveRideID = ""
	if err := e.drivers.CreateDriver(ctx, d); err != nil {
		return nil, err
	}
	if err := e.syncIndex(ctx, d); err != nil {
		return nil, err
	}
	e.logger.Info("driver registered", "driver_id", d.ID, "approval", d.Approval)
	return d, nil
}

// UpdatePosition records a driver's location report in the index. Unknown
// drivers are accepted; they stay ineligible until approved.
func (e *Engine) UpdatePosition(ctx context.Context, driverID string, loc models.Coord) error {
	return e.geo.UpsertPosition(ctx, driverID, loc)
}

// SetAvailability toggles whether the driver accepts rides.
func (e *Engine) SetAvailability(ctx context.Context, driverID string, online bool) (*models.Driver, error) {
	var was bool
	d, err := e.UpdateDriver(ctx, driverID, func(d *models.Driver) error {
		was = d.Online
		d.Online = online
		return nil
	})
	if err != nil {
		return nil, err
	}
	switch {
	case online && !was:
		observability.DriversOnline.Inc()
	case !online && was:
		observability.DriversOnline.Dec()
	}
	return d, nil
}

// UpdateDriver applies fn to the stored driver under the driver lock and
// mirrors the result into the index. fn must not touch ActiveRideID.
func (e *Engine) UpdateDriver(ctx context.Context, driverID string, fn func(*models.Driver) error) (*models.Driver, error) {
	unlock, err := e.locks.Lock(ctx, lock.DriverKey(driverID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	e.withPosition(ctx, d)
	if err := e.drivers.UpdateDriver(ctx, d); err != nil {
		return nil, err
	}
	if err := e.syncIndex(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Driver returns the stored profile with the last position from the index.
func (e *Engine) Driver(ctx context.Context, driverID string) (*models.Driver, error) {
	d, err := e.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	e.withPosition(ctx, d)
	return d, nil
}

// withPosition copies the index position onto d. Position reports only go
// to the index, so the repository copy lags behind it.
func (e *Engine) withPosition(ctx context.Context, d *models.Driver) {
	loc, updated, ok, err := e.geo.Position(ctx, d.ID)
	if err != nil {
		e.logger.Debug("driver position unavailable", "driver_id", d.ID, "error", err)
		return
	}
	if ok {
		d.Loc = loc
		d.Updated = updated
	}
}

// syncIndex mirrors the dispatch flags into the index. Rejected drivers
// are dropped from it entirely.
func (e *Engine) syncIndex(ctx context.Context, d *models.Driver) error {
	if d.Approval == models.ApprovalRejected {
		return e.geo.Remove(ctx, d.ID)
	}
	if err := e.geo.SetProfile(ctx, d.ID, d.Approval, d.Blocked); err != nil {
		return err
	}
	if err := e.geo.SetAvailability(ctx, d.ID, d.Online); err != nil {
		return err
	}
	return e.geo.SetAssigned(ctx, d.ID, d.Assigned())
}
