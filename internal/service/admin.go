package service

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/tariff"
)

// RegisterDriver stores a new driver. The id may come from the identity
// provider; an empty id is issued by the repository. Approval follows the
// tariff's auto-approve flag.
func (s *Service) RegisterDriver(ctx context.Context, id string) (*models.Driver, error) {
	t, err := retry(ctx, s, "tariff", s.tariffs.Current)
	if err != nil {
		return nil, translate(err)
	}
	d, err := s.engine.RegisterDriver(ctx, &models.Driver{ID: id}, t.AutoApprove)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, &apperr.Error{Kind: apperr.ErrConflict, Code: apperr.CodeConflict, Msg: "driver already registered"}
		}
		return nil, translate(err)
	}
	return d, nil
}

// Driver returns the driver's profile together with its last reported
// position.
func (s *Service) Driver(ctx context.Context, id string) (*models.Driver, error) {
	if id == "" {
		return nil, apperr.Validation(apperr.CodeMissingID, "driver id is required")
	}
	d, err := retry(ctx, s, "get_driver", func(ctx context.Context) (*models.Driver, error) {
		return s.engine.Driver(ctx, id)
	})
	if err != nil {
		return nil, translate(err)
	}
	return d, nil
}

func (s *Service) ApproveDriver(ctx context.Context, id string) (*models.Driver, error) {
	return s.updateDriver(ctx, id, "approve", func(d *models.Driver) { d.Approval = models.ApprovalApproved })
}

func (s *Service) RejectDriver(ctx context.Context, id string) (*models.Driver, error) {
	return s.updateDriver(ctx, id, "reject", func(d *models.Driver) { d.Approval = models.ApprovalRejected })
}

// BlockDriver stops the driver from receiving new rides. A ride already
// assigned runs to completion.
func (s *Service) BlockDriver(ctx context.Context, id string) (*models.Driver, error) {
	return s.updateDriver(ctx, id, "block", func(d *models.Driver) { d.Blocked = true })
}

func (s *Service) UnblockDriver(ctx context.Context, id string) (*models.Driver, error) {
	return s.updateDriver(ctx, id, "unblock", func(d *models.Driver) { d.Blocked = false })
}

func (s *Service) updateDriver(ctx context.Context, id, op string, fn func(*models.Driver)) (*models.Driver, error) {
	if id == "" {
		return nil, apperr.Validation(apperr.CodeMissingID, "driver id is required")
	}
	d, err := retry(ctx, s, op, func(ctx context.Context) (*models.Driver, error) {
		return s.engine.UpdateDriver(ctx, id, func(d *models.Driver) error {
			fn(d)
			return nil
		})
	})
	if err != nil {
		return nil, translate(err)
	}
	s.logger.Info("driver updated", "driver_id", id, "op", op, "approval", d.Approval, "blocked", d.Blocked)
	return d, nil
}

// UpdatePosition feeds a location report into the index.
func (s *Service) UpdatePosition(ctx context.Context, driverID string, loc *models.Coord) error {
	if driverID == "" {
		return apperr.Validation(apperr.CodeMissingID, "driver id is required")
	}
	if loc == nil || !loc.Valid() {
		return apperr.Validation(apperr.CodeInvalidCoordinates, "lat and lon are required and must be in range")
	}
	_, err := retry(ctx, s, "position", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.engine.UpdatePosition(ctx, driverID, *loc)
	})
	return translate(err)
}

func (s *Service) SetAvailability(ctx context.Context, driverID string, online bool) (*models.Driver, error) {
	if driverID == "" {
		return nil, apperr.Validation(apperr.CodeMissingID, "driver id is required")
	}
	d, err := retry(ctx, s, "availability", func(ctx context.Context) (*models.Driver, error) {
		return s.engine.SetAvailability(ctx, driverID, online)
	})
	if err != nil {
		return nil, translate(err)
	}
	return d, nil
}

// RegisterRider stores a new rider; see RegisterDriver for id handling.
func (s *Service) RegisterRider(ctx context.Context, id string) (*models.Rider, error) {
	r := &models.Rider{ID: id, CreatedAt: s.now().UTC()}
	if err := s.riders.CreateRider(ctx, r); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, &apperr.Error{Kind: apperr.ErrConflict, Code: apperr.CodeConflict, Msg: "rider already registered"}
		}
		return nil, translate(err)
	}
	s.logger.Info("rider registered", "rider_id", r.ID)
	return r, nil
}

func (s *Service) BlockRider(ctx context.Context, id string) (*models.Rider, error) {
	return s.setRiderBlocked(ctx, id, true)
}

func (s *Service) UnblockRider(ctx context.Context, id string) (*models.Rider, error) {
	return s.setRiderBlocked(ctx, id, false)
}

func (s *Service) setRiderBlocked(ctx context.Context, id string, blocked bool) (*models.Rider, error) {
	if id == "" {
		return nil, apperr.Validation(apperr.CodeMissingID, "rider id is required")
	}
	unlock, err := s.locks.Lock(ctx, lock.RiderKey(id))
	if err != nil {
		return nil, translate(err)
	}
	defer unlock()

	r, err := s.riders.GetRider(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	r.Blocked = blocked
	if err := s.riders.UpdateRider(ctx, r); err != nil {
		return nil, translate(err)
	}
	s.logger.Info("rider updated", "rider_id", id, "blocked", blocked)
	return r, nil
}

func (s *Service) Tariff(ctx context.Context) (models.Tariff, error) {
	t, err := retry(ctx, s, "tariff", s.tariffs.Current)
	return t, translate(err)
}

// UpdateTariff applies an administrative change. Rides already requested
// keep the tariff they were quoted with.
func (s *Service) UpdateTariff(ctx context.Context, p tariff.Patch) (models.Tariff, error) {
	t, err := s.tariffs.Update(ctx, p)
	if err != nil {
		return models.Tariff{}, translate(err)
	}
	s.logger.Info("tariff updated", "base_fare", t.BaseFare, "price_per_unit", t.PricePerUnit,
		"commission_pct", t.CommissionPct, "auto_approve", t.AutoApprove)
	return t, nil
}
