package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// RideRepository persists rides. Writes are durable before they return.
type RideRepository interface {
	// Create issues the ride id and stores r.
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// Update stores r only if the stored version still equals prevVersion.
	Update(ctx context.Context, r *models.Ride, prevVersion int) error
	// ActiveByRider returns the rider's non-terminal ride, or nil.
	ActiveByRider(ctx context.Context, riderID string) (*models.Ride, error)
	ListByState(ctx context.Context, state models.RideState) ([]*models.Ride, error)
	// Archive hands a terminal ride over to history.
	Archive(ctx context.Context, id string) error
}

type DriverRepository interface {
	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, d *models.Driver) error
	// AssignRide sets the driver's active ride; it fails with ErrConflict if
	// one is already held.
	AssignRide(ctx context.Context, driverID, rideID string) error
	// ReleaseRide clears the active ride if it is rideID and reports whether
	// anything was cleared.
	ReleaseRide(ctx context.Context, driverID, rideID string) (bool, error)
}

type RiderRepository interface {
	CreateRider(ctx context.Context, r *models.Rider) error
	GetRider(ctx context.Context, id string) (*models.Rider, error)
	UpdateRider(ctx context.Context, r *models.Rider) error
}

type TariffRepository interface {
	// LoadTariff returns ok=false when nothing was saved yet.
	LoadTariff(ctx context.Context) (models.Tariff, bool, error)
	SaveTariff(ctx context.Context, t models.Tariff) error
}

// MemoryStore implements every repository in process. Values are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	history map[string]*models.Ride
	drivers map[string]models.Driver
	riders  map[string]models.Rider
	tariff  *models.Tariff
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		history: make(map[string]*models.Ride),
		drivers: make(map[string]models.Driver),
		riders:  make(map[string]models.Rider),
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s exists: %w", r.ID, apperr.ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rides[id]; ok {
		return r.Clone(), nil
	}
	if r, ok := m.history[id]; ok {
		return r.Clone(), nil
	}
	return nil, apperr.NotFound("ride " + id)
}

func (m *MemoryStore) Update(_ context.Context, r *models.Ride, prevVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		if _, archived := m.history[r.ID]; archived {
			return fmt.Errorf("ride %s archived: %w", r.ID, apperr.ErrConflict)
		}
		return apperr.NotFound("ride " + r.ID)
	}
	if cur.Version != prevVersion {
		return fmt.Errorf("ride %s version %d, expected %d: %w", r.ID, cur.Version, prevVersion, apperr.ErrConflict)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ActiveByRider(_ context.Context, riderID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.RiderID == riderID && !r.State.Terminal() {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListByState(_ context.Context, state models.RideState) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.State == state {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Archive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		if _, done := m.history[id]; done {
			return nil
		}
		return apperr.NotFound("ride " + id)
	}
	if !r.State.Terminal() {
		return fmt.Errorf("ride %s is %s: %w", id, r.State, apperr.ErrInvalidTransition)
	}
	m.history[id] = r
	delete(m.rides, id)
	return nil
}

// HistoryLen is the number of archived rides.
func (m *MemoryStore) HistoryLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

func (m *MemoryStore) CreateDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if _, ok := m.drivers[d.ID]; ok {
		return fmt.Errorf("driver %s exists: %w", d.ID, apperr.ErrConflict)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now().UTC()
	}
	m.drivers[d.ID] = *d
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, apperr.NotFound("driver " + id)
	}
	return &d, nil
}

func (m *MemoryStore) UpdateDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drivers[d.ID]
	if !ok {
		return apperr.NotFound("driver " + d.ID)
	}
	// assignment is owned by AssignRide/ReleaseRide
	next := *d
	next.ActiveRideID = cur.ActiveRideID
	m.drivers[d.ID] = next
	return nil
}

func (m *MemoryStore) AssignRide(_ context.Context, driverID, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return apperr.NotFound("driver " + driverID)
	}
	if d.ActiveRideID != "" && d.ActiveRideID != rideID {
		return fmt.Errorf("driver %s holds ride %s: %w", driverID, d.ActiveRideID, apperr.ErrConflict)
	}
	d.ActiveRideID = rideID
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) ReleaseRide(_ context.Context, driverID, rideID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return false, apperr.NotFound("driver " + driverID)
	}
	if d.ActiveRideID != rideID {
		return false, nil
	}
	d.ActiveRideID = ""
	m.drivers[driverID] = d
	return true, nil
}

func (m *MemoryStore) CreateRider(_ context.Context, r *models.Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, ok := m.riders[r.ID]; ok {
		return fmt.Errorf("rider %s exists: %w", r.ID, apperr.ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	m.riders[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRider(_ context.Context, id string) (*models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[id]
	if !ok {
		return nil, apperr.NotFound("rider " + id)
	}
	return &r, nil
}

func (m *MemoryStore) UpdateRider(_ context.Context, r *models.Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.riders[r.ID]; !ok {
		return apperr.NotFound("rider " + r.ID)
	}
	m.riders[r.ID] = *r
	return nil
}

func (m *MemoryStore) LoadTariff(_ context.Context) (models.Tariff, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tariff == nil {
		return models.Tariff{}, false, nil
	}
	return *m.tariff, true, nil
}

func (m *MemoryStore) SaveTariff(_ context.Context, t models.Tariff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tariff = &t
	return nil
}
