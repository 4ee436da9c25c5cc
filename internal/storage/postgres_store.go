package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements every repository on Postgres through sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, apperr.Dependency("postgres connect", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

type rideRow struct {
	ID           string       `db:"id"`
	RiderID      string       `db:"rider_id"`
	DriverID     string       `db:"driver_id"`
	PickupLat    float64      `db:"pickup_lat"`
	PickupLon    float64      `db:"pickup_lon"`
	DestLat      float64      `db:"dest_lat"`
	DestLon      float64      `db:"dest_lon"`
	State        string       `db:"state"`
	CancelReason string       `db:"cancel_reason"`
	CancelledBy  string       `db:"cancelled_by"`
	Fare         []byte       `db:"fare"`
	Tariff       []byte       `db:"tariff"`
	Timestamps   []byte       `db:"timestamps"`
	DistanceKm   float64      `db:"distance_km"`
	EtaMinutes   int          `db:"eta_minutes"`
	ScheduledAt  sql.NullTime `db:"scheduled_at"`
	PaymentRef   string       `db:"payment_ref"`
	Version      int          `db:"version"`
	CreatedAt    time.Time    `db:"created_at"`
	ArchivedAt   sql.NullTime `db:"archived_at"`
}

func toRideRow(r *models.Ride) (rideRow, error) {
	fare, err := json.Marshal(r.Fare)
	if err != nil {
		return rideRow{}, err
	}
	tariff, err := json.Marshal(r.Tariff)
	if err != nil {
		return rideRow{}, err
	}
	ts, err := json.Marshal(r.Timestamps)
	if err != nil {
		return rideRow{}, err
	}
	row := rideRow{
		ID:           r.ID,
		RiderID:      r.RiderID,
		DriverID:     r.DriverID,
		PickupLat:    r.Pickup.Lat,
		PickupLon:    r.Pickup.Lon,
		DestLat:      r.Destination.Lat,
		DestLon:      r.Destination.Lon,
		State:        string(r.State),
		CancelReason: string(r.CancelReason),
		CancelledBy:  string(r.CancelledBy),
		Fare:         fare,
		Tariff:       tariff,
		Timestamps:   ts,
		DistanceKm:   r.DistanceKm,
		EtaMinutes:   r.EtaMinutes,
		PaymentRef:   r.PaymentRef,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
	}
	if r.ScheduledAt != nil {
		row.ScheduledAt = sql.NullTime{Time: *r.ScheduledAt, Valid: true}
	}
	return row, nil
}

func (row rideRow) toModel() (*models.Ride, error) {
	r := &models.Ride{
		ID:           row.ID,
		RiderID:      row.RiderID,
		DriverID:     row.DriverID,
		Pickup:       models.Coord{Lat: row.PickupLat, Lon: row.PickupLon},
		Destination:  models.Coord{Lat: row.DestLat, Lon: row.DestLon},
		State:        models.RideState(row.State),
		CancelReason: models.CancelReason(row.CancelReason),
		CancelledBy:  models.Initiator(row.CancelledBy),
		DistanceKm:   row.DistanceKm,
		EtaMinutes:   row.EtaMinutes,
		PaymentRef:   row.PaymentRef,
		Version:      row.Version,
		CreatedAt:    row.CreatedAt,
	}
	if err := json.Unmarshal(row.Fare, &r.Fare); err != nil {
		return nil, fmt.Errorf("ride %s fare: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Tariff, &r.Tariff); err != nil {
		return nil, fmt.Errorf("ride %s tariff: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Timestamps, &r.Timestamps); err != nil {
		return nil, fmt.Errorf("ride %s timestamps: %w", row.ID, err)
	}
	if row.ScheduledAt.Valid {
		t := row.ScheduledAt.Time
		r.ScheduledAt = &t
	}
	return r, nil
}

const insertRideQuery = `
INSERT INTO rides (id, rider_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon, state,
    cancel_reason, cancelled_by, fare, tariff, timestamps, distance_km, eta_minutes, scheduled_at,
    payment_ref, version, created_at)
VALUES (:id, :rider_id, :driver_id, :pickup_lat, :pickup_lon, :dest_lat, :dest_lon, :state,
    :cancel_reason, :cancelled_by, :fare, :tariff, :timestamps, :distance_km, :eta_minutes, :scheduled_at,
    :payment_ref, :version, :created_at)
`

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	row, err := toRideRow(r)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, insertRideQuery, row)
	return translate("create ride", err)
}

const getRideQuery = `SELECT * FROM rides WHERE id = $1`

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	var row rideRow
	if err := p.db.GetContext(ctx, &row, getRideQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("ride " + id)
		}
		return nil, translate("get ride", err)
	}
	return row.toModel()
}

const updateRideQuery = `
UPDATE rides SET driver_id = :driver_id, state = :state, cancel_reason = :cancel_reason,
    cancelled_by = :cancelled_by, fare = :fare, timestamps = :timestamps, distance_km = :distance_km,
    eta_minutes = :eta_minutes, payment_ref = :payment_ref, version = :version
WHERE id = :id AND version = :prev_version AND archived_at IS NULL
`

func (p *PostgresStore) Update(ctx context.Context, r *models.Ride, prevVersion int) error {
	row, err := toRideRow(r)
	if err != nil {
		return err
	}
	args := struct {
		rideRow
		PrevVersion int `db:"prev_version"`
	}{row, prevVersion}
	res, err := p.db.NamedExecContext(ctx, updateRideQuery, args)
	if err != nil {
		return translate("update ride", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate("update ride", err)
	}
	if n == 0 {
		if _, err := p.Get(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("ride %s changed since version %d: %w", r.ID, prevVersion, apperr.ErrConflict)
	}
	return nil
}

const activeByRiderQuery = `
SELECT * FROM rides
WHERE rider_id = $1 AND archived_at IS NULL AND state NOT IN ('COMPLETED', 'CANCELLED')
ORDER BY created_at DESC LIMIT 1
`

func (p *PostgresStore) ActiveByRider(ctx context.Context, riderID string) (*models.Ride, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, activeByRiderQuery, riderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("active ride", err)
	}
	return row.toModel()
}

const listByStateQuery = `SELECT * FROM rides WHERE state = $1 AND archived_at IS NULL ORDER BY created_at ASC`

func (p *PostgresStore) ListByState(ctx context.Context, state models.RideState) ([]*models.Ride, error) {
	var rows []rideRow
	if err := p.db.SelectContext(ctx, &rows, listByStateQuery, string(state)); err != nil {
		return nil, translate("list rides", err)
	}
	out := make([]*models.Ride, 0, len(rows))
	for _, row := range rows {
		r, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

const archiveRideQuery = `
UPDATE rides SET archived_at = now()
WHERE id = $1 AND archived_at IS NULL AND state IN ('COMPLETED', 'CANCELLED')
`

func (p *PostgresStore) Archive(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, archiveRideQuery, id)
	if err != nil {
		return translate("archive ride", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		if !r.State.Terminal() {
			return fmt.Errorf("ride %s is %s: %w", id, r.State, apperr.ErrInvalidTransition)
		}
	}
	return nil
}

type driverRow struct {
	ID           string       `db:"id"`
	Approval     string       `db:"approval_status"`
	Online       bool         `db:"online"`
	Blocked      bool         `db:"blocked"`
	ActiveRideID string       `db:"active_ride_id"`
	Lat          float64      `db:"lat"`
	Lon          float64      `db:"lon"`
	UpdatedAt    sql.NullTime `db:"updated_at"`
	CreatedAt    time.Time    `db:"created_at"`
}

func toDriverRow(d *models.Driver) driverRow {
	row := driverRow{
		ID:           d.ID,
		Approval:     string(d.Approval),
		Online:       d.Online,
		Blocked:      d.Blocked,
		ActiveRideID: d.ActiveRideID,
		Lat:          d.Loc.Lat,
		Lon:          d.Loc.Lon,
		CreatedAt:    d.CreatedAt,
	}
	if !d.Updated.IsZero() {
		row.UpdatedAt = sql.NullTime{Time: d.Updated, Valid: true}
	}
	return row
}

func (row driverRow) toModel() *models.Driver {
	d := &models.Driver{
		ID:           row.ID,
		Loc:          models.Coord{Lat: row.Lat, Lon: row.Lon},
		Approval:     models.ApprovalStatus(row.Approval),
		Online:       row.Online,
		Blocked:      row.Blocked,
		ActiveRideID: row.ActiveRideID,
		CreatedAt:    row.CreatedAt,
	}
	if row.UpdatedAt.Valid {
		d.Updated = row.UpdatedAt.Time
	}
	return d
}

const insertDriverQuery = `
INSERT INTO drivers (id, approval_status, online, blocked, active_ride_id, lat, lon, updated_at, created_at)
VALUES (:id, :approval_status, :online, :blocked, :active_ride_id, :lat, :lon, :updated_at, :created_at)
`

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.NamedExecContext(ctx, insertDriverQuery, toDriverRow(d))
	return translate("create driver", err)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var row driverRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM drivers WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("driver " + id)
		}
		return nil, translate("get driver", err)
	}
	return row.toModel(), nil
}

const updateDriverQuery = `
UPDATE drivers SET approval_status = :approval_status, online = :online, blocked = :blocked,
    lat = :lat, lon = :lon, updated_at = :updated_at
WHERE id = :id
`

func (p *PostgresStore) UpdateDriver(ctx context.Context, d *models.Driver) error {
	res, err := p.db.NamedExecContext(ctx, updateDriverQuery, toDriverRow(d))
	if err != nil {
		return translate("update driver", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("driver " + d.ID)
	}
	return nil
}

const assignRideQuery = `
UPDATE drivers SET active_ride_id = $2
WHERE id = $1 AND (active_ride_id = '' OR active_ride_id = $2)
`

func (p *PostgresStore) AssignRide(ctx context.Context, driverID, rideID string) error {
	res, err := p.db.ExecContext(ctx, assignRideQuery, driverID, rideID)
	if err != nil {
		return translate("assign driver", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetDriver(ctx, driverID); err != nil {
			return err
		}
		return fmt.Errorf("driver %s already assigned: %w", driverID, apperr.ErrConflict)
	}
	return nil
}

func (p *PostgresStore) ReleaseRide(ctx context.Context, driverID, rideID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET active_ride_id = '' WHERE id = $1 AND active_ride_id = $2`, driverID, rideID)
	if err != nil {
		return false, translate("release driver", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, translate("release driver", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) CreateRider(ctx context.Context, r *models.Rider) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.NamedExecContext(ctx,
		`INSERT INTO riders (id, blocked, created_at) VALUES (:id, :blocked, :created_at)`, r)
	return translate("create rider", err)
}

func (p *PostgresStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	var r models.Rider
	if err := p.db.GetContext(ctx, &r, `SELECT id, blocked, created_at FROM riders WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("rider " + id)
		}
		return nil, translate("get rider", err)
	}
	return &r, nil
}

func (p *PostgresStore) UpdateRider(ctx context.Context, r *models.Rider) error {
	res, err := p.db.ExecContext(ctx, `UPDATE riders SET blocked = $2 WHERE id = $1`, r.ID, r.Blocked)
	if err != nil {
		return translate("update rider", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("rider " + r.ID)
	}
	return nil
}

const tariffKey = "tariff"

func (p *PostgresStore) LoadTariff(ctx context.Context) (models.Tariff, bool, error) {
	var raw []byte
	err := p.db.GetContext(ctx, &raw, `SELECT value FROM settings WHERE key = $1`, tariffKey)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Tariff{}, false, nil
	}
	if err != nil {
		return models.Tariff{}, false, translate("load tariff", err)
	}
	var t models.Tariff
	if err := json.Unmarshal(raw, &t); err != nil {
		return models.Tariff{}, false, fmt.Errorf("decode tariff: %w", err)
	}
	return t, true, nil
}

const saveTariffQuery = `
INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
`

func (p *PostgresStore) SaveTariff(ctx context.Context, t models.Tariff) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, saveTariffQuery, tariffKey, raw)
	return translate("save tariff", err)
}

// translate maps driver errors onto the apperr taxonomy. Unique violations
// are races with another writer; everything else is the database being
// unavailable or misbehaving.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%s: %s: %w", op, pqErr.Constraint, apperr.ErrConflict)
		case "23503":
			return apperr.Validation(apperr.CodeUnknownRider, op+": "+pqErr.Message)
		}
	}
	return apperr.Dependency(op, err)
}
