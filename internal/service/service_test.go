package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/places"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tariff"
)

var (
	lekki      = models.Coord{Lat: 6.4478, Lon: 3.4737}
	ikeja      = models.Coord{Lat: 6.5913, Lon: 3.3506}
	nearLekki  = models.Coord{Lat: 6.4500, Lon: 3.4700}
	abuja      = models.Coord{Lat: 9.0700, Lon: 7.4900}
	outOfRange = models.Coord{Lat: 91, Lon: 3.4}
)

// flakyGeo fails UpsertPosition with err for the first n calls.
type flakyGeo struct {
	*geo.Index
	mu    sync.Mutex
	n     int
	err   error
	calls int
}

func (f *flakyGeo) UpsertPosition(ctx context.Context, id string, loc models.Coord) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.n
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.Index.UpsertPosition(ctx, id, loc)
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	geo   *flakyGeo
}

func newFixture(t *testing.T, cfg dispatch.Config, opts Options) *fixture {
	return newFixtureWith(t, cfg, opts, nil)
}

// newFixtureWith lets a test swap engine or service dependencies before
// either is built.
func newFixtureWith(t *testing.T, cfg dispatch.Config, opts Options, tweak func(*dispatch.Deps, *Deps)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	g := &flakyGeo{Index: geo.NewIndex()}
	locks := lock.NewKeyed(time.Second)
	engineDeps := dispatch.Deps{
		Rides:   store,
		Drivers: store,
		Geo:     g,
		Locks:   locks,
		Logger:  logger,
	}
	deps := Deps{
		Rides:   store,
		Riders:  store,
		Tariffs: tariff.NewStore(store, models.DefaultTariff()),
		Locks:   locks,
		Area:    places.NewLagos(),
		Logger:  logger,
	}
	if tweak != nil {
		tweak(&engineDeps, &deps)
	}
	engine := dispatch.NewEngine(cfg, engineDeps)
	t.Cleanup(engine.Close)
	deps.Engine = engine
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	return &fixture{svc: New(deps, opts), store: store, geo: g}
}

func (f *fixture) rider(t *testing.T, id string) {
	t.Helper()
	if _, err := f.svc.RegisterRider(context.Background(), id); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) driver(t *testing.T, id string, loc models.Coord) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.RegisterDriver(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ApproveDriver(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SetAvailability(ctx, id, true); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.UpdatePosition(ctx, id, &loc); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) request(t *testing.T, riderID string) *models.Ride {
	t.Helper()
	p, d := lekki, ikeja
	r, err := f.svc.RequestRide(context.Background(), RideInput{RiderID: riderID, Pickup: &p, Destination: &d})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func ptr(c models.Coord) *models.Coord { return &c }

func wantCode(t *testing.T, err error, kind error, code string) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
	if got := apperr.Code(err); got != code {
		t.Fatalf("expected code %s, got %s (%v)", code, got, err)
	}
}

func TestRequestRideValidation(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	f.rider(t, "rider-1")
	f.rider(t, "blocked")
	if _, err := f.svc.BlockRider(context.Background(), "blocked"); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)

	cases := []struct {
		name string
		in   RideInput
		code string
	}{
		{"missing rider", RideInput{Pickup: ptr(lekki), Destination: ptr(ikeja)}, apperr.CodeMissingID},
		{"missing pickup", RideInput{RiderID: "rider-1", Destination: ptr(ikeja)}, apperr.CodeInvalidCoordinates},
		{"bad latitude", RideInput{RiderID: "rider-1", Pickup: ptr(outOfRange), Destination: ptr(ikeja)}, apperr.CodeInvalidCoordinates},
		{"outside area", RideInput{RiderID: "rider-1", Pickup: ptr(lekki), Destination: ptr(abuja)}, apperr.CodeOutsideServiceArea},
		{"unknown rider", RideInput{RiderID: "ghost", Pickup: ptr(lekki), Destination: ptr(ikeja)}, apperr.CodeUnknownRider},
		{"blocked rider", RideInput{RiderID: "blocked", Pickup: ptr(lekki), Destination: ptr(ikeja)}, apperr.CodeRiderBlocked},
		{"past schedule", RideInput{RiderID: "rider-1", Pickup: ptr(lekki), Destination: ptr(ikeja), ScheduledAt: &past}, apperr.CodeInvalidSchedule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.RequestRide(context.Background(), tc.in)
			wantCode(t, err, apperr.ErrValidation, tc.code)
		})
	}
}

func TestNoDriversIsAStateNotAnError(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	f.rider(t, "rider-1")

	r := f.request(t, "rider-1")
	if r.State != models.StateCancelled || r.CancelReason != models.ReasonNoDrivers {
		t.Fatalf("expected CANCELLED/NO_DRIVERS_AVAILABLE, got %s/%s", r.State, r.CancelReason)
	}
	// the rider is free to try again
	f.request(t, "rider-1")
}

func TestOneActiveRidePerRider(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	f.rider(t, "rider-1")
	f.driver(t, "driver-1", nearLekki)
	f.driver(t, "driver-2", nearLekki)

	r := f.request(t, "rider-1")
	if r.State != models.StateAssigned {
		t.Fatalf("expected ASSIGNED, got %s", r.State)
	}
	_, err := f.svc.RequestRide(context.Background(), RideInput{RiderID: "rider-1", Pickup: ptr(lekki), Destination: ptr(ikeja)})
	wantCode(t, err, apperr.ErrValidation, apperr.CodeRideAlreadyActive)

	if _, err := f.svc.Cancel(context.Background(), r.ID, models.InitiatorRider); err != nil {
		t.Fatal(err)
	}
	if next := f.request(t, "rider-1"); next.State != models.StateAssigned {
		t.Fatalf("expected a new assignment after cancel, got %s", next.State)
	}
}

func TestTransitionsReplayIdempotently(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	ctx := context.Background()
	f.rider(t, "rider-1")
	f.driver(t, "driver-1", nearLekki)
	r := f.request(t, "rider-1")

	for i := 0; i < 2; i++ {
		got, err := f.svc.ReportArrival(ctx, r.ID)
		if err != nil || got.State != models.StateArrived {
			t.Fatalf("arrival %d: state=%v err=%v", i, got, err)
		}
	}
	if _, err := f.svc.StartTrip(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	var first *models.Ride
	for i := 0; i < 2; i++ {
		got, err := f.svc.CompleteTrip(ctx, r.ID)
		if err != nil || got.State != models.StateCompleted {
			t.Fatalf("complete %d: state=%v err=%v", i, got, err)
		}
		if first == nil {
			first = got
		} else if got.Version != first.Version {
			t.Fatalf("replay changed the ride: version %d -> %d", first.Version, got.Version)
		}
	}
	d, err := f.svc.Driver(ctx, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Assigned() {
		t.Fatalf("driver still holds %s", d.ActiveRideID)
	}
}

func TestOutOfOrderStartLeavesRideSearching(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	cfg.SearchTimeout = 10 * time.Second
	cfg.SearchRetryInterval = 10 * time.Millisecond
	f := newFixture(t, cfg, Options{})
	f.rider(t, "rider-1")

	r := f.request(t, "rider-1")
	if r.State != models.StateSearching {
		t.Fatalf("expected SEARCHING, got %s", r.State)
	}
	_, err := f.svc.StartTrip(context.Background(), r.ID)
	wantCode(t, err, apperr.ErrInvalidTransition, apperr.CodeInvalidTransition)

	cur, err := f.svc.Ride(context.Background(), r.ID)
	if err != nil || cur.State != models.StateSearching {
		t.Fatalf("expected SEARCHING, got %v err=%v", cur, err)
	}
}

func TestCancelBoundary(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	ctx := context.Background()
	f.rider(t, "rider-1")
	f.driver(t, "driver-1", nearLekki)
	r := f.request(t, "rider-1")

	_, err := f.svc.Cancel(ctx, r.ID, models.Initiator("someone"))
	wantCode(t, err, apperr.ErrValidation, apperr.CodeInvalidInitiator)

	if _, err := f.svc.ReportArrival(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartTrip(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.Cancel(ctx, r.ID, models.InitiatorRider)
	wantCode(t, err, apperr.ErrInvalidTransition, apperr.CodeInvalidTransition)
}

func TestUnknownRideIsNotFound(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	_, err := f.svc.ReportArrival(context.Background(), "nope")
	wantCode(t, err, apperr.ErrNotFound, apperr.CodeNotFound)
	_, err = f.svc.Ride(context.Background(), "")
	wantCode(t, err, apperr.ErrValidation, apperr.CodeMissingID)
}

func TestDependencyFailuresAreRetried(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{DependencyRetries: 3})
	f.geo.n = 2
	f.geo.err = apperr.Dependency("geo", errors.New("connection refused"))

	start := time.Now()
	if err := f.svc.UpdatePosition(context.Background(), "driver-1", ptr(lekki)); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if f.geo.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.geo.calls)
	}
	// 1ms then 2ms
	if time.Since(start) < 3*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestDependencyFailureSurfacesWhenExhausted(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{DependencyRetries: 1})
	f.geo.n = 5
	f.geo.err = apperr.Dependency("geo", errors.New("connection refused"))

	err := f.svc.UpdatePosition(context.Background(), "driver-1", ptr(lekki))
	wantCode(t, err, apperr.ErrDependencyUnavailable, apperr.CodeDegraded)
	if f.geo.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", f.geo.calls)
	}
}

func TestConflictsAreRetriedWithoutBackoff(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	f.geo.n = 2
	f.geo.err = fmt.Errorf("busy: %w", apperr.ErrConflict)

	if err := f.svc.UpdatePosition(context.Background(), "driver-1", ptr(lekki)); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	f.geo.calls, f.geo.n = 0, 10
	err := f.svc.UpdatePosition(context.Background(), "driver-1", ptr(lekki))
	wantCode(t, err, apperr.ErrConflict, apperr.CodeConflict)
	if f.geo.calls != 1+DefaultOptions().ConflictRetries {
		t.Fatalf("expected %d calls, got %d", 1+DefaultOptions().ConflictRetries, f.geo.calls)
	}
}

func TestUpdatePositionValidates(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	err := f.svc.UpdatePosition(context.Background(), "driver-1", nil)
	wantCode(t, err, apperr.ErrValidation, apperr.CodeInvalidCoordinates)
	err = f.svc.UpdatePosition(context.Background(), "", ptr(lekki))
	wantCode(t, err, apperr.ErrValidation, apperr.CodeMissingID)
}

func TestDriverApprovalWorkflow(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	ctx := context.Background()

	d, err := f.svc.RegisterDriver(ctx, "manual")
	if err != nil || d.Approval != models.ApprovalPending {
		t.Fatalf("expected PENDING, got %+v err=%v", d, err)
	}
	_, err = f.svc.RegisterDriver(ctx, "manual")
	wantCode(t, err, apperr.ErrConflict, apperr.CodeConflict)

	yes := true
	if _, err := f.svc.UpdateTariff(ctx, tariff.Patch{AutoApprove: &yes}); err != nil {
		t.Fatal(err)
	}
	d, err = f.svc.RegisterDriver(ctx, "")
	if err != nil || d.Approval != models.ApprovalApproved || d.ID == "" {
		t.Fatalf("expected auto-approved driver with issued id, got %+v err=%v", d, err)
	}

	if d, _ = f.svc.RejectDriver(ctx, "manual"); d.Approval != models.ApprovalRejected {
		t.Fatalf("expected REJECTED, got %s", d.Approval)
	}
	if d, _ = f.svc.BlockDriver(ctx, "manual"); !d.Blocked {
		t.Fatalf("expected blocked")
	}
	if d, _ = f.svc.UnblockDriver(ctx, "manual"); d.Blocked {
		t.Fatalf("expected unblocked")
	}
	_, err = f.svc.ApproveDriver(ctx, "ghost")
	wantCode(t, err, apperr.ErrNotFound, apperr.CodeNotFound)
}

func TestBlockedDriverIsNotDispatched(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	f.rider(t, "rider-1")
	f.driver(t, "driver-1", nearLekki)
	if _, err := f.svc.BlockDriver(context.Background(), "driver-1"); err != nil {
		t.Fatal(err)
	}
	if r := f.request(t, "rider-1"); r.State != models.StateCancelled {
		t.Fatalf("expected no match, got %s driver=%s", r.State, r.DriverID)
	}
}

func TestTariffSnapshotAtIntake(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	ctx := context.Background()
	f.rider(t, "rider-1")
	f.rider(t, "rider-2")
	f.driver(t, "driver-1", nearLekki)
	f.driver(t, "driver-2", nearLekki)

	first := f.request(t, "rider-1")
	if first.Fare.Amount != 6750 {
		t.Fatalf("expected 6750, got %d", first.Fare.Amount)
	}

	base := int64(2000)
	if _, err := f.svc.UpdateTariff(ctx, tariff.Patch{BaseFare: &base}); err != nil {
		t.Fatal(err)
	}
	second := f.request(t, "rider-2")
	if second.Fare.Amount != 7250 {
		t.Fatalf("expected 7250 under the new tariff, got %d", second.Fare.Amount)
	}
	again, err := f.svc.Ride(ctx, first.ID)
	if err != nil || again.Fare.Amount != 6750 {
		t.Fatalf("existing ride repriced: %+v err=%v", again, err)
	}

	neg := int64(-1)
	_, err = f.svc.UpdateTariff(ctx, tariff.Patch{PricePerUnit: &neg})
	wantCode(t, err, apperr.ErrValidation, apperr.CodeInvalidTariff)
}

// contendedRides loses every ride write to a competing node once armed. On
// the final attempt the competitor's write lands first through onLast.
type contendedRides struct {
	*storage.MemoryStore
	mu     sync.Mutex
	armed  bool
	calls  int
	onLast func(staged *models.Ride, prev int)
}

func (c *contendedRides) arm() {
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()
}

func (c *contendedRides) Update(ctx context.Context, r *models.Ride, prev int) error {
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return c.MemoryStore.Update(ctx, r, prev)
	}
	c.calls++
	last := c.calls == 1+DefaultOptions().ConflictRetries
	c.mu.Unlock()
	if last && c.onLast != nil {
		c.onLast(r, prev)
	}
	return fmt.Errorf("ride %s: %w", r.ID, apperr.ErrConflict)
}

func contendedFixture(t *testing.T) (*fixture, *contendedRides) {
	t.Helper()
	rides := &contendedRides{}
	f := newFixtureWith(t, dispatch.DefaultConfig(), Options{}, func(e *dispatch.Deps, _ *Deps) {
		rides.MemoryStore = e.Drivers.(*storage.MemoryStore)
		e.Rides = rides
	})
	return f, rides
}

func TestLostRaceToSameTransitionReturnsRide(t *testing.T) {
	f, rides := contendedFixture(t)
	ctx := context.Background()
	f.rider(t, "rider-1")
	f.driver(t, "driver-1", nearLekki)
	r := f.request(t, "rider-1")

	rides.onLast = func(staged *models.Ride, prev int) {
		if err := f.store.Update(ctx, staged, prev); err != nil {
			t.Errorf("competing arrival: %v", err)
		}
	}
	rides.arm()

	got, err := f.svc.ReportArrival(ctx, r.ID)
	if err != nil {
		t.Fatalf("arrival already applied elsewhere should succeed, got %v", err)
	}
	if got.State != models.StateArrived {
		t.Fatalf("expected ARRIVED, got %s", got.State)
	}
}

func TestLostRaceToCancelIsInvalidTransition(t *testing.T) {
	f, rides := contendedFixture(t)
	ctx := context.Background()
	f.rider(t, "rider-1")
	f.driver(t, "driver-1", nearLekki)
	r := f.request(t, "rider-1")

	rides.onLast = func(staged *models.Ride, prev int) {
		cancelled := staged.Clone()
		cancelled.State = models.StateCancelled
		cancelled.CancelReason = models.ReasonRiderCancel
		if err := f.store.Update(ctx, cancelled, prev); err != nil {
			t.Errorf("competing cancel: %v", err)
		}
	}
	rides.arm()

	_, err := f.svc.ReportArrival(ctx, r.ID)
	wantCode(t, err, apperr.ErrInvalidTransition, apperr.CodeInvalidTransition)
}

func TestPersistentConflictStaysConflict(t *testing.T) {
	f, rides := contendedFixture(t)
	ctx := context.Background()
	f.rider(t, "rider-1")
	f.driver(t, "driver-1", nearLekki)
	r := f.request(t, "rider-1")
	rides.arm()

	_, err := f.svc.ReportArrival(ctx, r.ID)
	wantCode(t, err, apperr.ErrConflict, apperr.CodeConflict)
	if strings.Contains(err.Error(), r.ID) {
		t.Fatalf("conflict detail reached the caller: %v", err)
	}
}

// downLocker fails like a lock server that cannot be reached.
type downLocker struct{}

func (downLocker) Lock(_ context.Context, key string) (func(), error) {
	return nil, apperr.Dependency("redis lock "+key, errors.New("dial tcp 10.0.0.7:6379: connect: connection refused"))
}

func TestDependencyErrorsHideInternals(t *testing.T) {
	f := newFixtureWith(t, dispatch.DefaultConfig(), Options{DependencyRetries: 1}, func(e *dispatch.Deps, d *Deps) {
		e.Locks = downLocker{}
		d.Locks = downLocker{}
	})

	_, err := f.svc.StartTrip(context.Background(), "ride-123")
	wantCode(t, err, apperr.ErrDependencyUnavailable, apperr.CodeDegraded)
	for _, leak := range []string{"lock", "ride-123", "10.0.0.7"} {
		if strings.Contains(err.Error(), leak) {
			t.Fatalf("message %q exposes %q", err.Error(), leak)
		}
	}
	cause := errors.Unwrap(err)
	if cause == nil || !strings.Contains(cause.Error(), "lock:ride:ride-123") {
		t.Fatalf("cause not kept for logging: %v", cause)
	}
}

func TestDriverReportsLastPosition(t *testing.T) {
	f := newFixture(t, dispatch.DefaultConfig(), Options{})
	f.driver(t, "driver-1", nearLekki)

	d, err := f.svc.Driver(context.Background(), "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Loc != nearLekki {
		t.Fatalf("expected %+v, got %+v", nearLekki, d.Loc)
	}
	if d.Updated.IsZero() {
		t.Fatal("position timestamp missing")
	}
}
