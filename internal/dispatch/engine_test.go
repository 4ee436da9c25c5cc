package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	victoriaIsland = models.Coord{Lat: 6.4478, Lon: 3.4737}
	ikeja          = models.Coord{Lat: 6.5913, Lon: 3.3506}
	nearbyDriver   = models.Coord{Lat: 6.4500, Lon: 3.4700}
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types(rideID string) []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.EventType
	for _, ev := range r.events {
		if ev.RideID == rideID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fakePayments struct {
	mu                     sync.Mutex
	holds, captures, voids int
}

func (f *fakePayments) Hold(_ context.Context, rideID string, _ int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds++
	return "pi_" + rideID, nil
}

func (f *fakePayments) Capture(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return nil
}

func (f *fakePayments) Void(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voids++
	return nil
}

// countingGeo counts releases back into the pool.
type countingGeo struct {
	*geo.Index
	mu       sync.Mutex
	releases map[string]int
}

func (c *countingGeo) SetAssigned(ctx context.Context, id string, assigned bool) error {
	if !assigned {
		c.mu.Lock()
		c.releases[id]++
		c.mu.Unlock()
	}
	return c.Index.SetAssigned(ctx, id, assigned)
}

func (c *countingGeo) released(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases[id]
}

type harness struct {
	engine *Engine
	store  *storage.MemoryStore
	geo    *countingGeo
	events *recorder
	pay    *fakePayments
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, cfg Config, tweak func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemoryStore(),
		geo:    &countingGeo{Index: geo.NewIndex(), releases: make(map[string]int)},
		events: &recorder{},
		pay:    &fakePayments{},
	}
	deps := Deps{
		Rides:    h.store,
		Drivers:  h.store,
		Geo:      h.geo,
		Locks:    lock.NewKeyed(time.Second),
		Notifier: h.events,
		Payments: h.pay,
		Logger:   discardLogger(),
	}
	if tweak != nil {
		tweak(&deps)
	}
	h.engine = NewEngine(cfg, deps)
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) addDriver(t *testing.T, id string, loc models.Coord) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.engine.RegisterDriver(ctx, &models.Driver{ID: id}, true); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.SetAvailability(ctx, id, true); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.UpdatePosition(ctx, id, loc); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) request(t *testing.T, riderID string) *models.Ride {
	t.Helper()
	r, err := h.engine.RequestRide(context.Background(), models.RideRequest{
		RiderID:     riderID,
		Pickup:      victoriaIsland,
		Destination: ikeja,
		Tariff:      models.DefaultTariff(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func waitForState(t *testing.T, h *harness, rideID string, want models.RideState) *models.Ride {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r, err := h.engine.Get(context.Background(), rideID)
		if err == nil && r.State == want {
			return r
		}
		if time.Now().After(deadline) {
			t.Fatalf("ride %s never reached %s (last %+v, err %v)", rideID, want, r, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHappyPathAssignsNearestDriver(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.addDriver(t, "driver-1", nearbyDriver)

	r := h.request(t, "rider-1")
	if r.State != models.StateAssigned || r.DriverID != "driver-1" {
		t.Fatalf("expected assignment, got %s driver=%q", r.State, r.DriverID)
	}
	if r.Fare.Amount != 6750 {
		t.Fatalf("expected frozen fare 6750, got %d", r.Fare.Amount)
	}
	if r.EtaMinutes != 2 {
		t.Fatalf("expected 2 minute eta floor, got %d", r.EtaMinutes)
	}
	if r.PaymentRef == "" {
		t.Fatalf("expected payment hold")
	}
	for _, s := range []models.RideState{models.StateRequested, models.StateSearching, models.StateAssigned} {
		if _, ok := r.Timestamps[s]; !ok {
			t.Fatalf("missing timestamp for %s", s)
		}
	}

	d, _ := h.store.GetDriver(context.Background(), "driver-1")
	if d.ActiveRideID != r.ID {
		t.Fatalf("driver not marked assigned: %+v", d)
	}
	cands, _ := h.geo.QueryNearest(context.Background(), victoriaIsland, 50, 5)
	if len(cands) != 0 {
		t.Fatalf("assigned driver still eligible: %+v", cands)
	}

	got := h.events.types(r.ID)
	want := []notify.EventType{notify.EventRequested, notify.EventSearching, notify.EventAssigned}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
}

func TestNoDriversCancelsImmediately(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	r := h.request(t, "rider-1")
	if r.State != models.StateCancelled || r.CancelReason != models.ReasonNoDrivers {
		t.Fatalf("expected NO_DRIVERS_AVAILABLE cancel, got %s/%s", r.State, r.CancelReason)
	}
	if h.store.HistoryLen() != 1 {
		t.Fatalf("cancelled ride not archived")
	}
}

func TestNoDriversWithRetryTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchTimeout = 60 * time.Millisecond
	cfg.SearchRetryInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, nil)

	r := h.request(t, "rider-1")
	if r.State != models.StateSearching {
		t.Fatalf("expected ride to keep searching, got %s", r.State)
	}
	r = waitForState(t, h, r.ID, models.StateCancelled)
	if r.CancelReason != models.ReasonNoDrivers {
		t.Fatalf("reason=%s", r.CancelReason)
	}
}

func TestRetryPicksUpLateDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchTimeout = 2 * time.Second
	cfg.SearchRetryInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, nil)

	r := h.request(t, "rider-1")
	h.addDriver(t, "driver-1", nearbyDriver)
	r = waitForState(t, h, r.ID, models.StateAssigned)
	if r.DriverID != "driver-1" {
		t.Fatalf("driver=%s", r.DriverID)
	}
}

type failingGeo struct{ *geo.Index }

func (failingGeo) QueryNearest(context.Context, models.Coord, float64, int) ([]geo.Candidate, error) {
	return nil, apperr.Dependency("geo query", errors.New("connection refused"))
}

func TestDegradedIndexEndsInTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchTimeout = 40 * time.Millisecond
	h := newHarness(t, cfg, func(d *Deps) { d.Geo = failingGeo{geo.NewIndex()} })

	r := h.request(t, "rider-1")
	if r.State != models.StateSearching {
		t.Fatalf("degraded search should not be reported as no drivers, got %s", r.State)
	}
	r = waitForState(t, h, r.ID, models.StateCancelled)
	if r.CancelReason != models.ReasonTimeout {
		t.Fatalf("reason=%s", r.CancelReason)
	}
}

func TestOutOfOrderStartRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchTimeout = time.Minute
	cfg.SearchRetryInterval = time.Second
	h := newHarness(t, cfg, nil)

	r := h.request(t, "rider-1")
	_, err := h.engine.StartTrip(context.Background(), r.ID)
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, _ := h.engine.Get(context.Background(), r.ID)
	if got.State != models.StateSearching || got.Version != r.Version {
		t.Fatalf("ride changed: %+v", got)
	}
}

func TestCancelBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig(), nil)
	h.addDriver(t, "driver-1", nearbyDriver)

	r := h.request(t, "rider-1")
	check(t)(h.engine.ReportArrival(ctx, r.ID))
	check(t)(h.engine.StartTrip(ctx, r.ID))
	if _, err := h.engine.Cancel(ctx, r.ID, models.InitiatorRider); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("cancel during trip should fail, got %v", err)
	}
	check(t)(h.engine.CompleteTrip(ctx, r.ID))

	r2 := h.request(t, "rider-2")
	if r2.DriverID != "driver-1" {
		t.Fatalf("driver not reusable after completion: %+v", r2)
	}
	check(t)(h.engine.ReportArrival(ctx, r2.ID))
	got, err := h.engine.Cancel(ctx, r2.ID, models.InitiatorDriver)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.StateCancelled || got.CancelReason != models.ReasonDriverCancel || got.CancelledBy != models.InitiatorDriver {
		t.Fatalf("unexpected ride %+v", got)
	}
	d, _ := h.store.GetDriver(ctx, "driver-1")
	if d.Assigned() {
		t.Fatalf("driver still assigned after cancel")
	}
	cands, _ := h.geo.QueryNearest(ctx, victoriaIsland, 50, 5)
	if len(cands) != 1 {
		t.Fatalf("driver not back in the pool: %+v", cands)
	}
	if h.pay.voids != 1 || h.pay.captures != 1 {
		t.Fatalf("payments captures=%d voids=%d", h.pay.captures, h.pay.voids)
	}
}

func TestCompleteTwiceReleasesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig(), nil)
	h.addDriver(t, "driver-1", nearbyDriver)

	r := h.request(t, "rider-1")
	check(t)(h.engine.ReportArrival(ctx, r.ID))
	check(t)(h.engine.StartTrip(ctx, r.ID))
	first, err := h.engine.CompleteTrip(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.CompleteTrip(ctx, r.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("replayed completion should be rejected by the engine, got %v", err)
	}
	again, _ := h.engine.Get(ctx, r.ID)
	if again.State != models.StateCompleted || again.Version != first.Version {
		t.Fatalf("replay changed ride: %+v", again)
	}
	if n := h.geo.released("driver-1"); n != 1 {
		t.Fatalf("driver released %d times", n)
	}
	if h.pay.captures != 1 {
		t.Fatalf("captured %d times", h.pay.captures)
	}
}

func TestConcurrentRequestsAssignDriverOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.addDriver(t, "driver-1", nearbyDriver)

	const riders = 12
	var wg sync.WaitGroup
	results := make([]*models.Ride, riders)
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.engine.RequestRide(context.Background(), models.RideRequest{
				RiderID:     fmt.Sprintf("rider-%d", i),
				Pickup:      victoriaIsland,
				Destination: ikeja,
				Tariff:      models.DefaultTariff(),
			})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	assigned := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		switch r.State {
		case models.StateAssigned:
			assigned++
		case models.StateCancelled:
			if r.CancelReason != models.ReasonNoDrivers {
				t.Fatalf("unexpected reason %s", r.CancelReason)
			}
		default:
			t.Fatalf("unexpected state %s", r.State)
		}
	}
	if assigned != 1 {
		t.Fatalf("driver assigned to %d rides", assigned)
	}
}

func TestFallsBackToNextCandidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig(), nil)
	h.addDriver(t, "near", nearbyDriver)
	h.addDriver(t, "far", models.Coord{Lat: 6.46, Lon: 3.46})

	// near is busy in the repository but the index has not caught up
	if err := h.store.AssignRide(ctx, "near", "elsewhere"); err != nil {
		t.Fatal(err)
	}
	r := h.request(t, "rider-1")
	if r.DriverID != "far" {
		t.Fatalf("expected fallback to far, got %q (%s)", r.DriverID, r.State)
	}
}

type failOnAssign struct {
	*storage.MemoryStore
}

func (f failOnAssign) Update(ctx context.Context, r *models.Ride, prev int) error {
	if r.State == models.StateAssigned {
		return apperr.Dependency("update ride", errors.New("disk full"))
	}
	return f.MemoryStore.Update(ctx, r, prev)
}

func TestAssignmentRolledBackWhenPersistFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchTimeout = 40 * time.Millisecond
	var store *storage.MemoryStore
	h := newHarness(t, cfg, func(d *Deps) {
		store = d.Drivers.(*storage.MemoryStore)
		d.Rides = failOnAssign{store}
	})
	h.addDriver(t, "driver-1", nearbyDriver)

	r := h.request(t, "rider-1")
	r = waitForState(t, h, r.ID, models.StateCancelled)
	if r.CancelReason != models.ReasonTimeout || r.DriverID != "" {
		t.Fatalf("unexpected ride %+v", r)
	}
	d, _ := store.GetDriver(context.Background(), "driver-1")
	if d.Assigned() {
		t.Fatalf("driver left assigned after failed persist")
	}
	if h.pay.voids != h.pay.holds {
		t.Fatalf("holds=%d voids=%d", h.pay.holds, h.pay.voids)
	}
}

func TestSweepTimeoutsCancelsOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig(), nil)
	old := time.Now().Add(-time.Minute)
	r := &models.Ride{
		RiderID:    "rider-1",
		State:      models.StateSearching,
		Pickup:     victoriaIsland,
		Timestamps: map[models.RideState]time.Time{models.StateSearching: old},
		CreatedAt:  old,
	}
	if err := h.store.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	n, err := h.engine.SweepTimeouts(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep n=%d err=%v", n, err)
	}
	got, _ := h.engine.Get(ctx, r.ID)
	if got.State != models.StateCancelled || got.CancelReason != models.ReasonTimeout {
		t.Fatalf("unexpected ride %+v", got)
	}
}

func TestScheduledRideStartsWhenDue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, DefaultConfig(), func(d *Deps) { d.Clock = clock })
	h.addDriver(t, "driver-1", nearbyDriver)

	pickupAt := now.Add(time.Hour)
	r, err := h.engine.RequestRide(ctx, models.RideRequest{
		RiderID:     "rider-1",
		Pickup:      victoriaIsland,
		Destination: ikeja,
		ScheduledAt: &pickupAt,
		Tariff:      models.DefaultTariff(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.State != models.StateRequested {
		t.Fatalf("scheduled ride should wait, got %s", r.State)
	}
	if n, _ := h.engine.SweepScheduled(ctx); n != 0 {
		t.Fatalf("ride started too early")
	}

	mu.Lock()
	now = pickupAt.Add(-5 * time.Minute)
	mu.Unlock()
	if n, err := h.engine.SweepScheduled(ctx); err != nil || n != 1 {
		t.Fatalf("sweep n=%d err=%v", n, err)
	}
	got, _ := h.engine.Get(ctx, r.ID)
	if got.State != models.StateAssigned {
		t.Fatalf("expected assignment, got %s", got.State)
	}
}

func TestObservedStatesFormValidPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig(), nil)
	h.addDriver(t, "driver-1", nearbyDriver)
	r := h.request(t, "rider-1")
	check(t)(h.engine.ReportArrival(ctx, r.ID))
	check(t)(h.engine.StartTrip(ctx, r.ID))
	check(t)(h.engine.CompleteTrip(ctx, r.ID))

	h.events.mu.Lock()
	var states []models.RideState
	for _, ev := range h.events.events {
		if ev.RideID == r.ID {
			states = append(states, ev.State)
		}
	}
	h.events.mu.Unlock()
	if !lifecycle.Valid(states) || states[len(states)-1] != models.StateCompleted {
		t.Fatalf("invalid observed path %v", states)
	}
}

func TestUnapprovedDriverNeverMatched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig(), nil)
	if _, err := h.engine.RegisterDriver(ctx, &models.Driver{ID: "pending"}, false); err != nil {
		t.Fatal(err)
	}
	_, _ = h.engine.SetAvailability(ctx, "pending", true)
	_ = h.engine.UpdatePosition(ctx, "pending", nearbyDriver)

	r := h.request(t, "rider-1")
	if r.State != models.StateCancelled {
		t.Fatalf("pending driver was dispatched: %+v", r)
	}

	_, err := h.engine.UpdateDriver(ctx, "pending", func(d *models.Driver) error {
		d.Approval = models.ApprovalApproved
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	r = h.request(t, "rider-2")
	if r.DriverID != "pending" {
		t.Fatalf("approved driver not matched: %+v", r)
	}
}

func check(t *testing.T) func(*models.Ride, error) {
	return func(_ *models.Ride, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
}

// lockCheckingNotifier records deliveries made while the ride or driver
// lock of the event was still held.
type lockCheckingNotifier struct {
	locks lock.Locker

	mu        sync.Mutex
	delivered int
	held      []string
}

func (n *lockCheckingNotifier) Notify(ctx context.Context, ev notify.Event) error {
	keys := []string{lock.RideKey(ev.RideID)}
	if ev.DriverID != "" {
		keys = append(keys, lock.DriverKey(ev.DriverID))
	}
	for _, key := range keys {
		lctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		unlock, err := n.locks.Lock(lctx, key)
		cancel()
		n.mu.Lock()
		if err != nil {
			n.held = append(n.held, string(ev.Type)+" "+key)
		}
		n.mu.Unlock()
		if err == nil {
			unlock()
		}
	}
	n.mu.Lock()
	n.delivered++
	n.mu.Unlock()
	return nil
}

func TestEventsDeliveredAfterLocksReleased(t *testing.T) {
	ctx := context.Background()
	locks := lock.NewKeyed(time.Second)
	sink := &lockCheckingNotifier{locks: locks}
	h := newHarness(t, DefaultConfig(), func(d *Deps) {
		d.Locks = locks
		d.Notifier = sink
	})
	h.addDriver(t, "driver-1", nearbyDriver)

	r := h.request(t, "rider-1")
	if r.State != models.StateAssigned {
		t.Fatalf("expected assignment, got %s", r.State)
	}
	check(t)(h.engine.ReportArrival(ctx, r.ID))
	check(t)(h.engine.StartTrip(ctx, r.ID))
	check(t)(h.engine.CompleteTrip(ctx, r.ID))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.delivered != 6 {
		t.Fatalf("delivered %d events, want 6", sink.delivered)
	}
	if len(sink.held) != 0 {
		t.Fatalf("events delivered under lock: %v", sink.held)
	}
}

type failOnSearch struct {
	*storage.MemoryStore
}

func (f failOnSearch) Update(ctx context.Context, r *models.Ride, prev int) error {
	if r.State == models.StateSearching {
		return apperr.Dependency("update ride", errors.New("connection reset"))
	}
	return f.MemoryStore.Update(ctx, r, prev)
}

func TestSweepScheduledCountsOnlyStartedSearches(t *testing.T) {
	ctx := context.Background()
	var store *storage.MemoryStore
	h := newHarness(t, DefaultConfig(), func(d *Deps) {
		store = d.Drivers.(*storage.MemoryStore)
		d.Rides = failOnSearch{store}
	})
	h.addDriver(t, "driver-1", nearbyDriver)

	old := time.Now().Add(-time.Minute)
	r := &models.Ride{
		RiderID:     "rider-1",
		State:       models.StateRequested,
		Pickup:      victoriaIsland,
		Destination: ikeja,
		Tariff:      models.DefaultTariff(),
		Timestamps:  map[models.RideState]time.Time{models.StateRequested: old},
		CreatedAt:   old,
	}
	if err := store.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	n, err := h.engine.SweepScheduled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("sweep reported %d started searches, none entered SEARCHING", n)
	}
	got, _ := h.engine.Get(ctx, r.ID)
	if got.State != models.StateRequested {
		t.Fatalf("ride should stay REQUESTED for the next sweep, got %s", got.State)
	}

	// the request path still hands back the stored ride
	fresh := h.request(t, "rider-2")
	if fresh.State != models.StateRequested || fresh.ID == "" {
		t.Fatalf("unexpected ride %+v", fresh)
	}
}
