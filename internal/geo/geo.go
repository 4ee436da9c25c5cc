package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// Candidate is a driver that passed the eligibility filter, with its
// distance from the query origin.
type Candidate struct {
	DriverID   string
	Loc        models.Coord
	DistanceKm float64
	Updated    time.Time
}

// Geo tracks driver positions and dispatch eligibility. Unknown driver ids
// are inserted by any setter rather than rejected.
type Geo interface {
	UpsertPosition(ctx context.Context, driverID string, loc models.Coord) error
	SetAvailability(ctx context.Context, driverID string, online bool) error
	SetProfile(ctx context.Context, driverID string, approval models.ApprovalStatus, blocked bool) error
	SetAssigned(ctx context.Context, driverID string, assigned bool) error
	QueryNearest(ctx context.Context, origin models.Coord, maxRadiusKm float64, limit int) ([]Candidate, error)
	// Position returns the last reported location; ok is false when the
	// driver never reported one.
	Position(ctx context.Context, driverID string) (loc models.Coord, updated time.Time, ok bool, err error)
	Remove(ctx context.Context, driverID string) error
}

type entry struct {
	loc      models.Coord
	updated  time.Time
	online   bool
	approval models.ApprovalStatus
	blocked  bool
	assigned bool
}

// eligible is the single dispatch predicate shared by every Geo
// implementation. A zero freshness window disables the staleness check.
func (e entry) eligible(now time.Time, freshness time.Duration) bool {
	if !e.online || e.blocked || e.assigned || e.approval != models.ApprovalApproved {
		return false
	}
	if e.updated.IsZero() {
		return false
	}
	if freshness > 0 && now.Sub(e.updated) > freshness {
		return false
	}
	return true
}

type Option func(*options)

type options struct {
	freshness time.Duration
	now       func() time.Time
}

// WithFreshness sets the maximum age of a position that may be dispatched.
func WithFreshness(d time.Duration) Option { return func(o *options) { o.freshness = d } }

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func buildOptions(opts []Option) options {
	o := options{freshness: 30 * time.Second, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Index is the in-process Geo used for single-node deployments and tests.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]*entry
	opts    options
}

func NewIndex(opts ...Option) *Index {
	return &Index{drivers: make(map[string]*entry), opts: buildOptions(opts)}
}

// get returns the entry for id, inserting an empty one. Callers hold mu.
func (g *Index) get(id string) *entry {
	e, ok := g.drivers[id]
	if !ok {
		e = &entry{approval: models.ApprovalPending}
		g.drivers[id] = e
	}
	return e
}

func (g *Index) UpsertPosition(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.get(driverID)
	e.loc = loc
	e.updated = g.opts.now()
	return nil
}

func (g *Index) SetAvailability(_ context.Context, driverID string, online bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.get(driverID).online = online
	return nil
}

func (g *Index) SetProfile(_ context.Context, driverID string, approval models.ApprovalStatus, blocked bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.get(driverID)
	e.approval = approval
	e.blocked = blocked
	return nil
}

func (g *Index) SetAssigned(_ context.Context, driverID string, assigned bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.get(driverID).assigned = assigned
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

func (g *Index) Position(_ context.Context, driverID string) (models.Coord, time.Time, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.drivers[driverID]
	if !ok || e.updated.IsZero() {
		return models.Coord{}, time.Time{}, false, nil
	}
	return e.loc, e.updated, true, nil
}

// naive scan; fine for a single city's fleet, RedisGeo covers larger ones
func (g *Index) QueryNearest(_ context.Context, origin models.Coord, maxRadiusKm float64, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return []Candidate{}, nil
	}
	now := g.opts.now()
	g.mu.RLock()
	out := make([]Candidate, 0, len(g.drivers))
	for id, e := range g.drivers {
		if !e.eligible(now, g.opts.freshness) {
			continue
		}
		dist := Distance(origin, e.loc)
		if dist > maxRadiusKm {
			continue
		}
		out = append(out, Candidate{DriverID: id, Loc: e.loc, DistanceKm: dist, Updated: e.updated})
	}
	g.mu.RUnlock()

	SortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortCandidates orders nearest first. Exact distance ties go to the driver
// whose position was reported first, then to the lower driver id.
func SortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].DistanceKm != c[j].DistanceKm {
			return c[i].DistanceKm < c[j].DistanceKm
		}
		if !c[i].Updated.Equal(c[j].Updated) {
			return c[i].Updated.Before(c[j].Updated)
		}
		return c[i].DriverID < c[j].DriverID
	})
}

// Distance is the great-circle distance between a and b in kilometres.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in kilometres
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
