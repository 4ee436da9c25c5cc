package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	fieldOnline   = "online"
	fieldApproval = "approval"
	fieldBlocked  = "blocked"
	fieldAssigned = "assigned"
	fieldUpdated  = "updated"
	fieldLat      = "lat"
	fieldLon      = "lon"

	// GEOSEARCH cannot filter on metadata, so fetch more than asked for and
	// filter locally.
	overfetchFactor = 4
	minFetch        = 32
)

// RedisGeo implements Geo using Redis GEO commands plus one metadata hash per
// driver. Several dispatch nodes can share it.
type RedisGeo struct {
	client *redis.Client
	key    string
	opts   options
}

func NewRedisGeo(client *redis.Client, key string, opts ...Option) *RedisGeo {
	return &RedisGeo{client: client, key: key, opts: buildOptions(opts)}
}

func (r *RedisGeo) UpsertPosition(ctx context.Context, driverID string, loc models.Coord) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID})
	pipe.HSet(ctx, metaKey(driverID), map[string]interface{}{
		fieldUpdated: strconv.FormatInt(r.opts.now().UnixNano(), 10),
		fieldLat:     strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		fieldLon:     strconv.FormatFloat(loc.Lon, 'f', -1, 64),
	})
	_, err := pipe.Exec(ctx)
	return apperr.Dependency("redis geo upsert", err)
}

func (r *RedisGeo) SetAvailability(ctx context.Context, driverID string, online bool) error {
	err := r.client.HSet(ctx, metaKey(driverID), fieldOnline, strconv.FormatBool(online)).Err()
	return apperr.Dependency("redis geo availability", err)
}

func (r *RedisGeo) SetProfile(ctx context.Context, driverID string, approval models.ApprovalStatus, blocked bool) error {
	err := r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		fieldApproval: string(approval),
		fieldBlocked:  strconv.FormatBool(blocked),
	}).Err()
	return apperr.Dependency("redis geo profile", err)
}

func (r *RedisGeo) SetAssigned(ctx context.Context, driverID string, assigned bool) error {
	err := r.client.HSet(ctx, metaKey(driverID), fieldAssigned, strconv.FormatBool(assigned)).Err()
	return apperr.Dependency("redis geo assignment", err)
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, metaKey(driverID))
	_, err := pipe.Exec(ctx)
	return apperr.Dependency("redis geo remove", err)
}

func (r *RedisGeo) QueryNearest(ctx context.Context, origin models.Coord, maxRadiusKm float64, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return []Candidate{}, nil
	}
	fetch := limit * overfetchFactor
	if fetch < minFetch {
		fetch = minFetch
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     maxRadiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      fetch,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, apperr.Dependency("redis geo search", err)
	}
	if len(res) == 0 {
		return []Candidate{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, apperr.Dependency("redis geo metadata", err)
	}
	metas := make([]map[string]string, len(cmds))
	for i, c := range cmds {
		metas[i] = c.Val()
	}
	return r.candidates(origin, maxRadiusKm, limit, res, metas), nil
}

// candidates filters the over-fetched GEOSEARCH hits by their metadata,
// metas[i] belonging to hits[i].
func (r *RedisGeo) candidates(origin models.Coord, maxRadiusKm float64, limit int, hits []redis.GeoLocation, metas []map[string]string) []Candidate {
	now := r.opts.now()
	out := make([]Candidate, 0, len(hits))
	for i, g := range hits {
		e := decodeMeta(metas[i])
		if !e.eligible(now, r.opts.freshness) {
			continue
		}
		loc := models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		// Redis uses a slightly different earth radius; recompute so ties and
		// the radius cut match the in-process index.
		dist := Distance(origin, loc)
		if dist > maxRadiusKm {
			continue
		}
		out = append(out, Candidate{DriverID: g.Name, Loc: loc, DistanceKm: dist, Updated: e.updated})
	}
	SortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *RedisGeo) Position(ctx context.Context, driverID string) (models.Coord, time.Time, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.Coord{}, time.Time{}, false, apperr.Dependency("redis geo position", err)
	}
	e := decodeMeta(m)
	if e.updated.IsZero() {
		return models.Coord{}, time.Time{}, false, nil
	}
	return e.loc, e.updated, true, nil
}

// Ping is used by readiness checks.
func (r *RedisGeo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func decodeMeta(m map[string]string) entry {
	e := entry{approval: models.ApprovalPending}
	if v, ok := m[fieldOnline]; ok {
		e.online = v == "true"
	}
	if v, ok := m[fieldApproval]; ok && v != "" {
		e.approval = models.ApprovalStatus(v)
	}
	if v, ok := m[fieldBlocked]; ok {
		e.blocked = v == "true"
	}
	if v, ok := m[fieldAssigned]; ok {
		e.assigned = v == "true"
	}
	if v, ok := m[fieldUpdated]; ok {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.updated = time.Unix(0, ns)
		}
	}
	if v, ok := m[fieldLat]; ok {
		e.loc.Lat, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m[fieldLon]; ok {
		e.loc.Lon, _ = strconv.ParseFloat(v, 64)
	}
	return e
}

func metaKey(id string) string { return "driver:meta:" + id }
