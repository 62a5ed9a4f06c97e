package matching

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/model"
	"dispatch/internal/store"
)

const driverGeoKey = "dispatch:drivers:geo"

// RedisGeoQuery answers nearest-neighbor queries from a Redis GEO set kept
// in sync by the locations service. Hydration goes back through the store,
// so the index only narrows the search; it never invents candidates.
type RedisGeoQuery struct {
	rdb   *redis.Client
	store store.Store
}

func NewRedisGeoQuery(rdb *redis.Client, s store.Store) *RedisGeoQuery {
	return &RedisGeoQuery{rdb: rdb, store: s}
}

func (q *RedisGeoQuery) Nearby(ctx context.Context, center model.GeoPoint, radiusKm float64) ([]Hit, error) {
	results, err := q.rdb.GeoSearchLocation(ctx, driverGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(results))
	for _, r := range results {
		loc, err := q.store.GetDriverLocation(ctx, r.Name)
		if errors.Is(err, model.ErrNotFound) {
			continue // index member without a record; ignore
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Hit{Location: loc, DistanceKm: r.Dist})
	}
	return out, nil
}

// GeoIndex returns the index writer side backed by the same GEO set.
func (q *RedisGeoQuery) GeoIndex() *RedisGeoIndex { return &RedisGeoIndex{rdb: q.rdb} }

// RedisGeoIndex implements locations.GeoIndex on a Redis GEO set.
type RedisGeoIndex struct {
	rdb *redis.Client
}

func NewRedisGeoIndex(rdb *redis.Client) *RedisGeoIndex { return &RedisGeoIndex{rdb: rdb} }

func (x *RedisGeoIndex) Add(ctx context.Context, driverID string, p model.GeoPoint) error {
	return x.rdb.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      driverID,
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (x *RedisGeoIndex) Remove(ctx context.Context, driverID string) error {
	return x.rdb.ZRem(ctx, driverGeoKey, driverID).Err()
}
