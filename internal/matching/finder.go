// Package matching turns driver positions into ranked, scored candidates
// for a delivery request.
package matching

import (
	"context"
	"sort"
	"time"

	"dispatch/internal/clock"
	"dispatch/internal/model"
	"dispatch/internal/store"
)

// DefaultRating is assumed for drivers without a profile row.
const DefaultRating = 3.0

// Hit is one driver returned by a nearest-neighbor query, before status
// and staleness filtering.
type Hit struct {
	Location   model.DriverLocation
	DistanceKm float64
}

// NearestQuery is the capability-checked search strategy: the Redis GEO
// implementation is an optimization, the linear scan is the always-correct
// baseline. Implementations return hits within radiusKm sorted by distance.
type NearestQuery interface {
	Nearby(ctx context.Context, center model.GeoPoint, radiusKm float64) ([]Hit, error)
}

type SortBy string

const (
	SortByDistance SortBy = "distance"
	SortByRating   SortBy = "rating"
)

// Finder filters and ranks query hits into closed MatchCandidate values.
type Finder struct {
	store     store.Store
	query     NearestQuery
	clock     clock.Clock
	staleness time.Duration
}

func NewFinder(s store.Store, q NearestQuery, c clock.Clock, staleness time.Duration) *Finder {
	return &Finder{store: s, query: q, clock: c, staleness: staleness}
}

// Find returns candidates within radiusKm whose status is in statuses and
// whose last report is inside the staleness window. Results are sorted by
// distance ascending (driverId breaks ties) or, when sortBy is rating, by
// rating descending with distance as tie-break. A driver that stopped
// reporting is operationally lost and must not receive assignments, hence
// the staleness cutoff.
func (f *Finder) Find(ctx context.Context, center model.GeoPoint, radiusKm float64, statuses []model.DriverStatus, limit int, sortBy SortBy) ([]model.MatchCandidate, error) {
	hits, err := f.query.Nearby(ctx, center, radiusKm)
	if err != nil {
		return nil, err
	}

	cutoff := f.clock.Now().Add(-f.staleness)
	fresh := hits[:0]
	for _, h := range hits {
		if !statusIn(h.Location.Status, statuses) {
			continue
		}
		if h.Location.LastUpdated.Before(cutoff) {
			continue
		}
		fresh = append(fresh, h)
	}

	ids := make([]string, len(fresh))
	for i, h := range fresh {
		ids[i] = h.Location.DriverID
	}
	profiles, err := f.store.GetDriverProfiles(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]model.MatchCandidate, 0, len(fresh))
	for _, h := range fresh {
		c := model.MatchCandidate{
			DriverID:    h.Location.DriverID,
			DistanceKm:  h.DistanceKm,
			Rating:      DefaultRating,
			Status:      h.Location.Status,
			LastUpdated: h.Location.LastUpdated,
		}
		if p, ok := profiles[c.DriverID]; ok {
			if p.Rating > 0 {
				c.Rating = p.Rating
			}
			c.CompletedDeliveries = p.CompletedDeliveries
		}
		out = append(out, c)
	}

	switch sortBy {
	case SortByRating:
		sort.Slice(out, func(i, j int) bool {
			if out[i].Rating != out[j].Rating {
				return out[i].Rating > out[j].Rating
			}
			return out[i].DistanceKm < out[j].DistanceKm
		})
	default:
		sort.Slice(out, func(i, j int) bool {
			if out[i].DistanceKm != out[j].DistanceKm {
				return out[i].DistanceKm < out[j].DistanceKm
			}
			return out[i].DriverID < out[j].DriverID
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func statusIn(s model.DriverStatus, set []model.DriverStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
