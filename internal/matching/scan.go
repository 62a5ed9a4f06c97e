package matching

import (
	"context"
	"sort"

	"dispatch/internal/geo"
	"dispatch/internal/model"
	"dispatch/internal/store"
)

// ScanQuery is the portable nearest-neighbor baseline: a full scan over
// every driver location record with Haversine filtering. Correct with any
// store; used whenever no spatial index is configured.
type ScanQuery struct {
	store store.Store
}

func NewScanQuery(s store.Store) *ScanQuery { return &ScanQuery{store: s} }

func (q *ScanQuery) Nearby(ctx context.Context, center model.GeoPoint, radiusKm float64) ([]Hit, error) {
	locs, err := q.store.ListDriverLocations(ctx)
	if err != nil {
		return nil, err
	}
	out := []Hit{}
	for _, loc := range locs {
		d := geo.DistanceKm(center, model.GeoPoint{Lat: loc.Lat, Lng: loc.Lng})
		if d > radiusKm {
			continue
		}
		out = append(out, Hit{Location: loc, DistanceKm: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}
