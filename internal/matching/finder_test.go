package matching

import (
	"context"
	"testing"
	"time"

	"dispatch/internal/clock"
	"dispatch/internal/model"
	"dispatch/internal/store"
)

var testCenter = model.GeoPoint{Lat: 37.7749, Lng: -122.4194}

func seedDriver(t *testing.T, st *store.Memory, fc *clock.Fake, id string, lat, lng float64, status model.DriverStatus, age time.Duration) {
	t.Helper()
	loc := model.DriverLocation{
		DriverID:    id,
		Lat:         lat,
		Lng:         lng,
		Status:      status,
		LastUpdated: fc.Now().Add(-age),
	}
	sample := model.LocationSample{ID: id + "-s", DriverID: id, Lat: lat, Lng: lng, Status: status, RecordedAt: loc.LastUpdated}
	if err := st.SaveDriverLocation(context.Background(), loc, sample); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func testFinder(t *testing.T) (*Finder, *store.Memory, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewFinder(st, NewScanQuery(st), fc, 30*time.Minute), st, fc
}

func TestFind_RadiusAndStatusFilter(t *testing.T) {
	f, st, fc := testFinder(t)
	seedDriver(t, st, fc, "near", 37.7760, -122.4194, model.DriverOnline, 0)   // ~120m
	seedDriver(t, st, fc, "far", 38.5, -122.4194, model.DriverOnline, 0)      // ~80km
	seedDriver(t, st, fc, "offline", 37.7755, -122.4194, model.DriverOffline, 0)

	got, err := f.Find(context.Background(), testCenter, 5, []model.DriverStatus{model.DriverOnline}, 0, SortByDistance)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "near" {
		t.Fatalf("want only near driver, got %+v", got)
	}
}

func TestFind_StalenessCutoff(t *testing.T) {
	f, st, fc := testFinder(t)
	seedDriver(t, st, fc, "fresh", 37.7760, -122.4194, model.DriverOnline, 5*time.Minute)
	seedDriver(t, st, fc, "stale", 37.7761, -122.4194, model.DriverOnline, 45*time.Minute)

	got, err := f.Find(context.Background(), testCenter, 5, []model.DriverStatus{model.DriverOnline}, 0, SortByDistance)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "fresh" {
		t.Fatalf("stale driver must be filtered, got %+v", got)
	}
}

func TestFind_DistanceOrderAndLimit(t *testing.T) {
	f, st, fc := testFinder(t)
	seedDriver(t, st, fc, "c", 37.7800, -122.4194, model.DriverOnline, 0)
	seedDriver(t, st, fc, "a", 37.7755, -122.4194, model.DriverOnline, 0)
	seedDriver(t, st, fc, "b", 37.7770, -122.4194, model.DriverOnline, 0)

	got, err := f.Find(context.Background(), testCenter, 10, nil, 2, SortByDistance)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 2 || got[0].DriverID != "a" || got[1].DriverID != "b" {
		t.Fatalf("want [a b], got %+v", got)
	}
	if got[0].DistanceKm > got[1].DistanceKm {
		t.Fatalf("distances not monotonic: %f > %f", got[0].DistanceKm, got[1].DistanceKm)
	}
}

func TestFind_RatingSortAndProfileJoin(t *testing.T) {
	f, st, fc := testFinder(t)
	seedDriver(t, st, fc, "close", 37.7755, -122.4194, model.DriverOnline, 0)
	seedDriver(t, st, fc, "rated", 37.7800, -122.4194, model.DriverOnline, 0)
	if err := st.UpsertDriverProfile(context.Background(), model.DriverProfile{DriverID: "rated", Rating: 4.9, CompletedDeliveries: 200}); err != nil {
		t.Fatalf("profile: %v", err)
	}

	got, err := f.Find(context.Background(), testCenter, 10, nil, 0, SortByRating)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got[0].DriverID != "rated" {
		t.Fatalf("rating sort: want rated first, got %+v", got)
	}
	// Driver without a profile falls back to the default rating.
	if got[1].Rating != DefaultRating {
		t.Fatalf("default rating: got %f", got[1].Rating)
	}
	if got[0].CompletedDeliveries != 200 {
		t.Fatalf("profile join lost completedDeliveries: %+v", got[0])
	}
}

func TestFind_TieBreakByDriverID(t *testing.T) {
	f, st, fc := testFinder(t)
	seedDriver(t, st, fc, "zeta", 37.7760, -122.4194, model.DriverOnline, 0)
	seedDriver(t, st, fc, "alpha", 37.7760, -122.4194, model.DriverOnline, 0)

	got, err := f.Find(context.Background(), testCenter, 10, nil, 0, SortByDistance)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got[0].DriverID != "alpha" {
		t.Fatalf("equidistant tie-break must be by driverId: got %+v", got)
	}
}
