package locations

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"dispatch/internal/clock"
	"dispatch/internal/model"
	"dispatch/internal/store"
)

func testService(t *testing.T) (*Service, *store.Memory, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	fc := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	return NewService(st, fc, nil), st, fc
}

func push(t *testing.T, s *Service, driverID string, lat, lng float64, status model.DriverStatus) model.DriverLocation {
	t.Helper()
	loc, err := s.UpdateLocation(context.Background(), Update{DriverID: driverID, Lat: lat, Lng: lng, Status: status})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	return loc
}

func TestUpdateLocation_Validation(t *testing.T) {
	s, _, _ := testService(t)
	ctx := context.Background()

	if _, err := s.UpdateLocation(ctx, Update{DriverID: "d1", Lat: 91, Lng: 0, Status: model.DriverOnline}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("lat out of range: got %v", err)
	}
	if _, err := s.UpdateLocation(ctx, Update{DriverID: "d1", Lat: 0, Lng: -181, Status: model.DriverOnline}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("lng out of range: got %v", err)
	}
	if _, err := s.UpdateLocation(ctx, Update{DriverID: "d1", Lat: 0, Lng: 0, Status: "parked"}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("bad status: got %v", err)
	}
}

func TestUpdateLocation_OnlineSinceLifecycle(t *testing.T) {
	s, _, fc := testService(t)

	loc := push(t, s, "d1", 37.77, -122.42, model.DriverOnline)
	if loc.OnlineSince == nil || !loc.OnlineSince.Equal(fc.Now()) {
		t.Fatalf("onlineSince on first online push: %+v", loc)
	}
	started := *loc.OnlineSince

	// Staying online keeps the original stamp.
	fc.Advance(10 * time.Minute)
	loc = push(t, s, "d1", 37.78, -122.42, model.DriverOnline)
	if loc.OnlineSince == nil || !loc.OnlineSince.Equal(started) {
		t.Fatalf("onlineSince moved while online: %+v", loc)
	}

	// Going busy preserves the session start.
	fc.Advance(5 * time.Minute)
	loc = push(t, s, "d1", 37.78, -122.42, model.DriverBusy)
	if loc.OnlineSince == nil || !loc.OnlineSince.Equal(started) {
		t.Fatalf("busy must keep onlineSince: %+v", loc)
	}

	// Offline clears it.
	fc.Advance(5 * time.Minute)
	loc = push(t, s, "d1", 37.78, -122.42, model.DriverOffline)
	if loc.OnlineSince != nil {
		t.Fatalf("offline must clear onlineSince: %+v", loc)
	}

	// Coming back online starts a fresh session.
	fc.Advance(30 * time.Minute)
	loc = push(t, s, "d1", 37.78, -122.42, model.DriverOnline)
	if loc.OnlineSince == nil || loc.OnlineSince.Equal(started) {
		t.Fatalf("new online session must restamp onlineSince: %+v", loc)
	}
}

func TestUpdateStatus_RequiresExistingRecord(t *testing.T) {
	s, _, _ := testService(t)
	if _, err := s.UpdateStatus(context.Background(), "ghost", model.DriverOnline); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("status without record: got %v", err)
	}
}

func TestUpdateStatus_KeepsCoordinates(t *testing.T) {
	s, _, fc := testService(t)
	push(t, s, "d1", 37.77, -122.42, model.DriverOnline)
	fc.Advance(time.Minute)

	loc, err := s.UpdateStatus(context.Background(), "d1", model.DriverBreak)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if loc.Lat != 37.77 || loc.Lng != -122.42 {
		t.Fatalf("coordinates lost on status change: %+v", loc)
	}
	if loc.Status != model.DriverBreak || !loc.LastUpdated.Equal(fc.Now()) {
		t.Fatalf("status/lastUpdated: %+v", loc)
	}
}

func TestActivityStats(t *testing.T) {
	s, _, fc := testService(t)
	ctx := context.Background()

	// 30 minutes online, then offline.
	push(t, s, "d1", 37.7700, -122.42, model.DriverOnline)
	fc.Advance(15 * time.Minute)
	push(t, s, "d1", 37.7800, -122.42, model.DriverOnline)
	fc.Advance(15 * time.Minute)
	push(t, s, "d1", 37.7900, -122.42, model.DriverOffline)
	fc.Advance(10 * time.Minute)

	stats, err := s.ActivityStats(ctx, "d1", 2*time.Hour)
	if err != nil {
		t.Fatalf("ActivityStats: %v", err)
	}
	if math.Abs(stats.OnlineMinutes-30) > 0.01 {
		t.Fatalf("online minutes: got %f, want 30", stats.OnlineMinutes)
	}
	// Two hops of ~1.11 km each.
	if stats.TotalDistanceKm < 2.0 || stats.TotalDistanceKm > 2.5 {
		t.Fatalf("distance: got %f", stats.TotalDistanceKm)
	}
	if stats.CurrentStatus != model.DriverOffline {
		t.Fatalf("current status: %+v", stats)
	}
	if stats.LastActivity == nil {
		t.Fatal("lastActivity missing")
	}
}

func TestActivityStats_OpenSessionCountsToNow(t *testing.T) {
	s, _, fc := testService(t)
	push(t, s, "d1", 37.77, -122.42, model.DriverOnline)
	fc.Advance(20 * time.Minute)

	stats, err := s.ActivityStats(context.Background(), "d1", time.Hour)
	if err != nil {
		t.Fatalf("ActivityStats: %v", err)
	}
	if math.Abs(stats.OnlineMinutes-20) > 0.01 {
		t.Fatalf("open session minutes: got %f, want 20", stats.OnlineMinutes)
	}
}

func TestActivityStats_UnknownDriver(t *testing.T) {
	s, _, _ := testService(t)
	if _, err := s.ActivityStats(context.Background(), "ghost", time.Hour); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown driver: got %v", err)
	}
}
