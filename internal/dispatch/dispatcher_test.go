package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatch/internal/assignment"
	"dispatch/internal/clock"
	"dispatch/internal/config"
	"dispatch/internal/delivery"
	"dispatch/internal/matching"
	"dispatch/internal/model"
	"dispatch/internal/store"
)

func testDispatcher(t *testing.T) (*Dispatcher, *delivery.Service, *store.Memory, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	fc := clock.NewFake(time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC))
	cfg := config.Default()

	finder := matching.NewFinder(st, matching.NewScanQuery(st), fc, time.Duration(cfg.Matching.StalenessWindowMin)*time.Minute)
	scorer := matching.NewScorer(cfg.Matching, fc)
	engine := matching.NewEngine(finder, scorer, st, fc, cfg.Matching)
	d := delivery.NewService(st, fc, nil)
	ledger := assignment.NewLedger(st, fc, d, nil, 5*time.Minute)
	return NewDispatcher(engine, ledger, d, nil), d, st, fc
}

func seedOnline(t *testing.T, st *store.Memory, fc *clock.Fake, id string, lat, lng float64) {
	t.Helper()
	loc := model.DriverLocation{DriverID: id, Lat: lat, Lng: lng, Status: model.DriverOnline, LastUpdated: fc.Now()}
	sample := model.LocationSample{ID: id + "-s", DriverID: id, Lat: lat, Lng: lng, Status: model.DriverOnline, RecordedAt: fc.Now()}
	if err := st.SaveDriverLocation(context.Background(), loc, sample); err != nil {
		t.Fatal(err)
	}
}

func openRequest(t *testing.T, d *delivery.Service) model.DeliveryRequest {
	t.Helper()
	req, err := d.Create(context.Background(), delivery.CreateInput{
		OrderID: "ord1",
		Pickup:  model.GeoPoint{Lat: 37.7749, Lng: -122.4194},
		Dropoff: model.GeoPoint{Lat: 37.80, Lng: -122.41},
	})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestDispatch_AutoNearest(t *testing.T) {
	dp, d, st, fc := testDispatcher(t)
	seedOnline(t, st, fc, "close", 37.7760, -122.4194)
	seedOnline(t, st, fc, "distant", 37.7900, -122.4194)
	req := openRequest(t, d)

	res, err := dp.Dispatch(context.Background(), Input{RequestID: req.ID, Method: model.MethodAutoNearest})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Matched || len(res.Assignments) != 1 || res.Assignments[0].DriverID != "close" {
		t.Fatalf("result: %+v", res)
	}
	if res.Request.Status != model.RequestAssigned {
		t.Fatalf("request not claimed: %+v", res.Request)
	}
}

func TestDispatch_NoMatchLeavesPending(t *testing.T) {
	dp, d, st, _ := testDispatcher(t)
	req := openRequest(t, d)

	res, err := dp.Dispatch(context.Background(), Input{RequestID: req.ID, Method: model.MethodAutoNearest})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Matched {
		t.Fatalf("matched with no drivers: %+v", res)
	}
	got, _ := st.GetDeliveryRequest(context.Background(), req.ID)
	if got.Status != model.RequestPending {
		t.Fatalf("request must stay pending: %s", got.Status)
	}
}

func TestDispatch_Broadcast(t *testing.T) {
	dp, d, st, fc := testDispatcher(t)
	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		seedOnline(t, st, fc, id, 37.7760, -122.4194)
	}
	req := openRequest(t, d)

	res, err := dp.Dispatch(context.Background(), Input{RequestID: req.ID, Method: model.MethodBroadcast, MaxDrivers: 3})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Assignments) != 3 {
		t.Fatalf("broadcast fan-out: %d", len(res.Assignments))
	}
	seen := map[string]bool{}
	for _, a := range res.Assignments {
		if seen[a.DriverID] {
			t.Fatalf("driver %s offered twice", a.DriverID)
		}
		seen[a.DriverID] = true
		if a.Method != model.MethodBroadcast {
			t.Fatalf("attempt method: %+v", a)
		}
	}
}

func TestDispatch_ManualChecksEligibility(t *testing.T) {
	dp, d, st, fc := testDispatcher(t)
	seedOnline(t, st, fc, "good", 37.7760, -122.4194)
	req := openRequest(t, d)
	ctx := context.Background()

	if _, err := dp.Dispatch(ctx, Input{RequestID: req.ID, Method: model.MethodManual}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("manual without driver: got %v", err)
	}
	if _, err := dp.Dispatch(ctx, Input{RequestID: req.ID, Method: model.MethodManual, DriverID: "ghost"}); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("unknown driver: got %v", err)
	}

	res, err := dp.Dispatch(ctx, Input{RequestID: req.ID, Method: model.MethodManual, DriverID: "good", Note: "vip order"})
	if err != nil {
		t.Fatalf("manual dispatch: %v", err)
	}
	if len(res.Assignments) != 1 || res.Assignments[0].DriverID != "good" || res.Assignments[0].Note != "vip order" {
		t.Fatalf("manual attempt: %+v", res.Assignments)
	}
}

func TestDispatch_NonPendingRefused(t *testing.T) {
	dp, d, st, fc := testDispatcher(t)
	seedOnline(t, st, fc, "d1", 37.7760, -122.4194)
	req := openRequest(t, d)
	ctx := context.Background()

	if _, err := dp.Dispatch(ctx, Input{RequestID: req.ID, Method: model.MethodAutoNearest}); err != nil {
		t.Fatal(err)
	}
	if _, err := dp.Dispatch(ctx, Input{RequestID: req.ID, Method: model.MethodAutoNearest}); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("second dispatch: got %v", err)
	}
	got, _ := st.GetDeliveryRequest(ctx, req.ID)
	if got.Status != model.RequestAssigned {
		t.Fatalf("request status: %s", got.Status)
	}
}

func TestDispatch_PerAttemptTimeout(t *testing.T) {
	dp, d, st, fc := testDispatcher(t)
	seedOnline(t, st, fc, "d1", 37.7760, -122.4194)
	req := openRequest(t, d)

	res, err := dp.Dispatch(context.Background(), Input{RequestID: req.ID, Method: model.MethodAutoNearest, TimeoutMinutes: 2})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Assignments) != 1 || !res.Assignments[0].ExpiresAt.Equal(fc.Now().Add(2*time.Minute)) {
		t.Fatalf("attempt deadline: %+v", res.Assignments)
	}
}
