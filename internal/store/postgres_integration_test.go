//go:build postgres_integration

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/model"
)

// Requires a reachable Postgres. Run with:
//
//	DATABASE_URL=postgres://... go test -tags postgres_integration ./internal/store
func TestPostgres_ConnectMigrateAndCAS(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	ctx := context.Background()

	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	driverID := "itest-" + uuid.NewString()
	loc := model.DriverLocation{DriverID: driverID, Lat: 37.7749, Lng: -122.4194, Status: model.DriverOnline, LastUpdated: now}
	sample := model.LocationSample{ID: uuid.NewString(), DriverID: driverID, Lat: loc.Lat, Lng: loc.Lng, Status: loc.Status, RecordedAt: now}
	if err := p.SaveDriverLocation(ctx, loc, sample); err != nil {
		t.Fatalf("SaveDriverLocation: %v", err)
	}
	got, err := p.GetDriverLocation(ctx, driverID)
	if err != nil || got.Status != model.DriverOnline {
		t.Fatalf("GetDriverLocation: %+v %v", got, err)
	}

	orderID := "ord-" + uuid.NewString()
	req := model.DeliveryRequest{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Pickup:    model.GeoPoint{Lat: 37.7749, Lng: -122.4194},
		Dropoff:   model.GeoPoint{Lat: 37.80, Lng: -122.41},
		Status:    model.RequestPending,
		Priority:  model.PriorityNormal,
		CreatedAt: now,
	}
	if err := p.CreateDeliveryRequest(ctx, req); err != nil {
		t.Fatalf("CreateDeliveryRequest: %v", err)
	}

	// One non-terminal request per orderId.
	dup := req
	dup.ID = uuid.NewString()
	if err := p.CreateDeliveryRequest(ctx, dup); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("duplicate order: got %v", err)
	}

	// A lost swap reports false without error.
	ok, err := p.UpdateRequestStatus(ctx, req.ID, model.RequestAccepted, model.RequestPickedUp, nil, now)
	if err != nil || ok {
		t.Fatalf("lost swap: ok=%v err=%v", ok, err)
	}
	ok, err = p.UpdateRequestStatus(ctx, req.ID, model.RequestPending, model.RequestAssigned, nil, now)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// Broadcast attempts, then one accept cancels the live sibling.
	a1 := model.Assignment{ID: uuid.NewString(), RequestID: req.ID, DriverID: driverID, Status: model.AssignmentAssigned, Method: model.MethodBroadcast, AssignedAt: now, ExpiresAt: now.Add(5 * time.Minute)}
	a2 := model.Assignment{ID: uuid.NewString(), RequestID: req.ID, DriverID: driverID + "-b", Status: model.AssignmentAssigned, Method: model.MethodBroadcast, AssignedAt: now, ExpiresAt: now.Add(5 * time.Minute)}
	if err := p.CreateAssignment(ctx, &a1, false); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if err := p.CreateAssignment(ctx, &a2, false); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if a2.AttemptNumber != a1.AttemptNumber+1 {
		t.Fatalf("attempt numbers: %d then %d", a1.AttemptNumber, a2.AttemptNumber)
	}
	if err := p.CreateAssignment(ctx, &model.Assignment{ID: uuid.NewString(), RequestID: req.ID, DriverID: "x", Status: model.AssignmentAssigned, Method: model.MethodManual, AssignedAt: now, ExpiresAt: now.Add(time.Minute)}, true); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("exclusive beside live attempts: got %v", err)
	}

	won, cancelled, err := p.AcceptAssignment(ctx, a1.ID, req.ID, now.Add(30*time.Second))
	if err != nil || !won {
		t.Fatalf("accept: won=%v err=%v", won, err)
	}
	if len(cancelled) != 1 || cancelled[0].ID != a2.ID {
		t.Fatalf("cancelled siblings: %+v", cancelled)
	}
	won, _, err = p.AcceptAssignment(ctx, a2.ID, req.ID, now.Add(time.Minute))
	if err != nil || won {
		t.Fatalf("late accept must lose: won=%v err=%v", won, err)
	}

	// Terminal request frees the orderId for a fresh request.
	drv := driverID
	for _, step := range []struct{ from, to model.RequestStatus }{
		{model.RequestAssigned, model.RequestAccepted},
		{model.RequestAccepted, model.RequestPickedUp},
		{model.RequestPickedUp, model.RequestDelivering},
		{model.RequestDelivering, model.RequestDelivered},
	} {
		if ok, err := p.UpdateRequestStatus(ctx, req.ID, step.from, step.to, &drv, now); err != nil || !ok {
			t.Fatalf("%s -> %s: ok=%v err=%v", step.from, step.to, ok, err)
		}
	}
	fresh := req
	fresh.ID = uuid.NewString()
	if err := p.CreateDeliveryRequest(ctx, fresh); err != nil {
		t.Fatalf("reuse of settled orderId: %v", err)
	}
}
