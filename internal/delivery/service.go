// Package delivery owns the delivery request lifecycle: creation, the
// status transition table, and the reactions assignment outcomes drive.
package delivery

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"dispatch/internal/clock"
	"dispatch/internal/geo"
	"dispatch/internal/model"
	"dispatch/internal/notify"
	"dispatch/internal/store"
)

// AllowedTransitions is the request state machine. Cancellation is legal
// from every non-terminal status; failed closes a request that cannot
// complete. Terminal statuses have no exits.
var AllowedTransitions = map[model.RequestStatus][]model.RequestStatus{
	model.RequestPending:    {model.RequestAssigned, model.RequestCancelled, model.RequestFailed},
	model.RequestAssigned:   {model.RequestAccepted, model.RequestPending, model.RequestCancelled, model.RequestFailed},
	model.RequestAccepted:   {model.RequestPickedUp, model.RequestCancelled, model.RequestFailed},
	model.RequestPickedUp:   {model.RequestDelivering, model.RequestCancelled, model.RequestFailed},
	model.RequestDelivering: {model.RequestDelivered, model.RequestCancelled, model.RequestFailed},
}

func canTransition(from, to model.RequestStatus) bool {
	for _, next := range AllowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Service struct {
	store  store.Store
	clock  clock.Clock
	notify notify.Notifier
}

func NewService(s store.Store, c clock.Clock, n notify.Notifier) *Service {
	if n == nil {
		n = notify.Noop{}
	}
	return &Service{store: s, clock: c, notify: n}
}

// CreateInput carries the fields a caller provides for a new request.
type CreateInput struct {
	OrderID  string
	Pickup   model.GeoPoint
	Dropoff  model.GeoPoint
	Priority model.Priority
}

// Create opens a new pending request. At most one non-terminal request
// may exist per orderId; a duplicate surfaces as ErrConflict.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.DeliveryRequest, error) {
	if in.OrderID == "" {
		return model.DeliveryRequest{}, fmt.Errorf("orderId is required: %w", model.ErrValidation)
	}
	if !geo.ValidPoint(in.Pickup) || !geo.ValidPoint(in.Dropoff) {
		return model.DeliveryRequest{}, fmt.Errorf("pickup/dropoff coordinates out of range: %w", model.ErrValidation)
	}
	if in.Priority == "" {
		in.Priority = model.PriorityNormal
	}
	if !in.Priority.Valid() {
		return model.DeliveryRequest{}, fmt.Errorf("unknown priority %q: %w", in.Priority, model.ErrValidation)
	}

	req := model.DeliveryRequest{
		ID:        uuid.New().String(),
		OrderID:   in.OrderID,
		Pickup:    in.Pickup,
		Dropoff:   in.Dropoff,
		Status:    model.RequestPending,
		Priority:  in.Priority,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateDeliveryRequest(ctx, req); err != nil {
		return model.DeliveryRequest{}, err
	}
	s.notify.Emit(ctx, "request.created", req)
	return req, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.DeliveryRequest, error) {
	return s.store.GetDeliveryRequest(ctx, id)
}

func (s *Service) List(ctx context.Context, status model.RequestStatus, limit int) ([]model.DeliveryRequest, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown request status %q: %w", status, model.ErrValidation)
	}
	return s.store.ListDeliveryRequests(ctx, status, limit)
}

// UpdateStatus moves a request along the transition table. The swap is
// compare-and-set against the caller-observed current status, so two
// concurrent updates cannot both win.
func (s *Service) UpdateStatus(ctx context.Context, id string, to model.RequestStatus) (model.DeliveryRequest, error) {
	if !to.Valid() {
		return model.DeliveryRequest{}, fmt.Errorf("unknown request status %q: %w", to, model.ErrValidation)
	}
	req, err := s.store.GetDeliveryRequest(ctx, id)
	if err != nil {
		return model.DeliveryRequest{}, err
	}
	if !canTransition(req.Status, to) {
		return model.DeliveryRequest{}, fmt.Errorf("request %s cannot go %s -> %s: %w", id, req.Status, to, model.ErrInvalidTransition)
	}

	// Forward transitions keep the current driver; a bounce back to
	// pending clears it.
	driverID := req.AssignedDriverID
	if !to.CarriesDriver() && to != model.RequestAssigned {
		driverID = nil
	}
	ok, err := s.store.UpdateRequestStatus(ctx, id, req.Status, to, driverID, s.clock.Now())
	if err != nil {
		return model.DeliveryRequest{}, err
	}
	if !ok {
		return model.DeliveryRequest{}, fmt.Errorf("request %s changed concurrently: %w", id, model.ErrConflict)
	}
	updated, err := s.store.GetDeliveryRequest(ctx, id)
	if err != nil {
		return model.DeliveryRequest{}, err
	}
	s.notify.Emit(ctx, "request.status_changed", map[string]any{
		"requestId": id,
		"from":      req.Status,
		"to":        to,
	})
	return updated, nil
}

// MarkAssigned moves pending -> assigned when a dispatch run creates
// attempts. Lost swaps are fine: another dispatcher got there first.
func (s *Service) MarkAssigned(ctx context.Context, requestID string) error {
	ok, err := s.store.UpdateRequestStatus(ctx, requestID, model.RequestPending, model.RequestAssigned, nil, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("request %s is not pending: %w", requestID, model.ErrInvalidState)
	}
	return nil
}

// OnAccepted reacts to a winning driver response: the request moves to
// accepted with the driver stamped on it. The usual swap is assigned ->
// accepted, but a sibling rejection racing the accept can bounce the
// request to pending between the store accept and this reaction, so a
// lost swap retries from pending. Whichever reaction lands second heals
// the request.
func (s *Service) OnAccepted(ctx context.Context, requestID, driverID string) {
	now := s.clock.Now()
	ok, err := s.store.UpdateRequestStatus(ctx, requestID, model.RequestAssigned, model.RequestAccepted, &driverID, now)
	if err != nil {
		log.Printf("delivery: accept reaction for %s failed: %v", requestID, err)
		return
	}
	if ok {
		return
	}
	ok, err = s.store.UpdateRequestStatus(ctx, requestID, model.RequestPending, model.RequestAccepted, &driverID, now)
	if err != nil {
		log.Printf("delivery: accept reaction for %s failed: %v", requestID, err)
		return
	}
	if !ok {
		log.Printf("delivery: request %s moved before accept reaction", requestID)
	}
}

// OnReassign bounces a request whose attempts all closed without an
// acceptance back to pending so it can be dispatched again.
func (s *Service) OnReassign(ctx context.Context, requestID string) {
	ok, err := s.store.UpdateRequestStatus(ctx, requestID, model.RequestAssigned, model.RequestPending, nil, s.clock.Now())
	if err != nil {
		log.Printf("delivery: reassign reaction for %s failed: %v", requestID, err)
		return
	}
	if ok {
		s.notify.Emit(ctx, "request.reassign_needed", map[string]any{"requestId": requestID})
	}
}
