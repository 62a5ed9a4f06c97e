// Package assignment is the write side of dispatching: attempt creation,
// driver responses, cancellation, and timeout expiry. All settlement runs
// through store compare-and-set so concurrent responses cannot both win.
package assignment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/clock"
	"dispatch/internal/delivery"
	"dispatch/internal/metrics"
	"dispatch/internal/model"
	"dispatch/internal/notify"
	"dispatch/internal/store"
)

type Ledger struct {
	store    store.Store
	clock    clock.Clock
	delivery *delivery.Service
	notify   notify.Notifier
	timeout  time.Duration
}

func NewLedger(s store.Store, c clock.Clock, d *delivery.Service, n notify.Notifier, timeout time.Duration) *Ledger {
	if n == nil {
		n = notify.Noop{}
	}
	return &Ledger{store: s, clock: c, delivery: d, notify: n, timeout: timeout}
}

// Create opens one attempt offering the request to the driver. For every
// method except broadcast the attempt is exclusive: a live attempt
// already on the request makes this ErrConflict. A non-positive timeout
// falls back to the configured default.
func (l *Ledger) Create(ctx context.Context, requestID, driverID string, method model.AssignmentMethod, timeout time.Duration, note string) (model.Assignment, error) {
	if !method.Valid() {
		return model.Assignment{}, fmt.Errorf("unknown assignment method %q: %w", method, model.ErrValidation)
	}
	if driverID == "" {
		return model.Assignment{}, fmt.Errorf("driverId is required: %w", model.ErrValidation)
	}
	if timeout <= 0 {
		timeout = l.timeout
	}
	req, err := l.store.GetDeliveryRequest(ctx, requestID)
	if err != nil {
		return model.Assignment{}, err
	}
	if req.Status.Terminal() {
		return model.Assignment{}, fmt.Errorf("request %s is %s: %w", requestID, req.Status, model.ErrInvalidState)
	}

	now := l.clock.Now()
	a := model.Assignment{
		ID:         uuid.New().String(),
		RequestID:  requestID,
		DriverID:   driverID,
		Status:     model.AssignmentAssigned,
		Method:     method,
		Note:       note,
		AssignedAt: now,
		ExpiresAt:  now.Add(timeout),
	}
	if err := l.store.CreateAssignment(ctx, &a, method != model.MethodBroadcast); err != nil {
		return model.Assignment{}, err
	}
	l.notify.Emit(ctx, "assignment.created", a)
	return a, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (model.Assignment, error) {
	return l.store.GetAssignment(ctx, id)
}

func (l *Ledger) ListByRequest(ctx context.Context, requestID string) ([]model.Assignment, error) {
	return l.store.ListAssignmentsByRequest(ctx, requestID)
}

func (l *Ledger) Responses(ctx context.Context, assignmentID string) ([]model.DriverResponse, error) {
	return l.store.ListDriverResponses(ctx, assignmentID)
}

// RecordResponse settles one attempt with the driver's decision. Accepts
// run through the store's atomic accept-and-cancel-siblings primitive, so
// under broadcast at most one driver ever wins; losers get
// ErrInvalidState. Rejections and timeouts that close the last live
// attempt bounce the request back to pending.
func (l *Ledger) RecordResponse(ctx context.Context, assignmentID string, response model.ResponseType, message string, etaMinutes int) (model.Assignment, error) {
	if !response.Valid() {
		return model.Assignment{}, fmt.Errorf("unknown response type %q: %w", response, model.ErrValidation)
	}
	a, err := l.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return model.Assignment{}, err
	}
	if a.Status.Terminal() {
		return model.Assignment{}, fmt.Errorf("assignment %s already settled as %s: %w", assignmentID, a.Status, model.ErrInvalidState)
	}

	now := l.clock.Now()
	switch response {
	case model.ResponseAccept:
		won, cancelled, err := l.store.AcceptAssignment(ctx, assignmentID, a.RequestID, now)
		if err != nil {
			return model.Assignment{}, err
		}
		if !won {
			return model.Assignment{}, fmt.Errorf("request %s already filled: %w", a.RequestID, model.ErrInvalidState)
		}
		l.appendResponse(ctx, a, response, message, etaMinutes, now)
		l.delivery.OnAccepted(ctx, a.RequestID, a.DriverID)
		metrics.AssignmentOutcomes.WithLabelValues(string(model.AssignmentAccepted)).Inc()
		for _, sib := range cancelled {
			metrics.AssignmentOutcomes.WithLabelValues(string(model.AssignmentCancelled)).Inc()
			l.notify.Emit(ctx, "assignment.cancelled", sib)
		}
		accepted := map[string]any{
			"assignmentId": assignmentID,
			"requestId":    a.RequestID,
			"driverId":     a.DriverID,
		}
		if etaMinutes > 0 {
			accepted["estimatedPickupMinutes"] = etaMinutes
		}
		l.notify.Emit(ctx, "assignment.accepted", accepted)

	case model.ResponseReject, model.ResponseTimeout:
		to := model.AssignmentRejected
		event := "assignment.rejected"
		if response == model.ResponseTimeout {
			to = model.AssignmentExpired
			event = "assignment.expired"
		}
		ok, err := l.store.TransitionAssignment(ctx, assignmentID, to, now)
		if err != nil {
			return model.Assignment{}, err
		}
		if !ok {
			return model.Assignment{}, fmt.Errorf("assignment %s settled concurrently: %w", assignmentID, model.ErrInvalidState)
		}
		l.appendResponse(ctx, a, response, message, etaMinutes, now)
		metrics.AssignmentOutcomes.WithLabelValues(string(to)).Inc()
		l.notify.Emit(ctx, event, map[string]any{
			"assignmentId": assignmentID,
			"requestId":    a.RequestID,
			"driverId":     a.DriverID,
		})
		l.maybeReassign(ctx, a.RequestID)
	}

	return l.store.GetAssignment(ctx, assignmentID)
}

// Cancel closes a live attempt without driver input. Cancelling an
// already-settled attempt is a no-op, not an error: cancellation is
// idempotent and never rewrites history.
func (l *Ledger) Cancel(ctx context.Context, assignmentID string, reassign bool) (model.Assignment, error) {
	a, err := l.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return model.Assignment{}, err
	}
	if a.Status.Terminal() {
		return a, nil
	}
	ok, err := l.store.TransitionAssignment(ctx, assignmentID, model.AssignmentCancelled, l.clock.Now())
	if err != nil {
		return model.Assignment{}, err
	}
	if ok {
		metrics.AssignmentOutcomes.WithLabelValues(string(model.AssignmentCancelled)).Inc()
		l.notify.Emit(ctx, "assignment.cancelled", map[string]any{
			"assignmentId": assignmentID,
			"requestId":    a.RequestID,
			"driverId":     a.DriverID,
		})
		if reassign {
			l.maybeReassign(ctx, a.RequestID)
		}
	}
	return l.store.GetAssignment(ctx, assignmentID)
}

func (l *Ledger) appendResponse(ctx context.Context, a model.Assignment, response model.ResponseType, message string, etaMinutes int, now time.Time) {
	secs := now.Sub(a.AssignedAt).Seconds()
	if secs < 0 {
		secs = 0
	}
	r := model.DriverResponse{
		ID:                     uuid.New().String(),
		AssignmentID:           a.ID,
		DriverID:               a.DriverID,
		ResponseType:           response,
		ResponseTimeSeconds:    secs,
		Message:                message,
		EstimatedPickupMinutes: etaMinutes,
		RespondedAt:            now,
	}
	if err := l.store.AppendDriverResponse(ctx, r); err != nil {
		log.Printf("assignment: audit append for %s failed: %v", a.ID, err)
		return
	}
	metrics.ResponseTime.WithLabelValues(string(response)).Observe(secs)
}

// maybeReassign bounces the request back to pending once no live
// attempts remain.
func (l *Ledger) maybeReassign(ctx context.Context, requestID string) {
	live, err := l.store.CountLiveAssignments(ctx, requestID)
	if err != nil || live > 0 {
		return
	}
	l.delivery.OnReassign(ctx, requestID)
}
