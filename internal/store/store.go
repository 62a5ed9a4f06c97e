package store

import (
	"context"
	"time"

	"dispatch/internal/model"
)

// Store is the persistence port for the matching and assignment engine.
// The Memory implementation is the always-correct baseline; Postgres is
// selected when DATABASE_URL is set.
//
// Compare-and-swap contract: UpdateRequestStatus, TransitionAssignment and
// AcceptAssignment apply only when the stored status still matches the
// expected one and report false when the swap was lost to a concurrent
// writer. AcceptAssignment performs the accept and the cancellation of all
// sibling live attempts under one logical transaction scoped to the
// request, so at most one attempt per request can ever reach accepted.
type Store interface {
	// Driver locations. SaveDriverLocation upserts the last-known record
	// and appends the history sample atomically.
	SaveDriverLocation(ctx context.Context, loc model.DriverLocation, sample model.LocationSample) error
	GetDriverLocation(ctx context.Context, driverID string) (model.DriverLocation, error)
	ListDriverLocations(ctx context.Context) ([]model.DriverLocation, error)
	ListLocationSamples(ctx context.Context, driverID string, since, until time.Time) ([]model.LocationSample, error)

	// Driver profiles (rating, completed deliveries) joined into candidates.
	UpsertDriverProfile(ctx context.Context, p model.DriverProfile) error
	GetDriverProfiles(ctx context.Context, driverIDs []string) (map[string]model.DriverProfile, error)

	// Delivery requests. CreateDeliveryRequest returns ErrConflict when a
	// non-terminal request already exists for the same orderId.
	CreateDeliveryRequest(ctx context.Context, req model.DeliveryRequest) error
	GetDeliveryRequest(ctx context.Context, id string) (model.DeliveryRequest, error)
	ListDeliveryRequests(ctx context.Context, status model.RequestStatus, limit int) ([]model.DeliveryRequest, error)
	UpdateRequestStatus(ctx context.Context, id string, from, to model.RequestStatus, driverID *string, at time.Time) (bool, error)

	// Assignment attempts. CreateAssignment fills AttemptNumber; when
	// exclusive is set it fails with ErrConflict if a live attempt already
	// exists for the request.
	CreateAssignment(ctx context.Context, a *model.Assignment, exclusive bool) error
	GetAssignment(ctx context.Context, id string) (model.Assignment, error)
	ListAssignmentsByRequest(ctx context.Context, requestID string) ([]model.Assignment, error)
	CountLiveAssignments(ctx context.Context, requestID string) (int, error)
	TransitionAssignment(ctx context.Context, id string, to model.AssignmentStatus, at time.Time) (bool, error)
	AcceptAssignment(ctx context.Context, id, requestID string, at time.Time) (won bool, cancelled []model.Assignment, err error)
	ListExpiredAssignments(ctx context.Context, now time.Time, limit int) ([]model.Assignment, error)

	// Immutable response audit trail.
	AppendDriverResponse(ctx context.Context, r model.DriverResponse) error
	ListDriverResponses(ctx context.Context, assignmentID string) ([]model.DriverResponse, error)

	// Webhook subscriptions and the delivery queue behind the
	// notification port.
	CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode, latencyMs int) error
}

// WebhookDelivery is one queued notification delivery.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}
