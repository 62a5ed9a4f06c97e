package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set. A single
// mutex serializes every operation, which trivially satisfies the CAS
// contract; it is also the reference implementation the engine tests run
// against.
type Memory struct {
	mu        sync.Mutex
	locations map[string]model.DriverLocation   // driverId -> last known record
	samples   map[string][]model.LocationSample // driverId -> append-only history
	profiles  map[string]model.DriverProfile    // driverId -> scoring inputs
	requests  map[string]model.DeliveryRequest  // id -> request
	byOrder   map[string][]string               // orderId -> request ids
	attempts  map[string]model.Assignment       // id -> attempt
	byRequest map[string][]string               // requestId -> attempt ids, creation order
	responses map[string][]model.DriverResponse // assignmentId -> audit rows
	subs      map[string]model.Subscription     // id -> subscription
	subOrder  []string
	// Webhook queue state
	deliveries    map[string]*memDelivery // id -> delivery state
	deliveryOrder []string
}

func NewMemory() *Memory {
	return &Memory{
		locations:  map[string]model.DriverLocation{},
		samples:    map[string][]model.LocationSample{},
		profiles:   map[string]model.DriverProfile{},
		requests:   map[string]model.DeliveryRequest{},
		byOrder:    map[string][]string{},
		attempts:   map[string]model.Assignment{},
		byRequest:  map[string][]string{},
		responses:  map[string][]model.DriverResponse{},
		subs:       map[string]model.Subscription{},
		deliveries: map[string]*memDelivery{},
	}
}

// memDelivery augments WebhookDelivery with scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
}

func (m *Memory) SaveDriverLocation(ctx context.Context, loc model.DriverLocation, sample model.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[loc.DriverID] = loc
	m.samples[sample.DriverID] = append(m.samples[sample.DriverID], sample)
	return nil
}

func (m *Memory) GetDriverLocation(ctx context.Context, driverID string) (model.DriverLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[driverID]
	if !ok {
		return model.DriverLocation{}, fmt.Errorf("driver %s: %w", driverID, model.ErrNotFound)
	}
	return loc, nil
}

func (m *Memory) ListDriverLocations(ctx context.Context) ([]model.DriverLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DriverLocation, 0, len(m.locations))
	for _, loc := range m.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (m *Memory) ListLocationSamples(ctx context.Context, driverID string, since, until time.Time) ([]model.LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LocationSample
	for _, s := range m.samples[driverID] {
		if s.RecordedAt.Before(since) || s.RecordedAt.After(until) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) UpsertDriverProfile(ctx context.Context, p model.DriverProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.DriverID] = p
	return nil
}

func (m *Memory) GetDriverProfiles(ctx context.Context, driverIDs []string) (map[string]model.DriverProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.DriverProfile, len(driverIDs))
	for _, id := range driverIDs {
		if p, ok := m.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) CreateDeliveryRequest(ctx context.Context, req model.DeliveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byOrder[req.OrderID] {
		if existing, ok := m.requests[id]; ok && !existing.Status.Terminal() {
			return fmt.Errorf("active request exists for order %s: %w", req.OrderID, model.ErrConflict)
		}
	}
	m.requests[req.ID] = req
	m.byOrder[req.OrderID] = append(m.byOrder[req.OrderID], req.ID)
	return nil
}

func (m *Memory) GetDeliveryRequest(ctx context.Context, id string) (model.DeliveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return model.DeliveryRequest{}, fmt.Errorf("request %s: %w", id, model.ErrNotFound)
	}
	return req, nil
}

func (m *Memory) ListDeliveryRequests(ctx context.Context, status model.RequestStatus, limit int) ([]model.DeliveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.DeliveryRequest{}
	for _, req := range m.requests {
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateRequestStatus(ctx context.Context, id string, from, to model.RequestStatus, driverID *string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return false, fmt.Errorf("request %s: %w", id, model.ErrNotFound)
	}
	if req.Status != from {
		return false, nil
	}
	req.Status = to
	if to.CarriesDriver() {
		if driverID != nil {
			req.AssignedDriverID = driverID
		}
	} else {
		req.AssignedDriverID = nil
	}
	switch to {
	case model.RequestAccepted:
		t := at
		req.AssignedAt = &t
	case model.RequestDelivered:
		t := at
		req.CompletedAt = &t
	}
	m.requests[id] = req
	return true, nil
}

func (m *Memory) CreateAssignment(ctx context.Context, a *model.Assignment, exclusive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exclusive {
		for _, id := range m.byRequest[a.RequestID] {
			if att := m.attempts[id]; att.Status == model.AssignmentAssigned {
				return fmt.Errorf("live attempt exists for request %s: %w", a.RequestID, model.ErrConflict)
			}
		}
	}
	a.AttemptNumber = len(m.byRequest[a.RequestID]) + 1
	m.attempts[a.ID] = *a
	m.byRequest[a.RequestID] = append(m.byRequest[a.RequestID], a.ID)
	return nil
}

func (m *Memory) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return model.Assignment{}, fmt.Errorf("assignment %s: %w", id, model.ErrNotFound)
	}
	return a, nil
}

func (m *Memory) ListAssignmentsByRequest(ctx context.Context, requestID string) ([]model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byRequest[requestID]
	out := make([]model.Assignment, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.attempts[id])
	}
	return out, nil
}

func (m *Memory) CountLiveAssignments(ctx context.Context, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.byRequest[requestID] {
		if m.attempts[id].Status == model.AssignmentAssigned {
			n++
		}
	}
	return n, nil
}

func (m *Memory) TransitionAssignment(ctx context.Context, id string, to model.AssignmentStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return false, fmt.Errorf("assignment %s: %w", id, model.ErrNotFound)
	}
	if a.Status != model.AssignmentAssigned {
		return false, nil
	}
	a.Status = to
	t := at
	a.RespondedAt = &t
	m.attempts[id] = a
	return true, nil
}

func (m *Memory) AcceptAssignment(ctx context.Context, id, requestID string, at time.Time) (bool, []model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return false, nil, fmt.Errorf("assignment %s: %w", id, model.ErrNotFound)
	}
	if a.Status != model.AssignmentAssigned {
		return false, nil, nil
	}
	a.Status = model.AssignmentAccepted
	t := at
	a.RespondedAt = &t
	m.attempts[id] = a

	var cancelled []model.Assignment
	for _, sid := range m.byRequest[requestID] {
		if sid == id {
			continue
		}
		sib := m.attempts[sid]
		if sib.Status != model.AssignmentAssigned {
			continue
		}
		sib.Status = model.AssignmentCancelled
		ct := at
		sib.RespondedAt = &ct
		m.attempts[sid] = sib
		cancelled = append(cancelled, sib)
	}
	return true, cancelled, nil
}

func (m *Memory) ListExpiredAssignments(ctx context.Context, now time.Time, limit int) ([]model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Assignment{}
	for _, a := range m.attempts {
		if a.Status == model.AssignmentAssigned && a.ExpiresAt.Before(now) {
			out = append(out, a)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) AppendDriverResponse(ctx context.Context, r model.DriverResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[r.AssignmentID] = append(m.responses[r.AssignmentID], r)
	return nil
}

func (m *Memory) ListDriverResponses(ctx context.Context, assignmentID string) ([]model.DriverResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DriverResponse(nil), m.responses[assignmentID]...), nil
}

func (m *Memory) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.ID = uuid.New().String()
	m.subs[sub.ID] = sub
	m.subOrder = append(m.subOrder, sub.ID)
	return sub, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, id := range m.subOrder {
		s, ok := m.subs[id]
		if !ok {
			continue
		}
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subOrder))
	for _, id := range m.subOrder {
		if s, ok := m.subs[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return fmt.Errorf("subscription %s: %w", id, model.ErrNotFound)
	}
	delete(m.subs, id)
	return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
		NextAttemptAt:   time.Now(),
	}
	m.deliveries[id] = d
	m.deliveryOrder = append(m.deliveryOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(1 * time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil {
		d.Status = "failed"
		d.LastError = lastError
		d.ResponseCode = responseCode
		d.LatencyMs = latencyMs
	}
	return nil
}
