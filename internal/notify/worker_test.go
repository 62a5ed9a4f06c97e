package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dispatch/internal/clock"
	"dispatch/internal/model"
	"dispatch/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []markRec
	fails []failRec
}

type markRec struct {
	ID      string
	Success bool
	Code    int
	LastErr string
}

type failRec struct {
	ID      string
	Code    int
	LastErr string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, markRec{ID: id, Success: success, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}

func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, failRec{ID: id, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
	payload := []byte(`{"id":"evt1"}`)
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "sub1", "assignment.accepted", srv.URL, "secret", payload)
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce()

	if gotType != "assignment.accepted" {
		t.Fatalf("event type header: %q", gotType)
	}
	if gotSig != SignHMAC("secret", payload) {
		t.Fatalf("signature mismatch: %q", gotSig)
	}
	if !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("receiver-side verify failed for %q", gotSig)
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
}

func TestWorkerProcessOnce_FailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
	if _, err := rs.Memory.EnqueueWebhook(context.Background(), "sub1", "request.created", srv.URL, "", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	w.processOnce()

	if len(rs.marks) != 1 || rs.marks[0].Success {
		t.Fatalf("expected retry mark, got marks=%+v fails=%+v", rs.marks, rs.fails)
	}
	if rs.marks[0].Code != 500 {
		t.Fatalf("response code: %d", rs.marks[0].Code)
	}
}

func TestWorkerProcessOnce_DeadLetterAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 1}
	if _, err := rs.Memory.EnqueueWebhook(context.Background(), "sub1", "request.created", srv.URL, "", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	w.processOnce()

	if len(rs.fails) != 1 {
		t.Fatalf("expected dead-letter, got marks=%+v fails=%+v", rs.marks, rs.fails)
	}
}

func TestNextBackoff_Capped(t *testing.T) {
	if nextBackoff(0) != time.Second {
		t.Fatalf("first backoff: %v", nextBackoff(0))
	}
	if nextBackoff(3) != 8*time.Second {
		t.Fatalf("fourth backoff: %v", nextBackoff(3))
	}
	if nextBackoff(50) > time.Hour {
		t.Fatalf("backoff must cap at an hour: %v", nextBackoff(50))
	}
	if nextBackoff(-5) != time.Second {
		t.Fatalf("negative attempts: %v", nextBackoff(-5))
	}
}

func TestPublisher_EmitFansOutPerSubscription(t *testing.T) {
	st := store.NewMemory()
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := NewPublisher(st, fc)
	ctx := context.Background()

	if _, err := st.CreateSubscription(ctx, model.Subscription{URL: "http://a", Events: []string{"assignment.accepted"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateSubscription(ctx, model.Subscription{URL: "http://b", Events: []string{"*"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateSubscription(ctx, model.Subscription{URL: "http://c", Events: []string{"request.created"}}); err != nil {
		t.Fatal(err)
	}

	p.Emit(ctx, "assignment.accepted", map[string]any{"assignmentId": "a1"})

	due, err := st.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("deliveries enqueued: got %d, want 2", len(due))
	}
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(due[0].Payload, &envelope); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if envelope.Type != "assignment.accepted" || len(envelope.Data) == 0 {
		t.Fatalf("envelope: %+v", envelope)
	}
}
