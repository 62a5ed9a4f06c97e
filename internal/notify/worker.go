package notify

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"dispatch/internal/metrics"
	"dispatch/internal/store"
)

// Worker drains the webhook delivery queue: POST with HMAC signature
// headers, exponential backoff on failure, dead-letter after MaxAttempts.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Stop        chan struct{}
	MaxAttempts int
}

func NewWorker(s store.Store, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		Stop:        make(chan struct{}),
		MaxAttempts: maxAttempts,
	}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, 50)
	if err != nil || len(items) == 0 {
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	if it.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
	}

	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())

	success := false
	code := 0
	if err == nil && resp != nil {
		code = resp.StatusCode
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		success = code >= 200 && code < 300
	}
	lastErr := ""
	if !success {
		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = "unexpected status " + strconv.Itoa(code)
		}
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, outcome).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, outcome).Observe(float64(latency))

	if !success && it.Attempts+1 >= w.MaxAttempts {
		_ = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
		return
	}
	next := time.Now().Add(nextBackoff(it.Attempts))
	_ = w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency)
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
