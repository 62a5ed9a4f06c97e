// Package dispatch orchestrates one matching-to-assignment run: it claims
// a pending request, picks drivers through the matching engine, and opens
// assignment attempts.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"dispatch/internal/assignment"
	"dispatch/internal/delivery"
	"dispatch/internal/matching"
	"dispatch/internal/metrics"
	"dispatch/internal/model"
	"dispatch/internal/notify"
)

type Dispatcher struct {
	engine   *matching.Engine
	ledger   *assignment.Ledger
	delivery *delivery.Service
	notify   notify.Notifier
}

func NewDispatcher(e *matching.Engine, l *assignment.Ledger, d *delivery.Service, n notify.Notifier) *Dispatcher {
	if n == nil {
		n = notify.Noop{}
	}
	return &Dispatcher{engine: e, ledger: l, delivery: d, notify: n}
}

// Input is one dispatch run. DriverID is required for manual and ignored
// otherwise; MaxDrivers caps broadcast fan-out (0 means the configured
// candidate limit); TimeoutMinutes overrides the configured attempt
// deadline (0 keeps the default).
type Input struct {
	RequestID      string
	Method         model.AssignmentMethod
	DriverID       string
	Note           string
	MaxDrivers     int
	TimeoutMinutes int
}

// Result reports what the run produced. Matched false with a nil error
// means no driver qualified; the request stays pending for a later run.
type Result struct {
	Request     model.DeliveryRequest `json:"request"`
	Matched     bool                  `json:"matched"`
	Scores      []model.MatchScore    `json:"scores,omitempty"`
	Assignments []model.Assignment    `json:"assignments,omitempty"`
}

// Dispatch claims the request (pending -> assigned) and opens attempts
// per the method. The claim is a compare-and-set, so two concurrent runs
// on the same request cannot both create attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) (Result, error) {
	if !in.Method.Valid() {
		return Result{}, fmt.Errorf("unknown assignment method %q: %w", in.Method, model.ErrValidation)
	}
	req, err := d.delivery.Get(ctx, in.RequestID)
	if err != nil {
		return Result{}, err
	}
	if req.Status != model.RequestPending {
		return Result{}, fmt.Errorf("request %s is %s, not pending: %w", in.RequestID, req.Status, model.ErrInvalidState)
	}

	scores, err := d.selectDrivers(ctx, req, in)
	if err != nil {
		metrics.MatchAttempts.WithLabelValues(string(in.Method), "error").Inc()
		return Result{}, err
	}
	if len(scores) == 0 {
		metrics.MatchAttempts.WithLabelValues(string(in.Method), "no_match").Inc()
		return Result{Request: req, Matched: false}, nil
	}
	metrics.MatchAttempts.WithLabelValues(string(in.Method), "matched").Inc()

	if err := d.delivery.MarkAssigned(ctx, in.RequestID); err != nil {
		return Result{}, err
	}

	attempts := make([]model.Assignment, 0, len(scores))
	timeout := time.Duration(in.TimeoutMinutes) * time.Minute
	for _, ms := range scores {
		a, err := d.ledger.Create(ctx, in.RequestID, ms.Candidate.DriverID, in.Method, timeout, in.Note)
		if err != nil {
			if len(attempts) == 0 {
				// Nothing opened; release the claim so the request can
				// be dispatched again.
				d.delivery.OnReassign(ctx, in.RequestID)
				return Result{}, err
			}
			break
		}
		attempts = append(attempts, a)
	}

	updated, err := d.delivery.Get(ctx, in.RequestID)
	if err != nil {
		updated = req
	}
	d.notify.Emit(ctx, "request.dispatched", map[string]any{
		"requestId": in.RequestID,
		"method":    in.Method,
		"attempts":  len(attempts),
	})
	return Result{Request: updated, Matched: true, Scores: scores, Assignments: attempts}, nil
}

func (d *Dispatcher) selectDrivers(ctx context.Context, req model.DeliveryRequest, in Input) ([]model.MatchScore, error) {
	switch in.Method {
	case model.MethodManual:
		if in.DriverID == "" {
			return nil, fmt.Errorf("manual dispatch needs a driverId: %w", model.ErrValidation)
		}
		elig, err := d.engine.ValidateEligibility(ctx, in.DriverID, req.Pickup)
		if err != nil {
			return nil, err
		}
		if !elig.Eligible {
			return nil, fmt.Errorf("driver %s not eligible: %s: %w", in.DriverID, elig.Reason, model.ErrInvalidState)
		}
		return []model.MatchScore{{Candidate: model.MatchCandidate{DriverID: in.DriverID}}}, nil

	case model.MethodAutoNearest, model.MethodAutoOptimal:
		best, err := d.engine.FindBestMatch(ctx, req, in.Method)
		if err != nil {
			return nil, err
		}
		if best == nil {
			return nil, nil
		}
		return []model.MatchScore{*best}, nil

	case model.MethodBroadcast:
		return d.engine.FindCandidates(ctx, req, in.MaxDrivers)

	default:
		return nil, fmt.Errorf("method %q not dispatchable: %w", in.Method, model.ErrUnsupportedMethod)
	}
}
