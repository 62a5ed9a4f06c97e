package assignment

import (
	"context"
	"log"
	"time"

	"dispatch/internal/model"
)

// Sweeper expires overdue attempts in the background. Expiry rides the
// same response path as a driver timeout, so a driver answering in the
// same instant loses or wins by the store swap, never by the ticker.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	stop     chan struct{}
}

func NewSweeper(l *Ledger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{ledger: l, interval: interval, stop: make(chan struct{})}
}

func (s *Sweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.SweepOnce(context.Background())
			}
		}
	}()
}

func (s *Sweeper) Stop() { close(s.stop) }

// SweepOnce expires every attempt past its deadline. Returns the number
// of attempts it settled.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := s.ledger.clock.Now()
	overdue, err := s.ledger.store.ListExpiredAssignments(ctx, now, 100)
	if err != nil {
		log.Printf("assignment: expiry scan failed: %v", err)
		return 0
	}
	n := 0
	for _, a := range overdue {
		if _, err := s.ledger.RecordResponse(ctx, a.ID, model.ResponseTimeout, "no response before deadline", 0); err != nil {
			// Settled concurrently; nothing to do.
			continue
		}
		n++
	}
	return n
}
