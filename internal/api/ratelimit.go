package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// driverLimiter throttles location pushes per driver so one chatty app
// cannot flood the history table.
type driverLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newDriverLimiter(rps float64, burst int) *driverLimiter {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 5
	}
	return &driverLimiter{
		limiters: map[string]*rate.Limiter{},
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (d *driverLimiter) allow(driverID string) bool {
	d.mu.Lock()
	lim, ok := d.limiters[driverID]
	if !ok {
		lim = rate.NewLimiter(d.rps, d.burst)
		d.limiters[driverID] = lim
	}
	d.mu.Unlock()
	return lim.Allow()
}
