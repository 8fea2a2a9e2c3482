package nntp

import (
	"sync"
	"time"
)

// Health parameters. A server is marked unhealthy when its failure-rate EMA
// stays above the threshold for the sustain window; it is then skipped until
// the cooldown elapses.
const (
	healthAlpha            = 0.2
	unhealthyFailureRate   = 0.5
	unhealthySustainWindow = 30 * time.Second
	unhealthyCooldown      = 2 * time.Minute
)

// serverHealth tracks exponential moving averages of response time and
// failure rate for one server.
type serverHealth struct {
	mu sync.Mutex

	latencyEMA     time.Duration
	failureRateEMA float64
	samples        int64

	aboveSince    time.Time
	unhealthyAt   time.Time
	markUnhealthy bool
}

// Record folds one operation outcome into the moving averages and updates
// the unhealthy marking.
func (h *serverHealth) Record(latency time.Duration, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples++
	if h.samples == 1 {
		h.latencyEMA = latency
		if failed {
			h.failureRateEMA = 1
		}
	} else {
		h.latencyEMA = time.Duration(float64(h.latencyEMA)*(1-healthAlpha) + float64(latency)*healthAlpha)
		sample := 0.0
		if failed {
			sample = 1.0
		}
		h.failureRateEMA = h.failureRateEMA*(1-healthAlpha) + sample*healthAlpha
	}

	now := time.Now()
	if h.failureRateEMA > unhealthyFailureRate {
		if h.aboveSince.IsZero() {
			h.aboveSince = now
		} else if !h.markUnhealthy && now.Sub(h.aboveSince) >= unhealthySustainWindow {
			h.markUnhealthy = true
			h.unhealthyAt = now
		}
	} else {
		h.aboveSince = time.Time{}
	}
}

// Healthy reports whether the server may be used right now. A cooldown that
// has elapsed clears the marking and gives the server another chance.
func (h *serverHealth) Healthy(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.markUnhealthy {
		return true
	}
	if now.Sub(h.unhealthyAt) >= unhealthyCooldown {
		h.markUnhealthy = false
		h.aboveSince = time.Time{}
		h.failureRateEMA = 0
		return true
	}
	return false
}

// FailureRate returns the current failure-rate EMA.
func (h *serverHealth) FailureRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failureRateEMA
}

// Latency returns the current response-time EMA.
func (h *serverHealth) Latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latencyEMA
}
