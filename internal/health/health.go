// Package health implements the readiness polling primitive used for both
// dependency and application bring-up. The gate only observes: restart
// decisions belong to the caller.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"devloop/internal/log"
)

// Result is one readiness observation.
type Result struct {
	Timestamp time.Time
	Healthy   bool
	Latency   time.Duration
	Err       error
}

// Gate polls an HTTP readiness endpoint at a fixed interval until it
// succeeds or the total timeout elapses. Fixed-interval polling is used
// rather than backoff: startup times in this domain are short and bounded,
// and a predictable probe cadence gives predictable bring-up latency.
type Gate struct {
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
}

// NewGate creates a Gate with the given poll interval and total timeout.
func NewGate(interval, timeout time.Duration) *Gate {
	return &Gate{
		interval: interval,
		timeout:  timeout,
		client: &http.Client{
			// Each probe is bounded so one hung connection cannot eat
			// the whole polling budget
			Timeout: interval * 2,
		},
	}
}

// Check performs a single readiness probe.
func (g *Gate) Check(ctx context.Context, url string) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Timestamp: start, Err: err}
	}

	resp, err := g.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Result{Timestamp: start, Latency: latency, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return Result{
			Timestamp: start,
			Latency:   latency,
			Err:       fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	return Result{Timestamp: start, Healthy: true, Latency: latency}
}

// Wait polls until the endpoint reports healthy or the timeout elapses.
// Returns the first healthy Result, or the final unhealthy one once the
// deadline passes. Success is never reported after the deadline. A
// cancelled ctx returns immediately with ctx.Err().
func (g *Gate) Wait(ctx context.Context, url string) (Result, error) {
	deadline := time.Now().Add(g.timeout)
	// Probes share the overall deadline so the final one cannot outlive
	// it against a hung endpoint
	probeCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var last Result
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		last = g.Check(probeCtx, url)
		attempt++
		if last.Healthy && time.Now().Before(deadline) {
			log.Debug(log.CatHealth, "endpoint healthy", "url", url, "attempts", attempt, "latency", last.Latency)
			return last, nil
		}
		if !time.Now().Before(deadline) {
			last.Healthy = false
			log.Warn(log.CatHealth, "readiness timed out", "url", url, "attempts", attempt)
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(g.interval):
		}
	}
}
