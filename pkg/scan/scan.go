/*
Package scan implements the historical-lookup backends used at subscribe
time: given an address and the client's checkpoint they answer whether the
address has seen any activity past it. Backends are Etherscan-compatible
HTTP APIs; rate limiting is shared process-wide through Throttle.
*/
package scan

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// Backend answers whether an address has activity after the checkpoint.
// An empty checkpoint always answers true: the client has no prior state,
// so it has to fetch either way.
type Backend interface {
	Scan(ctx context.Context, address, checkpoint string) (bool, error)
}

// Throttle is the process-wide rate-limit latch shared by every scan
// backend. While flagged, callers that have not been rate limited
// themselves delay one backoff period before their first request, keeping
// a burst of concurrent scans from stampeding an already throttling API.
type Throttle struct {
	flagged atomic.Bool
}

// NewThrottle returns an unflagged Throttle.
func NewThrottle() *Throttle {
	return &Throttle{}
}

// Flagged reports whether some caller is currently being rate limited.
func (t *Throttle) Flagged() bool {
	return t.flagged.Load()
}

// Set records whether the latest response was rate limited.
func (t *Throttle) Set(v bool) {
	t.flagged.Store(v)
}

// sleep waits for d unless the context ends first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
