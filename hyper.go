package cfscrape

import (
	"context"
	"sync"

	"github.com/Hyper-Solutions/hyper-sdk-go/v2"
)

// HyperMaxConcurrent bounds concurrent vendor API calls across all scrapers
// in the process; bursts above it get "access denied" responses.
const HyperMaxConcurrent = 3

// HyperRateLimiter is a counting semaphore around vendor API calls.
type HyperRateLimiter struct {
	sem chan struct{}
}

var (
	hyperLimiter     *HyperRateLimiter
	hyperLimiterOnce sync.Once
)

// GetHyperLimiter returns the process-wide limiter. maxConcurrent only
// applies on the first call.
func GetHyperLimiter(maxConcurrent int) *HyperRateLimiter {
	hyperLimiterOnce.Do(func() {
		hyperLimiter = &HyperRateLimiter{
			sem: make(chan struct{}, maxConcurrent),
		}
	})
	return hyperLimiter
}

// Acquire blocks until a slot is free or ctx ends.
func (h *HyperRateLimiter) Acquire(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *HyperRateLimiter) Release() {
	<-h.sem
}

// NewHyperSession returns a vendor session for apiKey, or nil when the key
// is empty so interstitial solving stays disabled.
func NewHyperSession(apiKey string) *hyper.Session {
	if apiKey == "" {
		return nil
	}
	return hyper.NewSession(apiKey)
}
