package observability

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// captureBudget is the backoff state tracked per distinct message.
type captureBudget struct {
	lastCapture time.Time
	interval    time.Duration
}

// CaptureRateLimiter throttles repeated Sentry captures of the same
// corruption or device-error message using exponential backoff rather than
// a flat cooldown: the first occurrence of a message always gets through,
// and every repeat seen before the message's current interval elapses
// doubles that interval (capped at maxInterval) instead of just resetting
// a fixed window. A sector losing a whole run of records to bit rot can
// otherwise call CaptureWarn thousands of times in a row; backoff keeps
// the operator seeing the condition persist without a flood of duplicate
// issues, and recovers to tight reporting once the message stops
// recurring.
//
// State is keyed directly by the message string rather than a hash of it:
// every message this package captures is one of a small, fixed set of
// short corruption/device-error strings, so there's no arbitrary-length
// input to bound by hashing first, unlike a rate limiter built to guard
// against attacker-controlled log lines.
//
// Memory is bounded with an LRU cache; if it's too small and too many
// distinct messages recur frequently, some repeats may still get through.
// A nil *CaptureRateLimiter lets everything through.
type CaptureRateLimiter struct {
	cache       *lru.Cache
	minInterval time.Duration
	maxInterval time.Duration
}

// NewCaptureRateLimiter returns a CaptureRateLimiter backed by an LRU cache
// of the given size. Each distinct message starts at minInterval between
// allowed captures; a repeat arriving before the current interval elapses
// doubles it, up to maxInterval.
func NewCaptureRateLimiter(size int, minInterval, maxInterval time.Duration) (*CaptureRateLimiter, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CaptureRateLimiter{cache: cache, minInterval: minInterval, maxInterval: maxInterval}, nil
}

// AllowCapture reports whether msg should be captured now. A capture
// resets msg's backoff interval to minInterval; a rejection doubles it
// (capped at maxInterval) so the next repeat waits longer still.
func (rl *CaptureRateLimiter) AllowCapture(msg string) bool {
	if rl == nil {
		return true
	}

	now := time.Now()

	cached, inCache := rl.cache.Get(msg)
	if !inCache {
		rl.cache.Add(msg, captureBudget{lastCapture: now, interval: rl.minInterval})
		return true
	}

	budget := cached.(captureBudget)
	if now.Sub(budget.lastCapture) < budget.interval {
		budget.interval *= 2
		if budget.interval > rl.maxInterval {
			budget.interval = rl.maxInterval
		}
		rl.cache.Add(msg, budget)
		return false
	}

	rl.cache.Add(msg, captureBudget{lastCapture: now, interval: rl.minInterval})
	return true
}
