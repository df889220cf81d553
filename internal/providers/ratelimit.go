package providers

import (
	"sync"

	"golang.org/x/time/rate"
)

// Per-provider client-side rate limiting. Limits are deliberately generous;
// the point is to smooth bursts from concurrent agents sharing one key, not
// to model provider quotas.
const (
	limiterRatePerSecond = 10
	limiterBurst         = 20
)

var (
	limitersMu sync.Mutex
	limiters   = make(map[string]*rate.Limiter)
)

// providerLimiter returns the shared limiter for a provider name. Adapters
// for the same provider share one limiter regardless of model.
func providerLimiter(provider string) *rate.Limiter {
	limitersMu.Lock()
	defer limitersMu.Unlock()
	if l, ok := limiters[provider]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(limiterRatePerSecond), limiterBurst)
	limiters[provider] = l
	return l
}
