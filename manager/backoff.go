package manager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// reconnectBackoff paces connect_to_active_user_device retries, widening
// the interval between attempts on repeated failure and collapsing back
// to the fast interval the moment one succeeds. Grounded on the teacher's
// RoutineHandshakeInitiator retry loop (src/handshake.go), which backs off
// a fixed handshake-retry timer on repeated failure; golang.org/x/time/rate
// stands in for that timer here since the retry is now a token-bucket wait
// rather than a single ticker.
type reconnectBackoff struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	current time.Duration
}

const (
	minReconnectInterval = 1 * time.Second
	maxReconnectInterval = 2 * time.Minute
)

func newReconnectBackoff() *reconnectBackoff {
	b := &reconnectBackoff{current: minReconnectInterval}
	b.limiter = rate.NewLimiter(rate.Every(b.current), 1)
	return b
}

// Wait blocks until the next attempt is allowed, honoring ctx cancellation.
func (b *reconnectBackoff) Wait(ctx context.Context) error {
	b.mu.Lock()
	l := b.limiter
	b.mu.Unlock()
	return l.Wait(ctx)
}

// Failure doubles the interval up to maxReconnectInterval.
func (b *reconnectBackoff) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current *= 2
	if b.current > maxReconnectInterval {
		b.current = maxReconnectInterval
	}
	b.limiter.SetLimit(rate.Every(b.current))
}

// Success resets the interval back to the fast path.
func (b *reconnectBackoff) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = minReconnectInterval
	b.limiter.SetLimit(rate.Every(b.current))
}
