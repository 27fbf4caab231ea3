package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Exponential produces successive reconnect delays, doubling each attempt
// with jitter, capped at MaxDelay. Once MaxAttempts delays have been
// handed out IsEmpty reports true and the caller should stop retrying.
type Exponential struct {
	mu sync.Mutex

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	attempt int
	current time.Duration
}

// NewExponential creates a backoff generator with the default policy of
// one second doubling to a minute, giving up after seven attempts.
func NewExponential() *Exponential {
	return &Exponential{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		MaxAttempts: 7,
	}
}

// Delay returns the next delay and advances the generator.
func (b *Exponential) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == 0 {
		b.current = b.BaseDelay
	} else {
		b.current *= 2
		if b.current > b.MaxDelay {
			b.current = b.MaxDelay
		}
	}

	b.attempt++

	// Jitter spreads reconnect storms from shards that died together.
	jitter := time.Duration(rand.Int63n(int64(b.current)/4 + 1))

	return b.current + jitter
}

// IsEmpty reports whether the retry budget has been exhausted.
func (b *Exponential) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts
}

// Reset restores the full retry budget after a successful connection.
func (b *Exponential) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempt = 0
	b.current = 0
}
