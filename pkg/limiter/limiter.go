package limiter

import (
	"context"
	"sync"
	"time"
)

// Tier represents the account tier used to select rate limit buckets.
// Verified bots receive a materially higher joins budget than standard
// accounts.
type Tier string

const (
	TierVerified  Tier = "verified"
	TierModerator Tier = "moderator"
	TierUser      Tier = "user"
)

// Bucket identifies the operation a limiter guards.
type Bucket string

const (
	BucketJoins    Bucket = "joins"
	BucketMessages Bucket = "messages"
)

// BucketPolicy maps a bucket to the number of operations allowed per
// rolling window.
type BucketPolicy struct {
	Limit  int32
	Window time.Duration
}

// PolicyTable maps tiers to their bucket policies. The thresholds are
// platform defined and subject to tuning, so the table is data rather
// than constants baked into call sites.
type PolicyTable map[Tier]map[Bucket]BucketPolicy

// DefaultPolicy mirrors the documented Twitch IRC limits.
func DefaultPolicy() PolicyTable {
	return PolicyTable{
		TierVerified: {
			BucketMessages: {Limit: 100, Window: 30 * time.Second},
			BucketJoins:    {Limit: 2000, Window: 10 * time.Second},
		},
		TierModerator: {
			BucketMessages: {Limit: 100, Window: 30 * time.Second},
			BucketJoins:    {Limit: 20, Window: 10 * time.Second},
		},
		TierUser: {
			BucketMessages: {Limit: 20, Window: 30 * time.Second},
			BucketJoins:    {Limit: 20, Window: 10 * time.Second},
		},
	}
}

// DurationLimiter allows an operation to run a fixed number of times per
// rolling window.
type DurationLimiter struct {
	mu sync.Mutex

	limit    int32
	window   time.Duration
	tokens   int32
	resetsAt time.Time
}

// NewDurationLimiter creates a DurationLimiter allowing limit operations
// per window.
func NewDurationLimiter(limit int32, window time.Duration) *DurationLimiter {
	return &DurationLimiter{
		limit:    limit,
		window:   window,
		tokens:   limit,
		resetsAt: time.Now().Add(window),
	}
}

// NewTierLimiter creates a DurationLimiter from a policy table entry.
// An unknown tier falls back to TierUser.
func NewTierLimiter(table PolicyTable, tier Tier, bucket Bucket) *DurationLimiter {
	policies, ok := table[tier]
	if !ok {
		policies = table[TierUser]
	}

	policy := policies[bucket]

	return NewDurationLimiter(policy.Limit, policy.Window)
}

// CheckLimit consumes one token and returns the cooldown remaining before
// the next operation may run. A zero duration means the caller is clear to
// proceed.
func (l *DurationLimiter) CheckLimit() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.check(time.Now(), true)
}

// Cooldown reports the remaining cooldown without consuming a token.
func (l *DurationLimiter) Cooldown() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.check(time.Now(), false)
}

func (l *DurationLimiter) check(now time.Time, update bool) time.Duration {
	if now.After(l.resetsAt) {
		l.tokens = l.limit
		l.resetsAt = now.Add(l.window)
	}

	if update {
		l.tokens--
	}

	if l.tokens <= 0 {
		return l.resetsAt.Sub(now)
	}

	return 0
}

// WaitFor blocks until the cooldown has elapsed or the context is
// cancelled. It does not consume a token.
func (l *DurationLimiter) WaitFor(ctx context.Context) error {
	cooldown := l.Cooldown()
	if cooldown <= 0 {
		return nil
	}

	timer := time.NewTimer(cooldown)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire consumes a token, blocking while the limiter is on cooldown.
func (l *DurationLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()

		cooldown := l.check(time.Now(), false)
		if cooldown <= 0 {
			l.tokens--
			l.mu.Unlock()

			return nil
		}

		l.mu.Unlock()

		timer := time.NewTimer(cooldown)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset restores the limiter to a full window.
func (l *DurationLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = l.limit
	l.resetsAt = time.Now().Add(l.window)
}
