package tmi

import (
	"context"
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"
)

// anonymousNick returns a justinfan nickname for read-only connections.
func anonymousNick() string {
	n, err := rand.Int(rand.Reader, big.NewInt(899999))
	if err != nil {
		return "justinfan123456"
	}

	return "justinfan" + n.Add(n, big.NewInt(100000)).String()
}

// normalizeChannel lowercases a channel name and strips any leading #.
func normalizeChannel(name string) string {
	return strings.ToLower(strings.TrimPrefix(name, "#"))
}

// parseMilliseconds parses a unix millisecond timestamp tag value.
func parseMilliseconds(value string) (time.Time, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}

	return time.UnixMilli(ms).UTC(), nil
}

func replaceIfEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}

	return value
}

// signal is a resettable level-triggered flag, the equivalent of a
// cooperative event. Waiters observe the level, not an edge, so setting
// before waiting does not lose the signal.
type signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.set {
		s.set = true
		close(s.ch)
	}
}

func (s *signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

func (s *signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.set
}

func (s *signal) Wait(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
