package tmi

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streamlinked/tmi/pkg/backoff"
	"github.com/streamlinked/tmi/pkg/limiter"
	"go.uber.org/atomic"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
)

// Shard owns one chat connection and the set of channels routed to it.
// The desired channel set survives reconnects: whatever was joined is
// joined again on the next session.
type Shard struct {
	ID string

	client *Client
	logger zerolog.Logger

	channelsMu sync.RWMutex
	channels   map[string]struct{}
	joined     map[string]struct{}

	joinMu sync.Mutex

	wsMu   sync.RWMutex
	wsConn *websocket.Conn

	nick      string
	anonymous bool

	ready   *signal
	started *atomic.Bool
	closing *atomic.Bool
	exited  *atomic.Bool

	lastEvent *atomic.Time

	joinLimiter    *limiter.DurationLimiter
	messageLimiter *limiter.DurationLimiter

	backoff *backoff.Exponential

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newShard(client *Client, id string) *Shard {
	tier := client.Configuration.Tier()

	return &Shard{
		ID: id,

		client: client,
		logger: client.Logger.With().Str("shard_id", id).Logger(),

		channels: make(map[string]struct{}),
		joined:   make(map[string]struct{}),

		anonymous: client.Configuration.IRC.Anonymous,

		ready:   newSignal(),
		started: atomic.NewBool(false),
		closing: atomic.NewBool(false),
		exited:  atomic.NewBool(false),

		lastEvent: atomic.NewTime(time.Now()),

		joinLimiter:    limiter.NewTierLimiter(client.Policies, tier, limiter.BucketJoins),
		messageLimiter: limiter.NewTierLimiter(client.Policies, tier, limiter.BucketMessages),

		backoff: backoff.NewExponential(),
	}
}

// Start opens the shard connection and keeps it alive until Stop.
func (s *Shard) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return ErrWebsocketAlreadyOpen
	}

	s.exited.Store(false)
	s.ctx, s.cancel = context.WithCancel(ctx)

	tmiShardCount.Inc()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		err := s.startConnectionLoop(s.ctx)

		if s.closing.Load() {
			return
		}

		// The loop ending outside Stop is permanent shard death. The
		// shard is marked stopped so WaitUntilExit observes it.
		s.markStopped()

		if err != nil {
			s.logger.Error().Err(err).Msg("Shard connection loop ended")
			s.dispatchError(err)
		}
	}()

	return nil
}

func (s *Shard) markStopped() {
	if s.exited.Swap(true) {
		return
	}

	s.started.Store(false)

	tmiJoinedChannelCount.WithLabelValues(s.ID).Set(0)
	tmiShardCount.Dec()
}

// Stop closes the connection and waits for the shard goroutines to end.
func (s *Shard) Stop() error {
	if !s.started.Load() {
		return ErrShardNotStarted
	}

	if s.closing.Swap(true) {
		return nil
	}

	s.logger.Info().Msg("Stopping shard")

	s.cancel()
	s.closeConnection(websocket.StatusNormalClosure, "shutting down")
	s.wg.Wait()

	s.markStopped()
	s.closing.Store(false)

	return nil
}

// IsReady reports whether the shard has authenticated on its current
// connection.
func (s *Shard) IsReady() bool {
	return s.ready.IsSet()
}

// WaitUntilReady blocks until the shard authenticates or ctx ends.
func (s *Shard) WaitUntilReady(ctx context.Context) error {
	return s.ready.Wait(ctx)
}

// ChannelCount returns the number of channels assigned to the shard.
func (s *Shard) ChannelCount() int {
	s.channelsMu.RLock()
	defer s.channelsMu.RUnlock()

	return len(s.channels)
}

// Channels returns the assigned channel names, sorted.
func (s *Shard) Channels() []string {
	s.channelsMu.RLock()

	channels := make([]string, 0, len(s.channels))
	for channel := range s.channels {
		channels = append(channels, channel)
	}

	s.channelsMu.RUnlock()

	sort.Strings(channels)

	return channels
}

// HasChannel reports whether the channel is assigned to this shard.
func (s *Shard) HasChannel(name string) bool {
	s.channelsMu.RLock()
	defer s.channelsMu.RUnlock()

	_, ok := s.channels[normalizeChannel(name)]

	return ok
}

// Join assigns channels to the shard and, when the shard is connected,
// sends the JOIN commands under the join rate limit. Channels are
// remembered either way and joined on the next session.
func (s *Shard) Join(ctx context.Context, channels ...string) error {
	added := make([]string, 0, len(channels))

	s.channelsMu.Lock()

	for _, channel := range channels {
		channel = normalizeChannel(channel)
		if channel == "" {
			continue
		}

		if _, ok := s.channels[channel]; !ok {
			s.channels[channel] = struct{}{}
			added = append(added, channel)
		}
	}

	total := len(s.channels)

	s.channelsMu.Unlock()

	tmiJoinedChannelCount.WithLabelValues(s.ID).Set(float64(total))

	if !s.started.Load() || !s.ready.IsSet() {
		return nil
	}

	return s.sendJoins(ctx, added)
}

// Part removes channels from the shard and sends PART when connected.
func (s *Shard) Part(ctx context.Context, channels ...string) error {
	removed := make([]string, 0, len(channels))

	s.channelsMu.Lock()

	for _, channel := range channels {
		channel = normalizeChannel(channel)

		if _, ok := s.channels[channel]; ok {
			delete(s.channels, channel)
			delete(s.joined, channel)
			removed = append(removed, channel)
		}
	}

	total := len(s.channels)

	s.channelsMu.Unlock()

	tmiJoinedChannelCount.WithLabelValues(s.ID).Set(float64(total))

	if !s.started.Load() || !s.ready.IsSet() {
		return nil
	}

	for _, channel := range removed {
		if err := s.writeMessage(ctx, "PART #"+channel); err != nil {
			return err
		}
	}

	return nil
}

// SendMessage sends a PRIVMSG to a channel under the message rate limit.
// Anonymous shards cannot send.
func (s *Shard) SendMessage(ctx context.Context, channel, content string) error {
	if s.anonymous {
		return xerrors.Errorf("anonymous connections are read only: %w", ErrNoTokenAvailable)
	}

	if !s.started.Load() {
		return ErrShardNotStarted
	}

	if err := s.ready.Wait(ctx); err != nil {
		return err
	}

	if err := s.messageLimiter.Acquire(ctx); err != nil {
		return err
	}

	channel = normalizeChannel(channel)

	if err := s.writeMessage(ctx, "PRIVMSG #"+channel+" :"+content); err != nil {
		return err
	}

	if s.client.Events.Message != nil {
		echo := &Message{
			Content:   content,
			Timestamp: time.Now().UTC(),
			Author:    &Chatter{Name: s.nick},
			Channel:   &Channel{Name: channel, shard: s},
			Echo:      true,
		}

		s.client.dispatcher.Submit(func() {
			s.client.Events.Message(echo)
		})
	}

	return nil
}

// sendJoins sends JOINs one at a time under the join limiter. Both the
// direct Join path and the session replay funnel through here, and the
// per-session joined set guarantees at most one JOIN per channel per
// session.
func (s *Shard) sendJoins(ctx context.Context, channels []string) error {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	for _, channel := range channels {
		s.channelsMu.Lock()

		if _, ok := s.joined[channel]; ok {
			s.channelsMu.Unlock()

			continue
		}

		s.joined[channel] = struct{}{}
		s.channelsMu.Unlock()

		if err := s.joinLimiter.Acquire(ctx); err != nil {
			return err
		}

		if err := s.writeMessage(ctx, "JOIN #"+channel); err != nil {
			return err
		}
	}

	return nil
}

func (s *Shard) dispatchDisconnect(err error) {
	if s.client.Events.Disconnect == nil {
		return
	}

	s.client.dispatcher.Submit(func() {
		s.client.Events.Disconnect(s.ID, err)
	})
}

func (s *Shard) dispatchError(err error) {
	if s.client.Events.Error == nil {
		return
	}

	s.client.dispatcher.Submit(func() {
		s.client.Events.Error(s.ID, err)
	})
}
