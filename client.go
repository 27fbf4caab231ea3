package tmi

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/streamlinked/tmi/pkg/limiter"
	"golang.org/x/xerrors"
)

// Version of the library.
const Version = "0.2.0"

// Options configures a Client. Configuration and TokenHandler are
// required unless running anonymously.
type Options struct {
	Logger        zerolog.Logger
	Configuration Configuration

	// TokenHandler supplies credentials. May be nil for anonymous
	// read-only use.
	TokenHandler TokenHandler

	// ShardManager builds the manager, defaulting to the single shard
	// manager. NewDistributedShardManager spreads channels instead.
	ShardManager func(*Client) ShardManager

	// Policies overrides the rate limit table.
	Policies limiter.PolicyTable

	// ChatURL overrides the chat endpoint, for tests.
	ChatURL string

	Events Events

	DispatchWorkers int
	DispatchDepth   int
}

// Client is the top level handle: it owns the token broker, the shard
// manager and the dispatch pool, and routes channels onto shards.
type Client struct {
	Logger        zerolog.Logger
	Configuration Configuration
	Events        Events

	HTTP   *HTTPClient
	Broker *TokenBroker

	Policies limiter.PolicyTable
	ChatURL  string

	manager    ShardManager
	dispatcher *dispatcher
}

// NewClient creates a client from options.
func NewClient(options Options) *Client {
	client := &Client{
		Logger:        options.Logger,
		Configuration: options.Configuration,
		Events:        options.Events,

		HTTP: NewHTTPClient(),

		Policies: options.Policies,
		ChatURL:  options.ChatURL,
	}

	client.Configuration.applyDefaults()

	if client.Policies == nil {
		client.Policies = limiter.DefaultPolicy()
	}

	handler := options.TokenHandler
	if handler == nil {
		handler = &SimpleTokenHandler{
			ClientID:     client.Configuration.ClientID,
			ClientSecret: client.Configuration.ClientSecret,
		}
	}

	client.Broker = NewTokenBroker(client.Logger, handler, client.HTTP)
	client.dispatcher = newDispatcher(client.Logger, options.DispatchWorkers, options.DispatchDepth)

	if options.ShardManager != nil {
		client.manager = options.ShardManager(client)
	} else {
		client.manager = NewDefaultShardManager(client)
	}

	return client
}

// ShardManager returns the manager routing channels onto shards.
func (c *Client) ShardManager() ShardManager {
	return c.manager
}

// Start sets up the shard pool, opens the connections and joins the
// configured initial channels.
func (c *Client) Start(ctx context.Context) error {
	if err := c.manager.Setup(ctx); err != nil {
		return xerrors.Errorf("failed to set up shard manager: %w", err)
	}

	// Channels are placed before the connections open so each first
	// session joins everything in a single paced replay.
	c.JoinChannels(ctx, c.Configuration.IRC.InitialChannels...)

	return c.manager.Start(ctx)
}

// Stop closes every shard and drains the dispatch pool.
func (c *Client) Stop() error {
	err := c.manager.Stop()

	c.dispatcher.Close()

	return err
}

// JoinChannels places each channel on a shard and joins it. A channel
// that cannot be placed is reported through the error callback without
// affecting the rest of the batch.
func (c *Client) JoinChannels(ctx context.Context, channels ...string) {
	for _, channel := range channels {
		channel = normalizeChannel(channel)
		if channel == "" {
			continue
		}

		shard, err := c.manager.AssignShard(ctx, channel)
		if err == nil {
			err = shard.Join(ctx, channel)
		}

		if err != nil {
			c.Logger.Error().Err(err).Str("channel", channel).Msg("Failed to join channel")

			if c.Events.Error != nil {
				err := err

				c.dispatcher.Submit(func() {
					c.Events.Error("", xerrors.Errorf("failed to join channel %s: %w", channel, err))
				})
			}
		}
	}
}

// PartChannel leaves a channel on whichever shard owns it.
func (c *Client) PartChannel(ctx context.Context, channel string) error {
	channel = normalizeChannel(channel)

	shard, ok := c.manager.ShardFor(channel)
	if !ok {
		return xerrors.Errorf("no shard owns channel %s: %w", channel, ErrNoShards)
	}

	return shard.Part(ctx, channel)
}

// SendMessage sends a message to a channel through the owning shard,
// falling back to the sender shard for channels nobody joined.
func (c *Client) SendMessage(ctx context.Context, channel, content string) error {
	channel = normalizeChannel(channel)

	shard, ok := c.manager.ShardFor(channel)
	if !ok {
		var err error

		shard, err = c.manager.SenderShard()
		if err != nil {
			return err
		}
	}

	return shard.SendMessage(ctx, channel, content)
}

// Wait blocks until every shard has exited.
func (c *Client) Wait(ctx context.Context) error {
	return c.manager.WaitUntilExit(ctx)
}

// Dispatch runs a task on the event worker pool. Transports use this so
// their callbacks share the pool with chat events.
func (c *Client) Dispatch(task func()) {
	c.dispatcher.Submit(task)
}

// WaitUntilReady blocks until every shard has authenticated.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	for _, shard := range c.manager.Shards() {
		if err := shard.WaitUntilReady(ctx); err != nil {
			return err
		}
	}

	return nil
}
