package eventsub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	tmi "github.com/streamlinked/tmi"
	"github.com/streamlinked/tmi/pkg/backoff"
	"github.com/streamlinked/tmi/tmijson"
	"go.uber.org/atomic"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
)

// TwitchEventSubURL is the production EventSub websocket endpoint.
const TwitchEventSubURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	// sessionMaxTotalCost is the cost budget assumed for a session until
	// the subscription API reports the real figures.
	sessionMaxTotalCost = 100

	defaultKeepaliveTimeout = 10 * time.Second
	keepaliveGrace          = time.Second
	welcomeTimeout          = 15 * time.Second
)

type sessionFrame struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url"`
}

type frame struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`

	Payload struct {
		Session      *sessionFrame   `json:"session"`
		Subscription *Subscription   `json:"subscription"`
		Event        json.RawMessage `json:"event"`
	} `json:"payload"`
}

// WebsocketTransport delivers notifications over EventSub websocket
// sessions. Sessions are opened per authorizing user and a new session
// is added when the cost budget of the existing ones is spent.
type WebsocketTransport struct {
	logger  zerolog.Logger
	client  *tmi.Client
	api     *api
	handler NotificationHandler

	// URL is overridable for tests.
	URL string

	mu     sync.Mutex
	shards []*WebsocketShard

	closing *atomic.Bool
}

// NewWebsocketTransport creates a websocket transport delivering into
// the handler.
func NewWebsocketTransport(client *tmi.Client, handler NotificationHandler) *WebsocketTransport {
	return &WebsocketTransport{
		logger:  client.Logger.With().Str("component", "eventsub-websocket").Logger(),
		client:  client,
		api:     &api{client: client},
		handler: handler,

		URL: TwitchEventSubURL,

		closing: atomic.NewBool(false),
	}
}

// Subscribe creates a subscription authorized by the user's token on a
// session with spare cost budget, opening a new session when needed.
func (t *WebsocketTransport) Subscribe(ctx context.Context, topic Topic, condition Condition, user *tmi.PartialUser) (*Subscription, error) {
	if user == nil {
		return nil, xerrors.Errorf("websocket subscriptions require an authorizing user: %w", ErrSubscriptionFailure)
	}

	token, err := t.client.Broker.UserToken(ctx, user)
	if err != nil {
		return nil, err
	}

	accessToken, err := t.client.Broker.AccessToken(ctx, token)
	if err != nil {
		return nil, err
	}

	shard, err := t.shardFor(ctx, user)
	if err != nil {
		return nil, err
	}

	request := subscriptionRequest{
		Type:      topic.Type,
		Version:   topic.Version,
		Condition: condition,
		Transport: transportRequest{
			Method:    "websocket",
			SessionID: shard.SessionID(),
		},
	}

	response, err := t.api.createSubscription(ctx, accessToken, request)
	if err != nil {
		return nil, err
	}

	subscription := response.Data[0]
	shard.record(subscription, response)

	t.logger.Info().
		Str("type", topic.Type).
		Str("subscription_id", subscription.ID).
		Int("cost", subscription.Cost).
		Msg("Created websocket subscription")

	return subscription, nil
}

// Unsubscribe deletes a subscription and refunds its cost to the
// session that held it.
func (t *WebsocketTransport) Unsubscribe(ctx context.Context, id string) error {
	shard := t.shardHolding(id)
	if shard == nil {
		return xerrors.Errorf("cannot delete %s: %w", id, ErrUnknownSubscription)
	}

	token, err := t.client.Broker.UserToken(ctx, shard.user)
	if err != nil {
		return err
	}

	accessToken, err := t.client.Broker.AccessToken(ctx, token)
	if err != nil {
		return err
	}

	if err := t.api.deleteSubscription(ctx, accessToken, id); err != nil {
		return err
	}

	shard.forget(id)

	return nil
}

// Shards returns a snapshot of the open sessions.
func (t *WebsocketTransport) Shards() []*WebsocketShard {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*WebsocketShard(nil), t.shards...)
}

// Close tears every session down.
func (t *WebsocketTransport) Close() error {
	if t.closing.Swap(true) {
		return nil
	}

	t.mu.Lock()
	shards := append([]*WebsocketShard(nil), t.shards...)
	t.shards = nil
	t.mu.Unlock()

	for _, shard := range shards {
		shard.stop()
	}

	return nil
}

func (t *WebsocketTransport) shardFor(ctx context.Context, user *tmi.PartialUser) (*WebsocketShard, error) {
	key := strings.ToLower(user.Name)

	t.mu.Lock()

	for _, shard := range t.shards {
		// A session is only reused while it has budget for more than one
		// additional unit; at one or below a fresh session is opened.
		if strings.ToLower(shard.user.Name) == key && shard.AvailableCost() > 1 {
			t.mu.Unlock()

			return shard, nil
		}
	}

	t.mu.Unlock()

	shard := newWebsocketShard(t, user)
	if err := shard.start(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.shards = append(t.shards, shard)
	t.mu.Unlock()

	return shard, nil
}

func (t *WebsocketTransport) shardHolding(id string) *WebsocketShard {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, shard := range t.shards {
		if shard.holds(id) {
			return shard
		}
	}

	return nil
}

// WebsocketShard is one EventSub session and the subscriptions it
// carries.
type WebsocketShard struct {
	transport *WebsocketTransport
	logger    zerolog.Logger
	user      *tmi.PartialUser

	mu            sync.Mutex
	conn          *websocket.Conn
	sessionID     string
	keepalive     time.Duration
	availableCost int
	subscriptions map[string]*Subscription

	backoff *backoff.Exponential
	closing *atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWebsocketShard(transport *WebsocketTransport, user *tmi.PartialUser) *WebsocketShard {
	return &WebsocketShard{
		transport: transport,
		logger:    transport.logger.With().Str("user", user.Name).Logger(),
		user:      user,

		keepalive:     defaultKeepaliveTimeout,
		availableCost: sessionMaxTotalCost,
		subscriptions: make(map[string]*Subscription),

		backoff: backoff.NewExponential(),
		closing: atomic.NewBool(false),
	}
}

// SessionID returns the welcome-assigned session id.
func (s *WebsocketShard) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sessionID
}

// AvailableCost returns the remaining cost budget of the session.
func (s *WebsocketShard) AvailableCost() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.availableCost
}

// SubscriptionCount returns the number of held subscriptions.
func (s *WebsocketShard) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.subscriptions)
}

func (s *WebsocketShard) start(ctx context.Context) error {
	// The shard outlives the Subscribe call that created it.
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.establish(ctx, s.transport.URL); err != nil {
		s.cancel()

		return err
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.run(s.ctx)
	}()

	return nil
}

func (s *WebsocketShard) stop() {
	if s.closing.Swap(true) {
		return
	}

	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}

	s.wg.Wait()
}

// establish dials a session endpoint and consumes the welcome frame,
// swapping out any previous connection.
func (s *WebsocketShard) establish(ctx context.Context, url string) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return xerrors.Errorf("failed to dial eventsub endpoint: %w", err)
	}

	welcomeCtx, cancel := context.WithTimeout(ctx, welcomeTimeout)
	defer cancel()

	_, data, err := conn.Read(welcomeCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no welcome")

		return xerrors.Errorf("failed to read welcome frame: %w", err)
	}

	var welcome frame
	if err := tmijson.Unmarshal(data, &welcome); err != nil || welcome.Payload.Session == nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad welcome")

		return xerrors.Errorf("malformed welcome frame: %w", ErrSubscriptionFailure)
	}

	s.mu.Lock()

	previous := s.conn
	s.conn = conn
	s.sessionID = welcome.Payload.Session.ID

	if seconds := welcome.Payload.Session.KeepaliveTimeoutSeconds; seconds > 0 {
		s.keepalive = time.Duration(seconds) * time.Second
	}

	s.mu.Unlock()

	if previous != nil {
		_ = previous.Close(websocket.StatusNormalClosure, "session replaced")
	}

	s.logger.Info().Str("session_id", welcome.Payload.Session.ID).Msg("EventSub session established")

	return nil
}

// run reads frames until the shard stops. A silent or dead session is
// replaced and its subscriptions recreated.
func (s *WebsocketShard) run(ctx context.Context) {
	for {
		conn := s.connection()
		if conn == nil {
			return
		}

		err := s.pump(ctx, conn)

		if s.closing.Load() || ctx.Err() != nil {
			return
		}

		// The connection may have been swapped under a server directed
		// reconnect, in which case the pump just follows the new one.
		if s.connection() != conn {
			continue
		}

		s.logger.Warn().Err(err).Msg("EventSub session lost, replacing")

		if err := s.replaceSession(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to replace eventsub session")

			return
		}
	}
}

func (s *WebsocketShard) pump(ctx context.Context, conn *websocket.Conn) error {
	for {
		s.mu.Lock()
		keepalive := s.keepalive
		s.mu.Unlock()

		readCtx, cancel := context.WithTimeout(ctx, keepalive+keepaliveGrace)
		_, data, err := conn.Read(readCtx)
		cancel()

		if err != nil {
			return err
		}

		var received frame
		if err := tmijson.Unmarshal(data, &received); err != nil {
			s.logger.Warn().Err(err).Msg("Discarding malformed frame")

			continue
		}

		switch received.Metadata.MessageType {
		case "session_keepalive":
		case "session_reconnect":
			if session := received.Payload.Session; session != nil && session.ReconnectURL != "" {
				if err := s.establish(ctx, session.ReconnectURL); err != nil {
					return err
				}

				return nil
			}
		case "notification":
			s.deliver(&received)
		case "revocation":
			if subscription := received.Payload.Subscription; subscription != nil {
				s.logger.Warn().
					Str("subscription_id", subscription.ID).
					Str("status", subscription.Status).
					Msg("Subscription revoked")

				s.forget(subscription.ID)
			}
		}
	}
}

func (s *WebsocketShard) deliver(received *frame) {
	if s.transport.handler == nil || received.Payload.Subscription == nil {
		return
	}

	eventsubNotificationCount.WithLabelValues(received.Payload.Subscription.Type).Inc()

	notification := &Notification{
		Subscription: received.Payload.Subscription,
		Event:        []byte(received.Payload.Event),
	}

	s.transport.client.Dispatch(func() {
		s.transport.handler(notification)
	})
}

// replaceSession dials a fresh session and recreates the recorded
// subscriptions on it.
func (s *WebsocketShard) replaceSession(ctx context.Context) error {
	for {
		err := s.establish(ctx, s.transport.URL)
		if err == nil {
			break
		}

		if s.backoff.IsEmpty() {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff.Delay()):
		}
	}

	s.backoff.Reset()

	return s.resubscribe(ctx)
}

func (s *WebsocketShard) resubscribe(ctx context.Context) error {
	s.mu.Lock()

	held := make([]*Subscription, 0, len(s.subscriptions))
	for _, subscription := range s.subscriptions {
		held = append(held, subscription)
	}

	s.subscriptions = make(map[string]*Subscription)
	s.availableCost = sessionMaxTotalCost
	sessionID := s.sessionID

	s.mu.Unlock()

	token, err := s.transport.client.Broker.UserToken(ctx, s.user)
	if err != nil {
		return err
	}

	accessToken, err := s.transport.client.Broker.AccessToken(ctx, token)
	if err != nil {
		return err
	}

	for _, subscription := range held {
		request := subscriptionRequest{
			Type:      subscription.Type,
			Version:   subscription.Version,
			Condition: subscription.Condition,
			Transport: transportRequest{
				Method:    "websocket",
				SessionID: sessionID,
			},
		}

		response, err := s.transport.api.createSubscription(ctx, accessToken, request)
		if err != nil {
			s.logger.Error().Err(err).Str("type", subscription.Type).Msg("Failed to recreate subscription")

			continue
		}

		s.record(response.Data[0], response)
	}

	return nil
}

func (s *WebsocketShard) record(subscription *Subscription, response *subscriptionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions[subscription.ID] = subscription

	// The API reports the authoritative totals, so the local budget is
	// reconciled rather than decremented.
	if response.MaxTotalCost > 0 {
		s.availableCost = response.MaxTotalCost - response.TotalCost
	} else {
		s.availableCost -= subscription.Cost
	}

	eventsubSessionCost.WithLabelValues(s.sessionID).Set(float64(s.availableCost))
	eventsubSubscriptionCount.WithLabelValues(s.sessionID).Set(float64(len(s.subscriptions)))
}

func (s *WebsocketShard) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subscription, ok := s.subscriptions[id]; ok {
		s.availableCost += subscription.Cost
		delete(s.subscriptions, id)

		eventsubSessionCost.WithLabelValues(s.sessionID).Set(float64(s.availableCost))
		eventsubSubscriptionCount.WithLabelValues(s.sessionID).Set(float64(len(s.subscriptions)))
	}
}

func (s *WebsocketShard) holds(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.subscriptions[id]

	return ok
}

func (s *WebsocketShard) connection() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn
}
