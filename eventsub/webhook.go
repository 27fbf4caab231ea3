package eventsub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	routing "github.com/fasthttp/router"
	"github.com/rs/zerolog"
	tmi "github.com/streamlinked/tmi"
	"github.com/streamlinked/tmi/tmijson"
	"github.com/valyala/fasthttp"
	"golang.org/x/xerrors"
)

const (
	headerMessageID   = "Twitch-Eventsub-Message-Id"
	headerMessageType = "Twitch-Eventsub-Message-Type"
	headerTimestamp   = "Twitch-Eventsub-Message-Timestamp"
	headerSignature   = "Twitch-Eventsub-Message-Signature"

	signaturePrefix = "sha256="

	messageTypeVerification = "webhook_callback_verification"
	messageTypeNotification = "notification"
	messageTypeRevocation   = "revocation"
)

// CallbackPath is the route the webhook transport serves.
const CallbackPath = "/eventsub/callback"

type webhookFrame struct {
	Challenge    string          `json:"challenge"`
	Subscription *Subscription   `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// WebhookTransport delivers notifications through a signed HTTP
// callback. Subscriptions are authorized with the app token.
type WebhookTransport struct {
	logger  zerolog.Logger
	client  *tmi.Client
	api     *api
	handler NotificationHandler

	secret      string
	callbackURL string

	router *routing.Router
	server *fasthttp.Server

	mu            sync.Mutex
	subscriptions map[string]*Subscription
}

// NewWebhookTransport creates a webhook transport. The secret signs
// every delivery and callbackURL is what subscriptions register.
func NewWebhookTransport(client *tmi.Client, secret, callbackURL string, handler NotificationHandler) *WebhookTransport {
	transport := &WebhookTransport{
		logger:  client.Logger.With().Str("component", "eventsub-webhook").Logger(),
		client:  client,
		api:     &api{client: client},
		handler: handler,

		secret:      secret,
		callbackURL: callbackURL,

		router: routing.New(),

		subscriptions: make(map[string]*Subscription),
	}

	transport.router.POST(CallbackPath, transport.HandleCallback)

	return transport
}

// Handler returns the request handler, usable without ListenAndServe.
func (t *WebhookTransport) Handler() fasthttp.RequestHandler {
	return t.router.Handler
}

// ListenAndServe serves the callback route until Close.
func (t *WebhookTransport) ListenAndServe(address string) error {
	t.server = &fasthttp.Server{
		Handler: t.router.Handler,
		Name:    "tmi",
	}

	t.logger.Info().Str("address", address).Msg("Serving eventsub callback")

	return t.server.ListenAndServe(address)
}

// Subscribe creates a webhook subscription with the app token. The
// subscription stays pending until the challenge round trip completes.
func (t *WebhookTransport) Subscribe(ctx context.Context, topic Topic, condition Condition, _ *tmi.PartialUser) (*Subscription, error) {
	token, err := t.client.Broker.ClientToken(ctx)
	if err != nil {
		return nil, err
	}

	request := subscriptionRequest{
		Type:      topic.Type,
		Version:   topic.Version,
		Condition: condition,
		Transport: transportRequest{
			Method:   "webhook",
			Callback: t.callbackURL,
			Secret:   t.secret,
		},
	}

	response, err := t.api.createSubscription(ctx, token.AccessToken, request)
	if err != nil {
		return nil, err
	}

	subscription := response.Data[0]

	t.mu.Lock()
	t.subscriptions[subscription.ID] = subscription
	t.mu.Unlock()

	t.logger.Info().
		Str("type", topic.Type).
		Str("subscription_id", subscription.ID).
		Msg("Created webhook subscription")

	return subscription, nil
}

// Unsubscribe deletes a webhook subscription.
func (t *WebhookTransport) Unsubscribe(ctx context.Context, id string) error {
	t.mu.Lock()
	_, held := t.subscriptions[id]
	t.mu.Unlock()

	if !held {
		return xerrors.Errorf("cannot delete %s: %w", id, ErrUnknownSubscription)
	}

	token, err := t.client.Broker.ClientToken(ctx)
	if err != nil {
		return err
	}

	if err := t.api.deleteSubscription(ctx, token.AccessToken, id); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.subscriptions, id)
	t.mu.Unlock()

	return nil
}

// Close shuts the callback server down.
func (t *WebhookTransport) Close() error {
	if t.server == nil {
		return nil
	}

	return t.server.Shutdown()
}

// HandleCallback verifies and processes one delivery. Deliveries with a
// bad signature are rejected before the body is interpreted.
func (t *WebhookTransport) HandleCallback(ctx *fasthttp.RequestCtx) {
	messageID := ctx.Request.Header.Peek(headerMessageID)
	timestamp := ctx.Request.Header.Peek(headerTimestamp)
	signature := ctx.Request.Header.Peek(headerSignature)
	body := ctx.PostBody()

	if !t.verifySignature(messageID, timestamp, body, signature) {
		t.logger.Warn().Str("message_id", string(messageID)).Msg("Rejected delivery with bad signature")
		ctx.SetStatusCode(fasthttp.StatusBadRequest)

		return
	}

	var received webhookFrame
	if err := tmijson.Unmarshal(body, &received); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)

		return
	}

	switch string(ctx.Request.Header.Peek(headerMessageType)) {
	case messageTypeVerification:
		ctx.SetContentType("text/plain")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(received.Challenge)

		if received.Subscription != nil {
			t.logger.Info().Str("subscription_id", received.Subscription.ID).Msg("Answered webhook challenge")
		}
	case messageTypeNotification:
		if t.handler != nil && received.Subscription != nil {
			eventsubNotificationCount.WithLabelValues(received.Subscription.Type).Inc()

			notification := &Notification{
				Subscription: received.Subscription,
				Event:        []byte(received.Event),
			}

			t.client.Dispatch(func() {
				t.handler(notification)
			})
		}

		ctx.SetStatusCode(fasthttp.StatusNoContent)
	case messageTypeRevocation:
		if received.Subscription != nil {
			t.logger.Warn().
				Str("subscription_id", received.Subscription.ID).
				Str("status", received.Subscription.Status).
				Msg("Subscription revoked")

			t.mu.Lock()
			delete(t.subscriptions, received.Subscription.ID)
			t.mu.Unlock()
		}

		ctx.SetStatusCode(fasthttp.StatusNoContent)
	default:
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

// verifySignature checks the HMAC over id, timestamp and body in
// constant time.
func (t *WebhookTransport) verifySignature(messageID, timestamp, body, signature []byte) bool {
	mac := hmac.New(sha256.New, []byte(t.secret))
	mac.Write(messageID)
	mac.Write(timestamp)
	mac.Write(body)

	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), signature)
}
