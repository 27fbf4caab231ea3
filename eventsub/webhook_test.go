package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/rs/zerolog"
	tmi "github.com/streamlinked/tmi"
	"github.com/valyala/fasthttp"
)

const webhookSecret = "s3cre7"

func newWebhookClient(t *testing.T) *tmi.Client {
	t.Helper()

	var configuration tmi.Configuration
	configuration.IRC.Anonymous = true

	client := tmi.NewClient(tmi.Options{
		Logger:        zerolog.Nop(),
		Configuration: configuration,
	})

	t.Cleanup(func() {
		_ = client.Stop()
	})

	return client
}

func signDelivery(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func deliver(transport *WebhookTransport, messageType, signature string, body []byte) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx

	ctx.Request.SetRequestURI(CallbackPath)
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.Header.Set(headerMessageID, "msg-1")
	ctx.Request.Header.Set(headerTimestamp, "2026-08-30T12:00:00Z")
	ctx.Request.Header.Set(headerMessageType, messageType)
	ctx.Request.Header.Set(headerSignature, signature)
	ctx.Request.SetBody(body)

	transport.HandleCallback(&ctx)

	return &ctx
}

func TestWebhookChallenge(t *testing.T) {
	client := newWebhookClient(t)
	transport := NewWebhookTransport(client, webhookSecret, "https://example.com"+CallbackPath, nil)

	body := []byte(`{"challenge":"pogchamp","subscription":{"id":"sub-1","type":"channel.follow","status":"webhook_callback_verification_pending"}}`)
	signature := signDelivery(webhookSecret, "msg-1", "2026-08-30T12:00:00Z", body)

	ctx := deliver(transport, messageTypeVerification, signature, body)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("challenge returned status %d, expected 200", ctx.Response.StatusCode())
	}

	if string(ctx.Response.Body()) != "pogchamp" {
		t.Errorf("challenge body is %q, expected %q", ctx.Response.Body(), "pogchamp")
	}
}

func TestWebhookNotification(t *testing.T) {
	client := newWebhookClient(t)

	notifications := make(chan *Notification, 1)
	transport := NewWebhookTransport(client, webhookSecret, "https://example.com"+CallbackPath, func(notification *Notification) {
		notifications <- notification
	})

	body := []byte(`{"subscription":{"id":"sub-1","type":"stream.online","version":"1","status":"enabled","cost":1},"event":{"broadcaster_user_id":"123","broadcaster_user_login":"streamer","id":"s1","type":"live"}}`)
	signature := signDelivery(webhookSecret, "msg-1", "2026-08-30T12:00:00Z", body)

	ctx := deliver(transport, messageTypeNotification, signature, body)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("notification returned status %d, expected 204", ctx.Response.StatusCode())
	}

	select {
	case notification := <-notifications:
		if notification.Subscription.Type != "stream.online" {
			t.Errorf("notification type is %q, expected stream.online", notification.Subscription.Type)
		}

		event, err := DecodeEvent[StreamOnlineEvent](notification)
		if err != nil {
			t.Fatalf("DecodeEvent returned error: %v", err)
		}

		if event.BroadcasterUserLogin != "streamer" {
			t.Errorf("event broadcaster is %q, expected streamer", event.BroadcasterUserLogin)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification handler never fired")
	}
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	client := newWebhookClient(t)

	handled := make(chan struct{}, 1)
	transport := NewWebhookTransport(client, webhookSecret, "https://example.com"+CallbackPath, func(*Notification) {
		handled <- struct{}{}
	})

	body := []byte(`{"subscription":{"id":"sub-1","type":"stream.online","version":"1","status":"enabled","cost":1},"event":{}}`)
	signature := signDelivery(webhookSecret, "msg-1", "2026-08-30T12:00:00Z", body)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = 'X'

	ctx := deliver(transport, messageTypeNotification, signature, tampered)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("tampered delivery returned status %d, expected 400", ctx.Response.StatusCode())
	}

	select {
	case <-handled:
		t.Fatal("handler fired for a delivery with a bad signature")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	client := newWebhookClient(t)
	transport := NewWebhookTransport(client, webhookSecret, "https://example.com"+CallbackPath, nil)

	body := []byte(`{"subscription":{"id":"sub-1","type":"stream.online"}}`)
	signature := signDelivery("wrong-secret", "msg-1", "2026-08-30T12:00:00Z", body)

	ctx := deliver(transport, messageTypeNotification, signature, body)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("delivery signed with the wrong secret returned status %d, expected 400", ctx.Response.StatusCode())
	}
}
