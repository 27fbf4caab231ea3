package tmi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func newOAuthServer(t *testing.T, validations *int64, handler func(w http.ResponseWriter, r *http.Request) bool) (*httptest.Server, *HTTPClient) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler != nil && handler(w, r) {
			return
		}

		switch r.URL.Path {
		case "/validate":
			atomic.AddInt64(validations, 1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"client_id":"abc","login":"Streamer","user_id":"123","scopes":["chat:read"],"expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	t.Cleanup(server.Close)

	client := NewHTTPClient()
	client.OAuthBase = server.URL

	return server, client
}

func TestTokenGetValidatesOnce(t *testing.T) {
	var validations int64

	_, client := newOAuthServer(t, &validations, nil)

	handler := &SimpleTokenHandler{ClientID: "abc"}
	token := NewToken("oauth:secret123", "")

	for i := 0; i < 2; i++ {
		access, err := token.Get(context.Background(), client, handler)
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}

		if access != "secret123" {
			t.Errorf("Get returned %q, expected %q", access, "secret123")
		}
	}

	if got := atomic.LoadInt64(&validations); got != 1 {
		t.Errorf("validation endpoint hit %d times, expected 1", got)
	}

	if user := token.User(); user == nil || user.Name != "streamer" || user.ID != "123" {
		t.Errorf("unexpected token user %+v", user)
	}

	if !token.HasScope("chat:read") {
		t.Error("expected token to report the chat:read scope")
	}
}

func TestTokenValidateRefreshesOnUnauthorized(t *testing.T) {
	var validations, refreshes int64

	_, client := newOAuthServer(t, &validations, func(w http.ResponseWriter, r *http.Request) bool {
		switch r.URL.Path {
		case "/validate":
			if r.Header.Get("Authorization") != "OAuth refreshed" {
				atomic.AddInt64(&validations, 1)
				w.WriteHeader(http.StatusUnauthorized)

				return true
			}

			return false
		case "/token":
			atomic.AddInt64(&refreshes, 1)

			if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "refresh_token" {
				w.WriteHeader(http.StatusBadRequest)

				return true
			}

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"refreshed","refresh_token":"next"}`))

			return true
		}

		return false
	})

	handler := &SimpleTokenHandler{ClientID: "abc", ClientSecret: "shh"}
	token := NewToken("stale", "previous")

	if err := token.Validate(context.Background(), client, handler); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}

	if got := atomic.LoadInt64(&refreshes); got != 1 {
		t.Errorf("refresh endpoint hit %d times, expected 1", got)
	}

	access, err := token.Get(context.Background(), client, handler)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}

	if access != "refreshed" {
		t.Errorf("Get returned %q, expected %q", access, "refreshed")
	}
}

func TestTokenRefreshWithoutSecret(t *testing.T) {
	var validations int64

	_, client := newOAuthServer(t, &validations, nil)

	handler := &SimpleTokenHandler{ClientID: "abc"}
	token := NewToken("stale", "previous")

	err := token.Refresh(context.Background(), client, handler)
	if err == nil {
		t.Fatal("Refresh returned nil error without a client secret")
	}
}

type recordingHandler struct {
	SimpleTokenHandler

	userTokenCalls int64
}

func (h *recordingHandler) UserToken(ctx context.Context, user *PartialUser, scopes []string) (*Token, error) {
	atomic.AddInt64(&h.userTokenCalls, 1)

	return h.SimpleTokenHandler.UserToken(ctx, user, scopes)
}

func TestTokenBrokerCachesUserTokens(t *testing.T) {
	var validations int64

	_, client := newOAuthServer(t, &validations, nil)

	handler := &recordingHandler{}
	handler.ClientID = "abc"
	handler.Token = NewToken("secret123", "")

	broker := NewTokenBroker(zerolog.Nop(), handler, client)

	user := &PartialUser{ID: "123", Name: "streamer"}

	first, err := broker.UserToken(context.Background(), user, "chat:read")
	if err != nil {
		t.Fatalf("UserToken returned error: %v", err)
	}

	second, err := broker.UserToken(context.Background(), user, "chat:read")
	if err != nil {
		t.Fatalf("UserToken returned error: %v", err)
	}

	if first != second {
		t.Error("expected the cached token on the second lookup")
	}

	if got := atomic.LoadInt64(&handler.userTokenCalls); got != 1 {
		t.Errorf("handler asked for a token %d times, expected 1", got)
	}

	if got := atomic.LoadInt64(&validations); got != 1 {
		t.Errorf("validation endpoint hit %d times, expected 1", got)
	}
}

func TestTokenBrokerRejectsInvalidTokens(t *testing.T) {
	var validations int64

	_, client := newOAuthServer(t, &validations, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/validate" {
			w.WriteHeader(http.StatusForbidden)

			return true
		}

		return false
	})

	handler := &SimpleTokenHandler{ClientID: "abc", Token: NewToken("broken", "")}
	broker := NewTokenBroker(zerolog.Nop(), handler, client)

	user := &PartialUser{ID: "123", Name: "streamer"}

	if _, err := broker.UserToken(context.Background(), user); err == nil {
		t.Fatal("expected an error for a token that fails validation")
	}

	if _, ok := broker.users.Load("streamer"); ok {
		set, _ := broker.users.Load("streamer")
		if set != nil && len(set.tokens) > 0 {
			t.Error("invalid token was cached")
		}
	}
}

func TestTokenBrokerIRCLoginRequiresChatScope(t *testing.T) {
	var validations int64

	_, client := newOAuthServer(t, &validations, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/validate" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"client_id":"abc","login":"streamer","user_id":"123","scopes":["bits:read"],"expires_in":3600}`))

			return true
		}

		return false
	})

	handler := &SimpleTokenHandler{ClientID: "abc", Token: NewToken("secret123", "")}
	broker := NewTokenBroker(zerolog.Nop(), handler, client)

	if _, _, err := broker.IRCLogin(context.Background(), "main-shard"); err == nil {
		t.Fatal("expected an error for a token without a chat scope")
	}
}

func TestTokenBrokerIRCLogin(t *testing.T) {
	var validations int64

	_, client := newOAuthServer(t, &validations, nil)

	handler := &SimpleTokenHandler{ClientID: "abc", Token: NewToken("secret123", "")}
	broker := NewTokenBroker(zerolog.Nop(), handler, client)

	access, user, err := broker.IRCLogin(context.Background(), "main-shard")
	if err != nil {
		t.Fatalf("IRCLogin returned error: %v", err)
	}

	if access != "secret123" {
		t.Errorf("IRCLogin returned token %q, expected %q", access, "secret123")
	}

	if user == nil || user.Name != "streamer" {
		t.Errorf("IRCLogin returned user %+v, expected streamer", user)
	}
}
