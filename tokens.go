package tmi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"github.com/rs/zerolog"
	"github.com/streamlinked/tmi/tmijson"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/xerrors"
)

const (
	// tokenValidationInterval is how long a validation result is trusted
	// before the token is revalidated on use.
	tokenValidationInterval = time.Hour

	// ScopeChatRead and ScopeChatLogin are the scopes accepted for IRC
	// authentication.
	ScopeChatRead  = "chat:read"
	ScopeChatLogin = "chat:login"
)

// PartialUser identifies a Twitch user by id and login name.
type PartialUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BaseToken is a bare bearer token with no refresh or validation state,
// used for app access tokens.
type BaseToken struct {
	AccessToken string
}

// Token is a user access token. It tracks the scopes and owner reported
// by the validation endpoint and refreshes itself once when rejected.
type Token struct {
	mu sync.Mutex

	accessToken  string
	refreshToken string

	scopes         []string
	user           *PartialUser
	lastValidation time.Time
}

// NewToken creates a token from an access token and optional refresh token.
func NewToken(accessToken, refreshToken string) *Token {
	return &Token{
		accessToken:  strings.TrimPrefix(accessToken, "oauth:"),
		refreshToken: refreshToken,
	}
}

// User returns the token owner, or nil when the token has never validated.
func (t *Token) User() *PartialUser {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.user
}

// HasScope returns whether the validation endpoint reported the scope.
func (t *Token) HasScope(scope string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.scopes {
		if s == scope {
			return true
		}
	}

	return false
}

// Get returns the access token, validating it first when the last
// validation is older than the validation interval.
func (t *Token) Get(ctx context.Context, client *HTTPClient, handler TokenHandler) (string, error) {
	t.mu.Lock()
	fresh := !t.lastValidation.IsZero() && time.Since(t.lastValidation) < tokenValidationInterval
	accessToken := t.accessToken
	t.mu.Unlock()

	if fresh {
		return accessToken, nil
	}

	if err := t.Validate(ctx, client, handler); err != nil {
		return "", err
	}

	t.mu.Lock()
	accessToken = t.accessToken
	t.mu.Unlock()

	return accessToken, nil
}

type validateResponse struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Validate checks the token against the OAuth validation endpoint. A 401
// triggers a single refresh attempt before revalidating. App tokens are
// rejected, user tokens are required everywhere a Token is used.
func (t *Token) Validate(ctx context.Context, client *HTTPClient, handler TokenHandler) error {
	response, status, err := t.validateOnce(ctx, client)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		if err := t.Refresh(ctx, client, handler); err != nil {
			return xerrors.Errorf("token rejected and refresh failed: %w", err)
		}

		response, status, err = t.validateOnce(ctx, client)
		if err != nil {
			return err
		}
	}

	if status != http.StatusOK {
		return xerrors.Errorf("validation returned status %d: %w", status, ErrInvalidToken)
	}

	if response.Login == "" {
		return xerrors.Errorf("token is an app access token, expected a user token: %w", ErrInvalidToken)
	}

	t.mu.Lock()
	t.scopes = response.Scopes
	t.user = &PartialUser{ID: response.UserID, Name: strings.ToLower(response.Login)}
	t.lastValidation = time.Now()
	t.mu.Unlock()

	return nil
}

func (t *Token) validateOnce(ctx context.Context, client *HTTPClient) (validateResponse, int, error) {
	t.mu.Lock()
	accessToken := t.accessToken
	t.mu.Unlock()

	tmiTokenValidationCount.Inc()

	var response validateResponse

	status, err := client.FetchJSON(ctx, http.MethodGet, client.OAuthBase+"/validate", nil, map[string]string{
		"Authorization": "OAuth " + accessToken,
	}, &response)
	if err != nil {
		return response, status, xerrors.Errorf("failed to validate token: %w", err)
	}

	return response, status, nil
}

type refreshResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Scope        []string `json:"scope"`
}

// Refresh exchanges the refresh token for a new access token. Client
// credentials come from the handler.
func (t *Token) Refresh(ctx context.Context, client *HTTPClient, handler TokenHandler) error {
	t.mu.Lock()
	refreshToken := t.refreshToken
	t.mu.Unlock()

	if refreshToken == "" {
		return xerrors.Errorf("no refresh token set: %w", ErrInvalidToken)
	}

	clientID, clientSecret, err := handler.ClientCredentials(ctx)
	if err != nil {
		return xerrors.Errorf("failed to resolve client credentials: %w", err)
	}

	if clientID == "" {
		return xerrors.Errorf("no client id configured: %w", ErrRefreshFailure)
	}

	if clientSecret == "" {
		return ErrMissingClientSecret
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)

	data, status, err := client.Fetch(ctx, http.MethodPost, client.OAuthBase+"/token", strings.NewReader(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	if err != nil {
		return xerrors.Errorf("failed to refresh token: %w", err)
	}

	if status != http.StatusOK {
		return xerrors.Errorf("refresh returned status %d: %w", status, ErrRefreshFailure)
	}

	var response refreshResponse
	if err := tmijson.Unmarshal(data, &response); err != nil {
		return xerrors.Errorf("failed to unmarshal refresh response: %w", err)
	}

	t.mu.Lock()
	t.accessToken = response.AccessToken
	if response.RefreshToken != "" {
		t.refreshToken = response.RefreshToken
	}
	t.lastValidation = time.Time{}
	t.mu.Unlock()

	return nil
}

// TokenHandler supplies credentials on demand. Implementations decide
// where tokens come from: static configuration, a database, a vault.
type TokenHandler interface {
	// ClientCredentials returns the application client id and secret.
	// Either may be empty when not configured.
	ClientCredentials(ctx context.Context) (clientID, clientSecret string, err error)

	// ClientToken returns an app access token, or nil when the broker
	// should generate one from client credentials.
	ClientToken(ctx context.Context) (*BaseToken, error)

	// IRCToken returns the user token a chat shard authenticates with.
	IRCToken(ctx context.Context, shardID string) (*Token, error)

	// UserToken returns a token for the user covering the given scopes.
	UserToken(ctx context.Context, user *PartialUser, scopes []string) (*Token, error)
}

// SimpleTokenHandler serves a single static user token for every request.
type SimpleTokenHandler struct {
	Token        *Token
	ClientID     string
	ClientSecret string
}

func (h *SimpleTokenHandler) ClientCredentials(_ context.Context) (string, string, error) {
	return h.ClientID, h.ClientSecret, nil
}

func (h *SimpleTokenHandler) ClientToken(_ context.Context) (*BaseToken, error) {
	return nil, nil
}

func (h *SimpleTokenHandler) IRCToken(_ context.Context, _ string) (*Token, error) {
	return h.Token, nil
}

func (h *SimpleTokenHandler) UserToken(_ context.Context, _ *PartialUser, _ []string) (*Token, error) {
	return h.Token, nil
}

// IRCTokenHandler serves a bare access token for chat only. It carries
// no client credentials, so its token cannot refresh.
type IRCTokenHandler struct {
	Token *Token
}

func (h *IRCTokenHandler) ClientCredentials(_ context.Context) (string, string, error) {
	return "", "", nil
}

func (h *IRCTokenHandler) ClientToken(_ context.Context) (*BaseToken, error) {
	return nil, nil
}

func (h *IRCTokenHandler) IRCToken(_ context.Context, _ string) (*Token, error) {
	return h.Token, nil
}

func (h *IRCTokenHandler) UserToken(_ context.Context, _ *PartialUser, _ []string) (*Token, error) {
	return h.Token, nil
}

type tokenSet struct {
	mu     sync.Mutex
	tokens []*Token
}

// TokenBroker caches validated user tokens per user and serves app
// tokens, generating one through the client credentials grant when the
// handler does not provide one.
type TokenBroker struct {
	logger  zerolog.Logger
	handler TokenHandler
	client  *HTTPClient

	users *csmap.CsMap[string, *tokenSet]

	clientTokenMu sync.Mutex
	clientToken   *BaseToken
}

// NewTokenBroker creates a broker around a handler.
func NewTokenBroker(logger zerolog.Logger, handler TokenHandler, client *HTTPClient) *TokenBroker {
	return &TokenBroker{
		logger:  logger.With().Str("component", "tokens").Logger(),
		handler: handler,
		client:  client,
		users:   csmap.Create[string, *tokenSet](),
	}
}

// UserToken returns a cached token for the user that covers any of the
// given scopes, asking the handler and validating before caching on a
// miss. With no scopes any cached token for the user matches.
func (b *TokenBroker) UserToken(ctx context.Context, user *PartialUser, scopes ...string) (*Token, error) {
	key := strings.ToLower(user.Name)

	if set, ok := b.users.Load(key); ok {
		if token := set.find(scopes); token != nil {
			return token, nil
		}
	}

	token, err := b.handler.UserToken(ctx, user, scopes)
	if err != nil {
		return nil, xerrors.Errorf("failed to fetch token for user %s: %w", key, err)
	}

	if token == nil {
		return nil, xerrors.Errorf("handler returned no token for user %s: %w", key, ErrInvalidToken)
	}

	// Invalid tokens are never cached.
	if err := token.Validate(ctx, b.client, b.handler); err != nil {
		return nil, err
	}

	set, _ := b.users.Load(key)
	if set == nil {
		set = &tokenSet{}
		b.users.Store(key, set)
	}

	set.mu.Lock()
	set.tokens = append(set.tokens, token)
	set.mu.Unlock()

	b.logger.Debug().Str("user", key).Msg("Cached user token")

	return token, nil
}

// Evict drops a token from the cache, typically after a refresh failure.
func (b *TokenBroker) Evict(token *Token) bool {
	user := token.User()
	if user == nil {
		return false
	}

	set, ok := b.users.Load(strings.ToLower(user.Name))
	if !ok {
		return false
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	for i, cached := range set.tokens {
		if cached == token {
			set.tokens = append(set.tokens[:i], set.tokens[i+1:]...)

			return true
		}
	}

	return false
}

// ClientToken returns an app access token. The handler is asked first,
// then a client credentials grant is performed and the result cached.
func (b *TokenBroker) ClientToken(ctx context.Context) (*BaseToken, error) {
	token, err := b.handler.ClientToken(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to fetch client token: %w", err)
	}

	if token != nil {
		return token, nil
	}

	b.clientTokenMu.Lock()
	defer b.clientTokenMu.Unlock()

	if b.clientToken != nil {
		return b.clientToken, nil
	}

	clientID, clientSecret, err := b.handler.ClientCredentials(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to resolve client credentials: %w", err)
	}

	if clientID == "" || clientSecret == "" {
		return nil, ErrNoTokenAvailable
	}

	config := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     b.client.OAuthBase + "/token",
	}

	grant, err := config.Token(ctx)
	if err != nil {
		return nil, xerrors.Errorf("client credentials grant failed: %w", err)
	}

	b.clientToken = &BaseToken{AccessToken: grant.AccessToken}

	b.logger.Debug().Msg("Generated app token from client credentials")

	return b.clientToken, nil
}

// AccessToken returns the token's access token, revalidating when the
// last validation has expired.
func (b *TokenBroker) AccessToken(ctx context.Context, token *Token) (string, error) {
	return token.Get(ctx, b.client, b.handler)
}

// ClientCredentials exposes the handler's application credentials.
func (b *TokenBroker) ClientCredentials(ctx context.Context) (string, string, error) {
	return b.handler.ClientCredentials(ctx)
}

// IRCLogin resolves the access token and login a chat shard should
// authenticate with. The token must carry a chat scope.
func (b *TokenBroker) IRCLogin(ctx context.Context, shardID string) (string, *PartialUser, error) {
	token, err := b.handler.IRCToken(ctx, shardID)
	if err != nil {
		return "", nil, xerrors.Errorf("failed to fetch irc token for shard %s: %w", shardID, err)
	}

	if token == nil {
		return "", nil, xerrors.Errorf("handler returned no irc token for shard %s: %w", shardID, ErrNoTokenAvailable)
	}

	accessToken, err := token.Get(ctx, b.client, b.handler)
	if err != nil {
		return "", nil, err
	}

	if !token.HasScope(ScopeChatRead) && !token.HasScope(ScopeChatLogin) {
		return "", nil, xerrors.Errorf("irc token is missing the %s scope: %w", ScopeChatRead, ErrInvalidToken)
	}

	return accessToken, token.User(), nil
}

func (s *tokenSet) find(scopes []string) *Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(scopes) == 0 {
		if len(s.tokens) > 0 {
			return s.tokens[0]
		}

		return nil
	}

	for _, token := range s.tokens {
		for _, scope := range scopes {
			if token.HasScope(scope) {
				return token
			}
		}
	}

	return nil
}
