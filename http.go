package tmi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/streamlinked/tmi/tmijson"
	"golang.org/x/xerrors"
)

const (
	defaultOAuthBase = "https://id.twitch.tv/oauth2"
	defaultAPIBase   = "https://api.twitch.tv/helix"

	defaultUserAgent = "tmi (github.com/streamlinked/tmi, " + Version + ")"
)

// HTTPClient is a thin wrapper over net/http used for the OAuth and Helix
// surfaces the library touches: token validation and refresh, the client
// credentials grant and EventSub subscription management.
type HTTPClient struct {
	HTTP *http.Client

	// OAuthBase and APIBase are overridable for tests.
	OAuthBase string
	APIBase   string

	UserAgent string
}

// NewHTTPClient makes a new client with the production endpoints.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		OAuthBase: defaultOAuthBase,
		APIBase:   defaultAPIBase,
		UserAgent: defaultUserAgent,
	}
}

// Fetch performs a request and returns the response body and status code.
func (c *HTTPClient) Fetch(ctx context.Context, method, url string, body io.Reader, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, -1, xerrors.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.UserAgent)

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, -1, xerrors.Errorf("failed to do request: %w", err)
	}

	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, xerrors.Errorf("failed to read response body: %w", err)
	}

	return data, res.StatusCode, nil
}

// FetchJSON performs a request and decodes the response body into
// structure when one is given.
func (c *HTTPClient) FetchJSON(ctx context.Context, method, url string, body any, headers map[string]string, structure any) (int, error) {
	var reader io.Reader

	if body != nil {
		data, err := tmijson.Marshal(body)
		if err != nil {
			return -1, xerrors.Errorf("failed to marshal request body: %w", err)
		}

		reader = bytes.NewReader(data)

		if headers == nil {
			headers = make(map[string]string)
		}

		headers["Content-Type"] = "application/json"
	}

	data, status, err := c.Fetch(ctx, method, url, reader, headers)
	if err != nil {
		return status, err
	}

	if structure != nil && len(data) > 0 {
		if err := tmijson.Unmarshal(data, structure); err != nil {
			return status, xerrors.Errorf("failed to unmarshal response body: %w", err)
		}
	}

	return status, nil
}
