package eventsub

import (
	"context"
	"net/http"

	tmi "github.com/streamlinked/tmi"
	"golang.org/x/xerrors"
)

// ErrSubscriptionFailure is returned when the subscription API rejects
// a request.
var ErrSubscriptionFailure = xerrors.New("subscription request rejected")

// ErrUnknownSubscription is returned when an id is not held by the
// transport.
var ErrUnknownSubscription = xerrors.New("subscription id is not known")

// Transport delivers notifications for the subscriptions it holds.
type Transport interface {
	// Subscribe creates a subscription. The user authorizes it on the
	// websocket transport and is ignored by the webhook transport.
	Subscribe(ctx context.Context, topic Topic, condition Condition, user *tmi.PartialUser) (*Subscription, error)

	// Unsubscribe deletes a subscription held by the transport.
	Unsubscribe(ctx context.Context, id string) error

	// Close tears the transport down.
	Close() error
}

type transportRequest struct {
	Method    string `json:"method"`
	Callback  string `json:"callback,omitempty"`
	Secret    string `json:"secret,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type subscriptionRequest struct {
	Type      string           `json:"type"`
	Version   string           `json:"version"`
	Condition Condition        `json:"condition"`
	Transport transportRequest `json:"transport"`
}

type subscriptionResponse struct {
	Data         []*Subscription `json:"data"`
	Total        int             `json:"total"`
	TotalCost    int             `json:"total_cost"`
	MaxTotalCost int             `json:"max_total_cost"`
}

// api wraps the subscription management endpoints.
type api struct {
	client *tmi.Client
}

func (a *api) headers(ctx context.Context, accessToken string) (map[string]string, error) {
	clientID, _, err := a.client.Broker.ClientCredentials(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to resolve client id: %w", err)
	}

	return map[string]string{
		"Client-Id":     clientID,
		"Authorization": "Bearer " + accessToken,
	}, nil
}

func (a *api) createSubscription(ctx context.Context, accessToken string, request subscriptionRequest) (*subscriptionResponse, error) {
	headers, err := a.headers(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var response subscriptionResponse

	status, err := a.client.HTTP.FetchJSON(ctx, http.MethodPost, a.client.HTTP.APIBase+"/eventsub/subscriptions", request, headers, &response)
	if err != nil {
		return nil, err
	}

	if status != http.StatusAccepted || len(response.Data) == 0 {
		return nil, xerrors.Errorf("create %s returned status %d: %w", request.Type, status, ErrSubscriptionFailure)
	}

	return &response, nil
}

func (a *api) deleteSubscription(ctx context.Context, accessToken, id string) error {
	headers, err := a.headers(ctx, accessToken)
	if err != nil {
		return err
	}

	status, err := a.client.HTTP.FetchJSON(ctx, http.MethodDelete, a.client.HTTP.APIBase+"/eventsub/subscriptions?id="+id, nil, headers, nil)
	if err != nil {
		return err
	}

	if status != http.StatusNoContent {
		return xerrors.Errorf("delete %s returned status %d: %w", id, status, ErrSubscriptionFailure)
	}

	return nil
}
