package tmi

import (
	"golang.org/x/xerrors"
)

// ErrInvalidToken is returned when a token fails validation and could not
// be refreshed.
var ErrInvalidToken = xerrors.New("token passed is not valid")

// ErrRefreshFailure is returned when a token refresh could not complete.
var ErrRefreshFailure = xerrors.New("token could not be refreshed")

// ErrNoTokenAvailable is returned when no app token could be obtained
// from the handler or generated from client credentials.
var ErrNoTokenAvailable = xerrors.New("no client token available")

// ErrMissingClientSecret is a configuration error raised when a refresh
// is required but no client secret was supplied.
var ErrMissingClientSecret = xerrors.New("client secret required but not configured")

var (
	ErrWebsocketClosed      = xerrors.New("websocket is not connected")
	ErrWebsocketAlreadyOpen = xerrors.New("websocket has already been started")
	ErrConnectExhausted     = xerrors.New("connection attempts exhausted")
	ErrShardNotStarted      = xerrors.New("shard has not been started")
	ErrShardCapacity        = xerrors.New("all shards are full and the shard count limit has been reached")
	ErrNoShards             = xerrors.New("shard manager has no shards")
)

var (
	ErrReadConfigurationFailure = xerrors.New("failed to read configuration")
	ErrLoadConfigurationFailure = xerrors.New("failed to load configuration")
)
