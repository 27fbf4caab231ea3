package eventsub

import (
	"time"

	"github.com/streamlinked/tmi/tmijson"
	"golang.org/x/xerrors"
)

// Topic identifies a subscription type and the payload version the
// library understands.
type Topic struct {
	Type    string
	Version string
}

var (
	TopicChannelUpdate    = Topic{Type: "channel.update", Version: "2"}
	TopicChannelFollow    = Topic{Type: "channel.follow", Version: "2"}
	TopicChannelSubscribe = Topic{Type: "channel.subscribe", Version: "1"}
	TopicChannelCheer     = Topic{Type: "channel.cheer", Version: "1"}
	TopicChannelRaid      = Topic{Type: "channel.raid", Version: "1"}
	TopicChannelBan       = Topic{Type: "channel.ban", Version: "1"}
	TopicStreamOnline     = Topic{Type: "stream.online", Version: "1"}
	TopicStreamOffline    = Topic{Type: "stream.offline", Version: "1"}
)

// Condition scopes a subscription, usually to a broadcaster.
type Condition map[string]string

// Subscription is the server's record of one subscription.
type Subscription struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	Cost      int       `json:"cost"`
	Condition Condition `json:"condition"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is one delivered event with its subscription record and
// the raw event payload, decodable with DecodeEvent.
type Notification struct {
	Subscription *Subscription
	Event        []byte
}

// NotificationHandler receives every delivered notification. Handlers
// run on the client dispatch pool.
type NotificationHandler func(notification *Notification)

// DecodeEvent unmarshals a notification payload into a typed event.
func DecodeEvent[T any](notification *Notification) (T, error) {
	var event T

	if err := tmijson.Unmarshal(notification.Event, &event); err != nil {
		return event, xerrors.Errorf("failed to decode %s event: %w", notification.Subscription.Type, err)
	}

	return event, nil
}

// Broadcaster fields shared by most events.
type Broadcaster struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
}

// User fields shared by events describing a viewer.
type User struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
}

// ChannelUpdateEvent is delivered for channel.update.
type ChannelUpdateEvent struct {
	Broadcaster

	Title      string `json:"title"`
	Language   string `json:"language"`
	CategoryID string `json:"category_id"`
	Category   string `json:"category_name"`
}

// ChannelFollowEvent is delivered for channel.follow.
type ChannelFollowEvent struct {
	Broadcaster
	User

	FollowedAt time.Time `json:"followed_at"`
}

// ChannelSubscribeEvent is delivered for channel.subscribe.
type ChannelSubscribeEvent struct {
	Broadcaster
	User

	Tier   string `json:"tier"`
	IsGift bool   `json:"is_gift"`
}

// ChannelCheerEvent is delivered for channel.cheer.
type ChannelCheerEvent struct {
	Broadcaster
	User

	IsAnonymous bool   `json:"is_anonymous"`
	Message     string `json:"message"`
	Bits        int    `json:"bits"`
}

// ChannelRaidEvent is delivered for channel.raid.
type ChannelRaidEvent struct {
	FromBroadcasterUserID    string `json:"from_broadcaster_user_id"`
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	FromBroadcasterUserName  string `json:"from_broadcaster_user_name"`
	ToBroadcasterUserID      string `json:"to_broadcaster_user_id"`
	ToBroadcasterUserLogin   string `json:"to_broadcaster_user_login"`
	ToBroadcasterUserName    string `json:"to_broadcaster_user_name"`
	Viewers                  int    `json:"viewers"`
}

// ChannelBanEvent is delivered for channel.ban.
type ChannelBanEvent struct {
	Broadcaster
	User

	ModeratorUserID    string    `json:"moderator_user_id"`
	ModeratorUserLogin string    `json:"moderator_user_login"`
	Reason             string    `json:"reason"`
	BannedAt           time.Time `json:"banned_at"`
	EndsAt             time.Time `json:"ends_at"`
	IsPermanent        bool      `json:"is_permanent"`
}

// StreamOnlineEvent is delivered for stream.online.
type StreamOnlineEvent struct {
	Broadcaster

	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

// StreamOfflineEvent is delivered for stream.offline.
type StreamOfflineEvent struct {
	Broadcaster
}
