package tmi

import (
	"context"
	"time"

	"github.com/streamlinked/tmi/irc"
)

// Channel is a chat room bound to the shard that owns it.
type Channel struct {
	Name string

	shard *Shard
}

// Send sends a message to the channel through the owning shard's
// message rate limit.
func (c *Channel) Send(ctx context.Context, content string) error {
	if c.shard == nil {
		return ErrShardNotStarted
	}

	return c.shard.SendMessage(ctx, c.Name, content)
}

// Chatter is the author of a message, decorated with the badge and tag
// metadata the server attached.
type Chatter struct {
	Name string

	Badges map[string]string
	Tags   map[string]string
}

// DisplayName returns the display-name tag, falling back to the login.
func (c *Chatter) DisplayName() string {
	return replaceIfEmpty(c.Tags["display-name"], c.Name)
}

// IsModerator reports whether the chatter moderates the channel.
func (c *Chatter) IsModerator() bool {
	return c.Tags["mod"] == "1" || c.IsBroadcaster()
}

// IsBroadcaster reports whether the chatter owns the channel.
func (c *Chatter) IsBroadcaster() bool {
	_, ok := c.Badges["broadcaster"]

	return ok
}

// Message is a single PRIVMSG.
type Message struct {
	ID        string
	Content   string
	Timestamp time.Time

	Author  *Chatter
	Channel *Channel

	Tags map[string]string

	// Echo marks messages the library sent itself.
	Echo bool
}

// newMessage builds a message from a parsed PRIVMSG payload.
func newMessage(shard *Shard, payload *irc.Payload) *Message {
	message := &Message{
		ID:        payload.Tags["id"],
		Content:   payload.Message,
		Timestamp: time.Now().UTC(),
		Author: &Chatter{
			Name:   payload.User,
			Badges: payload.Badges,
			Tags:   payload.Tags,
		},
		Channel: &Channel{
			Name:  payload.Channel,
			shard: shard,
		},
		Tags: payload.Tags,
	}

	if raw, ok := payload.Tags["tmi-sent-ts"]; ok {
		if ms, err := parseMilliseconds(raw); err == nil {
			message.Timestamp = ms
		}
	}

	return message
}
