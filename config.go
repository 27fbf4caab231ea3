package tmi

import (
	"os"
	"time"

	"github.com/streamlinked/tmi/pkg/limiter"
	"gopkg.in/yaml.v3"
)

// Configuration represents the configuration file.
type Configuration struct {
	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"client_secret" yaml:"client_secret"`

	IRC struct {
		// Tier selects the join/message rate limit bucket. One of
		// verified, moderator or user.
		Tier string `json:"tier" yaml:"tier"`

		HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
		JoinTimeout       time.Duration `json:"join_timeout" yaml:"join_timeout"`

		InitialChannels []string `json:"initial_channels" yaml:"initial_channels"`

		// Anonymous connects read-only with a justinfan nickname and
		// no PASS line.
		Anonymous bool `json:"anonymous" yaml:"anonymous"`
	} `json:"irc" yaml:"irc"`

	Sharding struct {
		ChannelsPerShard  int `json:"channels_per_shard" yaml:"channels_per_shard"`
		MaxShardCount     int `json:"max_shard_count" yaml:"max_shard_count"`
		InitialShardCount int `json:"initial_shard_count" yaml:"initial_shard_count"`
	} `json:"sharding" yaml:"sharding"`

	EventSub struct {
		WebhookSecret string `json:"webhook_secret" yaml:"webhook_secret"`
		CallbackURL   string `json:"callback_url" yaml:"callback_url"`
		WebhookPort   int    `json:"webhook_port" yaml:"webhook_port"`
	} `json:"eventsub" yaml:"eventsub"`

	PrometheusAddress string `json:"prometheus_address" yaml:"prometheus_address"`
}

// LoadConfiguration handles loading the configuration file.
func LoadConfiguration(path string) (Configuration, error) {
	var configuration Configuration

	file, err := os.ReadFile(path)
	if err != nil {
		return configuration, ErrReadConfigurationFailure
	}

	if err := yaml.Unmarshal(file, &configuration); err != nil {
		return configuration, ErrLoadConfigurationFailure
	}

	configuration.applyDefaults()

	return configuration, nil
}

func (c *Configuration) applyDefaults() {
	c.IRC.Tier = replaceIfEmpty(c.IRC.Tier, string(limiter.TierUser))

	if c.IRC.HeartbeatInterval <= 0 {
		c.IRC.HeartbeatInterval = 30 * time.Second
	}

	if c.IRC.JoinTimeout <= 0 {
		c.IRC.JoinTimeout = 10 * time.Second
	}

	if c.Sharding.ChannelsPerShard <= 0 {
		c.Sharding.ChannelsPerShard = 25
	}

	if c.Sharding.MaxShardCount <= 0 {
		c.Sharding.MaxShardCount = 5
	}

	if c.Sharding.InitialShardCount <= 0 {
		c.Sharding.InitialShardCount = 1
	}

	if c.EventSub.WebhookPort <= 0 {
		c.EventSub.WebhookPort = 4000
	}
}

// Tier returns the configured limiter tier.
func (c *Configuration) Tier() limiter.Tier {
	return limiter.Tier(c.IRC.Tier)
}
