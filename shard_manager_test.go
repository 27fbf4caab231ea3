package tmi

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

func newTestClient(t *testing.T, configure func(*Configuration), manager func(*Client) ShardManager) *Client {
	t.Helper()

	var configuration Configuration
	configuration.IRC.Anonymous = true

	if configure != nil {
		configure(&configuration)
	}

	client := NewClient(Options{
		Logger:        zerolog.Nop(),
		Configuration: configuration,
		ShardManager:  manager,
	})

	t.Cleanup(func() {
		client.dispatcher.Close()
	})

	return client
}

func TestDefaultShardManagerSingleShard(t *testing.T) {
	client := newTestClient(t, nil, nil)

	manager := client.ShardManager()

	if err := manager.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	first, err := manager.AssignShard(context.Background(), "foo")
	if err != nil {
		t.Fatalf("AssignShard returned error: %v", err)
	}

	second, err := manager.AssignShard(context.Background(), "bar")
	if err != nil {
		t.Fatalf("AssignShard returned error: %v", err)
	}

	if first != second {
		t.Error("expected every channel on the same shard")
	}

	if first.ID != DefaultShardID {
		t.Errorf("shard id is %q, expected %q", first.ID, DefaultShardID)
	}
}

func TestDistributedAssignmentSpreadsChannels(t *testing.T) {
	client := newTestClient(t, func(c *Configuration) {
		c.Sharding.ChannelsPerShard = 2
		c.Sharding.MaxShardCount = 5
		c.Sharding.InitialShardCount = 1
	}, func(c *Client) ShardManager {
		return NewDistributedShardManager(c)
	})

	manager := client.ShardManager()

	if err := manager.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	channels := []string{"alpha", "bravo", "charlie", "delta", "echo"}

	for _, channel := range channels {
		shard, err := manager.AssignShard(context.Background(), channel)
		if err != nil {
			t.Fatalf("AssignShard(%q) returned error: %v", channel, err)
		}

		if err := shard.Join(context.Background(), channel); err != nil {
			t.Fatalf("Join(%q) returned error: %v", channel, err)
		}
	}

	shards := manager.Shards()

	if len(shards) != 3 {
		t.Fatalf("5 channels at 2 per shard produced %d shards, expected 3", len(shards))
	}

	for id, shard := range shards {
		if count := shard.ChannelCount(); count > 2 {
			t.Errorf("shard %s owns %d channels, expected at most 2", id, count)
		}
	}
}

func TestDistributedAssignmentCapacity(t *testing.T) {
	client := newTestClient(t, func(c *Configuration) {
		c.Sharding.ChannelsPerShard = 2
		c.Sharding.MaxShardCount = 2
		c.Sharding.InitialShardCount = 1
	}, func(c *Client) ShardManager {
		return NewDistributedShardManager(c)
	})

	manager := client.ShardManager()

	if err := manager.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	for _, channel := range []string{"alpha", "bravo", "charlie", "delta"} {
		shard, err := manager.AssignShard(context.Background(), channel)
		if err != nil {
			t.Fatalf("AssignShard(%q) returned error: %v", channel, err)
		}

		if err := shard.Join(context.Background(), channel); err != nil {
			t.Fatalf("Join(%q) returned error: %v", channel, err)
		}
	}

	if _, err := manager.AssignShard(context.Background(), "foxtrot"); !xerrors.Is(err, ErrShardCapacity) {
		t.Errorf("AssignShard past capacity returned %v, expected ErrShardCapacity", err)
	}
}

func TestDistributedAssignmentSticksToOwner(t *testing.T) {
	client := newTestClient(t, func(c *Configuration) {
		c.Sharding.ChannelsPerShard = 1
		c.Sharding.MaxShardCount = 3
		c.Sharding.InitialShardCount = 1
	}, func(c *Client) ShardManager {
		return NewDistributedShardManager(c)
	})

	manager := client.ShardManager()

	if err := manager.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	first, err := manager.AssignShard(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("AssignShard returned error: %v", err)
	}

	if err := first.Join(context.Background(), "alpha"); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}

	again, err := manager.AssignShard(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("AssignShard returned error: %v", err)
	}

	if first != again {
		t.Error("expected an owned channel to stay on its shard")
	}
}

func TestDistributedSetupRejectsOversizedPool(t *testing.T) {
	client := newTestClient(t, func(c *Configuration) {
		c.Sharding.ChannelsPerShard = 2
		c.Sharding.MaxShardCount = 2
		c.Sharding.InitialShardCount = 4
	}, func(c *Client) ShardManager {
		return NewDistributedShardManager(c)
	})

	if err := client.ShardManager().Setup(context.Background()); !xerrors.Is(err, ErrShardCapacity) {
		t.Errorf("Setup returned %v, expected ErrShardCapacity", err)
	}
}

func TestShardJoinNormalizesAndDeduplicates(t *testing.T) {
	client := newTestClient(t, nil, nil)

	shard := newShard(client, "main-shard")

	if err := shard.Join(context.Background(), "#Foo", "foo", "BAR"); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}

	channels := shard.Channels()
	expected := []string{"bar", "foo"}

	if len(channels) != len(expected) {
		t.Fatalf("shard owns %v, expected %v", channels, expected)
	}

	for i := range expected {
		if channels[i] != expected[i] {
			t.Errorf("shard owns %v, expected %v", channels, expected)

			break
		}
	}
}
