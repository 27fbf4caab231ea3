package tmi

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// DefaultShardID is the id of the single shard the default manager runs.
const DefaultShardID = "main-shard"

// ShardManager decides how channels map onto chat connections.
type ShardManager interface {
	// Setup creates the initial shard pool. It runs once before Start.
	Setup(ctx context.Context) error

	// AssignShard returns the shard that should own the channel,
	// growing the pool when the policy allows it.
	AssignShard(ctx context.Context, channel string) (*Shard, error)

	// ShardFor returns the shard currently owning the channel.
	ShardFor(channel string) (*Shard, bool)

	// GetShard returns the shard with the given id.
	GetShard(id string) (*Shard, bool)

	// Shards returns a snapshot of the live shards keyed by id.
	Shards() map[string]*Shard

	// SenderShard returns the shard used for messages to channels no
	// shard owns.
	SenderShard() (*Shard, error)

	// Start opens every shard connection.
	Start(ctx context.Context) error

	// Stop closes every shard connection.
	Stop() error

	// WaitUntilExit blocks until every shard has stopped.
	WaitUntilExit(ctx context.Context) error
}

// BaseShardManager carries the bookkeeping shared by manager
// implementations: the shard table and bulk lifecycle helpers.
type BaseShardManager struct {
	client *Client
	logger zerolog.Logger

	shards *csmap.CsMap[string, *Shard]

	startMu sync.Mutex
	started bool
}

func newBaseShardManager(client *Client, name string) BaseShardManager {
	return BaseShardManager{
		client: client,
		logger: client.Logger.With().Str("component", name).Logger(),
		shards: csmap.Create[string, *Shard](),
	}
}

// AddShard creates and registers a shard. An existing shard with the
// same id is returned instead.
func (m *BaseShardManager) AddShard(id string) *Shard {
	if shard, ok := m.shards.Load(id); ok {
		return shard
	}

	shard := newShard(m.client, id)
	m.shards.Store(id, shard)

	m.logger.Info().Str("shard_id", id).Msg("Created shard")

	return shard
}

// GetShard returns the shard with the given id.
func (m *BaseShardManager) GetShard(id string) (*Shard, bool) {
	return m.shards.Load(id)
}

// Shards returns a snapshot of the shard table.
func (m *BaseShardManager) Shards() map[string]*Shard {
	snapshot := make(map[string]*Shard, m.shards.Count())

	m.shards.Range(func(id string, shard *Shard) bool {
		snapshot[id] = shard

		return false
	})

	return snapshot
}

// ShardFor scans the shards for the one owning the channel.
func (m *BaseShardManager) ShardFor(channel string) (*Shard, bool) {
	var found *Shard

	m.shards.Range(func(_ string, shard *Shard) bool {
		if shard.HasChannel(channel) {
			found = shard

			return true
		}

		return false
	})

	return found, found != nil
}

// SenderShard returns the lowest-id shard, the stable choice for
// messages to channels no shard owns.
func (m *BaseShardManager) SenderShard() (*Shard, error) {
	var (
		lowest string
		sender *Shard
	)

	m.shards.Range(func(id string, shard *Shard) bool {
		if sender == nil || id < lowest {
			lowest = id
			sender = shard
		}

		return false
	})

	if sender == nil {
		return nil, ErrNoShards
	}

	return sender, nil
}

// Start opens every registered shard.
func (m *BaseShardManager) Start(ctx context.Context) error {
	m.startMu.Lock()
	m.started = true
	m.startMu.Unlock()

	var startErr error

	m.shards.Range(func(id string, shard *Shard) bool {
		if err := shard.Start(ctx); err != nil && !xerrors.Is(err, ErrWebsocketAlreadyOpen) {
			startErr = xerrors.Errorf("failed to start shard %s: %w", id, err)

			return true
		}

		return false
	})

	return startErr
}

// Stop closes every registered shard.
func (m *BaseShardManager) Stop() error {
	m.startMu.Lock()
	m.started = false
	m.startMu.Unlock()

	m.shards.Range(func(id string, shard *Shard) bool {
		if err := shard.Stop(); err != nil && !xerrors.Is(err, ErrShardNotStarted) {
			m.logger.Error().Err(err).Str("shard_id", id).Msg("Failed to stop shard")
		}

		return false
	})

	return nil
}

// startLate opens a shard created after Start, so pool growth does not
// leave cold shards behind.
func (m *BaseShardManager) startLate(ctx context.Context, shard *Shard) error {
	m.startMu.Lock()
	started := m.started
	m.startMu.Unlock()

	if !started {
		return nil
	}

	if err := shard.Start(ctx); err != nil && !xerrors.Is(err, ErrWebsocketAlreadyOpen) {
		return err
	}

	return nil
}

// WaitUntilExit blocks until every shard has stopped or ctx ends,
// polling once a second.
func (m *BaseShardManager) WaitUntilExit(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		running := false

		m.shards.Range(func(_ string, shard *Shard) bool {
			if shard.started.Load() {
				running = true

				return true
			}

			return false
		})

		if !running {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DefaultShardManager routes every channel onto a single shard.
type DefaultShardManager struct {
	BaseShardManager
}

// NewDefaultShardManager creates the single shard manager.
func NewDefaultShardManager(client *Client) *DefaultShardManager {
	return &DefaultShardManager{
		BaseShardManager: newBaseShardManager(client, "default-shard-manager"),
	}
}

// Setup creates the single shard.
func (m *DefaultShardManager) Setup(_ context.Context) error {
	m.AddShard(DefaultShardID)

	return nil
}

// AssignShard always returns the single shard.
func (m *DefaultShardManager) AssignShard(_ context.Context, _ string) (*Shard, error) {
	shard, ok := m.GetShard(DefaultShardID)
	if !ok {
		return nil, ErrNoShards
	}

	return shard, nil
}

// DistributedShardManager spreads channels across a growing pool of
// shards, always picking the least loaded shard with spare capacity.
type DistributedShardManager struct {
	BaseShardManager

	ChannelsPerShard  int
	MaxShardCount     int
	InitialShardCount int

	assignMu  sync.Mutex
	nextShard int
}

// NewDistributedShardManager creates a distributed manager with the
// client's sharding configuration.
func NewDistributedShardManager(client *Client) *DistributedShardManager {
	return &DistributedShardManager{
		BaseShardManager: newBaseShardManager(client, "distributed-shard-manager"),

		ChannelsPerShard:  client.Configuration.Sharding.ChannelsPerShard,
		MaxShardCount:     client.Configuration.Sharding.MaxShardCount,
		InitialShardCount: client.Configuration.Sharding.InitialShardCount,
	}
}

// Setup creates the initial shard pool.
func (m *DistributedShardManager) Setup(_ context.Context) error {
	if m.InitialShardCount > m.MaxShardCount {
		return xerrors.Errorf("initial shard count %d exceeds the limit %d: %w",
			m.InitialShardCount, m.MaxShardCount, ErrShardCapacity)
	}

	for i := 0; i < m.InitialShardCount; i++ {
		m.addNumberedShard()
	}

	return nil
}

// AssignShard returns the least loaded shard with spare capacity,
// creating a new shard when every existing one is full and the pool may
// still grow.
func (m *DistributedShardManager) AssignShard(ctx context.Context, channel string) (*Shard, error) {
	channel = normalizeChannel(channel)

	// A channel already owned stays where it is.
	if shard, ok := m.ShardFor(channel); ok {
		return shard, nil
	}

	m.assignMu.Lock()
	defer m.assignMu.Unlock()

	if shard := m.leastLoaded(); shard != nil {
		return shard, nil
	}

	if m.shards.Count() >= m.MaxShardCount {
		return nil, xerrors.Errorf("cannot place channel %s: %w", channel, ErrShardCapacity)
	}

	shard := m.addNumberedShard()

	if err := m.startLate(ctx, shard); err != nil {
		return nil, err
	}

	return shard, nil
}

func (m *DistributedShardManager) addNumberedShard() *Shard {
	shard := m.AddShard("shard-" + strconv.Itoa(m.nextShard))
	m.nextShard++

	return shard
}

// leastLoaded returns the shard with the fewest channels that still has
// capacity, or nil when all are full. Ties break on shard id so
// placement is deterministic.
func (m *DistributedShardManager) leastLoaded() *Shard {
	type load struct {
		id    string
		count int
		shard *Shard
	}

	loads := make([]load, 0, m.shards.Count())

	m.shards.Range(func(id string, shard *Shard) bool {
		loads = append(loads, load{id: id, count: shard.ChannelCount(), shard: shard})

		return false
	})

	sort.Slice(loads, func(i, j int) bool {
		if loads[i].count != loads[j].count {
			return loads[i].count < loads[j].count
		}

		return loads[i].id < loads[j].id
	})

	for _, candidate := range loads {
		if candidate.count < m.ChannelsPerShard {
			return candidate.shard
		}
	}

	return nil
}
