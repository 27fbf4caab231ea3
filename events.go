package tmi

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/streamlinked/tmi/irc"
	"go.uber.org/atomic"
)

const (
	defaultDispatchWorkers = 16
	defaultDispatchDepth   = 1024
)

// Events holds the application callbacks. Every field is optional and
// callbacks run on the dispatch worker pool, never on the read loop.
type Events struct {
	// Connect fires when a shard establishes a websocket session, before
	// authentication completes.
	Connect func(shardID string)

	// Disconnect fires when a shard loses its session. err is the read
	// error that ended it, or nil on an orderly shutdown.
	Disconnect func(shardID string, err error)

	// Ready fires when a shard has authenticated and may join channels.
	Ready func(shardID string)

	// Message fires for every PRIVMSG received.
	Message func(message *Message)

	// Join and Part fire when any user enters or leaves a channel the
	// shard watches, including the bot itself.
	Join func(shardID, channel, user string)
	Part func(shardID, channel, user string)

	// Reconnect fires when the server requests a reconnect.
	Reconnect func(shardID string)

	// Notice fires for USERSTATE, ROOMSTATE and NOTICE payloads.
	Notice func(shardID string, payload *irc.Payload)

	// Raw fires for every parsed payload before any other handling.
	Raw func(shardID string, payload *irc.Payload)

	// Error fires when a handler or connection produced an error that
	// was absorbed rather than propagated.
	Error func(shardID string, err error)
}

// dispatcher runs callbacks on a fixed pool of workers fed by a bounded
// queue. Submit blocks when the queue is full so a slow consumer slows
// the read loop down instead of growing memory without bound.
type dispatcher struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	queue   chan func()
	closed  *atomic.Bool
	stopped chan struct{}
}

func newDispatcher(logger zerolog.Logger, workers, depth int) *dispatcher {
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}

	if depth <= 0 {
		depth = defaultDispatchDepth
	}

	d := &dispatcher{
		logger:  logger.With().Str("component", "dispatch").Logger(),
		queue:   make(chan func(), depth),
		closed:  atomic.NewBool(false),
		stopped: make(chan struct{}),
	}

	remaining := atomic.NewInt64(int64(workers))

	for i := 0; i < workers; i++ {
		go func() {
			d.work()

			if remaining.Dec() == 0 {
				close(d.stopped)
			}
		}()
	}

	return d
}

func (d *dispatcher) work() {
	for task := range d.queue {
		d.run(task)
		tmiDispatchQueueDepth.Set(float64(len(d.queue)))
	}
}

func (d *dispatcher) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Recovered panic in event handler")
		}
	}()

	task()
}

// Submit queues a task, blocking while the queue is full. Tasks sent
// after Close are dropped.
func (d *dispatcher) Submit(task func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed.Load() {
		return
	}

	d.queue <- task
	tmiDispatchQueueDepth.Set(float64(len(d.queue)))
}

// Close drains the queue and waits for the workers to finish.
func (d *dispatcher) Close() {
	d.mu.Lock()

	if d.closed.Swap(true) {
		d.mu.Unlock()

		return
	}

	close(d.queue)
	d.mu.Unlock()

	<-d.stopped
}
