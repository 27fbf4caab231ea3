package tmi

import "github.com/prometheus/client_golang/prometheus"

var (
	tmiEventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmi_events_total",
			Help: "Chat payloads received by action",
		},
		[]string{"shard_id", "action"},
	)

	tmiReconnectCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmi_reconnects_total",
			Help: "Chat websocket reconnect attempts",
		},
		[]string{"shard_id"},
	)

	tmiJoinedChannelCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tmi_joined_channels_count",
			Help: "Channels currently owned by each shard",
		},
		[]string{"shard_id"},
	)

	tmiShardCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tmi_shards_count",
			Help: "Live shards owned by the shard manager",
		},
	)

	tmiDispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tmi_dispatch_queue_depth",
			Help: "Handler tasks waiting in the dispatch queue",
		},
	)

	tmiTokenValidationCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tmi_token_validations_total",
			Help: "OAuth token validation calls issued",
		},
	)
)

// RegisterMetrics registers the library collectors on the given registerer.
// Passing nil registers on the default registerer.
func RegisterMetrics(registerer prometheus.Registerer) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	registerer.MustRegister(
		tmiEventCount,
		tmiReconnectCount,
		tmiJoinedChannelCount,
		tmiShardCount,
		tmiDispatchQueueDepth,
		tmiTokenValidationCount,
	)
}
