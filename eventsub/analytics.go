package eventsub

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsubSessionCost = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tmi_eventsub_session_cost",
			Help: "Remaining cost budget per eventsub session",
		},
		[]string{"session_id"},
	)

	eventsubSubscriptionCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tmi_eventsub_subscriptions_count",
			Help: "Subscriptions held per eventsub session",
		},
		[]string{"session_id"},
	)

	eventsubNotificationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tmi_eventsub_notifications_total",
			Help: "Notifications delivered by subscription type",
		},
		[]string{"type"},
	)
)

// RegisterMetrics registers the eventsub collectors on the given
// registerer. Passing nil registers on the default registerer.
func RegisterMetrics(registerer prometheus.Registerer) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	registerer.MustRegister(
		eventsubSessionCost,
		eventsubSubscriptionCount,
		eventsubNotificationCount,
	)
}
