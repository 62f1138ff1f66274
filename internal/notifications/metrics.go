package notifications

import (
	"time"

	"github.com/bissquit/sterility-garden/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "queue_size",
			Help:      "Number of notification messages and email alerts by status",
		},
		[]string{"status"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Total channel sends by channel and outcome",
		},
		[]string{"channel_type", "status"},
	)

	notificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to send one notification over one channel",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel_type"},
	)

	notificationsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "queue_fetched_total",
			Help:      "Total entries claimed by the background sweep",
		},
		[]string{"queue"},
	)

	notificationsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "recovered_total",
			Help:      "Total entries returned to the queue after a stalled send",
		},
	)
)

func recordNotificationSent(channelType, status string) {
	notificationsSent.WithLabelValues(channelType, status).Inc()
}

func recordNotificationDuration(channelType string, duration time.Duration) {
	notificationSendDuration.WithLabelValues(channelType).Observe(duration.Seconds())
}

func recordQueueFetched(queue string, count int) {
	notificationsFetched.WithLabelValues(queue).Add(float64(count))
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	notificationQueueSize.WithLabelValues("pending").Set(float64(stats.Pending))
	notificationQueueSize.WithLabelValues("queued").Set(float64(stats.Queued))
	notificationQueueSize.WithLabelValues("sending").Set(float64(stats.Sending))
	notificationQueueSize.WithLabelValues("sent").Set(float64(stats.Sent))
	notificationQueueSize.WithLabelValues("failed").Set(float64(stats.Failed))
}
