package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce          sync.Once
	chatRequestsTotal     *prometheus.CounterVec
	chatLatencySeconds    *prometheus.HistogramVec
	chatErrorsTotal       *prometheus.CounterVec
	chatConnectionsTotal  prometheus.Counter
	chatConnectionsActive prometheus.Gauge
	chatMessagesSent      *prometheus.CounterVec
	chatReceiptsTotal     prometheus.Counter
	busPublishFailures    *prometheus.CounterVec
	onlineUsersActive     prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the chat API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		chatRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Total number of chat API requests served.",
		}, []string{"method", "route", "status"})

		chatLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_latency_seconds",
			Help:    "Latency distribution for chat API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		chatErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_errors_total",
			Help: "Total number of error responses returned by chat endpoints.",
		}, []string{"method", "route", "status"})

		chatConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_ws_connections_total",
			Help: "Total number of websocket connections accepted.",
		})

		chatConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_ws_connections_active",
			Help: "Websocket connections currently registered on the delivery bus.",
		})

		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total number of chat messages persisted and broadcast.",
		}, []string{"kind"})

		chatReceiptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_read_receipts_total",
			Help: "Total number of read receipts recorded.",
		})

		busPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_bus_publish_failures_total",
			Help: "Cross-node publish attempts that failed, by backend.",
		}, []string{"backend"})

		onlineUsersActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Distinct users with at least one live websocket connection.",
		})

		prometheus.MustRegister(
			chatRequestsTotal,
			chatLatencySeconds,
			chatErrorsTotal,
			chatConnectionsTotal,
			chatConnectionsActive,
			chatMessagesSent,
			chatReceiptsTotal,
			busPublishFailures,
			onlineUsersActive,
		)
	})
}

// ChatRequests exposes the counter for chat API requests.
func ChatRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return chatRequestsTotal
}

// ChatLatency exposes the latency histogram for chat API requests.
func ChatLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return chatLatencySeconds
}

// ChatErrors exposes the counter for chat error responses.
func ChatErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return chatErrorsTotal
}

// ChatConnectionsTotal exposes the counter for accepted websocket connections.
func ChatConnectionsTotal() prometheus.Counter {
	RegisterMetrics()
	return chatConnectionsTotal
}

// ChatConnectionsActive exposes the gauge of live websocket connections.
func ChatConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatConnectionsActive
}

// ChatMessagesSent exposes the counter for persisted messages.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

// ChatReceipts exposes the counter for recorded read receipts.
func ChatReceipts() prometheus.Counter {
	RegisterMetrics()
	return chatReceiptsTotal
}

// BusPublishFailures exposes the counter for failed cross-node publishes.
func BusPublishFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return busPublishFailures
}

// OnlineUsers exposes the gauge of users with live connections.
func OnlineUsers() prometheus.Gauge {
	RegisterMetrics()
	return onlineUsersActive
}

// MetricsHandler serves the Prometheus scrape endpoint through Fiber.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.Handler())
}
