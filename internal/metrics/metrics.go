// Package metrics exposes Prometheus instrumentation for the exchange.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the exchange reports. All per-symbol
// series are labelled with the symbol only; cardinality is bounded by the
// closed symbol registry.
type Metrics struct {
	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	TradesExecuted  *prometheus.CounterVec
	TradeVolume     *prometheus.CounterVec
	SubmitLatency   *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec
	OpenOrders      *prometheus.GaugeVec
	OrdersExpired   prometheus.Counter
	EventsPublished prometheus.Counter
	DBRetries       prometheus.Counter

	registry *prometheus.Registry
}

// New builds a Metrics bundle on a private registry.
func New() *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_submitted_total",
			Help: "Orders accepted by an engine, by final status.",
		}, []string{"symbol", "status"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_rejected_total",
			Help: "Orders rejected synchronously, by reason.",
		}, []string{"symbol", "reason"}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_trades_executed_total",
			Help: "Trades executed.",
		}, []string{"symbol"}),
		TradeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_trade_volume_shares_total",
			Help: "Shares traded.",
		}, []string{"symbol"}),
		SubmitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exchange_submit_duration_seconds",
			Help:    "End-to-end submit intent duration, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"symbol"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exchange_intent_queue_depth",
			Help: "Intents waiting in an engine's queue.",
		}, []string{"symbol"}),
		OpenOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exchange_open_orders",
			Help: "Orders resting on the book.",
		}, []string{"symbol"}),
		OrdersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_orders_expired_total",
			Help: "Orders cancelled by the expiration scheduler.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_outbox_events_published_total",
			Help: "Market-data events delivered by the publisher.",
		}),
		DBRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_db_retries_total",
			Help: "Transactions retried after a transient database failure.",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.OrdersSubmitted, m.OrdersRejected, m.TradesExecuted, m.TradeVolume,
		m.SubmitLatency, m.QueueDepth, m.OpenOrders,
		m.OrdersExpired, m.EventsPublished, m.DBRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
