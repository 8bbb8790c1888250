// Package metrics defines the exchange's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the exchange updates.
type Metrics struct {
	OrdersSubmitted *prometheus.CounterVec // labels: credit_type, side
	OrdersRejected  *prometheus.CounterVec // labels: reason
	OrdersClosed    *prometheus.CounterVec // labels: status
	Trades          *prometheus.CounterVec // labels: credit_type
	TradedQuantity  *prometheus.CounterVec // labels: credit_type

	SettlementDuration prometheus.Histogram
	LockWait           prometheus.Histogram
	LockTimeouts       prometheus.Counter

	RestingOrders   *prometheus.GaugeVec // labels: credit_type
	EventsPending   prometheus.Gauge
	EventFailures   prometheus.Counter
	WSDrops         prometheus.Counter
	OutboxPending   prometheus.Gauge
	OutboxFailed    prometheus.Gauge
	WebhookFailures prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a fresh registry,
// together with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonexchange_orders_submitted_total",
			Help: "Orders accepted for matching",
		}, []string{"credit_type", "side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonexchange_orders_rejected_total",
			Help: "Order submissions rejected before any state change",
		}, []string{"reason"}),
		OrdersClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonexchange_orders_closed_total",
			Help: "Orders cancelled or expired",
		}, []string{"status"}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonexchange_trades_total",
			Help: "Trades executed",
		}, []string{"credit_type"}),
		TradedQuantity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonexchange_traded_quantity_total",
			Help: "Credits moved between owners by trades",
		}, []string{"credit_type"}),
		SettlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carbonexchange_settlement_duration_seconds",
			Help:    "Ledger commit latency per submission",
			Buckets: prometheus.DefBuckets,
		}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carbonexchange_book_lock_wait_seconds",
			Help:    "Time spent waiting for exclusive access to an order book",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carbonexchange_book_lock_timeouts_total",
			Help: "Requests rejected as busy after waiting for an order book",
		}),
		RestingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carbonexchange_resting_orders",
			Help: "Orders resting on the book",
		}, []string{"credit_type"}),
		EventsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carbonexchange_events_pending",
			Help: "Event batches waiting for delivery",
		}),
		EventFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carbonexchange_event_delivery_failures_total",
			Help: "Event batches at least one publisher failed to deliver",
		}),
		WSDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carbonexchange_ws_dropped_events_total",
			Help: "Events dropped for slow WebSocket clients",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carbonexchange_outbox_pending",
			Help: "Settlement instructions not yet handed to the bridge",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carbonexchange_outbox_failed",
			Help: "Settlement instructions that exhausted their retries",
		}),
		WebhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carbonexchange_webhook_failures_total",
			Help: "Webhook deliveries that failed or returned a non-2xx status",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OrdersSubmitted,
		m.OrdersRejected,
		m.OrdersClosed,
		m.Trades,
		m.TradedQuantity,
		m.SettlementDuration,
		m.LockWait,
		m.LockTimeouts,
		m.RestingOrders,
		m.EventsPending,
		m.EventFailures,
		m.WSDrops,
		m.OutboxPending,
		m.OutboxFailed,
		m.WebhookFailures,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
