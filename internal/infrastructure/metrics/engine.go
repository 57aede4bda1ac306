package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics contains the Prometheus metrics for device simulation.
type EngineMetrics struct {
	PublishesTotal       *prometheus.CounterVec
	PublishFailuresTotal *prometheus.CounterVec
	PublishDuration      *prometheus.HistogramVec
	DroppedPublishes     prometheus.Counter
	WebhookRequestsTotal *prometheus.CounterVec
	SinkPointsTotal      *prometheus.CounterVec
	SinkDropped          prometheus.Counter
	Devices              *prometheus.GaugeVec
	ActiveGroups         prometheus.Gauge
}

// NewEngineMetrics creates and registers the engine metrics on reg.
// Pass Registry in production wiring; tests pass their own registry so
// repeated construction never collides.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		PublishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "publishes_total",
				Help:      "Total telemetry publishes attempted, by transport protocol",
			},
			[]string{"protocol"},
		),
		PublishFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "publish_failures_total",
				Help:      "Total failed telemetry publishes",
			},
			[]string{"protocol", "reason"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "publish_duration_seconds",
				Help:      "Time from publish call to broker acknowledgement",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		DroppedPublishes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "dropped_publishes_total",
				Help:      "Payloads discarded because an adapter queue was full",
			},
		),
		WebhookRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "webhook_requests_total",
				Help:      "Proxy webhook deliveries, by HTTP status code",
			},
			[]string{"code"},
		),
		SinkPointsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "sink_points_total",
				Help:      "Points submitted to the metrics sink, by measurement",
			},
			[]string{"measurement"},
		),
		SinkDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "sink_dropped_total",
				Help:      "Points discarded because the sink buffer was full",
			},
		),
		Devices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "devices",
				Help:      "Devices currently registered, by lifecycle status",
			},
			[]string{"status"},
		),
		ActiveGroups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "active_groups",
				Help:      "Device groups currently defined",
			},
		),
	}

	reg.MustRegister(
		m.PublishesTotal,
		m.PublishFailuresTotal,
		m.PublishDuration,
		m.DroppedPublishes,
		m.WebhookRequestsTotal,
		m.SinkPointsTotal,
		m.SinkDropped,
		m.Devices,
		m.ActiveGroups,
	)

	return m
}
