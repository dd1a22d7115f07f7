// Package metrics collects Prometheus metrics for the realtime gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the realtime core records. A nil *Collector is
// valid and records nothing, so components can be built without metrics in
// tests.
type Collector struct {
	connections       prometheus.Gauge
	onlineIdentities  prometheus.Gauge
	handshakeFailures *prometheus.CounterVec
	deliveries        prometheus.Counter
	droppedDeliveries *prometheus.CounterVec
	chatMessages      *prometheus.CounterVec
	entityEvents      *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	rejectedEvents    *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifesync_connections",
			Help: "Live realtime connections.",
		}),
		onlineIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifesync_online_identities",
			Help: "Identities with at least one live connection.",
		}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifesync_handshake_failures_total",
			Help: "Rejected connection handshakes by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifesync_deliveries_total",
			Help: "Frames queued to a connection.",
		}),
		droppedDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifesync_dropped_deliveries_total",
			Help: "Frames that could not be queued to a connection.",
		}, []string{"reason"}),
		chatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifesync_chat_messages_total",
			Help: "Chat send attempts by outcome.",
		}, []string{"outcome"}),
		entityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifesync_entity_events_total",
			Help: "Entity sync events published by kind and action.",
		}, []string{"kind", "action"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifesync_notifications_total",
			Help: "Server pushed notifications by kind and outcome.",
		}, []string{"kind", "outcome"}),
		rejectedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifesync_rejected_events_total",
			Help: "Inbound events rejected back to the sender by error code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		c.connections,
		c.onlineIdentities,
		c.handshakeFailures,
		c.deliveries,
		c.droppedDeliveries,
		c.chatMessages,
		c.entityEvents,
		c.notifications,
		c.rejectedEvents,
	)
	return c
}

// Handler returns the /metrics handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.connections.Inc()
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.connections.Dec()
	}
}

func (c *Collector) IdentityOnline() {
	if c != nil {
		c.onlineIdentities.Inc()
	}
}

func (c *Collector) IdentityOffline() {
	if c != nil {
		c.onlineIdentities.Dec()
	}
}

func (c *Collector) HandshakeFailed(reason string) {
	if c != nil {
		c.handshakeFailures.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) Delivered() {
	if c != nil {
		c.deliveries.Inc()
	}
}

func (c *Collector) DeliveryDropped(reason string) {
	if c != nil {
		c.droppedDeliveries.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) ChatMessage(outcome string) {
	if c != nil {
		c.chatMessages.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) EntityEvent(kind, action string) {
	if c != nil {
		c.entityEvents.WithLabelValues(kind, action).Inc()
	}
}

func (c *Collector) Notification(kind, outcome string) {
	if c != nil {
		c.notifications.WithLabelValues(kind, outcome).Inc()
	}
}

func (c *Collector) EventRejected(code string) {
	if c != nil {
		c.rejectedEvents.WithLabelValues(code).Inc()
	}
}
