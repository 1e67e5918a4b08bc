package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles Prometheus metrics for the broadcast network and the
// external bridge. It satisfies the router's delivery recorder and the
// registry's station gauge so both can drive values directly from their
// mutators.
type SimCollector struct {
	gatherer prometheus.Gatherer

	MessagesSent      *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec

	Stations prometheus.Gauge
	Channels prometheus.Gauge

	BridgeSessions prometheus.Gauge
	BridgeFrames   *prometheus.CounterVec
}

// NewSimCollector registers simulator Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	sent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vanet_messages_sent_total",
		Help: "Total messages routed, labeled by message type and sender station.",
	}, []string{"type", "sender"})
	sent, err := registerCounterVec(reg, sent, "vanet_messages_sent_total")
	if err != nil {
		return nil, err
	}

	delivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vanet_messages_delivered_total",
		Help: "Total per-recipient deliveries, labeled by message type.",
	}, []string{"type"})
	delivered, err = registerCounterVec(reg, delivered, "vanet_messages_delivered_total")
	if err != nil {
		return nil, err
	}

	stations, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vanet_stations",
		Help: "Current number of registered stations, virtual ones included.",
	}), "vanet_stations")
	if err != nil {
		return nil, err
	}
	channels, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vanet_channels",
		Help: "Current number of named broadcast channels.",
	}), "vanet_channels")
	if err != nil {
		return nil, err
	}

	sessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vanet_bridge_sessions",
		Help: "Current number of active external bridge sessions (0 or 1).",
	}), "vanet_bridge_sessions")
	if err != nil {
		return nil, err
	}

	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vanet_bridge_frames_total",
		Help: "Bridge frames processed, labeled by direction and frame type.",
	}, []string{"direction", "type"})
	frames, err = registerCounterVec(reg, frames, "vanet_bridge_frames_total")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:          gatherer,
		MessagesSent:      sent,
		MessagesDelivered: delivered,
		Stations:          stations,
		Channels:          channels,
		BridgeSessions:    sessions,
		BridgeFrames:      frames,
	}, nil
}

// RecordMessage counts one routed send and its per-recipient deliveries.
func (c *SimCollector) RecordMessage(msgType, senderID string, delivered int) {
	if c == nil {
		return
	}
	if c.MessagesSent != nil {
		c.MessagesSent.WithLabelValues(msgType, senderID).Inc()
	}
	if c.MessagesDelivered != nil && delivered > 0 {
		c.MessagesDelivered.WithLabelValues(msgType).Add(float64(delivered))
	}
}

// SetStationCount tracks the registry population.
func (c *SimCollector) SetStationCount(n int) {
	if c == nil || c.Stations == nil {
		return
	}
	c.Stations.Set(float64(n))
}

// SetChannelCount tracks the number of named channels.
func (c *SimCollector) SetChannelCount(n int) {
	if c == nil || c.Channels == nil {
		return
	}
	c.Channels.Set(float64(n))
}

// SetBridgeSessions tracks the active external session count.
func (c *SimCollector) SetBridgeSessions(n int) {
	if c == nil || c.BridgeSessions == nil {
		return
	}
	c.BridgeSessions.Set(float64(n))
}

// RecordBridgeFrame counts one bridge frame by direction and frame type.
func (c *SimCollector) RecordBridgeFrame(direction, frameType string) {
	if c == nil || c.BridgeFrames == nil {
		return
	}
	c.BridgeFrames.WithLabelValues(direction, frameType).Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
