package core

import (
	"context"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/timectrl"
)

// Target selects the candidate recipient set for one delivery.
type Target interface {
	isTarget()
}

// Targeted delivers to an explicit set of station IDs, minus the sender.
type Targeted struct {
	IDs []string
}

// RangeBounded delivers to every registered station within Meters of the
// sender's last known location. Stations with no known location are
// excluded, as is a sender with no location.
type RangeBounded struct {
	Meters float64
}

// AllKnown delivers to every other registered station regardless of
// location.
type AllKnown struct{}

func (Targeted) isTarget()     {}
func (RangeBounded) isTarget() {}
func (AllKnown) isTarget()     {}

// DeliveryRecorder receives per-send delivery metrics.
type DeliveryRecorder interface {
	RecordMessage(msgType, senderID string, delivered int)
	SetChannelCount(n int)
}

// Router computes actual recipients for each send, applies per-recipient
// subscription gating, delivers, and records statistics. Delivery order
// across recipients is unspecified; deliveries to a given recipient happen
// synchronously in the sender's goroutine, so messages from one sender
// arrive in send order.
type Router struct {
	registry *Registry
	stats    *NetworkStats
	channels *channelTable
	log      logging.Logger
	metrics  DeliveryRecorder
}

// RouterOption customises Router construction.
type RouterOption func(*Router)

// WithRouterLogger attaches a structured logger.
func WithRouterLogger(log logging.Logger) RouterOption {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithDeliveryRecorder attaches an optional per-send metrics recorder.
func WithDeliveryRecorder(m DeliveryRecorder) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// NewRouter wires a router over the given registry. The clock anchors the
// message-rate statistic.
func NewRouter(registry *Registry, clock timectrl.SimClock, opts ...RouterOption) *Router {
	if clock == nil {
		clock = wallClock{}
	}
	r := &Router{
		registry: registry,
		stats:    NewNetworkStats(clock),
		channels: newChannelTable(),
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Registry exposes the underlying registry.
func (r *Router) Registry() *Registry { return r.registry }

// Stats exposes the router's statistics tracker.
func (r *Router) Stats() *NetworkStats { return r.stats }

// Deliver routes one message from senderID to the recipients selected by
// target, honouring each recipient's subscription set. A recipient that is
// unknown, out of range, locationless under a range bound, or unsubscribed
// is silently excluded; destroyed recipients are safe no-ops. Returns the
// number of recipients actually delivered to.
func (r *Router) Deliver(senderID string, msg *Message, target Target) int {
	recipients := r.resolve(senderID, target)

	delivered := 0
	for _, p := range recipients {
		if !p.Subscribed(msg.Type) {
			continue
		}
		p.Deliver(msg)
		delivered++
	}

	r.stats.Record(senderID, msg.Type)
	if r.metrics != nil {
		r.metrics.RecordMessage(msg.Type, senderID, delivered)
	}
	r.log.Debug(context.Background(), "message routed",
		logging.String("sender_id", senderID),
		logging.String("message_type", msg.Type),
		logging.Int("delivered", delivered),
	)
	return delivered
}

// resolve computes the candidate recipient set, always excluding the sender.
func (r *Router) resolve(senderID string, target Target) []Participant {
	switch t := target.(type) {
	case Targeted:
		out := make([]Participant, 0, len(t.IDs))
		for _, id := range t.IDs {
			if id == senderID {
				continue
			}
			if p, ok := r.registry.Get(id); ok {
				out = append(out, p)
			}
		}
		return out

	case RangeBounded:
		sender, ok := r.registry.Get(senderID)
		if !ok {
			return nil
		}
		origin, ok := sender.Location()
		if !ok {
			return nil
		}
		var out []Participant
		for _, p := range r.registry.Snapshot() {
			if p.ID() == senderID {
				continue
			}
			loc, ok := p.Location()
			if !ok {
				continue
			}
			if origin.DistanceTo(loc) <= t.Meters {
				out = append(out, p)
			}
		}
		return out

	case AllKnown:
		var out []Participant
		for _, p := range r.registry.Snapshot() {
			if p.ID() != senderID {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
