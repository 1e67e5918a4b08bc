package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// channelTable maps channel names to member station IDs. Membership is
// purely additive; the core defines no remove operation.
type channelTable struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
}

func newChannelTable() *channelTable {
	return &channelTable{channels: make(map[string]map[string]struct{})}
}

func (c *channelTable) add(name string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.channels[name]
	if !ok {
		members = make(map[string]struct{})
		c.channels[name] = members
	}
	for _, id := range ids {
		members[id] = struct{}{}
	}
}

func (c *channelTable) members(name string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	members, ok := c.channels[name]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out, true
}

func (c *channelTable) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}

// CreateChannel unions the given station IDs into the named channel's
// member set, creating the channel if needed. Idempotent and additive.
func (r *Router) CreateChannel(name string, ids []string) {
	r.channels.add(name, ids)
	if r.metrics != nil {
		r.metrics.SetChannelCount(r.channels.count())
	}
}

// ChannelCount returns the number of known channels.
func (r *Router) ChannelCount() int {
	return r.channels.count()
}

// BroadcastToChannel sends a message of the given type to the channel's
// current members, equivalent to a Targeted delivery. It fails with
// ErrChannelNotFound for an unknown channel and returns the delivered count.
func (r *Router) BroadcastToChannel(name, senderID, msgType string, data map[string]json.RawMessage, sentAt time.Time) (int, error) {
	ids, ok := r.channels.members(name)
	if !ok {
		return 0, fmt.Errorf("channel %q: %w", name, ErrChannelNotFound)
	}
	msg := &Message{
		Type:     msgType,
		SenderID: senderID,
		SentAt:   sentAt,
		Data:     data,
	}
	return r.Deliver(senderID, msg, Targeted{IDs: ids}), nil
}
