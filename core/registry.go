package core

import (
	"fmt"
	"sync"
)

// StationGaugeRecorder receives registry size updates for metrics export.
type StationGaugeRecorder interface {
	SetStationCount(n int)
}

// Registry is the process-wide collection of live participants, keyed by
// station ID. It is the only shared mutable state between the independent
// triggering loops; all access goes through the registry lock, and
// enumeration hands out snapshots so iteration never observes a
// half-removed entry.
type Registry struct {
	mu sync.RWMutex

	stations map[string]Participant

	// byEntity indexes real stations by their attached entity. Virtual
	// participants report an empty entity ID and stay out of the index.
	byEntity map[string]string

	metrics StationGaugeRecorder
}

// RegistryOption customises Registry construction.
type RegistryOption func(*Registry)

// WithStationGauge attaches an optional recorder for the station count.
func WithStationGauge(m StationGaugeRecorder) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		stations: make(map[string]Participant),
		byEntity: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Add registers a participant. It fails with ErrStationExists when the ID is
// already taken: a station ID maps to at most one participant at a time.
func (r *Registry) Add(p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stations[p.ID()]; exists {
		return fmt.Errorf("station %q: %w", p.ID(), ErrStationExists)
	}
	r.stations[p.ID()] = p
	if eid := p.EntityID(); eid != "" {
		r.byEntity[eid] = p.ID()
	}
	r.updateMetricsLocked()
	return nil
}

// Remove deregisters a participant by ID. Removal is atomic with respect to
// concurrent enumeration. It reports whether the ID was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.stations[id]
	if !ok {
		return false
	}
	delete(r.stations, id)
	if eid := p.EntityID(); eid != "" && r.byEntity[eid] == id {
		delete(r.byEntity, eid)
	}
	r.updateMetricsLocked()
	return true
}

// Get looks up a participant by station ID.
func (r *Registry) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.stations[id]
	return p, ok
}

// StationForEntity looks up the real station attached to the given entity.
func (r *Registry) StationForEntity(entityID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEntity[entityID]
	if !ok {
		return nil, false
	}
	p, ok := r.stations[id]
	return p, ok
}

// Snapshot returns the current participants. The slice is a private copy;
// the participants themselves are shared.
func (r *Registry) Snapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.stations))
	for _, p := range r.stations {
		out = append(out, p)
	}
	return out
}

// Len returns the number of registered participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stations)
}

func (r *Registry) updateMetricsLocked() {
	if r.metrics != nil {
		r.metrics.SetStationCount(len(r.stations))
	}
}
