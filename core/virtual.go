package core

import (
	"sync"
	"sync/atomic"
)

// VirtualStation represents an external party inside the broadcast graph.
// The bridge registers one per session so the external client can transmit
// and be range-checked like any other station. It never receives: the
// proxied real station handles reception and the bridge forwards from there.
type VirtualStation struct {
	id       string
	entityID string
	env      Environment
	registry *Registry

	destroyed atomic.Bool

	mu          sync.Mutex
	hasLocation bool
	location    Vec3
}

// NewVirtualStation registers a virtual station whose ID derives from the
// designated entity. Its position is synced from that entity on demand; it
// has no independent environment attachment, so EntityID reports empty and
// the entity index keeps pointing at the real station.
func NewVirtualStation(registry *Registry, env Environment, entityID string) (*VirtualStation, error) {
	vs := &VirtualStation{
		id:       "remote-" + entityID,
		entityID: entityID,
		env:      env,
		registry: registry,
	}
	if err := registry.Add(vs); err != nil {
		return nil, err
	}
	return vs, nil
}

// ID returns the virtual station's identifier.
func (vs *VirtualStation) ID() string { return vs.id }

// EntityID returns "" — the virtual station has no independent attachment.
func (vs *VirtualStation) EntityID() string { return "" }

// SyncLocation refreshes the virtual position from the designated entity's
// current location. Range computations for injected traffic use this.
func (vs *VirtualStation) SyncLocation() {
	loc, ok := vs.env.Location(vs.entityID)
	if !ok {
		return
	}
	vs.mu.Lock()
	vs.location = loc
	vs.hasLocation = true
	vs.mu.Unlock()
}

// Location returns the last synced position, if any.
func (vs *VirtualStation) Location() (Vec3, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.location, vs.hasLocation
}

// Subscribed always reports false: the virtual station is a send-only
// proxy, so routed traffic never counts it as a recipient.
func (vs *VirtualStation) Subscribed(string) bool { return false }

// Deliver is a no-op; reception happens via the proxied real station.
func (vs *VirtualStation) Deliver(*Message) {}

// IsAlive reports whether the virtual station has not been destroyed.
func (vs *VirtualStation) IsAlive() bool { return !vs.destroyed.Load() }

// Destroy deregisters the virtual station.
func (vs *VirtualStation) Destroy() {
	if vs.destroyed.Swap(true) {
		return
	}
	vs.registry.Remove(vs.id)
}
