// Package world provides the in-process simulation environment: a store of
// moving entities whose kinematics are integrated on every simulation tick
// and pushed to observers.
package world

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/vanet-simulator/core"
	"github.com/signalsfoundry/vanet-simulator/internal/logging"
)

// entity is one simulated actor. All fields are guarded by the world lock.
type entity struct {
	id      string
	role    string
	kind    string
	pos     core.Vec3
	vel     core.Vec3
	heading float64 // degrees
	yawRate float64 // deg/s
	alive   bool

	observers []func(core.Observation)
}

// World holds the entity population and advances it in lockstep with the
// simulation clock. It implements core.Environment and core.EntitySpawner.
type World struct {
	mu       sync.RWMutex
	entities map[string]*entity
	lastTick time.Time

	log logging.Logger
}

// Option customises World construction.
type Option func(*World)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(w *World) {
		if log != nil {
			w.log = log
		}
	}
}

// New constructs an empty world.
func New(opts ...Option) *World {
	w := &World{
		entities: make(map[string]*entity),
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Spawn adds an entity. Spawning an already-present ID fails.
func (w *World) Spawn(spec core.EntitySpec) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.entities[spec.ID]; exists {
		return fmt.Errorf("entity %q already spawned", spec.ID)
	}
	w.entities[spec.ID] = &entity{
		id:      spec.ID,
		role:    spec.Role,
		kind:    spec.Kind,
		pos:     spec.Position,
		vel:     spec.Velocity,
		heading: spec.Heading,
		yawRate: spec.YawRate,
		alive:   true,
	}
	w.log.Debug(context.Background(), "entity spawned",
		logging.String("entity_id", spec.ID),
		logging.String("role", spec.Role),
		logging.String("kind", spec.Kind),
	)
	return nil
}

// Observe attaches a kinematic observer to an entity. Observers fire on
// every tick from the tick goroutine.
func (w *World) Observe(entityID string, fn func(core.Observation)) error {
	if fn == nil {
		return fmt.Errorf("nil observer")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ent, ok := w.entities[entityID]
	if !ok || !ent.alive {
		return fmt.Errorf("entity %q not spawned", entityID)
	}
	ent.observers = append(ent.observers, fn)
	return nil
}

// Despawn removes an entity from the world. Attached observers stop firing.
func (w *World) Despawn(entityID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ent, ok := w.entities[entityID]; ok {
		ent.alive = false
		delete(w.entities, entityID)
	}
}

// SetVelocity replaces an entity's velocity vector, e.g. for scripted
// manoeuvres mid-run.
func (w *World) SetVelocity(entityID string, vel core.Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ent, ok := w.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %q not spawned", entityID)
	}
	ent.vel = vel
	return nil
}

// Tick advances every entity to now and pushes fresh observations. The
// first tick anchors the clock and pushes observations without moving
// anything; integration starts on the second. Intended as a timectrl
// listener.
func (w *World) Tick(now time.Time) {
	type pending struct {
		obs       core.Observation
		observers []func(core.Observation)
	}

	w.mu.Lock()
	dt := 0.0
	if !w.lastTick.IsZero() {
		dt = now.Sub(w.lastTick).Seconds()
	}
	w.lastTick = now

	var fire []pending
	for _, ent := range w.entities {
		if dt > 0 && ent.kind != "fixed" {
			ent.pos = ent.pos.Add(ent.vel.Scale(dt))
			if ent.yawRate != 0 {
				turn := ent.yawRate * dt
				ent.heading = math.Mod(ent.heading+turn+360, 360)
				ent.vel = rotateXY(ent.vel, turn)
			}
		}
		if len(ent.observers) == 0 {
			continue
		}
		obs := core.Observation{
			At:       now,
			Position: ent.pos,
			Heading:  ent.heading,
			Speed:    ent.vel.Norm(),
			YawRate:  ent.yawRate,
		}
		observers := make([]func(core.Observation), len(ent.observers))
		copy(observers, ent.observers)
		fire = append(fire, pending{obs: obs, observers: observers})
	}
	w.mu.Unlock()

	// Observers run outside the world lock: they re-enter the environment
	// through station sends and registry lookups.
	for _, p := range fire {
		for _, fn := range p.observers {
			fn(p.obs)
		}
	}
}

// rotateXY rotates a vector around the Z axis by deg degrees.
func rotateXY(v core.Vec3, deg float64) core.Vec3 {
	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	return core.Vec3{
		X: v.X*cos - v.Y*sin,
		Y: v.X*sin + v.Y*cos,
		Z: v.Z,
	}
}

// Location implements core.Environment.
func (w *World) Location(entityID string) (core.Vec3, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ent, ok := w.entities[entityID]
	if !ok {
		return core.Vec3{}, false
	}
	return ent.pos, true
}

// Velocity implements core.Environment.
func (w *World) Velocity(entityID string) (core.Vec3, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ent, ok := w.entities[entityID]
	if !ok {
		return core.Vec3{}, false
	}
	return ent.vel, true
}

// Heading implements core.Environment.
func (w *World) Heading(entityID string) (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ent, ok := w.entities[entityID]
	if !ok {
		return 0, false
	}
	return ent.heading, true
}

// IsAlive implements core.Environment.
func (w *World) IsAlive(entityID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ent, ok := w.entities[entityID]
	return ok && ent.alive
}

// EntityIDsByRole implements core.Environment.
func (w *World) EntityIDsByRole(role string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []string
	for id, ent := range w.entities {
		if ent.role == role {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of live entities.
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entities)
}
