package world

import (
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/vanet-simulator/core"
)

func TestSpawnAndLookup(t *testing.T) {
	w := New()
	spec := core.EntitySpec{
		ID:       "car",
		Role:     "sedan",
		Kind:     "vehicle",
		Position: core.Vec3{X: 1, Y: 2},
		Velocity: core.Vec3{X: 10},
		Heading:  90,
	}
	if err := w.Spawn(spec); err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if err := w.Spawn(spec); err == nil {
		t.Fatalf("duplicate Spawn() succeeded")
	}

	if pos, ok := w.Location("car"); !ok || pos != spec.Position {
		t.Fatalf("Location() = %v, %v", pos, ok)
	}
	if vel, ok := w.Velocity("car"); !ok || vel != spec.Velocity {
		t.Fatalf("Velocity() = %v, %v", vel, ok)
	}
	if h, ok := w.Heading("car"); !ok || h != 90 {
		t.Fatalf("Heading() = %v, %v", h, ok)
	}
	if !w.IsAlive("car") {
		t.Fatalf("IsAlive() = false")
	}
	if ids := w.EntityIDsByRole("sedan"); len(ids) != 1 || ids[0] != "car" {
		t.Fatalf("EntityIDsByRole() = %v", ids)
	}
	if ids := w.EntityIDsByRole("hero"); len(ids) != 0 {
		t.Fatalf("EntityIDsByRole(hero) = %v", ids)
	}

	w.Despawn("car")
	if w.IsAlive("car") {
		t.Fatalf("despawned entity reports alive")
	}
	if _, ok := w.Location("car"); ok {
		t.Fatalf("despawned entity still located")
	}
}

func TestTickIntegratesMotion(t *testing.T) {
	w := New()
	if err := w.Spawn(core.EntitySpec{
		ID:       "car",
		Kind:     "vehicle",
		Position: core.Vec3{},
		Velocity: core.Vec3{X: 25},
		Heading:  90,
	}); err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	start := time.Unix(1000, 0)
	w.Tick(start) // anchors only
	if pos, _ := w.Location("car"); pos != (core.Vec3{}) {
		t.Fatalf("anchor tick moved the entity to %v", pos)
	}

	w.Tick(start.Add(100 * time.Millisecond))
	pos, _ := w.Location("car")
	if math.Abs(pos.X-2.5) > 1e-9 || pos.Y != 0 {
		t.Fatalf("position after 100ms at 25 m/s = %v", pos)
	}

	w.Tick(start.Add(200 * time.Millisecond))
	pos, _ = w.Location("car")
	if math.Abs(pos.X-5.0) > 1e-9 {
		t.Fatalf("position after 200ms = %v", pos)
	}
}

func TestTickFixedEntityStays(t *testing.T) {
	w := New()
	at := core.Vec3{X: 5, Y: 5}
	if err := w.Spawn(core.EntitySpec{ID: "rsu", Kind: "fixed", Position: at}); err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	start := time.Unix(1000, 0)
	w.Tick(start)
	w.Tick(start.Add(time.Second))
	if pos, _ := w.Location("rsu"); pos != at {
		t.Fatalf("fixed entity moved to %v", pos)
	}
}

func TestTickYawRotatesHeadingAndVelocity(t *testing.T) {
	w := New()
	if err := w.Spawn(core.EntitySpec{
		ID:       "car",
		Kind:     "vehicle",
		Velocity: core.Vec3{X: 10},
		Heading:  0,
		YawRate:  90, // deg/s
	}); err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	start := time.Unix(1000, 0)
	w.Tick(start)
	w.Tick(start.Add(time.Second))

	h, _ := w.Heading("car")
	if math.Abs(h-90) > 1e-9 {
		t.Fatalf("heading = %v, want 90", h)
	}
	vel, _ := w.Velocity("car")
	if math.Abs(vel.X) > 1e-9 || math.Abs(vel.Y-10) > 1e-9 {
		t.Fatalf("velocity = %v, want rotated onto +Y", vel)
	}
}

func TestObserversReceiveTicks(t *testing.T) {
	w := New()
	if err := w.Spawn(core.EntitySpec{
		ID:       "car",
		Kind:     "vehicle",
		Velocity: core.Vec3{X: 3, Y: 4},
		Heading:  45,
	}); err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	var got []core.Observation
	if err := w.Observe("car", func(obs core.Observation) { got = append(got, obs) }); err != nil {
		t.Fatalf("Observe() error: %v", err)
	}
	if err := w.Observe("ghost", func(core.Observation) {}); err == nil {
		t.Fatalf("Observe() on a missing entity succeeded")
	}

	start := time.Unix(1000, 0)
	w.Tick(start)
	w.Tick(start.Add(time.Second))

	if len(got) != 2 {
		t.Fatalf("observations = %d, want 2", len(got))
	}
	last := got[len(got)-1]
	if math.Abs(last.Speed-5) > 1e-9 {
		t.Fatalf("speed = %v, want 5", last.Speed)
	}
	if last.Heading != 45 {
		t.Fatalf("heading = %v", last.Heading)
	}
	if last.At != start.Add(time.Second) {
		t.Fatalf("observation time = %v", last.At)
	}
	if math.Abs(last.Position.X-3) > 1e-9 || math.Abs(last.Position.Y-4) > 1e-9 {
		t.Fatalf("position = %v", last.Position)
	}
}
