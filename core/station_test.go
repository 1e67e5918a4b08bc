package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/vanet-simulator/timectrl"
)

// fakeEnv is a minimal in-memory Environment for core tests.
type fakeEnv struct {
	mu       sync.Mutex
	entities map[string]*fakeEntity
}

type fakeEntity struct {
	pos     Vec3
	vel     Vec3
	heading float64
	role    string
	alive   bool
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{entities: make(map[string]*fakeEntity)}
}

func (e *fakeEnv) add(id, role string, pos Vec3) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entities[id] = &fakeEntity{pos: pos, role: role, alive: true}
}

func (e *fakeEnv) Location(id string) (Vec3, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities[id]
	if !ok {
		return Vec3{}, false
	}
	return ent.pos, true
}

func (e *fakeEnv) Velocity(id string) (Vec3, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities[id]
	if !ok {
		return Vec3{}, false
	}
	return ent.vel, true
}

func (e *fakeEnv) Heading(id string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities[id]
	if !ok {
		return 0, false
	}
	return ent.heading, true
}

func (e *fakeEnv) IsAlive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities[id]
	return ok && ent.alive
}

func (e *fakeEnv) EntityIDsByRole(role string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, ent := range e.entities {
		if ent.role == role {
			out = append(out, id)
		}
	}
	return out
}

// recorder collects delivered messages through a station handler.
type recorder struct {
	mu   sync.Mutex
	msgs []*Message
}

func (r *recorder) handler(msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) last() *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[len(r.msgs)-1]
}

// newTestNetwork builds a registry, router, environment and a fixed
// receiver station at the origin so sent CAMs have somewhere to land.
func newTestNetwork(t *testing.T, clock timectrl.SimClock) (*Router, *fakeEnv, *recorder) {
	t.Helper()
	hub := NewRouter(NewRegistry(), clock)
	env := newFakeEnv()

	rec := &recorder{}
	origin := Vec3{}
	cfg := DefaultStationConfig()
	cfg.Location = &origin
	recv, err := NewStation(hub, env, "", cfg, WithStationID("receiver"), WithClock(clock))
	if err != nil {
		t.Fatalf("receiver station: %v", err)
	}
	recv.AddHandler(rec.handler)
	return hub, env, rec
}

func newVehicleStation(t *testing.T, hub *Router, env *fakeEnv, entityID string, clock timectrl.SimClock) *Station {
	t.Helper()
	st, err := NewStation(hub, env, entityID, DefaultStationConfig(), WithClock(clock), WithStationID("veh-"+entityID))
	if err != nil {
		t.Fatalf("vehicle station: %v", err)
	}
	return st
}

func TestNewStationRequiresLiveEntity(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	hub := NewRouter(NewRegistry(), clock)
	env := newFakeEnv()

	_, err := NewStation(hub, env, "ghost", DefaultStationConfig(), WithClock(clock))
	if !errors.Is(err, ErrSensorInit) {
		t.Fatalf("expected ErrSensorInit, got %v", err)
	}

	env.add("car", "sedan", Vec3{})
	st, err := NewStation(hub, env, "car", DefaultStationConfig(), WithClock(clock))
	if err != nil {
		t.Fatalf("NewStation() error: %v", err)
	}
	if st.Type() != StationTypeVehicle {
		t.Fatalf("type = %q, want vehicle", st.Type())
	}
	if _, ok := hub.Registry().StationForEntity("car"); !ok {
		t.Fatalf("station not indexed by entity")
	}
}

func TestStationMaxIntervalForcesSend(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	hub, env, rec := newTestNetwork(t, clock)
	env.add("car", "sedan", Vec3{})
	st := newVehicleStation(t, hub, env, "car", clock)

	// Immediately after creation we're inside the floor: suppressed.
	st.HandleObservation(Observation{At: clock.Now(), Position: Vec3{X: 1}, Heading: 90, Speed: 10})
	if rec.count() != 0 {
		t.Fatalf("send inside gen_cam_min floor")
	}

	// Past the ceiling: unconditional send even with unchanged kinematics.
	clock.Advance(1100 * time.Millisecond)
	st.HandleObservation(Observation{At: clock.Now(), Position: Vec3{X: 1}, Heading: 90, Speed: 10})
	if rec.count() != 1 {
		t.Fatalf("expected unconditional send past gen_cam_max, got %d", rec.count())
	}

	msg := rec.last()
	if msg.Type != MessageTypeCAM || msg.CAM == nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
	// The first CAM always carries the low-frequency segment.
	if msg.CAM.Role != DefaultRole {
		t.Fatalf("first CAM missing low-frequency role, got %q", msg.CAM.Role)
	}
	if msg.CAM.Position == nil || msg.CAM.Position.X != 1 {
		t.Fatalf("CAM position = %+v", msg.CAM.Position)
	}
}

func TestStationDeltaTriggers(t *testing.T) {
	tests := []struct {
		name string
		next Observation
		want bool
	}{
		{"no change", Observation{Position: Vec3{X: 1}, Heading: 90, Speed: 10}, false},
		{"heading just under", Observation{Position: Vec3{X: 1}, Heading: 94, Speed: 10}, false},
		{"heading over threshold", Observation{Position: Vec3{X: 1}, Heading: 95, Speed: 10}, true},
		{"position over threshold", Observation{Position: Vec3{X: 6}, Heading: 90, Speed: 10}, true},
		{"position under threshold", Observation{Position: Vec3{X: 4.5}, Heading: 90, Speed: 10}, false},
		{"speed jump", Observation{Position: Vec3{X: 1}, Heading: 90, Speed: 16}, true},
		{"speed drop", Observation{Position: Vec3{X: 1}, Heading: 90, Speed: 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := timectrl.NewManualClock(time.Unix(1000, 0))
			hub, env, rec := newTestNetwork(t, clock)
			env.add("car", "sedan", Vec3{})
			st := newVehicleStation(t, hub, env, "car", clock)

			// Seed the previous snapshot with a forced send.
			clock.Advance(1100 * time.Millisecond)
			st.HandleObservation(Observation{At: clock.Now(), Position: Vec3{X: 1}, Heading: 90, Speed: 10})
			if rec.count() != 1 {
				t.Fatalf("seed send missing")
			}

			// Between the floor and the ceiling only deltas may trigger.
			clock.Advance(200 * time.Millisecond)
			obs := tt.next
			obs.At = clock.Now()
			st.HandleObservation(obs)

			got := rec.count() == 2
			if got != tt.want {
				t.Fatalf("send = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStationHeadingWrapAroundTriggers(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	hub, env, rec := newTestNetwork(t, clock)
	env.add("car", "sedan", Vec3{})
	st := newVehicleStation(t, hub, env, "car", clock)

	clock.Advance(1100 * time.Millisecond)
	st.HandleObservation(Observation{At: clock.Now(), Position: Vec3{X: 1}, Heading: 358, Speed: 10})
	if rec.count() != 1 {
		t.Fatalf("seed send missing")
	}

	// 358° -> 2° is a 4° turn through north; the raw delta is 356°.
	clock.Advance(200 * time.Millisecond)
	st.HandleObservation(Observation{At: clock.Now(), Position: Vec3{X: 1}, Heading: 2, Speed: 10})
	if rec.count() != 2 {
		t.Fatalf("wrap-around heading change did not trigger")
	}
}

func TestStationLowFrequencyCadence(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	hub, env, rec := newTestNetwork(t, clock)
	env.add("car", "sedan", Vec3{})
	st := newVehicleStation(t, hub, env, "car", clock)

	// First send: low-frequency segment included.
	clock.Advance(1100 * time.Millisecond)
	st.HandleObservation(Observation{At: clock.Now(), Position: Vec3{X: 1}, Heading: 90, Speed: 10})
	if msg := rec.last(); msg.CAM.Role == "" {
		t.Fatalf("first CAM missing low-frequency segment")
	}

	// 200ms later a delta-triggered send: interval not yet elapsed, so the
	// segment stays out.
	clock.Advance(200 * time.Millisecond)
	st.HandleObservation(Observation{At: clock.Now(), Position: Vec3{X: 10}, Heading: 90, Speed: 10})
	if rec.count() != 2 {
		t.Fatalf("delta send missing")
	}
	if msg := rec.last(); msg.CAM.Role != "" {
		t.Fatalf("low-frequency segment resent before its interval: %+v", msg.CAM)
	}

	// Another 400ms on, the 500ms interval has elapsed: segment returns.
	clock.Advance(400 * time.Millisecond)
	st.HandleObservation(Observation{At: clock.Now(), Position: Vec3{X: 20}, Heading: 90, Speed: 10})
	if rec.count() != 3 {
		t.Fatalf("second delta send missing")
	}
	if msg := rec.last(); msg.CAM.Role == "" {
		t.Fatalf("low-frequency segment missing after its interval elapsed")
	}
	if len(rec.last().CAM.PathHistory) == 0 {
		t.Fatalf("low-frequency segment missing path history")
	}
}

func TestStationDeliverFaultIsolation(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	hub := NewRouter(NewRegistry(), clock)

	origin := Vec3{}
	cfg := DefaultStationConfig()
	cfg.Location = &origin
	st, err := NewStation(hub, nil, "", cfg, WithStationID("recv"), WithClock(clock))
	if err != nil {
		t.Fatalf("NewStation() error: %v", err)
	}

	var reached bool
	st.AddHandler(func(*Message) error { panic("boom") })
	st.AddHandler(func(*Message) error { return fmt.Errorf("handler error") })
	st.AddHandler(func(*Message) error { reached = true; return nil })

	st.Deliver(&Message{Type: "heartbeat", SenderID: "x", SentAt: clock.Now()})

	if !reached {
		t.Fatalf("handler after a panicking one did not run")
	}
	if got := len(st.History()); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
}

func TestStationFilterRejection(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	hub := NewRouter(NewRegistry(), clock)

	origin := Vec3{}
	cfg := DefaultStationConfig()
	cfg.Location = &origin
	st, err := NewStation(hub, nil, "", cfg, WithStationID("recv"), WithClock(clock))
	if err != nil {
		t.Fatalf("NewStation() error: %v", err)
	}

	var handled int
	st.AddFilter(func(msg *Message) bool { return msg.SenderID != "blocked" })
	st.AddHandler(func(*Message) error { handled++; return nil })

	st.Deliver(&Message{Type: "heartbeat", SenderID: "blocked", SentAt: clock.Now()})
	st.Deliver(&Message{Type: "heartbeat", SenderID: "ok", SentAt: clock.Now()})

	if handled != 1 {
		t.Fatalf("handled = %d, want 1", handled)
	}
	if got := len(st.History()); got != 1 {
		t.Fatalf("rejected message entered history: len = %d", got)
	}
}

func TestStationHistoryEviction(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	hub := NewRouter(NewRegistry(), clock)

	origin := Vec3{}
	cfg := DefaultStationConfig()
	cfg.Location = &origin
	cfg.HistoryLimit = 3
	st, err := NewStation(hub, nil, "", cfg, WithStationID("recv"), WithClock(clock))
	if err != nil {
		t.Fatalf("NewStation() error: %v", err)
	}

	for i := 0; i < 5; i++ {
		st.Deliver(&Message{Type: "heartbeat", SenderID: fmt.Sprintf("s%d", i), SentAt: clock.Now()})
	}

	hist := st.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[0].SenderID != "s2" || hist[2].SenderID != "s4" {
		t.Fatalf("wrong eviction order: %q .. %q", hist[0].SenderID, hist[2].SenderID)
	}
}

func TestStationHandlerSaveRestore(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	hub := NewRouter(NewRegistry(), clock)

	origin := Vec3{}
	cfg := DefaultStationConfig()
	cfg.Location = &origin
	st, err := NewStation(hub, nil, "", cfg, WithStationID("recv"), WithClock(clock))
	if err != nil {
		t.Fatalf("NewStation() error: %v", err)
	}

	var original int
	st.AddHandler(func(*Message) error { original++; return nil })

	saved := st.Handlers()
	if len(saved) != 1 {
		t.Fatalf("saved %d handlers, want 1", len(saved))
	}

	var extra int
	st.AddHandler(func(*Message) error { extra++; return nil })
	st.Deliver(&Message{Type: "heartbeat", SenderID: "x", SentAt: clock.Now()})
	if original != 1 || extra != 1 {
		t.Fatalf("before restore: original=%d extra=%d", original, extra)
	}

	st.SetHandlers(saved)
	st.Deliver(&Message{Type: "heartbeat", SenderID: "x", SentAt: clock.Now()})
	if original != 2 || extra != 1 {
		t.Fatalf("after restore: original=%d extra=%d", original, extra)
	}
}

func TestStationDestroyStopsTraffic(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	hub, env, rec := newTestNetwork(t, clock)
	env.add("car", "sedan", Vec3{})
	st := newVehicleStation(t, hub, env, "car", clock)

	st.Destroy()
	if st.IsAlive() {
		t.Fatalf("destroyed station reports alive")
	}
	if _, ok := hub.Registry().Get(st.ID()); ok {
		t.Fatalf("destroyed station still registered")
	}

	clock.Advance(2 * time.Second)
	st.HandleObservation(Observation{At: clock.Now(), Position: Vec3{X: 1}, Heading: 90, Speed: 10})
	if rec.count() != 0 {
		t.Fatalf("destroyed station sent a CAM")
	}

	// Delivery to a destroyed station is a safe no-op.
	st.Deliver(&Message{Type: "heartbeat", SenderID: "x", SentAt: clock.Now()})
	if got := len(st.History()); got != 0 {
		t.Fatalf("destroyed station recorded history")
	}
}

func TestStationSendMessageOpaquePayload(t *testing.T) {
	clock := timectrl.NewManualClock(time.Unix(1000, 0))
	hub, env, rec := newTestNetwork(t, clock)
	env.add("car", "sedan", Vec3{})
	st := newVehicleStation(t, hub, env, "car", clock)

	n := st.SendMessage("traffic_info", nil, AllKnown{})
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if msg := rec.last(); msg == nil || msg.Type != "traffic_info" || msg.SenderID != st.ID() {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
