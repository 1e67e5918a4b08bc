package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/timectrl"
)

// Environment is the collaborator interface to the surrounding simulation.
// It supplies entity kinematics and liveness; the core never drives it.
type Environment interface {
	// Location returns the entity's current position, if known.
	Location(entityID string) (Vec3, bool)
	// Velocity returns the entity's current velocity vector, if known.
	Velocity(entityID string) (Vec3, bool)
	// Heading returns the entity's current heading in degrees, if known.
	Heading(entityID string) (float64, bool)
	// IsAlive reports whether the entity still exists in the environment.
	IsAlive(entityID string) bool
	// EntityIDsByRole enumerates entities carrying the given role.
	EntityIDsByRole(role string) []string
}

// Participant is the capability surface shared by the real and virtual
// station variants. The Registry and Router operate purely on this
// interface so a virtual bridge proxy can stand in for a real station.
type Participant interface {
	ID() string
	// EntityID returns the attached environment entity, or "" when the
	// participant has no independent environment attachment.
	EntityID() string
	// Location returns the last known position, if any observation has
	// been received.
	Location() (Vec3, bool)
	// Subscribed reports whether the participant wants messages of the
	// given type.
	Subscribed(msgType string) bool
	// Deliver hands a routed message to the participant. Delivery to a
	// destroyed participant is a safe no-op.
	Deliver(msg *Message)
	IsAlive() bool
	Destroy()
}

// Observation is one fresh kinematic sample pushed by the environment.
type Observation struct {
	At           time.Time
	Position     Vec3
	Heading      float64 // degrees
	Speed        float64 // m/s
	Acceleration *Vec3
	YawRate      float64 // deg/s
}

// Handler is a receipt callback. A non-nil error is logged as a handler
// fault; it never aborts delivery to the remaining handlers or recipients.
type Handler func(*Message) error

// Filter is a receipt predicate evaluated before the handler chain. All
// filters must pass for the message to be accepted.
type Filter func(*Message) bool

// StationConfig is the per-station configuration block. Zero-valued fields
// are filled in from DefaultStationConfig at construction.
type StationConfig struct {
	// Adaptive beaconing bounds.
	GenCAMMin       time.Duration // floor between consecutive CAMs
	GenCAMMax       time.Duration // ceiling; unconditional send beyond this
	LowFreqInterval time.Duration // minimum spacing of the low-frequency segment

	// Delta triggers, evaluated between the floor and ceiling.
	HeadingThresholdDeg float64
	PositionThresholdM  float64
	SpeedThresholdMps   float64

	Radio RadioProfile

	// Role is the vehicle role reported in the low-frequency segment.
	Role string

	// HistoryLimit bounds the receive history; oldest entries are evicted.
	HistoryLimit int

	// PathHistoryLimit bounds the positions remembered for the CAM
	// path-history container.
	PathHistoryLimit int

	// Location places a fixed installation that has no entity attachment.
	Location *Vec3
}

// DefaultStationConfig returns the ETSI-flavoured triggering defaults.
func DefaultStationConfig() StationConfig {
	return StationConfig{
		GenCAMMin:           100 * time.Millisecond,
		GenCAMMax:           1 * time.Second,
		LowFreqInterval:     500 * time.Millisecond,
		HeadingThresholdDeg: 4.0,
		PositionThresholdM:  4.0,
		SpeedThresholdMps:   5.0,
		Radio:               DefaultRadioProfile(),
		Role:                DefaultRole,
		HistoryLimit:        128,
		PathHistoryLimit:    10,
	}
}

func (c *StationConfig) applyDefaults() {
	def := DefaultStationConfig()
	if c.GenCAMMin <= 0 {
		c.GenCAMMin = def.GenCAMMin
	}
	if c.GenCAMMax <= 0 {
		c.GenCAMMax = def.GenCAMMax
	}
	if c.LowFreqInterval <= 0 {
		c.LowFreqInterval = def.LowFreqInterval
	}
	if c.HeadingThresholdDeg <= 0 {
		c.HeadingThresholdDeg = def.HeadingThresholdDeg
	}
	if c.PositionThresholdM <= 0 {
		c.PositionThresholdM = def.PositionThresholdM
	}
	if c.SpeedThresholdMps <= 0 {
		c.SpeedThresholdMps = def.SpeedThresholdMps
	}
	if c.Radio == (RadioProfile{}) {
		c.Radio = def.Radio
	}
	if c.Role == "" {
		c.Role = def.Role
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.PathHistoryLimit <= 0 {
		c.PathHistoryLimit = def.PathHistoryLimit
	}
}

// wallClock is the fallback SimClock when no clock is injected.
type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Station is one participant in the broadcast network: it tracks last-known
// kinematics, evaluates the CAM triggering rules on every fresh observation,
// and runs the filter/handler pipeline on receipt.
//
// Per-station mutable state is guarded by a per-station mutex; the station
// never holds its own lock while routing outbound messages, so concurrent
// cross-deliveries cannot deadlock.
type Station struct {
	id          string
	entityID    string
	stationType StationType

	hub   *Router
	clock timectrl.SimClock
	log   logging.Logger

	cfg StationConfig

	forceFixed bool

	destroyed atomic.Bool

	mu sync.Mutex

	// Last observed kinematics.
	hasLocation  bool
	location     Vec3
	heading      float64
	speed        float64
	acceleration *Vec3
	yawRate      float64

	// Previous values snapshotted at the last transmission, for
	// delta-triggering.
	hasPrevious  bool
	prevLocation Vec3
	prevHeading  float64
	prevSpeed    float64

	lastCAMAt     time.Time
	lastLowFreqAt time.Time

	pathHistory []Vec3

	subscriptions map[string]struct{}
	filters       []Filter
	handlers      []Handler

	history []*Message
}

// StationOption customises station construction.
type StationOption func(*Station)

// WithStationID overrides the generated station ID.
func WithStationID(id string) StationOption {
	return func(s *Station) { s.id = id }
}

// WithClock injects a simulation clock; defaults to the wall clock.
func WithClock(clock timectrl.SimClock) StationOption {
	return func(s *Station) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// AsFixedUnit forces the fixed station type even when an environment entity
// is attached, for roadside installations that still receive position
// observations but carry no vehicle kinematics in their CAMs.
func AsFixedUnit() StationOption {
	return func(s *Station) { s.forceFixed = true }
}

// WithStationLogger attaches a structured logger.
func WithStationLogger(log logging.Logger) StationOption {
	return func(s *Station) {
		if log != nil {
			s.log = log
		}
	}
}

// NewStation creates a station and registers it with the hub. A non-empty
// entityID attaches the station to an environment entity (station type
// vehicle); the entity must be alive or creation fails with ErrSensorInit.
// An empty entityID creates a fixed installation placed at cfg.Location.
func NewStation(hub *Router, env Environment, entityID string, cfg StationConfig, opts ...StationOption) (*Station, error) {
	cfg.applyDefaults()

	s := &Station{
		entityID:      entityID,
		stationType:   StationTypeFixed,
		hub:           hub,
		clock:         wallClock{},
		log:           logging.Noop(),
		cfg:           cfg,
		subscriptions: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.id == "" {
		s.id = "v2x-" + uuid.NewString()[:8]
	}

	if entityID != "" {
		if env == nil || !env.IsAlive(entityID) {
			return nil, fmt.Errorf("station %s: entity %s: %w", s.id, entityID, ErrSensorInit)
		}
		if !s.forceFixed {
			s.stationType = StationTypeVehicle
		}
	} else if cfg.Location != nil {
		s.hasLocation = true
		s.location = *cfg.Location
	}

	// Beaconing timers start at creation so the floor applies from the
	// first observation onward.
	now := s.clock.Now()
	s.lastCAMAt = now

	if err := hub.Registry().Add(s); err != nil {
		return nil, err
	}
	s.log.Info(context.Background(), "station created",
		logging.String("station_id", s.id),
		logging.String("entity_id", entityID),
		logging.String("station_type", string(s.stationType)),
	)
	return s, nil
}

// ID returns the station's unique identifier.
func (s *Station) ID() string { return s.id }

// EntityID returns the attached environment entity, or "".
func (s *Station) EntityID() string { return s.entityID }

// Type returns the station type.
func (s *Station) Type() StationType { return s.stationType }

// Config returns a copy of the station's configuration block.
func (s *Station) Config() StationConfig { return s.cfg }

// IsAlive reports whether the station has not been destroyed.
func (s *Station) IsAlive() bool { return !s.destroyed.Load() }

// Location returns the last observed position, if any.
func (s *Station) Location() (Vec3, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location, s.hasLocation
}

// SubscribeType adds a message type to the subscription set. An empty set
// subscribes to everything; adding the first type narrows reception to the
// listed types only.
func (s *Station) SubscribeType(msgType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[msgType] = struct{}{}
}

// UnsubscribeType removes a message type from the subscription set.
func (s *Station) UnsubscribeType(msgType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, msgType)
}

// Subscribed reports whether the station accepts the given message type.
func (s *Station) Subscribed(msgType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subscriptions) == 0 {
		return true
	}
	_, ok := s.subscriptions[msgType]
	return ok
}

// AddHandler appends a receipt callback to the handler chain.
func (s *Station) AddHandler(h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// AddFilter appends a receipt predicate; all filters must pass before the
// handler chain runs.
func (s *Station) AddFilter(f Filter) {
	if f == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, f)
}

// Handlers returns a copy of the current handler chain. The bridge uses
// this to save the chain before appending its forwarding handler.
func (s *Station) Handlers() []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handler, len(s.handlers))
	copy(out, s.handlers)
	return out
}

// SetHandlers replaces the handler chain wholesale. The bridge uses this to
// restore the saved chain at session teardown.
func (s *Station) SetHandlers(handlers []Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = make([]Handler, len(handlers))
	copy(s.handlers, handlers)
}

// History returns a copy of the bounded receive history, oldest first.
func (s *Station) History() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.history))
	copy(out, s.history)
	return out
}

// Destroy removes the station from the registry and marks it dead. Deliveries
// already in flight become no-ops; no new deliveries will target it.
func (s *Station) Destroy() {
	if s.destroyed.Swap(true) {
		return
	}
	s.hub.Registry().Remove(s.id)
	s.log.Info(context.Background(), "station destroyed", logging.String("station_id", s.id))
}

// HandleObservation ingests a fresh environment sample and runs the CAM
// triggering evaluation:
//
//  1. time since last CAM ≥ GenCAMMax: unconditional send,
//  2. time since last CAM < GenCAMMin: suppress, no further evaluation,
//  3. otherwise, with a previous snapshot present, any delta trigger
//     (heading with wrap-around, position, speed) forces a send.
//
// The low-frequency segment rides along when its own interval has elapsed;
// the first send always includes it.
func (s *Station) HandleObservation(obs Observation) {
	if s.destroyed.Load() {
		return
	}

	now := s.clock.Now()

	s.mu.Lock()

	s.hasLocation = true
	s.location = obs.Position
	s.heading = obs.Heading
	s.speed = obs.Speed
	s.acceleration = obs.Acceleration
	s.yawRate = obs.YawRate

	sinceLast := now.Sub(s.lastCAMAt)
	shouldSend := false
	switch {
	case sinceLast >= s.cfg.GenCAMMax:
		shouldSend = true
	case sinceLast < s.cfg.GenCAMMin:
		s.mu.Unlock()
		return
	case s.hasPrevious && s.stationType == StationTypeVehicle:
		if HeadingExceeds(HeadingDelta(obs.Heading, s.prevHeading), s.cfg.HeadingThresholdDeg) {
			shouldSend = true
		}
		if obs.Position.DistanceTo(s.prevLocation) > s.cfg.PositionThresholdM {
			shouldSend = true
		}
		if delta := obs.Speed - s.prevSpeed; delta > s.cfg.SpeedThresholdMps || -delta > s.cfg.SpeedThresholdMps {
			shouldSend = true
		}
	}

	if !shouldSend {
		s.mu.Unlock()
		return
	}

	includeLowFreq := s.lastLowFreqAt.IsZero() || now.Sub(s.lastLowFreqAt) >= s.cfg.LowFreqInterval

	msg := s.buildCAMLocked(now, includeLowFreq)

	// Snapshot current values for the next delta comparison and reset
	// the beaconing timers.
	s.prevLocation = s.location
	s.prevHeading = s.heading
	s.prevSpeed = s.speed
	s.hasPrevious = true
	s.lastCAMAt = now
	if includeLowFreq {
		s.lastLowFreqAt = now
	}
	s.appendPathHistoryLocked(s.location)

	rangeM := s.cfg.Radio.MaxRange()
	s.mu.Unlock()

	// Route outside the station lock: recipients take their own locks
	// during delivery and may be mid-send themselves.
	s.hub.Deliver(s.id, msg, RangeBounded{Meters: rangeM})
}

// buildCAMLocked assembles the next CAM from current state. Caller holds s.mu.
func (s *Station) buildCAMLocked(now time.Time, includeLowFreq bool) *Message {
	cam := &CAMMessage{
		SenderID:    s.id,
		Timestamp:   now,
		StationType: s.stationType,
	}
	if s.stationType == StationTypeVehicle {
		loc := s.location
		cam.Position = &loc
		cam.Heading = s.heading
		cam.Speed = s.speed
		cam.Acceleration = s.acceleration
		cam.YawRate = s.yawRate
	}
	if includeLowFreq {
		cam.Role = s.cfg.Role
		if len(s.pathHistory) > 0 {
			cam.PathHistory = make([]Vec3, len(s.pathHistory))
			copy(cam.PathHistory, s.pathHistory)
		}
	}
	return &Message{
		Type:     MessageTypeCAM,
		SenderID: s.id,
		SentAt:   now,
		CAM:      cam,
	}
}

func (s *Station) appendPathHistoryLocked(p Vec3) {
	s.pathHistory = append(s.pathHistory, p)
	if n := len(s.pathHistory); n > s.cfg.PathHistoryLimit {
		s.pathHistory = s.pathHistory[n-s.cfg.PathHistoryLimit:]
	}
}

// SendMessage broadcasts a non-CAM message of the given type with an opaque
// payload, using the provided target. It returns the delivered count.
func (s *Station) SendMessage(msgType string, data map[string]json.RawMessage, target Target) int {
	if s.destroyed.Load() {
		return 0
	}
	msg := &Message{
		Type:     msgType,
		SenderID: s.id,
		SentAt:   s.clock.Now(),
		Data:     data,
	}
	return s.hub.Deliver(s.id, msg, target)
}

// Deliver runs the receipt pipeline: filters first (all must pass), then the
// handler chain. Filter and handler faults, including panics, are logged per
// callback and never abort the rest of the pipeline or other recipients.
func (s *Station) Deliver(msg *Message) {
	if s.destroyed.Load() {
		return
	}

	s.mu.Lock()
	filters := make([]Filter, len(s.filters))
	copy(filters, s.filters)
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for i, f := range filters {
		pass, fault := s.runFilter(i, f, msg)
		if fault != nil {
			s.log.Warn(context.Background(), "filter fault", logging.String("error", fault.Error()))
		}
		if !pass {
			return
		}
	}

	s.mu.Lock()
	s.history = append(s.history, msg)
	if n := len(s.history); n > s.cfg.HistoryLimit {
		s.history = s.history[n-s.cfg.HistoryLimit:]
	}
	s.mu.Unlock()

	for i, h := range handlers {
		if fault := s.runHandler(i, h, msg); fault != nil {
			s.log.Warn(context.Background(), "handler fault", logging.String("error", fault.Error()))
		}
	}
}

// runFilter evaluates one filter, converting a panic into a fault. A
// faulting filter counts as not passing.
func (s *Station) runFilter(idx int, f Filter, msg *Message) (pass bool, fault *HandlerFault) {
	defer func() {
		if r := recover(); r != nil {
			pass = false
			fault = &HandlerFault{StationID: s.id, SenderID: msg.SenderID, Index: idx, Err: fmt.Errorf("filter panic: %v", r)}
		}
	}()
	return f(msg), nil
}

// runHandler invokes one handler, converting panics and errors into faults.
func (s *Station) runHandler(idx int, h Handler, msg *Message) (fault *HandlerFault) {
	defer func() {
		if r := recover(); r != nil {
			fault = &HandlerFault{StationID: s.id, SenderID: msg.SenderID, Index: idx, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	if err := h(msg); err != nil {
		return &HandlerFault{StationID: s.id, SenderID: msg.SenderID, Index: idx, Err: err}
	}
	return nil
}
