package core

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/signalsfoundry/vanet-simulator/timectrl"
)

// EntitySpec describes one environment entity to spawn for a deployment.
type EntitySpec struct {
	ID       string
	Role     string
	Kind     string // "vehicle" | "fixed"
	Position Vec3
	Velocity Vec3
	Heading  float64
	YawRate  float64
}

// EntitySpawner is the slice of the environment the deployment loader
// drives: spawning entities and attaching observation callbacks.
type EntitySpawner interface {
	Spawn(spec EntitySpec) error
	Observe(entityID string, fn func(Observation)) error
}

// DeploymentScenario is a small summary of what was loaded from JSON.
// It's mainly useful for logging from main().
type DeploymentScenario struct {
	EntityIDs  []string
	StationIDs []string
	Channels   []string
}

// internal JSON shapes – kept unexported so we're free to evolve them.
type deploymentJSON struct {
	Vehicles   []vehicleJSON   `json:"vehicles"`
	FixedUnits []fixedUnitJSON `json:"fixed_units"`
	Channels   []channelJSON   `json:"channels"`
}

type vehicleJSON struct {
	EntityID      string             `json:"entity_id"`
	Role          string             `json:"role"` // e.g. "hero", "sedan"
	StationID     string             `json:"station_id"`
	Position      Vec3               `json:"position"`
	Velocity      Vec3               `json:"velocity"`
	Heading       float64            `json:"heading"`
	YawRate       float64            `json:"yaw_rate"`
	Subscriptions []string           `json:"subscriptions"`
	Config        *stationConfigJSON `json:"config"`
}

type fixedUnitJSON struct {
	EntityID      string             `json:"entity_id"`
	StationID     string             `json:"station_id"`
	Position      Vec3               `json:"position"`
	Subscriptions []string           `json:"subscriptions"`
	Config        *stationConfigJSON `json:"config"`
}

type channelJSON struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type stationConfigJSON struct {
	GenCAMMinMs         float64 `json:"gen_cam_min_ms"`
	GenCAMMaxMs         float64 `json:"gen_cam_max_ms"`
	LowFreqIntervalMs   float64 `json:"low_freq_interval_ms"`
	HeadingThresholdDeg float64 `json:"heading_threshold_deg"`
	PositionThresholdM  float64 `json:"position_threshold_m"`
	SpeedThresholdMps   float64 `json:"speed_threshold_mps"`
	RoleName            string  `json:"role_name"`
	RangeOverrideM      float64 `json:"range_override_m"`
}

func (j *stationConfigJSON) apply(cfg *StationConfig) {
	if j == nil {
		return
	}
	if j.GenCAMMinMs > 0 {
		cfg.GenCAMMin = time.Duration(j.GenCAMMinMs * float64(time.Millisecond))
	}
	if j.GenCAMMaxMs > 0 {
		cfg.GenCAMMax = time.Duration(j.GenCAMMaxMs * float64(time.Millisecond))
	}
	if j.LowFreqIntervalMs > 0 {
		cfg.LowFreqInterval = time.Duration(j.LowFreqIntervalMs * float64(time.Millisecond))
	}
	if j.HeadingThresholdDeg > 0 {
		cfg.HeadingThresholdDeg = j.HeadingThresholdDeg
	}
	if j.PositionThresholdM > 0 {
		cfg.PositionThresholdM = j.PositionThresholdM
	}
	if j.SpeedThresholdMps > 0 {
		cfg.SpeedThresholdMps = j.SpeedThresholdMps
	}
	if j.RoleName != "" {
		cfg.Role = j.RoleName
	}
	if j.RangeOverrideM > 0 {
		cfg.Radio.RangeOverrideM = j.RangeOverrideM
	}
}

// LoadDeploymentScenario reads a JSON deployment, spawns the described
// entities in the environment, creates and subscribes their stations, and
// registers the listed channels. It fails on the first invalid entry;
// entities spawned before the failure are left in place.
func LoadDeploymentScenario(hub *Router, env Environment, spawner EntitySpawner, clock timectrl.SimClock, r io.Reader) (*DeploymentScenario, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read deployment scenario: %w", err)
	}
	var doc deploymentJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse deployment scenario: %w", err)
	}

	out := &DeploymentScenario{}

	for _, v := range doc.Vehicles {
		if v.EntityID == "" {
			return nil, fmt.Errorf("vehicle with empty entity_id")
		}
		spec := EntitySpec{
			ID:       v.EntityID,
			Role:     v.Role,
			Kind:     "vehicle",
			Position: v.Position,
			Velocity: v.Velocity,
			Heading:  v.Heading,
			YawRate:  v.YawRate,
		}
		if err := spawner.Spawn(spec); err != nil {
			return nil, fmt.Errorf("spawn vehicle %q: %w", v.EntityID, err)
		}
		out.EntityIDs = append(out.EntityIDs, v.EntityID)

		cfg := DefaultStationConfig()
		v.Config.apply(&cfg)
		opts := []StationOption{WithClock(clock)}
		if v.StationID != "" {
			opts = append(opts, WithStationID(v.StationID))
		}
		st, err := NewStation(hub, env, v.EntityID, cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("station for vehicle %q: %w", v.EntityID, err)
		}
		for _, sub := range v.Subscriptions {
			st.SubscribeType(sub)
		}
		if err := spawner.Observe(v.EntityID, st.HandleObservation); err != nil {
			return nil, fmt.Errorf("observe vehicle %q: %w", v.EntityID, err)
		}
		out.StationIDs = append(out.StationIDs, st.ID())
	}

	for _, f := range doc.FixedUnits {
		cfg := DefaultStationConfig()
		f.Config.apply(&cfg)
		pos := f.Position
		cfg.Location = &pos

		opts := []StationOption{WithClock(clock), AsFixedUnit()}
		if f.StationID != "" {
			opts = append(opts, WithStationID(f.StationID))
		}

		entityID := f.EntityID
		if entityID != "" {
			spec := EntitySpec{
				ID:       entityID,
				Role:     "rsu",
				Kind:     "fixed",
				Position: f.Position,
			}
			if err := spawner.Spawn(spec); err != nil {
				return nil, fmt.Errorf("spawn fixed unit %q: %w", entityID, err)
			}
			out.EntityIDs = append(out.EntityIDs, entityID)
		}

		st, err := NewStation(hub, env, entityID, cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("station for fixed unit %q: %w", f.StationID, err)
		}
		for _, sub := range f.Subscriptions {
			st.SubscribeType(sub)
		}
		if entityID != "" {
			if err := spawner.Observe(entityID, st.HandleObservation); err != nil {
				return nil, fmt.Errorf("observe fixed unit %q: %w", entityID, err)
			}
		}
		out.StationIDs = append(out.StationIDs, st.ID())
	}

	for _, ch := range doc.Channels {
		if ch.Name == "" {
			return nil, fmt.Errorf("channel with empty name")
		}
		hub.CreateChannel(ch.Name, ch.Members)
		out.Channels = append(out.Channels, ch.Name)
	}

	return out, nil
}
