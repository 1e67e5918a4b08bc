package core

import (
	"encoding/json"
	"time"
)

// StationType distinguishes mobile participants from fixed installations.
type StationType string

const (
	// StationTypeVehicle is a station attached to a moving entity.
	StationTypeVehicle StationType = "vehicle"
	// StationTypeFixed is a stationary roadside installation.
	StationTypeFixed StationType = "fixed-unit"
)

// MessageTypeCAM is the message type carried by Cooperative Awareness
// Messages. Stations may exchange other, scenario-defined types as well.
const MessageTypeCAM = "cam"

// DefaultRole is the vehicle role reported when a sender does not set one.
const DefaultRole = "default"

// CAMMessage is one Cooperative Awareness Message: the periodic beacon a
// station broadcasts to describe its kinematic state. Treat values as
// immutable once constructed; the router shares one instance across
// recipients.
type CAMMessage struct {
	SenderID    string
	Timestamp   time.Time
	StationType StationType

	// Kinematic payload. Position and Acceleration are optional; a
	// fixed-unit CAM carries no kinematic payload at all.
	Position     *Vec3
	Heading      float64 // degrees
	Speed        float64 // m/s
	Acceleration *Vec3
	YawRate      float64 // deg/s

	Role        string
	PathHistory []Vec3

	// Extensions is an open side-channel for scenario-specific data. The
	// core never interprets the values, only stores and forwards them.
	Extensions map[string]json.RawMessage
}

// Message is the routed envelope. CAMs travel with Type == MessageTypeCAM
// and CAM set; other message types carry an opaque Data payload.
type Message struct {
	Type     string
	SenderID string
	SentAt   time.Time
	CAM      *CAMMessage
	Data     map[string]json.RawMessage
}

// wire shapes, kept unexported so the encoding can evolve independently
// of the in-memory model.
type camWire struct {
	SenderID    string                     `json:"sender_id"`
	Timestamp   string                     `json:"timestamp"`
	StationType string                     `json:"station_type,omitempty"`
	VehicleData *vehicleDataWire           `json:"vehicle_data,omitempty"`
	Role        string                     `json:"vehicle_role,omitempty"`
	PathHistory []Vec3                     `json:"path_history,omitempty"`
	Extensions  map[string]json.RawMessage `json:"extensions,omitempty"`
}

type vehicleDataWire struct {
	Position     *Vec3   `json:"position,omitempty"`
	Heading      float64 `json:"heading"`
	Speed        float64 `json:"speed"`
	Acceleration *Vec3   `json:"acceleration,omitempty"`
	YawRate      float64 `json:"yaw_rate"`
}

// EncodeCAM serializes a CAM to its transport-neutral JSON encoding.
// The kinematic payload is emitted only for vehicle stations; fixed units
// beacon identity and position-free presence only.
func EncodeCAM(m *CAMMessage) ([]byte, error) {
	w := camWire{
		SenderID:    m.SenderID,
		Timestamp:   m.Timestamp.UTC().Format(time.RFC3339Nano),
		StationType: string(m.StationType),
		Role:        m.Role,
		PathHistory: m.PathHistory,
		Extensions:  m.Extensions,
	}
	if m.StationType == StationTypeVehicle {
		w.VehicleData = &vehicleDataWire{
			Position:     m.Position,
			Heading:      m.Heading,
			Speed:        m.Speed,
			Acceleration: m.Acceleration,
			YawRate:      m.YawRate,
		}
	}
	return json.Marshal(&w)
}

// DecodeCAM parses the wire encoding back into a CAMMessage. It accepts a
// superset of the optional fields: a missing kinematic payload defaults
// heading, speed and yaw rate to zero, a missing role defaults to
// DefaultRole, and path history and extensions default to empty. Malformed
// timestamps and non-object payloads yield a *DecodeError.
//
// When no explicit station type is supplied it is inferred from the
// kinematic payload: present means vehicle, absent means fixed-unit.
func DecodeCAM(data []byte) (*CAMMessage, error) {
	var w camWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, NewDecodeError("malformed cam payload", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return nil, NewDecodeError("malformed timestamp", err)
	}

	st := StationType(w.StationType)
	switch st {
	case StationTypeVehicle, StationTypeFixed:
		// explicit override from the sender
	case "":
		if w.VehicleData != nil {
			st = StationTypeVehicle
		} else {
			st = StationTypeFixed
		}
	default:
		return nil, NewDecodeError("unknown station_type "+w.StationType, nil)
	}

	m := &CAMMessage{
		SenderID:    w.SenderID,
		Timestamp:   ts,
		StationType: st,
		Role:        w.Role,
		PathHistory: w.PathHistory,
		Extensions:  w.Extensions,
	}
	if m.Role == "" {
		m.Role = DefaultRole
	}
	if w.VehicleData != nil {
		m.Position = w.VehicleData.Position
		m.Heading = w.VehicleData.Heading
		m.Speed = w.VehicleData.Speed
		m.Acceleration = w.VehicleData.Acceleration
		m.YawRate = w.VehicleData.YawRate
	}
	return m, nil
}
