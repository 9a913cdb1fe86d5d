// Package wire defines the JSON envelope exchanged with the telemetry
// server and the decoded record model shared by the ingestion pipeline.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Envelope discriminants sent by the server.
const (
	TypeAuthSuccess     = "auth_success"
	TypeAuthError       = "auth_error"
	TypeLocationUpdate  = "location_update"
	TypeTelemetryUpdate = "telemetry_update"
	TypeEvent           = "event"
	TypeError           = "error"
)

var ErrEmptyFrame = errors.New("empty frame")

// LatLng is a bare coordinate pair as carried by location updates.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// GPSBlock is the positional part of a decoded AVL sample.
type GPSBlock struct {
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lng"`
	Altitude   float64 `json:"altitude"`
	Speed      float64 `json:"speed"`
	Heading    float64 `json:"heading"`
	Satellites int     `json:"satellites"`
	HDOP       float64 `json:"hdop"`
	Valid      bool    `json:"valid"`
}

// IOBlock carries device inputs keyed by element name. Upstream the
// elements are numeric Teltonika IO ids; the server resolves them to
// stable names before forwarding.
type IOBlock struct {
	DigitalInputs map[string]bool    `json:"digital,omitempty"`
	AnalogInputs  map[string]float64 `json:"analog,omitempty"`
	Elements      map[string]float64 `json:"elements,omitempty"`
}

// ADASFlags are the advanced driver assistance states reported by
// camera-equipped units.
type ADASFlags struct {
	CollisionWarning bool `json:"collisionWarning"`
	LaneDeparture    bool `json:"laneDeparture"`
	Fatigue          bool `json:"fatigue"`
}

// DMSFlags are the driver monitoring states.
type DMSFlags struct {
	DriverPresent bool `json:"driverPresent"`
	EyesClosed    bool `json:"eyesClosed"`
	PhoneUse      bool `json:"phoneUse"`
}

// Telemetry is the partial telemetry payload of a telemetry_update.
// Pointer fields distinguish "absent" from zero so that the store can
// merge without erasing known values.
type Telemetry struct {
	Fuel           *float64   `json:"fuel,omitempty"`
	Ignition       *bool      `json:"ignition,omitempty"`
	RPM            *float64   `json:"rpm,omitempty"`
	Temperature    *float64   `json:"temperature,omitempty"`
	BatteryVoltage *float64   `json:"batteryVoltage,omitempty"`
	Odometer       *float64   `json:"odometer,omitempty"`
	Satellites     *int       `json:"satellites,omitempty"`
	HDOP           *float64   `json:"hdop,omitempty"`
	GPSValid       *bool      `json:"gpsValid,omitempty"`
	ADAS           *ADASFlags `json:"adas,omitempty"`
	DMS            *DMSFlags  `json:"dms,omitempty"`
}

// VehicleUpdate is one per-device entry of a location_update or
// telemetry_update batch.
type VehicleUpdate struct {
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp,omitempty"`
	Priority  int        `json:"priority,omitempty"`
	Location  *LatLng    `json:"location,omitempty"`
	Speed     *float64   `json:"speed,omitempty"`
	Heading   *float64   `json:"heading,omitempty"`
	GPS       *GPSBlock  `json:"gps,omitempty"`
	IO        *IOBlock   `json:"io,omitempty"`
	Telemetry *Telemetry `json:"telemetry,omitempty"`
}

// VehicleEvent is a discrete event forwarded by the server.
type VehicleEvent struct {
	VehicleID string `json:"vehicleId"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// RawRecord is one sample as decoded from the wire: the unit every
// validation rule and mapping function operates on.
type RawRecord struct {
	IMEI      string
	Timestamp string
	Priority  int
	GPS       GPSBlock
	IO        IOBlock
}

// ParseTimestamp accepts RFC3339 or unix milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("timestamp missing")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Time returns the parsed sample time.
func (r RawRecord) Time() (time.Time, error) {
	return ParseTimestamp(r.Timestamp)
}

// IgnitionOn reports the ignition digital input.
func (r RawRecord) IgnitionOn() bool {
	return r.IO.DigitalInputs["ignition"]
}

// Element returns a keyed IO element and whether it was present.
func (r RawRecord) Element(name string) (float64, bool) {
	v, ok := r.IO.Elements[name]
	return v, ok
}

// Record flattens a vehicle update into the RawRecord shape. Fields
// the update does not carry are left at their zero values; the
// telemetry sub-object contributes its GPS quality fields and keyed
// elements.
func (v VehicleUpdate) Record() RawRecord {
	r := RawRecord{IMEI: v.ID, Timestamp: v.Timestamp, Priority: v.Priority}
	if v.GPS != nil {
		r.GPS = *v.GPS
	} else if v.Location != nil {
		r.GPS.Latitude = v.Location.Lat
		r.GPS.Longitude = v.Location.Lng
		r.GPS.Valid = true
	}
	if v.Speed != nil {
		r.GPS.Speed = *v.Speed
	}
	if v.Heading != nil {
		r.GPS.Heading = *v.Heading
	}
	if v.IO != nil {
		r.IO = *v.IO
	}
	if t := v.Telemetry; t != nil {
		if t.Satellites != nil {
			r.GPS.Satellites = *t.Satellites
		}
		if t.HDOP != nil {
			r.GPS.HDOP = *t.HDOP
		}
		if t.GPSValid != nil {
			r.GPS.Valid = *t.GPSValid
		}
		if r.IO.Elements == nil {
			r.IO.Elements = make(map[string]float64)
		}
		if t.Fuel != nil {
			r.IO.Elements["fuel"] = *t.Fuel
		}
		if t.RPM != nil {
			r.IO.Elements["rpm"] = *t.RPM
		}
		if t.Temperature != nil {
			r.IO.Elements["temperature"] = *t.Temperature
		}
		if t.BatteryVoltage != nil {
			r.IO.Elements["battery_voltage"] = *t.BatteryVoltage
		}
		if t.Odometer != nil {
			r.IO.Elements["odometer"] = *t.Odometer
		}
		if t.Ignition != nil {
			if r.IO.DigitalInputs == nil {
				r.IO.DigitalInputs = make(map[string]bool)
			}
			r.IO.DigitalInputs["ignition"] = *t.Ignition
		}
	}
	return r
}

// Message is the closed set of inbound envelope variants. Unknown
// discriminants decode to Unknown so that new server message types
// never break dispatch.
type Message interface {
	isMessage()
}

type AuthSuccess struct{}

type AuthError struct {
	Message string
}

type LocationUpdate struct {
	Vehicles []VehicleUpdate
}

type TelemetryUpdate struct {
	Vehicles []VehicleUpdate
}

type Event struct {
	Event VehicleEvent
}

type ServerError struct {
	Message string
}

type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (AuthSuccess) isMessage()     {}
func (AuthError) isMessage()       {}
func (LocationUpdate) isMessage()  {}
func (TelemetryUpdate) isMessage() {}
func (Event) isMessage()           {}
func (ServerError) isMessage()     {}
func (Unknown) isMessage()         {}

type envelope struct {
	Type     string          `json:"type"`
	Message  string          `json:"message,omitempty"`
	Vehicles []VehicleUpdate `json:"vehicles,omitempty"`
	Event    *VehicleEvent   `json:"event,omitempty"`
}

// Decode parses one text frame into its message variant.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeAuthSuccess:
		return AuthSuccess{}, nil
	case TypeAuthError:
		return AuthError{Message: env.Message}, nil
	case TypeLocationUpdate:
		return LocationUpdate{Vehicles: env.Vehicles}, nil
	case TypeTelemetryUpdate:
		return TelemetryUpdate{Vehicles: env.Vehicles}, nil
	case TypeEvent:
		if env.Event == nil {
			return nil, errors.New("event envelope without event body")
		}
		return Event{Event: *env.Event}, nil
	case TypeError:
		return ServerError{Message: env.Message}, nil
	default:
		return Unknown{Type: env.Type, Raw: json.RawMessage(data)}, nil
	}
}
