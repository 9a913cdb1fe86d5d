// Package state holds the in-memory canonical telemetry store: one
// latest-known merged projection per device. Snapshots are created
// lazily on first record and live for the process lifetime.
package state

import (
	"sort"
	"sync"
	"time"
)

// Status is the derived device activity state.
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
	StatusWarning Status = "warning"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type GPSSignal struct {
	Satellites int     `json:"satellites"`
	HDOP       float64 `json:"hdop"`
	Valid      bool    `json:"valid"`
}

type ADASFlags struct {
	CollisionWarning bool `json:"collisionWarning"`
	LaneDeparture    bool `json:"laneDeparture"`
	Fatigue          bool `json:"fatigue"`
}

type DMSFlags struct {
	DriverPresent bool `json:"driverPresent"`
	EyesClosed    bool `json:"eyesClosed"`
	PhoneUse      bool `json:"phoneUse"`
}

// Alert is one generated or server-forwarded alert entry.
type Alert struct {
	Code     string    `json:"code"`
	Severity string    `json:"severity"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// maxAlerts bounds the per-device alert history kept in memory.
const maxAlerts = 20

// VehicleTelemetry is the canonical merged projection for one device.
type VehicleTelemetry struct {
	IMEI           string    `json:"imei"`
	Location       Location  `json:"location"`
	Speed          float64   `json:"speed"`
	Heading        float64   `json:"heading"`
	Altitude       float64   `json:"altitude"`
	Fuel           float64   `json:"fuel"`
	EngineOn       bool      `json:"engineOn"`
	RPM            float64   `json:"rpm"`
	Temperature    float64   `json:"temperature"`
	BatteryVoltage float64   `json:"batteryVoltage"`
	Odometer       float64   `json:"odometer"`
	GPS            GPSSignal `json:"gps"`
	Status         Status    `json:"status"`
	Alerts         []Alert   `json:"alerts,omitempty"`
	ADAS           ADASFlags `json:"adas"`
	DMS            DMSFlags  `json:"dms"`
	LastUpdate     time.Time `json:"lastUpdate"`
}

// Update is one partial canonical fragment. Nil fields mean "not
// carried by this message" and leave the stored value untouched; the
// merge never nulls a known field out.
type Update struct {
	IMEI           string
	Location       *Location
	Speed          *float64
	Heading        *float64
	Altitude       *float64
	Fuel           *float64
	EngineOn       *bool
	RPM            *float64
	Temperature    *float64
	BatteryVoltage *float64
	Odometer       *float64
	GPS            *GPSSignal
	Status         *Status
	Alerts         []Alert // non-nil replaces the generated alert list
	ADAS           *ADASFlags
	DMS            *DMSFlags
	Timestamp      time.Time
}

// Store maps IMEI to canonical snapshot. Writers are the connection
// manager and the REST-fallback injection path; readers always get
// copies, never interior pointers.
type Store struct {
	mu       sync.RWMutex
	vehicles map[string]*VehicleTelemetry
}

func NewStore() *Store {
	return &Store{vehicles: make(map[string]*VehicleTelemetry)}
}

// Apply deep-merges one update and returns the merged snapshot.
func (s *Store) Apply(u Update) VehicleTelemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	vt, ok := s.vehicles[u.IMEI]
	if !ok {
		vt = &VehicleTelemetry{IMEI: u.IMEI, Status: StatusActive}
		s.vehicles[u.IMEI] = vt
	}
	if u.Location != nil {
		vt.Location = *u.Location
	}
	if u.Speed != nil {
		vt.Speed = *u.Speed
	}
	if u.Heading != nil {
		vt.Heading = *u.Heading
	}
	if u.Altitude != nil {
		vt.Altitude = *u.Altitude
	}
	if u.Fuel != nil {
		vt.Fuel = *u.Fuel
	}
	if u.EngineOn != nil {
		vt.EngineOn = *u.EngineOn
	}
	if u.RPM != nil {
		vt.RPM = *u.RPM
	}
	if u.Temperature != nil {
		vt.Temperature = *u.Temperature
	}
	if u.BatteryVoltage != nil {
		vt.BatteryVoltage = *u.BatteryVoltage
	}
	if u.Odometer != nil {
		vt.Odometer = *u.Odometer
	}
	if u.GPS != nil {
		vt.GPS = *u.GPS
	}
	if u.Status != nil {
		vt.Status = *u.Status
	}
	if u.Alerts != nil {
		vt.Alerts = append([]Alert(nil), u.Alerts...)
	}
	if u.ADAS != nil {
		vt.ADAS = *u.ADAS
	}
	if u.DMS != nil {
		vt.DMS = *u.DMS
	}
	if !u.Timestamp.IsZero() {
		vt.LastUpdate = u.Timestamp
	}
	return copyOf(vt)
}

// AddAlert appends a discrete alert to a device, creating the snapshot
// lazily, and returns the merged copy.
func (s *Store) AddAlert(imei string, a Alert) VehicleTelemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	vt, ok := s.vehicles[imei]
	if !ok {
		vt = &VehicleTelemetry{IMEI: imei, Status: StatusActive}
		s.vehicles[imei] = vt
	}
	vt.Alerts = append(vt.Alerts, a)
	if len(vt.Alerts) > maxAlerts {
		vt.Alerts = vt.Alerts[len(vt.Alerts)-maxAlerts:]
	}
	return copyOf(vt)
}

// Get returns the snapshot for one device. The bool is false when the
// device has never been seen.
func (s *Store) Get(imei string) (VehicleTelemetry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vt, ok := s.vehicles[imei]
	if !ok {
		return VehicleTelemetry{}, false
	}
	return copyOf(vt), true
}

// All returns every snapshot, ordered by IMEI.
func (s *Store) All() []VehicleTelemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VehicleTelemetry, 0, len(s.vehicles))
	for _, vt := range s.vehicles {
		out = append(out, copyOf(vt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IMEI < out[j].IMEI })
	return out
}

// Len is the number of devices tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehicles)
}

func copyOf(vt *VehicleTelemetry) VehicleTelemetry {
	out := *vt
	out.Alerts = append([]Alert(nil), vt.Alerts...)
	return out
}
