// Package mapper turns decoded records into canonical domain
// fragments. Everything here is a pure function of its inputs: no
// state, no side effects, no cross-call deduplication.
package mapper

import (
	"time"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/state"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/wire"
)

// Alert codes generated from record thresholds, in emission order.
const (
	AlertOverspeed  = "overspeed"
	AlertRPMHigh    = "rpm_high"
	AlertOverheat   = "overheat"
	AlertBatteryLow = "battery_low"
	AlertGPSWeak    = "gps_weak"
)

// Thresholds drives alert generation and status derivation.
type Thresholds struct {
	SpeedLimitKmh       float64
	RPMCeiling          float64
	TemperatureCeilingC float64
	BatteryFloorV       float64
	MinSatellites       int
	MovementSpeedKmh    float64
	FreshnessWindow     time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SpeedLimitKmh:       100,
		RPMCeiling:          4000,
		TemperatureCeilingC: 100,
		BatteryFloorV:       11.5,
		MinSatellites:       3,
		MovementSpeedKmh:    5,
		FreshnessWindow:     5 * time.Minute,
	}
}

// LocationFragment is the minimal positional projection of a record.
type LocationFragment struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Altitude  float64   `json:"altitude"`
	Timestamp time.Time `json:"timestamp"`
}

// MapLocation yields the location fragment for one record. An
// unparseable timestamp leaves the zero time; validation upstream
// rejects those records before they reach here.
func MapLocation(imei string, rec wire.RawRecord) LocationFragment {
	_ = imei // identity travels beside the fragment
	t, _ := rec.Time()
	return LocationFragment{
		Lat:       rec.GPS.Latitude,
		Lng:       rec.GPS.Longitude,
		Speed:     rec.GPS.Speed,
		Heading:   rec.GPS.Heading,
		Altitude:  rec.GPS.Altitude,
		Timestamp: t,
	}
}

// Alerts evaluates the latest record against the thresholds and
// returns the ordered alert list. Telemetry values the record does not
// carry generate no alerts.
func Alerts(rec wire.RawRecord, now time.Time, th Thresholds) []state.Alert {
	var alerts []state.Alert
	add := func(code, severity, msg string) {
		alerts = append(alerts, state.Alert{Code: code, Severity: severity, Message: msg, At: now})
	}
	if th.SpeedLimitKmh > 0 && rec.GPS.Speed > th.SpeedLimitKmh {
		add(AlertOverspeed, "warning", "speed above limit")
	}
	if rpm, ok := rec.Element("rpm"); ok && th.RPMCeiling > 0 && rpm > th.RPMCeiling {
		add(AlertRPMHigh, "warning", "engine rpm above ceiling")
	}
	if temp, ok := rec.Element("temperature"); ok && temp > th.TemperatureCeilingC {
		add(AlertOverheat, "critical", "engine temperature above ceiling")
	}
	if bv, ok := rec.Element("battery_voltage"); ok && bv < th.BatteryFloorV {
		add(AlertBatteryLow, "warning", "battery voltage below floor")
	}
	if rec.GPS.Satellites > 0 && rec.GPS.Satellites < th.MinSatellites {
		add(AlertGPSWeak, "info", "weak satellite coverage")
	}
	return alerts
}

// DeriveStatus applies the first-match-wins ladder: active alerts win,
// then staleness, then movement, then idling, default active.
func DeriveStatus(rec wire.RawRecord, alertCount int, now time.Time, th Thresholds) state.Status {
	if alertCount > 0 {
		return state.StatusWarning
	}
	if t, err := rec.Time(); err == nil && now.Sub(t) > th.FreshnessWindow {
		return state.StatusOffline
	}
	if rec.GPS.Speed > th.MovementSpeedKmh {
		return state.StatusActive
	}
	if rec.IgnitionOn() && rec.GPS.Speed <= th.MovementSpeedKmh {
		return state.StatusIdle
	}
	return state.StatusActive
}

// MapUpdate yields the full canonical fragment for one vehicle entry:
// position, telemetry sub-object, derived status and generated alerts.
// Only fields the update actually carries are set, preserving the
// store's deep-merge contract.
func MapUpdate(vu wire.VehicleUpdate, now time.Time, th Thresholds) state.Update {
	rec := vu.Record()
	u := state.Update{IMEI: vu.ID}

	if t, err := rec.Time(); err == nil {
		u.Timestamp = t
	} else {
		u.Timestamp = now
	}

	if vu.GPS != nil || vu.Location != nil {
		u.Location = &state.Location{Lat: rec.GPS.Latitude, Lng: rec.GPS.Longitude}
		speed := rec.GPS.Speed
		u.Speed = &speed
		heading := rec.GPS.Heading
		u.Heading = &heading
	}
	if vu.GPS != nil {
		alt := rec.GPS.Altitude
		u.Altitude = &alt
		u.GPS = &state.GPSSignal{Satellites: rec.GPS.Satellites, HDOP: rec.GPS.HDOP, Valid: rec.GPS.Valid}
	} else if vu.Speed != nil {
		speed := *vu.Speed
		u.Speed = &speed
	}

	if t := vu.Telemetry; t != nil {
		u.Fuel = t.Fuel
		u.EngineOn = t.Ignition
		u.RPM = t.RPM
		u.Temperature = t.Temperature
		u.BatteryVoltage = t.BatteryVoltage
		u.Odometer = t.Odometer
		if t.Satellites != nil || t.HDOP != nil || t.GPSValid != nil {
			u.GPS = &state.GPSSignal{Satellites: rec.GPS.Satellites, HDOP: rec.GPS.HDOP, Valid: rec.GPS.Valid}
		}
		if t.ADAS != nil {
			u.ADAS = &state.ADASFlags{
				CollisionWarning: t.ADAS.CollisionWarning,
				LaneDeparture:    t.ADAS.LaneDeparture,
				Fatigue:          t.ADAS.Fatigue,
			}
		}
		if t.DMS != nil {
			u.DMS = &state.DMSFlags{
				DriverPresent: t.DMS.DriverPresent,
				EyesClosed:    t.DMS.EyesClosed,
				PhoneUse:      t.DMS.PhoneUse,
			}
		}
	}

	alerts := Alerts(rec, now, th)
	if vu.Telemetry != nil || vu.GPS != nil {
		// full device data replaces the alert list, even when empty
		if alerts == nil {
			alerts = []state.Alert{}
		}
		u.Alerts = alerts
	} else if len(alerts) > 0 {
		u.Alerts = alerts
	}
	status := DeriveStatus(rec, len(alerts), now, th)
	u.Status = &status
	return u
}

// RecentAlerts counts alerts raised within the freshness window. Used
// so a quiet position ping does not derive a calm status while the
// stored alert list still has live entries.
func RecentAlerts(alerts []state.Alert, now time.Time, window time.Duration) int {
	n := 0
	for _, a := range alerts {
		if now.Sub(a.At) <= window {
			n++
		}
	}
	return n
}

// MapEventAlert converts a server-forwarded discrete event into the
// alert entry appended to the device snapshot.
func MapEventAlert(ev wire.VehicleEvent, now time.Time) state.Alert {
	at := now
	if t, err := wire.ParseTimestamp(ev.Timestamp); err == nil {
		at = t
	}
	return state.Alert{Code: ev.Type, Severity: ev.Severity, Message: ev.Message, At: at}
}
