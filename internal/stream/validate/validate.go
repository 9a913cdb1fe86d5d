// Package validate is the stateless rule engine applied to decoded
// records before mapping. Hard rules reject a record outright, soft
// rules keep it but flag it. Rules are keyed by field name and can be
// swapped at runtime.
package validate

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/wire"
)

type Severity int

const (
	Hard Severity = iota
	Soft
)

// RuleFunc inspects one record and returns a non-nil error when the
// rule is violated.
type RuleFunc func(rec wire.RawRecord, now time.Time) error

// Limits holds the tunable bounds behind the default rule set.
type Limits struct {
	MaxSpeedKmh   float64
	MaxSatellites int
	MinSatellites int
	MinAltitudeM  float64
	MaxAltitudeM  float64
	MinBatteryV   float64
	MaxBatteryV   float64
	MaxAge        time.Duration
	MaxFuture     time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxSpeedKmh:   300,
		MaxSatellites: 50,
		MinSatellites: 3,
		MinAltitudeM:  -500,
		MaxAltitudeM:  9000,
		MinBatteryV:   5,
		MaxBatteryV:   36,
		MaxAge:        24 * time.Hour,
		MaxFuture:     5 * time.Minute,
	}
}

// RecordResult is the verdict for a single record.
type RecordResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Result aggregates a whole envelope batch.
type Result struct {
	Valid            bool
	Errors           []string
	Warnings         []string
	ValidRecordCount int
}

var imeiPattern = regexp.MustCompile(`^[0-9]{15}$`)

// Validator applies its current rule tables to records. Safe for
// concurrent use; rule mutation takes the write lock.
type Validator struct {
	mu     sync.RWMutex
	limits Limits
	hard   map[string]RuleFunc
	soft   map[string]RuleFunc
}

func New(limits Limits) *Validator {
	v := &Validator{
		limits: limits,
		hard:   make(map[string]RuleFunc),
		soft:   make(map[string]RuleFunc),
	}
	v.installDefaults()
	return v
}

// SetRule installs or replaces the rule registered for a field.
func (v *Validator) SetRule(field string, sev Severity, fn RuleFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if sev == Hard {
		v.hard[field] = fn
	} else {
		v.soft[field] = fn
	}
}

// RemoveRule drops the rule registered for a field.
func (v *Validator) RemoveRule(field string, sev Severity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if sev == Hard {
		delete(v.hard, field)
	} else {
		delete(v.soft, field)
	}
}

func (v *Validator) installDefaults() {
	lim := v.limits
	v.hard["device_id"] = func(r wire.RawRecord, _ time.Time) error {
		if !imeiPattern.MatchString(r.IMEI) {
			return fmt.Errorf("device id %q is not a 15-digit IMEI", r.IMEI)
		}
		return nil
	}
	v.hard["latitude"] = func(r wire.RawRecord, _ time.Time) error {
		if r.GPS.Latitude < -90 || r.GPS.Latitude > 90 {
			return fmt.Errorf("latitude %v out of range", r.GPS.Latitude)
		}
		return nil
	}
	v.hard["longitude"] = func(r wire.RawRecord, _ time.Time) error {
		if r.GPS.Longitude < -180 || r.GPS.Longitude > 180 {
			return fmt.Errorf("longitude %v out of range", r.GPS.Longitude)
		}
		return nil
	}
	v.hard["timestamp"] = func(r wire.RawRecord, _ time.Time) error {
		_, err := r.Time()
		return err
	}

	v.soft["speed"] = func(r wire.RawRecord, _ time.Time) error {
		if r.GPS.Speed < 0 || r.GPS.Speed > lim.MaxSpeedKmh {
			return fmt.Errorf("speed %v implausible", r.GPS.Speed)
		}
		return nil
	}
	v.soft["satellites"] = func(r wire.RawRecord, _ time.Time) error {
		if r.GPS.Satellites < 0 || r.GPS.Satellites > lim.MaxSatellites {
			return fmt.Errorf("satellite count %d implausible", r.GPS.Satellites)
		}
		if r.GPS.Satellites < lim.MinSatellites {
			return fmt.Errorf("low satellite count %d, weak fix", r.GPS.Satellites)
		}
		return nil
	}
	v.soft["altitude"] = func(r wire.RawRecord, _ time.Time) error {
		if r.GPS.Altitude < lim.MinAltitudeM || r.GPS.Altitude > lim.MaxAltitudeM {
			return fmt.Errorf("altitude %v implausible", r.GPS.Altitude)
		}
		return nil
	}
	v.soft["heading"] = func(r wire.RawRecord, _ time.Time) error {
		if r.GPS.Heading < 0 || r.GPS.Heading >= 360 {
			return fmt.Errorf("heading %v out of [0,360)", r.GPS.Heading)
		}
		return nil
	}
	v.soft["battery_voltage"] = func(r wire.RawRecord, _ time.Time) error {
		bv, ok := r.Element("battery_voltage")
		if !ok {
			return nil
		}
		if bv < lim.MinBatteryV || bv > lim.MaxBatteryV {
			return fmt.Errorf("battery voltage %v implausible", bv)
		}
		return nil
	}
	v.soft["timestamp_plausible"] = func(r wire.RawRecord, now time.Time) error {
		t, err := r.Time()
		if err != nil {
			// the hard rule already rejects it
			return nil
		}
		if now.Sub(t) > lim.MaxAge {
			return fmt.Errorf("timestamp %s absurdly stale", t.Format(time.RFC3339))
		}
		if t.Sub(now) > lim.MaxFuture {
			return fmt.Errorf("timestamp %s in the future", t.Format(time.RFC3339))
		}
		return nil
	}
	v.soft["gps_valid"] = func(r wire.RawRecord, _ time.Time) error {
		if !r.GPS.Valid {
			return fmt.Errorf("gps validity flag not set")
		}
		return nil
	}
	v.soft["zero_coordinate"] = func(r wire.RawRecord, _ time.Time) error {
		if r.GPS.Latitude == 0 && r.GPS.Longitude == 0 {
			return fmt.Errorf("exact (0,0) coordinate")
		}
		return nil
	}
}

// Record runs the rule tables over one record. Rules run in sorted
// field order so results are stable.
func (v *Validator) Record(rec wire.RawRecord, now time.Time) RecordResult {
	v.mu.RLock()
	defer v.mu.RUnlock()
	res := RecordResult{Valid: true}
	for _, field := range sortedKeys(v.hard) {
		if err := v.hard[field](rec, now); err != nil {
			res.Errors = append(res.Errors, field+": "+err.Error())
		}
	}
	if len(res.Errors) > 0 {
		res.Valid = false
		return res
	}
	for _, field := range sortedKeys(v.soft) {
		if err := v.soft[field](rec, now); err != nil {
			res.Warnings = append(res.Warnings, field+": "+err.Error())
		}
	}
	return res
}

// Envelope validates a whole inbound message. Only update batches have
// records to check; everything else is trivially valid.
func (v *Validator) Envelope(msg wire.Message, now time.Time) Result {
	var vehicles []wire.VehicleUpdate
	switch m := msg.(type) {
	case wire.LocationUpdate:
		vehicles = m.Vehicles
	case wire.TelemetryUpdate:
		vehicles = m.Vehicles
	default:
		return Result{Valid: true}
	}
	res := Result{Valid: true}
	for _, vu := range vehicles {
		rr := v.Record(vu.Record(), now)
		if rr.Valid {
			res.ValidRecordCount++
		} else {
			res.Valid = false
		}
		res.Errors = append(res.Errors, rr.Errors...)
		res.Warnings = append(res.Warnings, rr.Warnings...)
	}
	return res
}

func sortedKeys(m map[string]RuleFunc) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
