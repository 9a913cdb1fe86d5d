package validate

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/wire"
)

var testNow = time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

func goodRecord() wire.RawRecord {
	return wire.RawRecord{
		IMEI:      "356044042012345",
		Timestamp: testNow.Add(-time.Minute).Format(time.RFC3339),
		GPS: wire.GPSBlock{
			Latitude:   14.69,
			Longitude:  -17.44,
			Speed:      42,
			Heading:    180,
			Satellites: 10,
			Valid:      true,
		},
	}
}

func TestGoodRecordIsClean(t *testing.T) {
	v := New(DefaultLimits())
	res := v.Record(goodRecord(), testNow)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestHardRules(t *testing.T) {
	v := New(DefaultLimits())

	cases := []struct {
		name   string
		mutate func(*wire.RawRecord)
		field  string
	}{
		{"bad imei", func(r *wire.RawRecord) { r.IMEI = "12ab" }, "device_id"},
		{"latitude out of range", func(r *wire.RawRecord) { r.GPS.Latitude = 200 }, "latitude"},
		{"longitude out of range", func(r *wire.RawRecord) { r.GPS.Longitude = -181 }, "longitude"},
		{"missing timestamp", func(r *wire.RawRecord) { r.Timestamp = "" }, "timestamp"},
		{"garbage timestamp", func(r *wire.RawRecord) { r.Timestamp = "yesterday" }, "timestamp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := goodRecord()
			tc.mutate(&rec)
			res := v.Record(rec, testNow)
			assert.False(t, res.Valid)
			require.NotEmpty(t, res.Errors)
			assert.True(t, strings.HasPrefix(res.Errors[0], tc.field+":"),
				"expected %s error, got %q", tc.field, res.Errors[0])
		})
	}
}

func TestSoftRulesFlagButKeep(t *testing.T) {
	v := New(DefaultLimits())

	cases := []struct {
		name   string
		mutate func(*wire.RawRecord)
		field  string
	}{
		{"implausible speed", func(r *wire.RawRecord) { r.GPS.Speed = 400 }, "speed"},
		{"low satellites", func(r *wire.RawRecord) { r.GPS.Satellites = 2 }, "satellites"},
		{"too many satellites", func(r *wire.RawRecord) { r.GPS.Satellites = 99 }, "satellites"},
		{"implausible altitude", func(r *wire.RawRecord) { r.GPS.Altitude = 12000 }, "altitude"},
		{"heading wraps", func(r *wire.RawRecord) { r.GPS.Heading = 360 }, "heading"},
		{"invalid fix", func(r *wire.RawRecord) { r.GPS.Valid = false }, "gps_valid"},
		{"stale sample", func(r *wire.RawRecord) {
			r.Timestamp = testNow.Add(-48 * time.Hour).Format(time.RFC3339)
		}, "timestamp_plausible"},
		{"future sample", func(r *wire.RawRecord) {
			r.Timestamp = testNow.Add(time.Hour).Format(time.RFC3339)
		}, "timestamp_plausible"},
		{"battery out of range", func(r *wire.RawRecord) {
			r.IO.Elements = map[string]float64{"battery_voltage": 2.0}
		}, "battery_voltage"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := goodRecord()
			tc.mutate(&rec)
			res := v.Record(rec, testNow)
			assert.True(t, res.Valid, "soft violations keep the record")
			require.NotEmpty(t, res.Warnings)
			assert.True(t, strings.HasPrefix(res.Warnings[0], tc.field+":"),
				"expected %s warning, got %q", tc.field, res.Warnings[0])
		})
	}
}

func TestZeroCoordinateWarns(t *testing.T) {
	v := New(DefaultLimits())
	rec := goodRecord()
	rec.GPS.Latitude = 0
	rec.GPS.Longitude = 0
	res := v.Record(rec, testNow)
	assert.True(t, res.Valid)
	assert.Contains(t, strings.Join(res.Warnings, ";"), "zero_coordinate")
}

func TestBatteryRuleSkipsAbsentElement(t *testing.T) {
	v := New(DefaultLimits())
	res := v.Record(goodRecord(), testNow)
	for _, w := range res.Warnings {
		assert.NotContains(t, w, "battery_voltage")
	}
}

func TestHardFailureShortCircuitsSoftRules(t *testing.T) {
	v := New(DefaultLimits())
	rec := goodRecord()
	rec.GPS.Latitude = 200
	rec.GPS.Speed = 400
	res := v.Record(rec, testNow)
	assert.False(t, res.Valid)
	assert.Empty(t, res.Warnings, "soft rules do not run on rejected records")
}

func TestSetAndRemoveRule(t *testing.T) {
	v := New(DefaultLimits())

	v.SetRule("geofence", Hard, func(r wire.RawRecord, _ time.Time) error {
		if r.GPS.Latitude < 14 || r.GPS.Latitude > 15 {
			return errors.New("outside service area")
		}
		return nil
	})

	rec := goodRecord()
	rec.GPS.Latitude = 48.85
	res := v.Record(rec, testNow)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "geofence")

	v.RemoveRule("geofence", Hard)
	res = v.Record(rec, testNow)
	assert.True(t, res.Valid)

	// replacing a default soft rule takes effect
	v.SetRule("speed", Soft, func(wire.RawRecord, time.Time) error { return nil })
	rec = goodRecord()
	rec.GPS.Speed = 500
	res = v.Record(rec, testNow)
	assert.True(t, res.Valid)
	for _, w := range res.Warnings {
		assert.NotContains(t, w, "speed:")
	}
}

func TestEnvelope(t *testing.T) {
	v := New(DefaultLimits())
	ts := testNow.Add(-time.Minute).Format(time.RFC3339)
	speed := 42.0
	valid := true
	sats := 10

	good := wire.VehicleUpdate{
		ID: "356044042012345", Timestamp: ts,
		Location: &wire.LatLng{Lat: 14.69, Lng: -17.44},
		Speed:    &speed,
		Telemetry: &wire.Telemetry{
			Satellites: &sats, GPSValid: &valid,
		},
	}
	bad := good
	bad.Location = &wire.LatLng{Lat: 200, Lng: 0}

	res := v.Envelope(wire.LocationUpdate{Vehicles: []wire.VehicleUpdate{good, bad}}, testNow)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.ValidRecordCount)
	assert.NotEmpty(t, res.Errors)

	res = v.Envelope(wire.AuthSuccess{}, testNow)
	assert.True(t, res.Valid)
	assert.Zero(t, res.ValidRecordCount)
}
