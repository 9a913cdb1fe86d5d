package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }
func b(v bool) *bool       { return &v }

func TestApplyCreatesSnapshot(t *testing.T) {
	s := NewStore()
	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	vt := s.Apply(Update{
		IMEI:      "356044042012345",
		Location:  &Location{Lat: 14.69, Lng: -17.44},
		Speed:     f(42),
		Timestamp: ts,
	})

	assert.Equal(t, "356044042012345", vt.IMEI)
	assert.Equal(t, 14.69, vt.Location.Lat)
	assert.Equal(t, 42.0, vt.Speed)
	assert.Equal(t, StatusActive, vt.Status, "new devices start active")
	assert.Equal(t, ts, vt.LastUpdate)
	assert.Equal(t, 1, s.Len())
}

func TestApplyMergesWithoutErasing(t *testing.T) {
	s := NewStore()
	s.Apply(Update{
		IMEI:     "356044042012345",
		Location: &Location{Lat: 14.69, Lng: -17.44},
		Speed:    f(42),
		Fuel:     f(63.5),
		EngineOn: b(true),
	})

	// a location-only fragment must not touch fuel or ignition
	vt := s.Apply(Update{
		IMEI:     "356044042012345",
		Location: &Location{Lat: 14.70, Lng: -17.45},
		Speed:    f(50),
	})

	assert.Equal(t, 14.70, vt.Location.Lat)
	assert.Equal(t, 50.0, vt.Speed)
	assert.Equal(t, 63.5, vt.Fuel)
	assert.True(t, vt.EngineOn)
}

func TestApplyAlertListReplacement(t *testing.T) {
	s := NewStore()
	imei := "356044042012345"

	s.Apply(Update{IMEI: imei, Alerts: []Alert{{Code: "overspeed", Severity: "warning"}}})
	vt, _ := s.Get(imei)
	require.Len(t, vt.Alerts, 1)

	// nil leaves alerts alone
	s.Apply(Update{IMEI: imei, Speed: f(10)})
	vt, _ = s.Get(imei)
	assert.Len(t, vt.Alerts, 1)

	// an empty non-nil list clears them
	s.Apply(Update{IMEI: imei, Alerts: []Alert{}})
	vt, _ = s.Get(imei)
	assert.Empty(t, vt.Alerts)
}

func TestApplyZeroTimestampKeepsLastUpdate(t *testing.T) {
	s := NewStore()
	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	s.Apply(Update{IMEI: "x", Timestamp: ts})
	vt := s.Apply(Update{IMEI: "x", Speed: f(3)})
	assert.Equal(t, ts, vt.LastUpdate)
}

func TestAddAlertCapsHistory(t *testing.T) {
	s := NewStore()
	for i := 0; i < maxAlerts+5; i++ {
		s.AddAlert("x", Alert{Code: "overspeed", Severity: "warning"})
	}
	vt, ok := s.Get("x")
	require.True(t, ok)
	assert.Len(t, vt.Alerts, maxAlerts)
}

func TestGetUnknownDevice(t *testing.T) {
	s := NewStore()
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := NewStore()
	s.Apply(Update{IMEI: "x", Alerts: []Alert{{Code: "overspeed"}}})

	vt, _ := s.Get("x")
	vt.Speed = 999
	vt.Alerts[0].Code = "mutated"

	fresh, _ := s.Get("x")
	assert.Zero(t, fresh.Speed)
	assert.Equal(t, "overspeed", fresh.Alerts[0].Code)
}

func TestAllSortedByIMEI(t *testing.T) {
	s := NewStore()
	s.Apply(Update{IMEI: "356044042000002"})
	s.Apply(Update{IMEI: "356044042000001"})
	s.Apply(Update{IMEI: "356044042000003"})

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "356044042000001", all[0].IMEI)
	assert.Equal(t, "356044042000003", all[2].IMEI)
}

func TestStatusOverride(t *testing.T) {
	s := NewStore()
	off := StatusOffline
	vt := s.Apply(Update{IMEI: "x", Status: &off})
	assert.Equal(t, StatusOffline, vt.Status)
}
