package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAuthFrames(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"auth_success"}`))
	require.NoError(t, err)
	assert.IsType(t, AuthSuccess{}, msg)

	msg, err = Decode([]byte(`{"type":"auth_error","message":"bad token"}`))
	require.NoError(t, err)
	ae, ok := msg.(AuthError)
	require.True(t, ok)
	assert.Equal(t, "bad token", ae.Message)
}

func TestDecodeLocationUpdate(t *testing.T) {
	frame := `{"type":"location_update","vehicles":[
		{"id":"356044042012345","timestamp":"2026-08-28T10:00:00Z",
		 "location":{"lat":14.69,"lng":-17.44},"speed":42,"heading":180}]}`

	msg, err := Decode([]byte(frame))
	require.NoError(t, err)
	lu, ok := msg.(LocationUpdate)
	require.True(t, ok)
	require.Len(t, lu.Vehicles, 1)

	v := lu.Vehicles[0]
	assert.Equal(t, "356044042012345", v.ID)
	require.NotNil(t, v.Location)
	assert.Equal(t, 14.69, v.Location.Lat)
	assert.Equal(t, -17.44, v.Location.Lng)
	require.NotNil(t, v.Speed)
	assert.Equal(t, 42.0, *v.Speed)
}

func TestDecodeTelemetryUpdate(t *testing.T) {
	frame := `{"type":"telemetry_update","vehicles":[
		{"id":"356044042012345","telemetry":{"fuel":63.5,"ignition":true,"rpm":2100}}]}`

	msg, err := Decode([]byte(frame))
	require.NoError(t, err)
	tu, ok := msg.(TelemetryUpdate)
	require.True(t, ok)
	require.Len(t, tu.Vehicles, 1)

	tel := tu.Vehicles[0].Telemetry
	require.NotNil(t, tel)
	assert.Equal(t, 63.5, *tel.Fuel)
	assert.True(t, *tel.Ignition)
	assert.Equal(t, 2100.0, *tel.RPM)
	assert.Nil(t, tel.Temperature, "absent fields stay nil")
}

func TestDecodeEvent(t *testing.T) {
	frame := `{"type":"event","event":{"vehicleId":"356044042012345",
		"type":"harsh_braking","severity":"warning","message":"harsh braking",
		"timestamp":"2026-08-28T10:00:00Z"}}`

	msg, err := Decode([]byte(frame))
	require.NoError(t, err)
	ev, ok := msg.(Event)
	require.True(t, ok)
	assert.Equal(t, "harsh_braking", ev.Event.Type)

	_, err = Decode([]byte(`{"type":"event"}`))
	assert.Error(t, err, "event without body is malformed")
}

func TestDecodeUnknownAndMalformed(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"server_notice","text":"maintenance"}`))
	require.NoError(t, err)
	u, ok := msg.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "server_notice", u.Type)

	_, err = Decode([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2026-08-28T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())

	ts, err = ParseTimestamp("1756375200000")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1756375200000).UTC(), ts)

	_, err = ParseTimestamp("")
	assert.Error(t, err)
	_, err = ParseTimestamp("not-a-time")
	assert.Error(t, err)
}

func TestRecordFlattening(t *testing.T) {
	speed := 42.0
	heading := 270.0
	fuel := 63.5
	ign := true
	sats := 10
	valid := true

	vu := VehicleUpdate{
		ID:        "356044042012345",
		Timestamp: "2026-08-28T10:00:00Z",
		Location:  &LatLng{Lat: 14.69, Lng: -17.44},
		Speed:     &speed,
		Heading:   &heading,
		Telemetry: &Telemetry{
			Fuel:       &fuel,
			Ignition:   &ign,
			Satellites: &sats,
			GPSValid:   &valid,
		},
	}

	r := vu.Record()
	assert.Equal(t, "356044042012345", r.IMEI)
	assert.Equal(t, 14.69, r.GPS.Latitude)
	assert.Equal(t, -17.44, r.GPS.Longitude)
	assert.Equal(t, 42.0, r.GPS.Speed)
	assert.Equal(t, 270.0, r.GPS.Heading)
	assert.Equal(t, 10, r.GPS.Satellites)
	assert.True(t, r.GPS.Valid)
	assert.True(t, r.IgnitionOn())

	got, ok := r.Element("fuel")
	require.True(t, ok)
	assert.Equal(t, 63.5, got)
	_, ok = r.Element("odometer")
	assert.False(t, ok)
}

func TestRecordLocationImpliesValidFix(t *testing.T) {
	vu := VehicleUpdate{ID: "x", Location: &LatLng{Lat: 1, Lng: 2}}
	assert.True(t, vu.Record().GPS.Valid)

	// an explicit gps block wins over the location shorthand
	vu = VehicleUpdate{ID: "x", GPS: &GPSBlock{Latitude: 1, Longitude: 2, Valid: false}}
	assert.False(t, vu.Record().GPS.Valid)
}

type decodedControl struct {
	Action     string   `json:"action"`
	Type       string   `json:"type"`
	VehicleIDs []string `json:"vehicleIds"`
	Timestamp  int64    `json:"timestamp"`
}

// decodeControl starts from a zero value every time so omitted keys
// cannot inherit state from a previous frame.
func decodeControlFrame(t *testing.T, data []byte) decodedControl {
	t.Helper()
	var f decodedControl
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestControlFrames(t *testing.T) {
	f := decodeControlFrame(t, EncodeSubscribe("location", []string{"b", "a"}))
	assert.Equal(t, ActionSubscribe, f.Action)
	assert.Equal(t, "location", f.Type)
	assert.Equal(t, []string{"a", "b"}, f.VehicleIDs, "ids are sorted for replay stability")

	f = decodeControlFrame(t, EncodeUnsubscribe("events", nil))
	assert.Equal(t, ActionUnsubscribe, f.Action)
	assert.Empty(t, f.VehicleIDs)

	f = decodeControlFrame(t, EncodeInitialData())
	assert.Equal(t, ActionInitialData, f.Action)
	assert.Empty(t, f.Type)

	f = decodeControlFrame(t, EncodePing(1756375200000))
	assert.Equal(t, ActionPing, f.Action)
	assert.Equal(t, int64(1756375200000), f.Timestamp)
}

func TestPongSentinel(t *testing.T) {
	frame := PongFrame()
	require.Len(t, frame, PongFrameSize)
	assert.True(t, IsPong(frame))

	assert.False(t, IsPong(nil))
	assert.False(t, IsPong([]byte("PONG")))

	mutated := PongFrame()
	mutated[0] = 0x00
	assert.False(t, IsPong(mutated))

	// PongFrame must hand out copies, not the sentinel itself
	assert.True(t, IsPong(PongFrame()))
}
