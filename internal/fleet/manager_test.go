package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/client"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/state"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/transport"
)

// scriptedTransport drives the manager from the server side.
type scriptedTransport struct {
	mu     sync.Mutex
	open   bool
	events chan transport.Event
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{events: make(chan transport.Event, 64)}
}

func (s *scriptedTransport) Connect(context.Context, string, string) error {
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.events <- transport.Event{Kind: transport.KindConnected}
	return nil
}

func (s *scriptedTransport) Send([]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *scriptedTransport) Ping() bool { return s.Send(nil) }

func (s *scriptedTransport) Close() {
	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	s.mu.Unlock()
	if wasOpen {
		s.events <- transport.Event{Kind: transport.KindDisconnected, Code: 1000, Clean: true}
	}
}

func (s *scriptedTransport) Abort(reason string) {
	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	s.mu.Unlock()
	if wasOpen {
		s.events <- transport.Event{Kind: transport.KindDisconnected, Code: 1001, Reason: reason}
	}
}

func (s *scriptedTransport) Events() <-chan transport.Event { return s.events }

func (s *scriptedTransport) text(frame string) {
	s.events <- transport.Event{Kind: transport.KindMessage, Text: []byte(frame)}
}

func newTestManager(t *testing.T) (*Manager, *scriptedTransport) {
	t.Helper()
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	st := newScriptedTransport()
	m, err := NewManager(cfg, WithTransport(st))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, st
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Stats().Connection.State == "connected"
	}, 2*time.Second, 2*time.Millisecond)
}

func TestManagerConnectAndStats(t *testing.T) {
	m, _ := newTestManager(t)

	require.True(t, m.Connect())
	waitConnected(t, m)
	require.True(t, m.Subscribe(client.SubAll))

	st := m.Stats()
	assert.Equal(t, "connected", st.Connection.State)
	assert.Zero(t, st.VehiclesTracked)
	assert.Contains(t, st.Subscriptions, client.SubAll)

	require.True(t, m.Unsubscribe(client.SubAll))
	assert.NotContains(t, m.Stats().Subscriptions, client.SubAll)
}

func TestManagerLocationFanOut(t *testing.T) {
	m, tr := newTestManager(t)
	require.True(t, m.Connect())
	waitConnected(t, m)

	var mu sync.Mutex
	var all, filtered []string
	m.OnLocation(func(ev client.LocationEvent) {
		mu.Lock()
		all = append(all, ev.IMEI)
		mu.Unlock()
	})
	m.OnLocation(func(ev client.LocationEvent) {
		mu.Lock()
		filtered = append(filtered, ev.IMEI)
		mu.Unlock()
	}, "356044042000001")

	tr.text(`{"type":"location_update","vehicles":[
		{"id":"356044042000001","location":{"lat":14.69,"lng":-17.44},"speed":42},
		{"id":"356044042000002","location":{"lat":14.70,"lng":-17.45},"speed":10}]}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(all) == 2
	}, 2*time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"356044042000001", "356044042000002"}, all)
	assert.Equal(t, []string{"356044042000001"}, filtered, "id filter narrows delivery")
}

func TestManagerVehicleLookup(t *testing.T) {
	m, tr := newTestManager(t)
	require.True(t, m.Connect())
	waitConnected(t, m)

	tr.text(`{"type":"location_update","vehicles":[
		{"id":"356044042000001","location":{"lat":14.69,"lng":-17.44},"speed":42}]}`)

	require.Eventually(t, func() bool {
		_, ok := m.Vehicle("356044042000001")
		return ok
	}, 2*time.Second, 2*time.Millisecond)

	v, ok := m.Vehicle("356044042000001")
	require.True(t, ok)
	assert.Equal(t, 14.69, v.Location.Lat)
	assert.Len(t, m.Vehicles(), 1)
	assert.Equal(t, 1, m.Stats().VehiclesTracked)
}

func TestManagerInjectVehicles(t *testing.T) {
	m, _ := newTestManager(t)

	var mu sync.Mutex
	var seen []client.TelemetryEvent
	m.OnTelemetry(func(ev client.TelemetryEvent) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})

	speed := 33.0
	m.InjectVehicles([]state.Update{{
		IMEI:     "356044042000009",
		Location: &state.Location{Lat: 14.71, Lng: -17.46},
		Speed:    &speed,
	}})

	mu.Lock()
	require.Len(t, seen, 1, "injected snapshots fan out like live ones")
	assert.Equal(t, "356044042000009", seen[0].IMEI)
	assert.Equal(t, 33.0, seen[0].Snapshot.Speed)
	mu.Unlock()

	v, ok := m.Vehicle("356044042000009")
	require.True(t, ok)
	assert.Equal(t, 14.71, v.Location.Lat)
}

func TestManagerOnOffRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	var mu sync.Mutex
	var states []client.ConnState
	h := m.OnStateChange(func(sc client.StateChange) {
		mu.Lock()
		states = append(states, sc.To)
		mu.Unlock()
	})

	require.True(t, m.Connect())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, 2*time.Second, 2*time.Millisecond)
	m.Off(h)
	m.Disconnect()

	require.Eventually(t, func() bool {
		return m.Stats().Connection.State == "disconnected"
	}, 2*time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []client.ConnState{client.StateConnecting, client.StateConnected}, states,
		"nothing is delivered after Off")
}
