// Package fleet is the composition layer the rest of the dashboard
// backend talks to: it wires transport, connection manager, validator,
// store and event bus together and exposes subscriber fan-out plus
// aggregate stats.
package fleet

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/eventbus"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/fleet/bridge"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/client"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/mapper"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/state"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/transport"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/validate"
)

// Manager owns one independent ingestion context. Several managers can
// coexist in a process, each with its own connection and store.
type Manager struct {
	log    zerolog.Logger
	cfg    Config
	bus    *eventbus.Bus
	store  *state.Store
	client *client.Client
	val    *validate.Validator
	nc     *nats.Conn
	bridge *bridge.Bridge
}

// Option adjusts construction, mainly for tests.
type Option func(*options)

type options struct {
	transport  transport.Transport
	clientOpts []client.Option
}

// WithTransport substitutes the websocket transport.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithClientOptions forwards options to the connection manager.
func WithClientOptions(opts ...client.Option) Option {
	return func(o *options) { o.clientOpts = append(o.clientOpts, opts...) }
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.transport == nil {
		o.transport = transport.NewWS()
	}

	bus, err := eventbus.New(1)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	m := &Manager{
		log:   zlog.With().Str("module", "fleet-manager").Logger(),
		cfg:   cfg,
		bus:   bus,
		store: state.NewStore(),
		val:   validate.New(validate.DefaultLimits()),
	}
	m.client = client.New(client.Config{
		URL:                  cfg.ServerURL,
		Token:                cfg.Token,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectMax:         cfg.ReconnectMax,
		ReconnectGrowth:      cfg.ReconnectGrowth,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Thresholds: mapper.Thresholds{
			SpeedLimitKmh:       cfg.SpeedLimitKmh,
			RPMCeiling:          cfg.RPMCeiling,
			TemperatureCeilingC: cfg.TemperatureCeilingC,
			BatteryFloorV:       cfg.BatteryFloorV,
			MinSatellites:       cfg.MinSatellites,
			MovementSpeedKmh:    cfg.MovementSpeedKmh,
			FreshnessWindow:     cfg.FreshnessWindow,
		},
	}, o.transport, bus, m.store, m.val, o.clientOpts...)

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("karangue221-ingest"))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		m.nc = nc
		m.bridge = bridge.New(nc, bus)
		m.log.Info().Str("url", cfg.NATSURL).Msg("telemetry bridge enabled")
	}
	return m, nil
}

// Connect starts the live connection.
func (m *Manager) Connect() bool { return m.client.Connect() }

// Disconnect stops it and all pending retries.
func (m *Manager) Disconnect() { m.client.Disconnect() }

// Subscribe adds a server-side subscription; empty ids mean the whole
// fleet.
func (m *Manager) Subscribe(t client.SubType, ids ...string) bool {
	return m.client.Subscribe(t, ids...)
}

func (m *Manager) Unsubscribe(t client.SubType, ids ...string) bool {
	return m.client.Unsubscribe(t, ids...)
}

// On registers a raw listener on a bus topic and returns its handle.
func (m *Manager) On(topic string, fn eventbus.Listener) string {
	return m.bus.On(topic, fn)
}

// Off removes a listener by handle.
func (m *Manager) Off(handle string) { m.bus.Off(handle) }

// OnLocation delivers merged location updates, optionally filtered to
// a set of vehicle ids.
func (m *Manager) OnLocation(fn func(client.LocationEvent), ids ...string) string {
	filter := idFilter(ids)
	return m.bus.On(client.TopicLocation, func(ev eventbus.Event) {
		if le, ok := ev.Data.(client.LocationEvent); ok && filter(le.IMEI) {
			fn(le)
		}
	})
}

// OnTelemetry delivers merged telemetry snapshots.
func (m *Manager) OnTelemetry(fn func(client.TelemetryEvent), ids ...string) string {
	filter := idFilter(ids)
	return m.bus.On(client.TopicTelemetry, func(ev eventbus.Event) {
		if te, ok := ev.Data.(client.TelemetryEvent); ok && filter(te.IMEI) {
			fn(te)
		}
	})
}

// OnVehicleEvent delivers discrete device events.
func (m *Manager) OnVehicleEvent(fn func(client.VehicleEvent), ids ...string) string {
	filter := idFilter(ids)
	return m.bus.On(client.TopicVehicleEvent, func(ev eventbus.Event) {
		if ve, ok := ev.Data.(client.VehicleEvent); ok && filter(ve.Event.VehicleID) {
			fn(ve)
		}
	})
}

// OnStateChange observes connection state transitions.
func (m *Manager) OnStateChange(fn func(client.StateChange)) string {
	return m.bus.On(client.TopicStateChange, func(ev eventbus.Event) {
		if sc, ok := ev.Data.(client.StateChange); ok {
			fn(sc)
		}
	})
}

// Vehicle returns the canonical snapshot for one device.
func (m *Manager) Vehicle(imei string) (state.VehicleTelemetry, bool) {
	return m.client.VehicleTelemetry(imei)
}

// Vehicles returns every tracked snapshot.
func (m *Manager) Vehicles() []state.VehicleTelemetry {
	return m.client.AllVehiclesTelemetry()
}

// InjectVehicles feeds externally sourced snapshots (the REST fallback
// collaborator) through the same store-update entry point socket data
// uses, so consumers cannot tell the paths apart.
func (m *Manager) InjectVehicles(updates []state.Update) {
	for _, u := range updates {
		snap := m.store.Apply(u)
		m.bus.Emit(client.TopicTelemetry, client.TelemetryEvent{IMEI: u.IMEI, Snapshot: snap})
	}
}

// Validator exposes the rule engine for runtime rule tuning.
func (m *Manager) Validator() *validate.Validator { return m.val }

// ManagerStats aggregates the facade view.
type ManagerStats struct {
	Connection      client.Stats                `json:"connection"`
	VehiclesTracked int                         `json:"vehiclesTracked"`
	Subscriptions   map[client.SubType][]string `json:"subscriptions"`
}

func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Connection:      m.client.Stats(),
		VehiclesTracked: m.store.Len(),
		Subscriptions:   m.client.Subscriptions(),
	}
}

// Close releases everything the manager owns.
func (m *Manager) Close() {
	m.client.Close()
	if m.bridge != nil {
		m.bridge.Close()
	}
	if m.nc != nil {
		m.nc.Close()
	}
}

func idFilter(ids []string) func(string) bool {
	if len(ids) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := set[id]
		return ok
	}
}
