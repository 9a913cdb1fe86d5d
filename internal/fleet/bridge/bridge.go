// Package bridge republishes canonical telemetry onto NATS so other
// backend consumers (reporting, geofencing, archival jobs) can tap the
// live stream without holding their own device connection.
package bridge

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/eventbus"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/client"
)

const subjectPrefix = "karangue.fleet"

type Bridge struct {
	log     zerolog.Logger
	nc      *nats.Conn
	bus     *eventbus.Bus
	handles []string
}

func New(nc *nats.Conn, bus *eventbus.Bus) *Bridge {
	b := &Bridge{
		log: zlog.With().Str("module", "nats-bridge").Logger(),
		nc:  nc,
		bus: bus,
	}
	b.handles = append(b.handles,
		bus.On(client.TopicTelemetry, b.onTelemetry),
		bus.On(client.TopicLocation, b.onLocation),
		bus.On(client.TopicVehicleEvent, b.onVehicleEvent),
	)
	return b
}

func (b *Bridge) onTelemetry(ev eventbus.Event) {
	te, ok := ev.Data.(client.TelemetryEvent)
	if !ok {
		return
	}
	b.publish(subjectPrefix+".telemetry."+te.IMEI, te.Snapshot)
}

func (b *Bridge) onLocation(ev eventbus.Event) {
	le, ok := ev.Data.(client.LocationEvent)
	if !ok {
		return
	}
	b.publish(subjectPrefix+".location."+le.IMEI, le.Fragment)
}

func (b *Bridge) onVehicleEvent(ev eventbus.Event) {
	ve, ok := ev.Data.(client.VehicleEvent)
	if !ok {
		return
	}
	b.publish(subjectPrefix+".event."+ve.Event.VehicleID, ve.Event)
}

func (b *Bridge) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Err(err).Str("subject", subject).Msg("marshal failed")
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.log.Err(err).Str("subject", subject).Msg("publish failed")
	}
}

// Close detaches the bridge from the bus. The NATS connection belongs
// to the caller.
func (b *Bridge) Close() {
	for _, h := range b.handles {
		b.bus.Off(h)
	}
}
