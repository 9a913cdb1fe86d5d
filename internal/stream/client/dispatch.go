package client

import (
	"sync/atomic"
	"time"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/mapper"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/state"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/wire"
)

// dispatch routes one inbound text frame by its envelope discriminant.
// Unknown discriminants are logged and ignored so new server message
// types never break the pipeline.
func (c *Client) dispatch(text []byte) {
	msg, err := wire.Decode(text)
	if err != nil {
		c.log.Warn().Err(err).Msg("undecodable frame")
		c.emit(emission{TopicError, ErrorInfo{Kind: ErrKindProtocol, Message: err.Error()}})
		return
	}
	switch m := msg.(type) {
	case wire.AuthSuccess:
		c.emit(emission{TopicAuthSuccess, nil})
	case wire.AuthError:
		c.onAuthError(m)
	case wire.LocationUpdate:
		c.handleLocationBatch(m.Vehicles)
	case wire.TelemetryUpdate:
		c.handleTelemetryBatch(m.Vehicles)
	case wire.Event:
		c.handleVehicleEvent(m.Event)
	case wire.ServerError:
		c.log.Warn().Str("message", m.Message).Msg("server error")
		c.emit(emission{TopicError, ErrorInfo{Kind: ErrKindServer, Message: m.Message}})
	case wire.Unknown:
		c.log.Debug().Str("type", m.Type).Msg("ignoring unknown envelope type")
	}
}

// onAuthError stops the automatic retry cadence: the caller has to
// refresh credentials and call Connect again.
func (c *Client) onAuthError(m wire.AuthError) {
	c.log.Error().Str("message", m.Message).Msg("server rejected auth token")
	c.mu.Lock()
	c.manual = true
	c.lastErr = m.Message
	c.stopTimersLocked()
	c.mu.Unlock()
	c.tr.Close()
	c.emit(emission{TopicAuthError, ErrorInfo{Kind: ErrKindAuth, Message: m.Message}})
}

// handleLocationBatch validates, maps and merges a location_update.
// Location batches carry no per-record sample time; arrival time
// stands in so staleness rules still apply.
func (c *Client) handleLocationBatch(vehicles []wire.VehicleUpdate) {
	now := c.now()
	var pending []emission
	for _, vu := range vehicles {
		if vu.Timestamp == "" {
			vu.Timestamp = now.UTC().Format(time.RFC3339)
		}
		rec := vu.Record()
		if !c.admit(rec, now) {
			continue
		}
		frag := mapper.MapLocation(vu.ID, rec)
		u := mapper.MapUpdate(vu, now, c.cfg.Thresholds)
		c.carryStoredAlerts(&u, now)
		snap := c.store.Apply(u)
		pending = append(pending, emission{TopicLocation, LocationEvent{IMEI: vu.ID, Fragment: frag, Snapshot: snap}})
	}
	c.emit(pending...)
}

// handleTelemetryBatch validates, maps and merges a telemetry_update.
// Like location batches, entries usually carry no sample time; arrival
// time stands in so the timestamp rules apply uniformly.
func (c *Client) handleTelemetryBatch(vehicles []wire.VehicleUpdate) {
	now := c.now()
	var pending []emission
	for _, vu := range vehicles {
		if vu.Timestamp == "" {
			vu.Timestamp = now.UTC().Format(time.RFC3339)
		}
		if !c.admit(vu.Record(), now) {
			continue
		}
		snap := c.store.Apply(mapper.MapUpdate(vu, now, c.cfg.Thresholds))
		pending = append(pending, emission{TopicTelemetry, TelemetryEvent{IMEI: vu.ID, Snapshot: snap}})
	}
	c.emit(pending...)
}

// carryStoredAlerts keeps a device in warning while its stored alert
// list still has entries inside the freshness window. Only fragments
// that neither generate nor replace alerts are affected; anything that
// sets an alert list already derived its status from it.
func (c *Client) carryStoredAlerts(u *state.Update, now time.Time) {
	if u.Alerts != nil {
		return
	}
	prior, ok := c.store.Get(u.IMEI)
	if !ok {
		return
	}
	if mapper.RecentAlerts(prior.Alerts, now, c.cfg.Thresholds.FreshnessWindow) > 0 {
		warn := state.StatusWarning
		u.Status = &warn
	}
}

// admit runs validation on one record. Hard violations drop the record
// and batch processing continues; soft violations keep it but flag it.
func (c *Client) admit(rec wire.RawRecord, now time.Time) bool {
	res := c.val.Record(rec, now)
	if !res.Valid {
		atomic.AddUint64(&c.nDropped, 1)
		c.log.Warn().Str("imei", rec.IMEI).Strs("errors", res.Errors).Msg("record rejected")
		return false
	}
	if len(res.Warnings) > 0 {
		atomic.AddUint64(&c.nFlagged, 1)
		c.log.Debug().Str("imei", rec.IMEI).Strs("warnings", res.Warnings).Msg("record flagged")
	}
	return true
}

func (c *Client) handleVehicleEvent(ev wire.VehicleEvent) {
	if ev.VehicleID == "" {
		c.log.Warn().Msg("dropping event without vehicle id")
		return
	}
	snap := c.store.AddAlert(ev.VehicleID, mapper.MapEventAlert(ev, c.now()))
	c.emit(emission{TopicVehicleEvent, VehicleEvent{Event: ev, Snapshot: snap}})
}
