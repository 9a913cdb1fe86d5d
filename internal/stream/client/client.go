// Package client implements the connection manager: transport
// lifecycle, reconnection policy, subscription bookkeeping and the
// in-memory telemetry store update path.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/eventbus"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/mapper"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/state"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/transport"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/validate"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/wire"
)

// SubType is the closed set of subscription kinds.
type SubType string

const (
	SubLocation  SubType = "location"
	SubTelemetry SubType = "telemetry"
	SubEvents    SubType = "events"
	SubAll       SubType = "all"
)

func (s SubType) Valid() bool {
	switch s {
	case SubLocation, SubTelemetry, SubEvents, SubAll:
		return true
	}
	return false
}

// ConnState is the connection life cycle state. Transitions are
// strictly sequential; disconnected never jumps straight to connected.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Bus topics emitted by the client.
const (
	TopicStateChange     = "state_change"
	TopicConnected       = "connected"
	TopicDisconnected    = "disconnected"
	TopicReconnecting    = "reconnecting"
	TopicReconnectFailed = "reconnect_failed"
	TopicError           = "error"
	TopicAuthSuccess     = "auth_success"
	TopicAuthError       = "auth_error"
	TopicLocation        = "location_update"
	TopicTelemetry       = "telemetry_update"
	TopicVehicleEvent    = "vehicle_event"
	TopicPong            = "pong"
	TopicRawData         = "raw_data"
)

// Error kinds carried by error events.
const (
	ErrKindHandshake = "handshake"
	ErrKindAuth      = "auth"
	ErrKindTransport = "transport"
	ErrKindProtocol  = "protocol"
	ErrKindServer    = "server"
)

// Event payloads.
type StateChange struct {
	From    ConnState
	To      ConnState
	Attempt int
}

type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}

type ErrorInfo struct {
	Kind    string
	Message string
}

type Disconnect struct {
	Code   int
	Reason string
	Clean  bool
}

type LocationEvent struct {
	IMEI     string
	Fragment mapper.LocationFragment
	Snapshot state.VehicleTelemetry
}

type TelemetryEvent struct {
	IMEI     string
	Snapshot state.VehicleTelemetry
}

type VehicleEvent struct {
	Event    wire.VehicleEvent
	Snapshot state.VehicleTelemetry
}

type PongInfo struct {
	Latency time.Duration
}

// Config tunes one client instance.
type Config struct {
	URL                  string
	Token                string
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectGrowth      float64
	MaxReconnectAttempts int
	Thresholds           mapper.Thresholds
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectGrowth < 1 {
		c.ReconnectGrowth = 2
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Thresholds == (mapper.Thresholds{}) {
		c.Thresholds = mapper.DefaultThresholds()
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	State           string        `json:"state"`
	Attempt         int           `json:"reconnectAttempt"`
	LastError       string        `json:"lastError,omitempty"`
	Messages        uint64        `json:"messages"`
	RecordsDropped  uint64        `json:"recordsDropped"`
	RecordsFlagged  uint64        `json:"recordsFlagged"`
	Reconnects      uint64        `json:"reconnects"`
	Pongs           uint64        `json:"pongs"`
	LastPongLatency time.Duration `json:"lastPongLatency"`
}

type emission struct {
	topic string
	data  interface{}
}

// Client owns the connection state machine. All state mutation happens
// under one mutex; bus emission always happens after the lock is
// released so listeners can call back in.
type Client struct {
	mu    sync.Mutex
	log   log.Logger
	cfg   Config
	tr    transport.Transport
	bus   *eventbus.Bus
	store *state.Store
	val   *validate.Validator
	sched Scheduler
	now   func() time.Time

	stateVal      ConnState
	attempt       int
	lastErr       string
	manual        bool
	failedEmitted bool
	sessionID     string
	subs          map[SubType]map[string]struct{}

	reconnectTimer Timer
	heartbeatTimer Timer
	lastPong       time.Time

	done      chan struct{}
	closeOnce sync.Once

	nMessages uint64
	nDropped  uint64
	nFlagged  uint64
	nRecon    uint64
	nPongs    uint64
	pongLatNs int64
}

// Option mutates construction-time wiring.
type Option func(*Client)

// WithScheduler substitutes the timer source, for deterministic tests.
func WithScheduler(s Scheduler) Option {
	return func(c *Client) { c.sched = s }
}

// WithClock substitutes the wall clock used in staleness decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(cfg Config, tr transport.Transport, bus *eventbus.Bus, store *state.Store, val *validate.Validator, opts ...Option) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:   cfg,
		tr:    tr,
		bus:   bus,
		store: store,
		val:   val,
		sched: WallScheduler{},
		now:   time.Now,
		subs:  make(map[SubType]map[string]struct{}),
		done:  make(chan struct{}),
	}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "stream-client").Value()
	for _, o := range opts {
		o(c)
	}
	go c.pump()
	return c
}

func (c *Client) MarshalObject(e *log.Entry) {
	c.mu.Lock()
	e.Str("state", c.stateVal.String()).Int("attempt", c.attempt).Str("session", c.sessionID)
	c.mu.Unlock()
}

// pump serializes all transport events into the state machine. It
// exits on Close; the second done check keeps an event that raced the
// shutdown from being processed after Close returned.
func (c *Client) pump() {
	for {
		var ev transport.Event
		var ok bool
		select {
		case <-c.done:
			return
		case ev, ok = <-c.tr.Events():
			if !ok {
				return
			}
		}
		select {
		case <-c.done:
			return
		default:
		}
		switch ev.Kind {
		case transport.KindConnected:
			c.onConnected()
		case transport.KindDisconnected:
			c.onDisconnected(ev)
		case transport.KindError:
			c.emit(emission{TopicError, ErrorInfo{Kind: ErrKindTransport, Message: errText(ev.Err)}})
		case transport.KindMessage:
			atomic.AddUint64(&c.nMessages, 1)
			c.dispatch(ev.Text)
		case transport.KindData:
			// binary payloads other than the pong sentinel are passed
			// through untouched
			c.emit(emission{TopicRawData, ev.Data})
		case transport.KindPong:
			atomic.AddUint64(&c.nPongs, 1)
			atomic.StoreInt64(&c.pongLatNs, int64(ev.Latency))
			c.mu.Lock()
			c.lastPong = c.now()
			c.mu.Unlock()
			c.emit(emission{TopicPong, PongInfo{Latency: ev.Latency}})
		}
	}
}

// Connect starts the state machine. It is idempotent against
// concurrent invocation: a no-op while already connecting, connected
// or waiting on a scheduled reconnect.
func (c *Client) Connect() bool {
	c.mu.Lock()
	switch c.stateVal {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return false
	}
	c.manual = false
	c.failedEmitted = false
	c.attempt = 0
	c.lastErr = ""
	pending := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emit(pending...)
	go c.dial()
	return true
}

// Disconnect is the single cancellation point: it clears every pending
// timer, marks the machine so an already-scheduled reconnect becomes a
// no-op and closes the transport with the explicit 1000 code.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.stopTimersLocked()
	var pending []emission
	if c.stateVal != StateConnected && c.stateVal != StateDisconnected {
		// no open socket to report the close for us
		pending = c.setStateLocked(StateDisconnected)
		pending = append(pending, emission{TopicDisconnected, Disconnect{Code: 1000, Reason: "client disconnect", Clean: true}})
	}
	c.mu.Unlock()
	c.tr.Close()
	c.emit(pending...)
}

// Close disconnects and stops the event pump. The client cannot be
// reused afterwards; Connect on a closed client dials but nothing
// consumes the transport events.
func (c *Client) Close() {
	c.Disconnect()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) dial() {
	c.mu.Lock()
	if c.manual || c.stateVal != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.sessionID = uuid.NewString()
	url, token := c.cfg.URL, c.cfg.Token
	c.mu.Unlock()

	err := c.tr.Connect(context.Background(), url, token)
	if err == nil {
		// the transport reports the open on its event channel
		return
	}
	c.log.Warn().Err(err).Str("url", url).Msg("handshake failed")
	c.mu.Lock()
	c.lastErr = err.Error()
	pending := []emission{{TopicError, ErrorInfo{Kind: ErrKindHandshake, Message: err.Error()}}}
	pending = append(pending, c.scheduleReconnectLocked()...)
	c.mu.Unlock()
	c.emit(pending...)
}

func (c *Client) onConnected() {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		c.tr.Close()
		return
	}
	pending := c.setStateLocked(StateConnected)
	c.attempt = 0
	c.failedEmitted = false
	c.lastErr = ""
	c.lastPong = c.now()
	frames := c.replayFramesLocked()
	c.startHeartbeatLocked()
	c.mu.Unlock()

	// full resubscription happens before the initial-data request so
	// the snapshot cannot miss an active subscription
	for _, f := range frames {
		c.tr.Send(f)
	}
	c.tr.Send(wire.EncodeInitialData())
	pending = append(pending, emission{TopicConnected, nil})
	c.emit(pending...)
}

func (c *Client) onDisconnected(ev transport.Event) {
	c.mu.Lock()
	c.stopHeartbeatLocked()
	pending := []emission{{TopicDisconnected, Disconnect{Code: ev.Code, Reason: ev.Reason, Clean: ev.Clean}}}
	if ev.Clean || c.manual {
		if c.stateVal != StateDisconnected {
			pending = append(pending, c.setStateLocked(StateDisconnected)...)
		}
	} else {
		pending = append(pending, c.scheduleReconnectLocked()...)
	}
	c.mu.Unlock()
	c.emit(pending...)
}

// scheduleReconnectLocked applies the backoff policy after an unclean
// close or failed handshake.
func (c *Client) scheduleReconnectLocked() []emission {
	if c.manual {
		return c.setStateLocked(StateDisconnected)
	}
	if c.attempt >= c.cfg.MaxReconnectAttempts {
		pending := c.setStateLocked(StateFailed)
		if !c.failedEmitted {
			c.failedEmitted = true
			pending = append(pending, emission{TopicReconnectFailed, ReconnectInfo{Attempt: c.attempt}})
			c.log.Error().Int("attempts", c.attempt).Msg("giving up on automatic reconnection")
		}
		return pending
	}
	c.attempt++
	atomic.AddUint64(&c.nRecon, 1)
	delay := c.delayFor(c.attempt)
	pending := c.setStateLocked(StateReconnecting)
	pending = append(pending, emission{TopicReconnecting, ReconnectInfo{Attempt: c.attempt, Delay: delay}})
	c.log.Info().Int("attempt", c.attempt).Dur("delay", delay).Msg("scheduling reconnect")
	c.reconnectTimer = c.sched.AfterFunc(delay, c.reconnectFire)
	return pending
}

// delayFor is min(cap, base * growth^(attempt-1)), computed through
// the backoff policy with randomization disabled.
func (c *Client) delayFor(attempt int) time.Duration {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.ReconnectBase,
		RandomizationFactor: 0,
		Multiplier:          c.cfg.ReconnectGrowth,
		MaxInterval:         c.cfg.ReconnectMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}

func (c *Client) reconnectFire() {
	c.mu.Lock()
	if c.manual || c.stateVal != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	pending := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emit(pending...)
	c.dial()
}

// Subscribe records the subscription and pushes it to the server when
// connected. An empty id list subscribes to every device. Repeat calls
// are idempotent set mutations.
func (c *Client) Subscribe(t SubType, ids ...string) bool {
	if !t.Valid() {
		c.log.Warn().Str("type", string(t)).Msg("rejecting unknown subscription type")
		return false
	}
	c.mu.Lock()
	set, ok := c.subs[t]
	if !ok {
		set = make(map[string]struct{})
		c.subs[t] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	connected := c.stateVal == StateConnected
	frame := wire.EncodeSubscribe(string(t), keysOf(set))
	c.mu.Unlock()
	if connected {
		c.tr.Send(frame)
	}
	return true
}

// Unsubscribe narrows or removes a subscription. An empty id list
// drops the whole subscription type.
func (c *Client) Unsubscribe(t SubType, ids ...string) bool {
	if !t.Valid() {
		return false
	}
	c.mu.Lock()
	set, ok := c.subs[t]
	if !ok {
		c.mu.Unlock()
		return true
	}
	if len(ids) == 0 {
		delete(c.subs, t)
	} else {
		for _, id := range ids {
			delete(set, id)
		}
		if len(set) == 0 {
			// an empty remaining set would mean "all devices"
			delete(c.subs, t)
		}
	}
	connected := c.stateVal == StateConnected
	frame := wire.EncodeUnsubscribe(string(t), ids)
	c.mu.Unlock()
	if connected {
		c.tr.Send(frame)
	}
	return true
}

// Subscriptions returns the active set, ids sorted.
func (c *Client) Subscriptions() map[SubType][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[SubType][]string, len(c.subs))
	for t, set := range c.subs {
		out[t] = keysOf(set)
	}
	return out
}

func (c *Client) replayFramesLocked() [][]byte {
	types := make([]string, 0, len(c.subs))
	for t := range c.subs {
		types = append(types, string(t))
	}
	sortStrings(types)
	frames := make([][]byte, 0, len(types))
	for _, t := range types {
		frames = append(frames, wire.EncodeSubscribe(t, keysOf(c.subs[SubType(t)])))
	}
	return frames
}

func (c *Client) startHeartbeatLocked() {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	c.heartbeatTimer = c.sched.AfterFunc(c.cfg.HeartbeatInterval, c.heartbeatFire)
}

func (c *Client) heartbeatFire() {
	c.mu.Lock()
	if c.manual || c.stateVal != StateConnected {
		c.mu.Unlock()
		return
	}
	// missed-pong policy: no pong within two heartbeat intervals tears
	// the session down through the normal unclean-close reconnect path
	if !c.lastPong.IsZero() && c.now().Sub(c.lastPong) > 2*c.cfg.HeartbeatInterval {
		c.mu.Unlock()
		c.log.Warn().Msg("no pong within two heartbeat intervals, aborting session")
		c.tr.Abort("pong timeout")
		return
	}
	c.heartbeatTimer = c.sched.AfterFunc(c.cfg.HeartbeatInterval, c.heartbeatFire)
	c.mu.Unlock()
	c.tr.Ping()
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
}

func (c *Client) stopTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
}

// VehicleTelemetry returns the canonical snapshot for one device.
func (c *Client) VehicleTelemetry(imei string) (state.VehicleTelemetry, bool) {
	return c.store.Get(imei)
}

// AllVehiclesTelemetry returns every tracked snapshot.
func (c *Client) AllVehiclesTelemetry() []state.VehicleTelemetry {
	return c.store.All()
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateVal
}

// ReconnectAttempt reports the current attempt counter.
func (c *Client) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Stats snapshots the ingestion counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		State:     c.stateVal.String(),
		Attempt:   c.attempt,
		LastError: c.lastErr,
	}
	c.mu.Unlock()
	st.Messages = atomic.LoadUint64(&c.nMessages)
	st.RecordsDropped = atomic.LoadUint64(&c.nDropped)
	st.RecordsFlagged = atomic.LoadUint64(&c.nFlagged)
	st.Reconnects = atomic.LoadUint64(&c.nRecon)
	st.Pongs = atomic.LoadUint64(&c.nPongs)
	st.LastPongLatency = time.Duration(atomic.LoadInt64(&c.pongLatNs))
	return st
}

func (c *Client) setStateLocked(to ConnState) []emission {
	from := c.stateVal
	if from == to {
		return nil
	}
	c.stateVal = to
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state change")
	return []emission{{TopicStateChange, StateChange{From: from, To: to, Attempt: c.attempt}}}
}

func (c *Client) emit(pending ...emission) {
	for _, e := range pending {
		c.bus.Emit(e.topic, e.data)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
