// Package transport owns the physical websocket connection to the
// telemetry server: dial, send, close, heartbeat framing and raw frame
// delivery. Everything above it consumes the event channel and never
// touches the socket directly.
package transport

import (
	"context"
	"errors"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/wire"
)

// HandshakeTimeout bounds the websocket dial plus upgrade.
const HandshakeTimeout = 10 * time.Second

const writeTimeout = 5 * time.Second

var ErrAlreadyConnected = errors.New("transport already connected")

type EventKind int

const (
	KindConnected EventKind = iota
	KindDisconnected
	KindError
	KindData
	KindMessage
	KindPong
)

// Event is one occurrence on the connection, delivered in arrival
// order on the transport's event channel.
type Event struct {
	Kind    EventKind
	Code    int    // close code, KindDisconnected only
	Reason  string // close reason, KindDisconnected only
	Clean   bool   // true only for a client-initiated 1000 close
	Err     error
	Data    []byte        // binary frame, KindData only
	Text    []byte        // text frame, KindMessage only
	Latency time.Duration // KindPong only
}

func (e Event) MarshalObject(entry *log.Entry) {
	entry.Int("kind", int(e.Kind))
	if e.Kind == KindDisconnected {
		entry.Int("code", e.Code).Str("reason", e.Reason).Bool("clean", e.Clean)
	}
	if e.Err != nil {
		entry.Str("error", e.Err.Error())
	}
}

// Transport is the connection surface the manager drives. Send never
// panics and is a no-op false when the socket is not open.
type Transport interface {
	Connect(ctx context.Context, url, token string) error
	Send(frame []byte) bool
	Ping() bool
	Close()
	Abort(reason string)
	Events() <-chan Event
}

// WS is the production websocket transport.
type WS struct {
	mu          sync.Mutex
	log         log.Logger
	conn        *websocket.Conn
	events      chan Event
	lastPing    time.Time
	localClose  bool
	abortReason string
}

var _ Transport = (*WS)(nil)

func NewWS() *WS {
	t := &WS{}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "ws-transport").Value()
	t.events = make(chan Event, 64)
	return t
}

// Connect dials the server, carrying the opaque auth token as a query
// parameter. It returns once the handshake completes or fails; the
// token contents are never inspected here.
func (t *WS) Connect(ctx context.Context, url, token string) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.localClose = false
	t.abortReason = ""
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	target := url
	if token != "" {
		sep := "?"
		if strings.ContainsRune(url, '?') {
			sep = "&"
		}
		target = url + sep + "token=" + neturl.QueryEscape(token)
	}
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.emit(Event{Kind: KindConnected})
	go t.readLoop(conn)
	return nil
}

func (t *WS) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			t.finish(conn, err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if wire.IsPong(data) {
				t.mu.Lock()
				lat := time.Duration(0)
				if !t.lastPing.IsZero() {
					lat = time.Since(t.lastPing)
				}
				t.mu.Unlock()
				t.emit(Event{Kind: KindPong, Latency: lat})
			} else {
				t.emit(Event{Kind: KindData, Data: data})
			}
		case websocket.MessageText:
			t.emit(Event{Kind: KindMessage, Text: data})
		}
	}
}

// finish translates the terminal read error into exactly one
// disconnected event for the session.
func (t *WS) finish(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		// already replaced, stale loop
		t.mu.Unlock()
		return
	}
	t.conn = nil
	local := t.localClose
	abortReason := t.abortReason
	t.mu.Unlock()

	ev := Event{Kind: KindDisconnected}
	switch {
	case local:
		ev.Code = int(websocket.StatusNormalClosure)
		ev.Reason = "client disconnect"
		ev.Clean = true
	case abortReason != "":
		ev.Code = int(websocket.StatusGoingAway)
		ev.Reason = abortReason
	default:
		code := websocket.CloseStatus(err)
		if code == -1 {
			code = websocket.StatusAbnormalClosure
		}
		ev.Code = int(code)
		ev.Reason = err.Error()
		ev.Clean = code == websocket.StatusNormalClosure
	}
	t.log.Debug().EmbedObject(ev).Msg("session finished")
	t.emit(ev)
}

// Send writes one text frame. False when not open or on write error;
// write errors additionally surface as error events and the read loop
// reports the resulting close.
func (t *WS) Send(frame []byte) bool {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.emit(Event{Kind: KindError, Err: err})
		return false
	}
	return true
}

// Ping sends the heartbeat control message and records the send time
// used to compute pong latency.
func (t *WS) Ping() bool {
	t.mu.Lock()
	t.lastPing = time.Now()
	t.mu.Unlock()
	return t.Send(wire.EncodePing(time.Now().UnixMilli()))
}

// Close performs the explicit client-initiated disconnect (1000).
// The read loop reports it as a clean close, which must not trigger
// reconnection.
func (t *WS) Close() {
	t.mu.Lock()
	conn := t.conn
	t.localClose = conn != nil
	t.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// Abort tears the session down with a non-1000 code so the close is
// treated as unclean and drives the reconnect path. Used by the
// missed-pong policy.
func (t *WS) Abort(reason string) {
	t.mu.Lock()
	conn := t.conn
	if conn != nil {
		t.abortReason = reason
	}
	t.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Close(websocket.StatusGoingAway, reason)
}

func (t *WS) Events() <-chan Event {
	return t.events
}

// emit delivers one event. Lifecycle events block until the consumer
// takes them; losing a disconnect would leave the session manager
// believing the socket is still open. Data-plane frames are droppable
// under backpressure.
func (t *WS) emit(ev Event) {
	switch ev.Kind {
	case KindConnected, KindDisconnected:
		t.events <- ev
	default:
		select {
		case t.events <- ev:
		default:
			t.log.Warn().EmbedObject(ev).Msg("event channel full, dropping frame")
		}
	}
}
