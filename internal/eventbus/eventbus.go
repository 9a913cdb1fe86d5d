// Package eventbus is the typed publish/subscribe primitive decoupling
// the ingestion pipeline from its consumers. It rides mustafaturan/bus
// with monoton event ids; subscription handles are opaque hashid
// strings scoped to this bus instance.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"github.com/speps/go-hashids/v2"
)

// DefaultWarnThreshold is the advisory per-topic listener count above
// which registration logs a warning. Nothing is enforced.
const DefaultWarnThreshold = 10

// Event is one delivered occurrence.
type Event struct {
	ID    string
	Topic string
	Data  interface{}
}

// Listener receives events for the topic it registered on.
type Listener func(Event)

type generator struct {
	next func() string
}

func (g generator) Generate() string { return g.next() }

type registration struct {
	topic string
	once  *sync.Once
}

// Bus wraps the underlying transactional bus with listener-exception
// isolation, once semantics and handle-based deregistration.
type Bus struct {
	mu            sync.Mutex
	log           log.Logger
	inner         *bus.Bus
	hid           *hashids.HashID
	seq           int64
	topics        map[string]bool
	handles       map[string]registration
	counts        map[string]int
	warned        map[string]bool
	WarnThreshold int
}

// New builds a ready bus. The node id only namespaces monoton ids when
// several processes share a stream of events.
func New(node uint64) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, 0)
	if err != nil {
		return nil, fmt.Errorf("init monoton: %w", err)
	}
	inner, err := bus.NewBus(generator{next: m.Next})
	if err != nil {
		return nil, fmt.Errorf("init bus: %w", err)
	}
	hd := hashids.NewData()
	hd.Salt = "karangue221-eventbus"
	hd.MinLength = 8
	hid, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, fmt.Errorf("init hashids: %w", err)
	}
	b := &Bus{
		inner:         inner,
		hid:           hid,
		topics:        make(map[string]bool),
		handles:       make(map[string]registration),
		counts:        make(map[string]int),
		warned:        make(map[string]bool),
		WarnThreshold: DefaultWarnThreshold,
	}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "eventbus").Value()
	return b, nil
}

// On registers a listener and returns its subscription handle.
func (b *Bus) On(topic string, fn Listener) string {
	return b.register(topic, fn, false)
}

// Once registers a listener that runs for at most one event and then
// deregisters itself.
func (b *Bus) Once(topic string, fn Listener) string {
	return b.register(topic, fn, true)
}

func (b *Bus) register(topic string, fn Listener, once bool) string {
	b.mu.Lock()
	b.ensureTopic(topic)
	b.seq++
	handle, err := b.hid.EncodeInt64([]int64{b.seq})
	if err != nil {
		// EncodeInt64 only fails on negative input
		handle = fmt.Sprintf("sub-%d", b.seq)
	}
	reg := registration{topic: topic}
	if once {
		reg.once = &sync.Once{}
	}
	b.handles[handle] = reg
	b.counts[topic]++
	if b.counts[topic] > b.WarnThreshold && !b.warned[topic] {
		b.warned[topic] = true
		b.log.Warn().Str("topic", topic).Int("listeners", b.counts[topic]).
			Msg("listener count above advisory threshold, possible leak")
	}
	b.mu.Unlock()

	b.inner.RegisterHandler(handle, bus.Handler{
		Matcher: "^" + topic + "$",
		Handle: func(_ context.Context, ev bus.Event) {
			run := func() { b.deliver(handle, topic, fn, ev) }
			if reg.once != nil {
				reg.once.Do(func() {
					run()
					go b.Off(handle)
				})
			} else {
				run()
			}
		},
	})
	return handle
}

// deliver isolates listener panics so one bad listener never aborts
// delivery to the rest or escapes Emit.
func (b *Bus) deliver(handle, topic string, fn Listener, ev bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("topic", topic).Str("handle", handle).
				Msgf("listener panic recovered: %v", r)
		}
	}()
	fn(Event{ID: ev.ID, Topic: ev.Topic, Data: ev.Data})
}

// Off deregisters a subscription handle. Unknown handles are ignored.
func (b *Bus) Off(handle string) {
	b.mu.Lock()
	reg, ok := b.handles[handle]
	if ok {
		delete(b.handles, handle)
		b.counts[reg.topic]--
		if b.counts[reg.topic] <= b.WarnThreshold {
			b.warned[reg.topic] = false
		}
	}
	b.mu.Unlock()
	if ok {
		b.inner.DeregisterHandler(handle)
	}
}

// Emit publishes an event to every listener of the topic.
func (b *Bus) Emit(topic string, data interface{}) {
	b.mu.Lock()
	b.ensureTopic(topic)
	b.mu.Unlock()
	if err := b.inner.Emit(context.Background(), topic, data); err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("emit failed")
	}
}

// ListenerCount reports the current registrations for a topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[topic]
}

func (b *Bus) ensureTopic(topic string) {
	if !b.topics[topic] {
		b.topics[topic] = true
		b.inner.RegisterTopics(topic)
	}
}
