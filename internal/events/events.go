// Package events carries in-process notifications between the tracker sessions
// and the components reacting to them.
package events

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/gt06"
	"nuha.dev/gpsrelay/internal/store"
)

const (
	TopicPositionStored     = "position.stored"
	TopicDeviceConnected    = "device.connected"
	TopicDeviceStateChanged = "device.state_changed"
)

// 2021-01-01 UTC in milliseconds
const epoch = uint64(1609459200000)

type PositionStored struct {
	Position store.Position
}

type DeviceConnected struct {
	DeviceID int64
	Identity gt06.Identity
}

// DeviceStateChanged is emitted when the lock or assignment state of a device
// changed outside of the tracker connection.
type DeviceStateChanged struct {
	DeviceID int64
	Reason   string
}

type Bus struct {
	b       *bus.Bus
	log     log.Logger
	handler uint64
}

// New creates the bus. node distinguishes event ids of several server instances.
func New(node uint64) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, epoch)
	if err != nil {
		return nil, fmt.Errorf("events: id generator: %w", err)
	}
	var idGenerator bus.Next = m.Next
	b, err := bus.NewBus(idGenerator)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	b.RegisterTopics(TopicPositionStored, TopicDeviceConnected, TopicDeviceStateChanged)
	e := &Bus{b: b}
	e.log = log.DefaultLogger
	e.log.Context = log.NewContext(nil).Str("module", "events").Value()
	return e, nil
}

// Emit delivers data to the handlers of topic. Failures are logged only.
func (e *Bus) Emit(ctx context.Context, topic string, data interface{}) {
	if e == nil {
		return
	}
	if err := e.b.Emit(ctx, topic, data); err != nil {
		e.log.Error().Err(err).Str("event", "emit_failed").Str("topic", topic).Msg("")
	}
}

// On registers fn for topic and returns a function removing it. fn runs in its
// own goroutine so slow handlers never hold up the emitter.
func (e *Bus) On(topic string, fn func(ev bus.Event)) (off func()) {
	key := fmt.Sprintf("%s#%d", topic, atomic.AddUint64(&e.handler, 1))
	e.b.RegisterHandler(key, bus.Handler{
		Handle: func(ctx context.Context, ev bus.Event) {
			go fn(ev)
		},
		Matcher: "^" + regexp.QuoteMeta(topic) + "$",
	})
	return func() { e.b.DeregisterHandler(key) }
}
