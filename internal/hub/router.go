package hub

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	"nuha.dev/gpsrelay/internal/bus"
)

const (
	ChannelRoom     = "gpsrelay.hub.room"
	ChannelIdentity = "gpsrelay.hub.identity"
	ChannelGlobal   = "gpsrelay.hub.global"
)

// Envelope is the bus representation of one hub broadcast.
type Envelope struct {
	Origin    string `cbor:"1,keyasint"`
	Target    string `cbor:"2,keyasint,omitempty"`
	Excluding string `cbor:"3,keyasint,omitempty"`
	Event     Event  `cbor:"4,keyasint"`
}

// router decides whether a broadcast is applied here or published for every
// instance, this one included, to apply.
type router interface {
	name() string
	toRoom(ctx context.Context, room string, ev Event, excluding string)
	toIdentity(ctx context.Context, identity string, ev Event)
	toAll(ctx context.Context, ev Event)
}

type localRouter struct {
	h *Hub
}

func (r localRouter) name() string { return "local" }

func (r localRouter) toRoom(ctx context.Context, room string, ev Event, excluding string) {
	r.h.applyRoom(room, ev, excluding)
}

func (r localRouter) toIdentity(ctx context.Context, identity string, ev Event) {
	r.h.applyIdentity(identity, ev)
}

func (r localRouter) toAll(ctx context.Context, ev Event) {
	r.h.applyAll(ev)
}

type bridgeRouter struct {
	h   *Hub
	bus bus.Bus
}

func (r bridgeRouter) name() string { return "bridge" }

func (r bridgeRouter) publish(ctx context.Context, channel string, env Envelope) bool {
	env.Origin = r.h.origin
	payload, err := cbor.Marshal(env)
	if err == nil {
		err = r.bus.Publish(ctx, channel, payload)
	}
	if err != nil {
		r.h.stats.publishFailed.Add(1)
		r.h.log.Warn().Err(err).Str("event", "publish_failed").Str("channel", channel).Msg("delivering locally")
		return false
	}
	r.h.stats.published.Add(1)
	return true
}

func (r bridgeRouter) toRoom(ctx context.Context, room string, ev Event, excluding string) {
	if !r.publish(ctx, ChannelRoom, Envelope{Target: room, Excluding: excluding, Event: ev}) {
		r.h.applyRoom(room, ev, excluding)
	}
}

func (r bridgeRouter) toIdentity(ctx context.Context, identity string, ev Event) {
	if !r.publish(ctx, ChannelIdentity, Envelope{Target: identity, Event: ev}) {
		r.h.applyIdentity(identity, ev)
	}
}

func (r bridgeRouter) toAll(ctx context.Context, ev Event) {
	if !r.publish(ctx, ChannelGlobal, Envelope{Event: ev}) {
		r.h.applyAll(ev)
	}
}

// receive is the subscription side of the bridge, applying envelopes locally only.
func (h *Hub) receive(channel string) bus.Handler {
	return func(payload []byte) {
		var env Envelope
		if err := cbor.Unmarshal(payload, &env); err != nil {
			h.log.Warn().Err(err).Str("event", "bad_envelope").Str("channel", channel).Msg("")
			return
		}
		h.stats.received.Add(1)
		switch channel {
		case ChannelRoom:
			h.applyRoom(env.Target, env.Event, env.Excluding)
		case ChannelIdentity:
			h.applyIdentity(env.Target, env.Event)
		case ChannelGlobal:
			h.applyAll(env.Event)
		}
	}
}
