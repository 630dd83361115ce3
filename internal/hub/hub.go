// Package hub fans tracker events out to connected viewers, grouped in rooms
// and by authenticated identity, optionally across instances through a bus.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/bus"
	"nuha.dev/gpsrelay/internal/gt06"
	"nuha.dev/gpsrelay/internal/ref"
	"nuha.dev/gpsrelay/internal/store"
)

// Viewer is one realtime connection. Send must not block: a viewer that cannot
// keep up drops the event and stays registered. Send returns false only once the
// connection is closed, and the hub then drops it.
type Viewer interface {
	ID() string
	Identity() string
	Send(ev Event) bool
}

type member struct {
	v     Viewer
	rooms map[string]bool
}

type counters struct {
	published     atomic.Uint64
	publishFailed atomic.Uint64
	received      atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
}

type Hub struct {
	mu         sync.RWMutex
	members    map[string]*member
	rooms      map[string]map[string]Viewer
	identities map[string]map[string]Viewer

	rmu    sync.RWMutex
	router router
	bus    bus.Bus
	subs   []bus.Subscription

	refs   *ref.Encoder
	origin string
	log    log.Logger
	stats  counters
}

// New creates a hub. With an enabled bus every broadcast goes through it,
// otherwise broadcasts are applied directly. origin names this instance in
// bus envelopes.
func New(b bus.Bus, refs *ref.Encoder, origin string) *Hub {
	h := &Hub{}
	h.members = make(map[string]*member)
	h.rooms = make(map[string]map[string]Viewer)
	h.identities = make(map[string]map[string]Viewer)
	h.refs = refs
	h.origin = origin
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "hub").Str("origin", origin).Value()
	if b == nil {
		b = bus.Disabled
	}
	h.bus = b
	if b.Enabled() {
		h.router = bridgeRouter{h: h, bus: b}
	} else {
		h.router = localRouter{h: h}
	}
	return h
}

// Start subscribes the bridge channels. When that fails the hub keeps working
// for local viewers only.
func (h *Hub) Start(ctx context.Context) {
	h.rmu.Lock()
	defer h.rmu.Unlock()
	if _, ok := h.router.(bridgeRouter); !ok {
		return
	}
	for _, ch := range []string{ChannelRoom, ChannelIdentity, ChannelGlobal} {
		sub, err := h.bus.Subscribe(ctx, ch, h.receive(ch))
		if err != nil {
			h.log.Error().Err(err).Str("event", "subscribe_failed").Str("channel", ch).Msg("falling back to local delivery")
			for _, s := range h.subs {
				s.Unsubscribe()
			}
			h.subs = nil
			h.router = localRouter{h: h}
			return
		}
		h.subs = append(h.subs, sub)
	}
	h.log.Info().Str("event", "bridge_started").Msg("")
}

func (h *Hub) Stop() {
	h.rmu.Lock()
	defer h.rmu.Unlock()
	for _, s := range h.subs {
		s.Unsubscribe()
	}
	h.subs = nil
}

func (h *Hub) route() router {
	h.rmu.RLock()
	defer h.rmu.RUnlock()
	return h.router
}

func (h *Hub) Register(v Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[v.ID()]; ok {
		return
	}
	h.members[v.ID()] = &member{v: v, rooms: make(map[string]bool)}
	if id := v.Identity(); id != "" {
		set, ok := h.identities[id]
		if !ok {
			set = make(map[string]Viewer)
			h.identities[id] = set
		}
		set[v.ID()] = v
	}
	h.log.Debug().Str("event", "viewer_registered").Str("viewer", v.ID()).Str("identity", v.Identity()).Msg("")
}

// Deregister removes v from every room and from the identity map. Unknown
// viewers are ignored.
func (h *Hub) Deregister(v Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deregister(v.ID())
}

func (h *Hub) deregister(vid string) {
	m, ok := h.members[vid]
	if !ok {
		return
	}
	for room := range m.rooms {
		h.leave(vid, room)
	}
	if id := m.v.Identity(); id != "" {
		if set, ok := h.identities[id]; ok {
			delete(set, vid)
			if len(set) == 0 {
				delete(h.identities, id)
			}
		}
	}
	delete(h.members, vid)
	h.log.Debug().Str("event", "viewer_deregistered").Str("viewer", vid).Msg("")
}

// JoinRoom adds a registered viewer to room, creating the room when needed.
func (h *Hub) JoinRoom(v Viewer, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[v.ID()]
	if !ok {
		return false
	}
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[string]Viewer)
		h.rooms[room] = set
	}
	set[v.ID()] = v
	m.rooms[room] = true
	return true
}

func (h *Hub) LeaveRoom(v Viewer, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[v.ID()]; ok {
		delete(m.rooms, room)
	}
	h.leave(v.ID(), room)
}

func (h *Hub) leave(vid, room string) {
	set, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(set, vid)
	if len(set) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) BroadcastToRoom(ctx context.Context, room string, ev Event, excluding string) {
	ev.Room = room
	h.route().toRoom(ctx, room, ev, excluding)
}

// SendToIdentity reaches every live connection authenticated as identity.
func (h *Hub) SendToIdentity(ctx context.Context, identity string, ev Event) {
	h.route().toIdentity(ctx, identity, ev)
}

func (h *Hub) BroadcastGlobal(ctx context.Context, ev Event) {
	h.route().toAll(ctx, ev)
}

// RequestLiveLocation asks the clients of identities, requester excluded, to
// submit a fresh position. It returns immediately.
func (h *Hub) RequestLiveLocation(identities []string, requester string) {
	ev, err := NewEvent(EventRequestLocation, requestLocationData{Requester: requester})
	if err != nil {
		return
	}
	targets := make([]string, 0, len(identities))
	for _, id := range identities {
		if id != requester && id != "" {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, id := range targets {
			h.SendToIdentity(ctx, id, ev)
		}
	}()
}

// PublishPosition sends a stored position to the room of its device.
func (h *Hub) PublishPosition(ctx context.Context, p store.Position) {
	dref := h.refs.Encode(p.DeviceID)
	ev, err := NewEvent(EventPosition, positionData{Device: dref, Position: p})
	if err != nil {
		h.log.Error().Err(err).Str("event", "encode_failed").Msg("")
		return
	}
	h.BroadcastToRoom(ctx, DeviceRoom(dref), ev, "")
}

func (h *Hub) PublishStatus(ctx context.Context, deviceID int64, s gt06.StatusEvent, t time.Time) {
	dref := h.refs.Encode(deviceID)
	ev, err := NewEvent(EventStatus, statusData{Device: dref, Battery: s.Battery, Charging: s.Charging, Signal: s.Signal, Time: t})
	if err != nil {
		h.log.Error().Err(err).Str("event", "encode_failed").Msg("")
		return
	}
	h.BroadcastToRoom(ctx, DeviceRoom(dref), ev, "")
}

// DeviceRoomOf returns the room position and status events of a device go to.
func (h *Hub) DeviceRoomOf(deviceID int64) string {
	return DeviceRoom(h.refs.Encode(deviceID))
}

func (h *Hub) applyRoom(room string, ev Event, excluding string) {
	h.mu.RLock()
	targets := make([]Viewer, 0, len(h.rooms[room]))
	for vid, v := range h.rooms[room] {
		if vid != excluding {
			targets = append(targets, v)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, ev)
}

func (h *Hub) applyIdentity(identity string, ev Event) {
	h.mu.RLock()
	targets := make([]Viewer, 0, len(h.identities[identity]))
	for _, v := range h.identities[identity] {
		targets = append(targets, v)
	}
	h.mu.RUnlock()
	h.deliver(targets, ev)
}

func (h *Hub) applyAll(ev Event) {
	h.mu.RLock()
	targets := make([]Viewer, 0, len(h.members))
	for _, m := range h.members {
		targets = append(targets, m.v)
	}
	h.mu.RUnlock()
	h.deliver(targets, ev)
}

func (h *Hub) deliver(targets []Viewer, ev Event) {
	var gone []string
	for _, v := range targets {
		if v.Send(ev) {
			h.stats.delivered.Add(1)
		} else {
			h.stats.dropped.Add(1)
			gone = append(gone, v.ID())
		}
	}
	if len(gone) == 0 {
		return
	}
	h.mu.Lock()
	for _, vid := range gone {
		h.deregister(vid)
	}
	h.mu.Unlock()
}

type Stats struct {
	Router        string `json:"router"`
	Viewers       int    `json:"viewers"`
	Identities    int    `json:"identities"`
	Rooms         int    `json:"rooms"`
	Published     uint64 `json:"published"`
	PublishFailed uint64 `json:"publish_failed"`
	Received      uint64 `json:"received"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	s := Stats{Router: h.route().name()}
	h.mu.RLock()
	s.Viewers = len(h.members)
	s.Identities = len(h.identities)
	s.Rooms = len(h.rooms)
	h.mu.RUnlock()
	s.Published = h.stats.published.Load()
	s.PublishFailed = h.stats.publishFailed.Load()
	s.Received = h.stats.received.Load()
	s.Delivered = h.stats.delivered.Load()
	s.Dropped = h.stats.dropped.Load()
	return s
}

func (h *Hub) InRoom(v Viewer, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][v.ID()]
	return ok
}
