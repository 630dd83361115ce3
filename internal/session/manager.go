package session

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/conn"
	"nuha.dev/gpsrelay/internal/gt06"
	"nuha.dev/gpsrelay/internal/store"
)

type Store interface {
	store.DeviceStore
	store.PositionStore
	store.CommandStore
}

// Publisher forwards tracker events to viewers.
type Publisher interface {
	PublishPosition(ctx context.Context, p store.Position)
	PublishStatus(ctx context.Context, deviceID int64, s gt06.StatusEvent, t time.Time)
}

type Emitter interface {
	Emit(ctx context.Context, topic string, data interface{})
}

type Manager struct {
	// LoginTimeout closes connections that do not log in in time, 0 disables it.
	LoginTimeout time.Duration

	log         log.Logger
	registry    *Registry
	store       Store
	hub         Publisher
	events      Emitter
	cid_counter uint64
	now         func() time.Time
}

func NewManager(registry *Registry, st Store, hub Publisher, events Emitter) *Manager {
	m := &Manager{registry: registry, store: st, hub: hub, events: events}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "session").Value()
	m.now = time.Now
	m.LoginTimeout = 30 * time.Second
	return m
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

// NewSession wraps c. raddr overrides the remote address of tunneled connections.
func (m *Manager) NewSession(c net.Conn, raddr string) *Session {
	cid := atomic.AddUint64(&m.cid_counter, 1)
	s := &Session{m: m, c: conn.NewConn(c, cid, raddr)}
	s.log = m.log
	s.state = int32(AwaitingLogin)
	s.buf = make([]byte, 0, readBufferSize)
	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(s.c).Msg("")
	return s
}

// Serve runs a session for c on the calling goroutine.
func (m *Manager) Serve(ctx context.Context, c net.Conn, raddr string) {
	m.NewSession(c, raddr).Run(ctx)
}

func (m *Manager) emit(ctx context.Context, topic string, data interface{}) {
	if m.events != nil {
		m.events.Emit(ctx, topic, data)
	}
}
