// Package memstore keeps devices and positions in memory, for tests and mock runs.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/gt06"
	"nuha.dev/gpsrelay/internal/store"
)

type device struct {
	store.Device
	policy      store.IntervalPolicy
	locked      bool
	assignments int
	status      gt06.StatusEvent
}

type MemStore struct {
	mu           sync.Mutex
	log          log.Logger
	next_id      int64
	next_pos     int64
	active       int
	idle         int
	devices      map[int64]*device
	byIdentity   map[gt06.Identity]int64
	positions    []store.Position
	viewerTokens map[string]string
	commands     []Command
}

type Command struct {
	DeviceID int64
	Serial   uint16
	Text     string
	Sent     time.Time
}

// New creates a store whose new devices get the given active and idle intervals.
func New(active, idle int) *MemStore {
	m := &MemStore{active: active, idle: idle}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "memstore").Value()
	m.devices = make(map[int64]*device)
	m.byIdentity = make(map[gt06.Identity]int64)
	m.viewerTokens = make(map[string]string)
	return m
}

func (m *MemStore) FindOrCreateDevice(ctx context.Context, id gt06.Identity) (store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if did, ok := m.byIdentity[id]; ok {
		return m.devices[did].Device, nil
	}
	m.next_id++
	d := &device{Device: store.Device{ID: m.next_id, Identity: id}}
	d.policy = store.IntervalPolicy{DeviceID: d.ID, Identity: id, Active: m.active, Idle: m.idle}
	m.devices[d.ID] = d
	m.byIdentity[id] = d.ID
	m.log.Debug().Str("event", "device_created").EmbedObject(&d.Device).Msg("")
	return d.Device, nil
}

func (m *MemStore) SaveStatus(ctx context.Context, deviceID int64, st gt06.StatusEvent, srvt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	d.status = st
	return nil
}

func (m *MemStore) SavePosition(ctx context.Context, deviceID int64, ev gt06.LocationEvent, srvt time.Time) (store.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		return store.Position{}, store.ErrNotFound
	}
	m.next_pos++
	p := store.Position{
		ID:         m.next_pos,
		DeviceID:   deviceID,
		Identity:   ev.Identity,
		Latitude:   ev.Latitude,
		Longitude:  ev.Longitude,
		Speed:      ev.Speed,
		Heading:    ev.Heading,
		GpsTime:    ev.Timestamp,
		ServerTime: srvt,
	}
	m.positions = append(m.positions, p)
	return p, nil
}

func (m *MemStore) GetDeviceIntervalPolicy(ctx context.Context, deviceID int64) (store.IntervalPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return store.IntervalPolicy{}, store.ErrNotFound
	}
	return d.policy, nil
}

func (m *MemStore) update(deviceID int64, f func(d *device)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	f(d)
	return nil
}

func (m *MemStore) SetConfirmedInterval(ctx context.Context, deviceID int64, seconds int) error {
	return m.update(deviceID, func(d *device) {
		d.policy.Confirmed = seconds
		d.policy.Pending = 0
	})
}

func (m *MemStore) SetPendingInterval(ctx context.Context, deviceID int64, seconds int) error {
	return m.update(deviceID, func(d *device) { d.policy.Pending = seconds })
}

func (m *MemStore) MarkConfigured(ctx context.Context, deviceID int64) error {
	return m.update(deviceID, func(d *device) { d.policy.Configured = true })
}

func (m *MemStore) CountInProgressRealtimeAssignments(ctx context.Context, deviceID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return d.assignments, nil
}

func (m *MemStore) IsDeviceLocked(ctx context.Context, deviceID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return false, store.ErrNotFound
	}
	return d.locked, nil
}

func (m *MemStore) ViewerIdentity(ctx context.Context, tokenHash []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.viewerTokens[string(tokenHash)]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

func (m *MemStore) RecordCommand(ctx context.Context, deviceID int64, serial uint16, cmd string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		return store.ErrNotFound
	}
	m.commands = append(m.commands, Command{DeviceID: deviceID, Serial: serial, Text: cmd, Sent: t})
	return nil
}

// Commands returns the command texts sent to a device, oldest first.
func (m *MemStore) Commands(deviceID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]string, 0)
	for _, c := range m.commands {
		if c.DeviceID == deviceID {
			res = append(res, c.Text)
		}
	}
	return res
}

// SetLocked and SetAssignments stand in for the application that owns lock and
// assignment state.
func (m *MemStore) SetLocked(deviceID int64, locked bool) error {
	return m.update(deviceID, func(d *device) { d.locked = locked })
}

func (m *MemStore) SetAssignments(deviceID int64, n int) error {
	return m.update(deviceID, func(d *device) { d.assignments = n })
}

func (m *MemStore) AddViewerToken(tokenHash []byte, identity string) {
	m.mu.Lock()
	m.viewerTokens[string(tokenHash)] = identity
	m.mu.Unlock()
}

func (m *MemStore) Positions(deviceID int64) []store.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]store.Position, 0)
	for _, p := range m.positions {
		if p.DeviceID == deviceID {
			res = append(res, p)
		}
	}
	return res
}

func (m *MemStore) Status(deviceID int64) (gt06.StatusEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return gt06.StatusEvent{}, false
	}
	return d.status, true
}
