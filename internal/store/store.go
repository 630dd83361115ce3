package store

import (
	"context"
	"errors"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/gt06"
)

var ErrNotFound = errors.New("store: not found")

type Device struct {
	ID       int64
	Identity gt06.Identity
	Name     string
}

func (d *Device) MarshalObject(e *log.Entry) {
	e.Int64("device_id", d.ID).Str("imei", string(d.Identity))
}

// Position is a stored location report.
type Position struct {
	ID         int64         `json:"id"`
	DeviceID   int64         `json:"-"`
	Identity   gt06.Identity `json:"-"`
	Latitude   float64       `json:"latitude"`
	Longitude  float64       `json:"longitude"`
	Speed      int           `json:"speed"`
	Heading    int           `json:"heading"`
	GpsTime    time.Time     `json:"gps_time"`
	ServerTime time.Time     `json:"server_time"`
}

// IntervalPolicy holds the reporting interval bounds of a device, in seconds.
// Confirmed is the interval the tracker acknowledged receiving, Pending the one
// waiting for the next connection.
type IntervalPolicy struct {
	DeviceID   int64
	Identity   gt06.Identity
	Active     int
	Idle       int
	Confirmed  int
	Pending    int
	Configured bool
}

// Target returns the interval the device should report at.
func (p IntervalPolicy) Target(locked bool, assignments int) int {
	t := p.Idle
	if locked || assignments > 0 {
		t = p.Active
	}
	if t < gt06.MinInterval {
		t = gt06.MinInterval
	}
	return t
}

type DeviceStore interface {
	FindOrCreateDevice(ctx context.Context, id gt06.Identity) (Device, error)
	SaveStatus(ctx context.Context, deviceID int64, st gt06.StatusEvent, srvt time.Time) error
}

type PositionStore interface {
	SavePosition(ctx context.Context, deviceID int64, ev gt06.LocationEvent, srvt time.Time) (Position, error)
}

type IntervalStore interface {
	GetDeviceIntervalPolicy(ctx context.Context, deviceID int64) (IntervalPolicy, error)
	SetConfirmedInterval(ctx context.Context, deviceID int64, seconds int) error
	SetPendingInterval(ctx context.Context, deviceID int64, seconds int) error
	MarkConfigured(ctx context.Context, deviceID int64) error
	CountInProgressRealtimeAssignments(ctx context.Context, deviceID int64) (int, error)
	IsDeviceLocked(ctx context.Context, deviceID int64) (bool, error)
}

type ViewerStore interface {
	// ViewerIdentity resolves a hashed websocket token, ErrNotFound when unknown or expired.
	ViewerIdentity(ctx context.Context, tokenHash []byte) (string, error)
}

type CommandStore interface {
	RecordCommand(ctx context.Context, deviceID int64, serial uint16, cmd string, t time.Time) error
}

type Store interface {
	DeviceStore
	PositionStore
	IntervalStore
	ViewerStore
	CommandStore
}
