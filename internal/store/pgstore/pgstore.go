package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/gt06"
	"nuha.dev/gpsrelay/internal/store"
)

//go:embed schema.sql
var Schema string

type Store struct {
	dbp *pgxpool.Pool
	log log.Logger
}

func NewStore(db *pgxpool.Pool) *Store {
	o := &Store{}
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return o
}

// Migrate applies the embedded schema, every statement is idempotent.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

func (st *Store) FindOrCreateDevice(ctx context.Context, id gt06.Identity) (store.Device, error) {
	d := store.Device{Identity: id}
	err := st.dbp.QueryRow(ctx, `SELECT id, name FROM device WHERE imei = $1`, string(id)).Scan(&d.ID, &d.Name)
	if err == nil {
		return d, nil
	}
	if err != pgx.ErrNoRows {
		return d, err
	}
	err = st.dbp.QueryRow(ctx, `INSERT INTO device (imei) VALUES ($1) RETURNING id, name`, string(id)).Scan(&d.ID, &d.Name)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// another connection of the same tracker created it first
			err = st.dbp.QueryRow(ctx, `SELECT id, name FROM device WHERE imei = $1`, string(id)).Scan(&d.ID, &d.Name)
			return d, err
		}
		return d, err
	}
	st.log.Info().Str("event", "device_created").EmbedObject(&d).Msg("")
	return d, nil
}

func (st *Store) SaveStatus(ctx context.Context, deviceID int64, s gt06.StatusEvent, srvt time.Time) error {
	return st.exec(ctx, `UPDATE device SET battery = $1, charging = $2, signal = $3, status_time = $4 WHERE id = $5`,
		s.Battery, s.Charging, s.Signal, srvt, deviceID)
}

func (st *Store) SavePosition(ctx context.Context, deviceID int64, ev gt06.LocationEvent, srvt time.Time) (store.Position, error) {
	p := store.Position{
		DeviceID:   deviceID,
		Identity:   ev.Identity,
		Latitude:   ev.Latitude,
		Longitude:  ev.Longitude,
		Speed:      ev.Speed,
		Heading:    ev.Heading,
		GpsTime:    ev.Timestamp,
		ServerTime: srvt,
	}
	err := st.dbp.QueryRow(ctx, `INSERT INTO position (device_id, latitude, longitude, speed, heading, gps_time, server_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		deviceID, p.Latitude, p.Longitude, p.Speed, p.Heading, p.GpsTime, p.ServerTime).Scan(&p.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return p, store.ErrNotFound
		}
		return p, err
	}
	return p, nil
}

func (st *Store) GetDeviceIntervalPolicy(ctx context.Context, deviceID int64) (store.IntervalPolicy, error) {
	p := store.IntervalPolicy{DeviceID: deviceID}
	var imei string
	err := st.dbp.QueryRow(ctx, `SELECT imei, active_interval, idle_interval, confirmed_interval, COALESCE(pending_interval, 0), configured
		FROM device WHERE id = $1`, deviceID).Scan(&imei, &p.Active, &p.Idle, &p.Confirmed, &p.Pending, &p.Configured)
	if err == pgx.ErrNoRows {
		return p, store.ErrNotFound
	}
	p.Identity = gt06.Identity(imei)
	return p, err
}

func (st *Store) SetConfirmedInterval(ctx context.Context, deviceID int64, seconds int) error {
	return st.exec(ctx, `UPDATE device SET confirmed_interval = $1, pending_interval = NULL WHERE id = $2`, seconds, deviceID)
}

func (st *Store) SetPendingInterval(ctx context.Context, deviceID int64, seconds int) error {
	return st.exec(ctx, `UPDATE device SET pending_interval = $1 WHERE id = $2`, seconds, deviceID)
}

func (st *Store) MarkConfigured(ctx context.Context, deviceID int64) error {
	return st.exec(ctx, `UPDATE device SET configured = TRUE WHERE id = $1`, deviceID)
}

func (st *Store) CountInProgressRealtimeAssignments(ctx context.Context, deviceID int64) (int, error) {
	var n int
	err := st.dbp.QueryRow(ctx, `SELECT count(*) FROM assignment WHERE device_id = $1 AND status = 'in_progress' AND realtime_tracking`, deviceID).Scan(&n)
	return n, err
}

func (st *Store) IsDeviceLocked(ctx context.Context, deviceID int64) (bool, error) {
	var locked bool
	err := st.dbp.QueryRow(ctx, `SELECT locked FROM device WHERE id = $1`, deviceID).Scan(&locked)
	if err == pgx.ErrNoRows {
		return false, store.ErrNotFound
	}
	return locked, err
}

func (st *Store) ViewerIdentity(ctx context.Context, tokenHash []byte) (string, error) {
	var identity string
	err := st.dbp.QueryRow(ctx, `SELECT identity FROM viewer_token WHERE token_hash = $1 AND valid_until > now()`, tokenHash).Scan(&identity)
	if err == pgx.ErrNoRows {
		return "", store.ErrNotFound
	}
	return identity, err
}

func (st *Store) RecordCommand(ctx context.Context, deviceID int64, serial uint16, cmd string, t time.Time) error {
	return st.exec(ctx, `INSERT INTO device_command (device_id, serial, command, sent_time) VALUES ($1,$2,$3,$4)`, deviceID, int32(serial), cmd, t)
}

// AddViewerToken stores the hash of a viewer token, used by initdb.
func (st *Store) AddViewerToken(ctx context.Context, tokenHash []byte, identity string, validUntil time.Time) error {
	return st.exec(ctx, `INSERT INTO viewer_token (token_hash, identity, valid_until) VALUES ($1,$2,$3)
		ON CONFLICT (token_hash) DO UPDATE SET identity = EXCLUDED.identity, valid_until = EXCLUDED.valid_until`, tokenHash, identity, validUntil)
}

func (st *Store) exec(ctx context.Context, sql string, args ...interface{}) error {
	ct, err := st.dbp.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("pgstore: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
