// Package interval keeps the reporting interval of each tracker in line with
// its lock and assignment state.
package interval

import (
	"context"
	"sync"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/events"
	"nuha.dev/gpsrelay/internal/gt06"
	"nuha.dev/gpsrelay/internal/session"
	"nuha.dev/gpsrelay/internal/store"
)

const (
	INTERVAL_CONFIRMED string = "interval_confirmed"
	INTERVAL_PENDING   string = "interval_pending"
	COMMAND_FAILED     string = "command_failed"
	DEVICE_CONFIGURED  string = "device_configured"
)

const DefaultSettle = 5 * time.Second

type Sender interface {
	SendCommand(ctx context.Context, cmd string) error
}

// Lookup finds the live connection of a device.
type Lookup func(deviceID int64) (Sender, bool)

// SessionLookup resolves devices through the session registry.
func SessionLookup(r *session.Registry) Lookup {
	return func(deviceID int64) (Sender, bool) {
		s, ok := r.LookupDevice(deviceID)
		if !ok {
			return nil, false
		}
		return s, true
	}
}

type Controller struct {
	// Settle is how long a freshly connected, never configured tracker is left
	// to boot before it gets commands.
	Settle time.Duration

	log    log.Logger
	store  store.IntervalStore
	lookup Lookup
	mu     sync.Mutex
	locks  map[int64]*sync.Mutex
}

func New(st store.IntervalStore, lookup Lookup) *Controller {
	c := &Controller{store: st, lookup: lookup, Settle: DefaultSettle}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "interval").Value()
	c.locks = make(map[int64]*sync.Mutex)
	return c
}

func (c *Controller) lock(deviceID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[deviceID] = l
	}
	return l
}

// RecomputeTarget pushes the interval the device should report at, if it
// differs from the one it confirmed last.
func (c *Controller) RecomputeTarget(ctx context.Context, deviceID int64) error {
	l := c.lock(deviceID)
	l.Lock()
	defer l.Unlock()
	return c.recompute(ctx, deviceID)
}

func (c *Controller) target(ctx context.Context, deviceID int64) (store.IntervalPolicy, int, error) {
	p, err := c.store.GetDeviceIntervalPolicy(ctx, deviceID)
	if err != nil {
		return p, 0, err
	}
	locked, err := c.store.IsDeviceLocked(ctx, deviceID)
	if err != nil {
		return p, 0, err
	}
	n, err := c.store.CountInProgressRealtimeAssignments(ctx, deviceID)
	if err != nil {
		return p, 0, err
	}
	return p, p.Target(locked, n), nil
}

func (c *Controller) recompute(ctx context.Context, deviceID int64) error {
	p, target, err := c.target(ctx, deviceID)
	if err != nil {
		return err
	}
	if target == p.Confirmed {
		if p.Pending != 0 {
			// state went back before the pending value reached the tracker
			return c.store.SetConfirmedInterval(ctx, deviceID, target)
		}
		return nil
	}
	s, ok := c.lookup(deviceID)
	if !ok {
		c.log.Info().Str("event", INTERVAL_PENDING).Int64("device_id", deviceID).Int("interval", target).Msg("device offline")
		return c.store.SetPendingInterval(ctx, deviceID, target)
	}
	return c.push(ctx, deviceID, s, target)
}

func (c *Controller) push(ctx context.Context, deviceID int64, s Sender, target int) error {
	if err := s.SendCommand(ctx, gt06.TimerCommand(target)); err != nil {
		c.log.Error().Err(err).Str("event", COMMAND_FAILED).Int64("device_id", deviceID).Int("interval", target).Msg("")
		if perr := c.store.SetPendingInterval(ctx, deviceID, target); perr != nil {
			c.log.Error().Err(perr).Int64("device_id", deviceID).Msg("error saving pending interval")
		}
		return err
	}
	c.log.Info().Str("event", INTERVAL_CONFIRMED).Int64("device_id", deviceID).Int("interval", target).Msg("")
	return c.store.SetConfirmedInterval(ctx, deviceID, target)
}

// OnDeviceConnected configures a tracker the first time it logs in: sleep mode
// off, then the timer. Afterwards it only pushes interval changes.
func (c *Controller) OnDeviceConnected(ctx context.Context, deviceID int64) error {
	l := c.lock(deviceID)
	l.Lock()
	defer l.Unlock()
	p, err := c.store.GetDeviceIntervalPolicy(ctx, deviceID)
	if err != nil {
		return err
	}
	if p.Configured {
		return c.recompute(ctx, deviceID)
	}
	if c.Settle > 0 {
		t := time.NewTimer(c.Settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	s, ok := c.lookup(deviceID)
	if !ok {
		// configured on the next connection
		return nil
	}
	if err := s.SendCommand(ctx, gt06.SleepCommand(false)); err != nil {
		c.log.Error().Err(err).Str("event", COMMAND_FAILED).Int64("device_id", deviceID).Msg("sleep off")
		return err
	}
	_, target, err := c.target(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := c.push(ctx, deviceID, s, target); err != nil {
		return err
	}
	c.log.Info().Str("event", DEVICE_CONFIGURED).Int64("device_id", deviceID).Msg("")
	return c.store.MarkConfigured(ctx, deviceID)
}

// OnPositionStored retries an interval that has not reached the tracker yet.
func (c *Controller) OnPositionStored(ctx context.Context, deviceID int64) error {
	p, err := c.store.GetDeviceIntervalPolicy(ctx, deviceID)
	if err != nil || p.Pending == 0 {
		return err
	}
	return c.RecomputeTarget(ctx, deviceID)
}

// Subscribe runs the controller on device events until off is called. Each
// trigger runs in its own goroutine bound to ctx.
func (c *Controller) Subscribe(ctx context.Context, b *events.Bus) (off func()) {
	report := func(err error, deviceID int64, topic string) {
		if err != nil && err != context.Canceled {
			c.log.Warn().Err(err).Int64("device_id", deviceID).Str("topic", topic).Msg("interval trigger failed")
		}
	}
	offs := []func(){
		b.On(events.TopicDeviceConnected, func(ev bus.Event) {
			d, ok := ev.Data.(events.DeviceConnected)
			if ok {
				report(c.OnDeviceConnected(ctx, d.DeviceID), d.DeviceID, ev.Topic)
			}
		}),
		b.On(events.TopicDeviceStateChanged, func(ev bus.Event) {
			d, ok := ev.Data.(events.DeviceStateChanged)
			if ok {
				report(c.RecomputeTarget(ctx, d.DeviceID), d.DeviceID, ev.Topic)
			}
		}),
		b.On(events.TopicPositionStored, func(ev bus.Event) {
			d, ok := ev.Data.(events.PositionStored)
			if ok {
				report(c.OnPositionStored(ctx, d.Position.DeviceID), d.Position.DeviceID, ev.Topic)
			}
		}),
	}
	return func() {
		for _, f := range offs {
			f()
		}
	}
}
