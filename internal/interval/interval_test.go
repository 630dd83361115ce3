package interval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nuha.dev/gpsrelay/internal/events"
	"nuha.dev/gpsrelay/internal/store/memstore"
)

type sender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *sender) SendCommand(ctx context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *sender) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func setup(t *testing.T, online *sender) (*Controller, *memstore.MemStore, int64) {
	m := memstore.New(30, 300)
	d, err := m.FindOrCreateDevice(context.Background(), "123456789012345")
	if err != nil {
		t.Fatal(err)
	}
	c := New(m, func(deviceID int64) (Sender, bool) {
		if online == nil || deviceID != d.ID {
			return nil, false
		}
		return online, true
	})
	c.Settle = 0
	return c, m, d.ID
}

func TestRecomputeIsIdempotent(t *testing.T) {
	s := &sender{}
	c, m, id := setup(t, s)
	ctx := context.Background()
	if err := c.RecomputeTarget(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := c.RecomputeTarget(ctx, id); err != nil {
		t.Fatal(err)
	}
	if got := s.commands(); len(got) != 1 || got[0] != "TIMER,300#" {
		t.Errorf("commands %v", got)
	}
	p, _ := m.GetDeviceIntervalPolicy(ctx, id)
	if p.Confirmed != 300 {
		t.Errorf("confirmed %d", p.Confirmed)
	}
}

func TestLockSelectsActiveInterval(t *testing.T) {
	s := &sender{}
	c, m, id := setup(t, s)
	ctx := context.Background()
	c.RecomputeTarget(ctx, id)
	m.SetLocked(id, true)
	c.RecomputeTarget(ctx, id)
	m.SetLocked(id, false)
	m.SetAssignments(id, 1)
	c.RecomputeTarget(ctx, id)
	m.SetAssignments(id, 0)
	c.RecomputeTarget(ctx, id)
	want := []string{"TIMER,300#", "TIMER,30#", "TIMER,300#"}
	got := s.commands()
	if len(got) != len(want) {
		t.Fatalf("commands %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d: %s, want %s", i, got[i], want[i])
		}
	}
}

func TestOfflineDeviceGetsPendingInterval(t *testing.T) {
	c, m, id := setup(t, nil)
	ctx := context.Background()
	if err := c.RecomputeTarget(ctx, id); err != nil {
		t.Fatal(err)
	}
	p, _ := m.GetDeviceIntervalPolicy(ctx, id)
	if p.Pending != 300 || p.Confirmed != 0 {
		t.Errorf("policy %+v", p)
	}
}

func TestWriteFailureLeavesIntervalUnconfirmed(t *testing.T) {
	s := &sender{err: errors.New("broken pipe")}
	c, m, id := setup(t, s)
	ctx := context.Background()
	if err := c.RecomputeTarget(ctx, id); err == nil {
		t.Error("expected write error")
	}
	p, _ := m.GetDeviceIntervalPolicy(ctx, id)
	if p.Confirmed != 0 || p.Pending != 300 {
		t.Errorf("policy %+v", p)
	}

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	if err := c.OnPositionStored(ctx, id); err != nil {
		t.Fatal(err)
	}
	p, _ = m.GetDeviceIntervalPolicy(ctx, id)
	if p.Confirmed != 300 || p.Pending != 0 {
		t.Errorf("retry on position did not confirm %+v", p)
	}
}

func TestFirstConnectDisablesSleepThenSetsTimer(t *testing.T) {
	s := &sender{}
	c, m, id := setup(t, s)
	ctx := context.Background()
	if err := c.OnDeviceConnected(ctx, id); err != nil {
		t.Fatal(err)
	}
	got := s.commands()
	if len(got) != 2 || got[0] != "SLEEP,OFF#" || got[1] != "TIMER,300#" {
		t.Fatalf("commands %v", got)
	}
	p, _ := m.GetDeviceIntervalPolicy(ctx, id)
	if !p.Configured || p.Confirmed != 300 {
		t.Errorf("policy %+v", p)
	}

	if err := c.OnDeviceConnected(ctx, id); err != nil {
		t.Fatal(err)
	}
	if n := len(s.commands()); n != 2 {
		t.Errorf("reconnect of configured device sent %d commands total", n)
	}
}

func TestConnectPushesPendingInterval(t *testing.T) {
	s := &sender{}
	c, m, id := setup(t, s)
	ctx := context.Background()
	m.MarkConfigured(ctx, id)
	m.SetConfirmedInterval(ctx, id, 300)
	m.SetLocked(id, true)
	m.SetPendingInterval(ctx, id, 30)
	if err := c.OnDeviceConnected(ctx, id); err != nil {
		t.Fatal(err)
	}
	if got := s.commands(); len(got) != 1 || got[0] != "TIMER,30#" {
		t.Errorf("commands %v", got)
	}
}

func TestSettleIsCancellable(t *testing.T) {
	s := &sender{}
	c, _, id := setup(t, s)
	c.Settle = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.OnDeviceConnected(ctx, id); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(s.commands()) != 0 {
		t.Error("commands sent after cancel")
	}
}

func TestSubscribeReactsToEvents(t *testing.T) {
	s := &sender{}
	c, m, id := setup(t, s)
	b, err := events.New(1)
	if err != nil {
		t.Fatal(err)
	}
	off := c.Subscribe(context.Background(), b)
	defer off()

	b.Emit(context.Background(), events.TopicDeviceConnected, events.DeviceConnected{DeviceID: id})
	waitFor(t, func() bool { return len(s.commands()) == 2 })

	m.SetLocked(id, true)
	b.Emit(context.Background(), events.TopicDeviceStateChanged, events.DeviceStateChanged{DeviceID: id, Reason: "lock"})
	waitFor(t, func() bool { return len(s.commands()) == 3 })
	if got := s.commands()[2]; got != "TIMER,30#" {
		t.Errorf("state change sent %s", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
