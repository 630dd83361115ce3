package memstore

import (
	"context"
	"testing"
	"time"

	"nuha.dev/gpsrelay/internal/gt06"
	"nuha.dev/gpsrelay/internal/store"
)

var _ store.Store = (*MemStore)(nil)

func TestFindOrCreateDeviceIsStable(t *testing.T) {
	m := New(30, 300)
	ctx := context.Background()
	d1, err := m.FindOrCreateDevice(ctx, "123456789012345")
	if err != nil {
		t.Fatal(err)
	}
	d2, _ := m.FindOrCreateDevice(ctx, "123456789012345")
	if d1.ID != d2.ID {
		t.Errorf("expected same device, got %d and %d", d1.ID, d2.ID)
	}
	d3, _ := m.FindOrCreateDevice(ctx, "123456789012346")
	if d3.ID == d1.ID {
		t.Error("distinct identities share a device")
	}
}

func TestIntervalPolicyLifecycle(t *testing.T) {
	m := New(30, 300)
	ctx := context.Background()
	d, _ := m.FindOrCreateDevice(ctx, "123456789012345")
	p, err := m.GetDeviceIntervalPolicy(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Active != 30 || p.Idle != 300 || p.Configured {
		t.Errorf("unexpected initial policy %+v", p)
	}
	m.SetPendingInterval(ctx, d.ID, 30)
	p, _ = m.GetDeviceIntervalPolicy(ctx, d.ID)
	if p.Pending != 30 || p.Confirmed != 0 {
		t.Errorf("pending not recorded %+v", p)
	}
	m.SetConfirmedInterval(ctx, d.ID, 30)
	p, _ = m.GetDeviceIntervalPolicy(ctx, d.ID)
	if p.Pending != 0 || p.Confirmed != 30 {
		t.Errorf("confirm should clear pending %+v", p)
	}
	if _, err := m.GetDeviceIntervalPolicy(ctx, 99); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSavePosition(t *testing.T) {
	m := New(30, 300)
	ctx := context.Background()
	d, _ := m.FindOrCreateDevice(ctx, "123456789012345")
	now := time.Now()
	p, err := m.SavePosition(ctx, d.ID, gt06.LocationEvent{Identity: d.Identity, Latitude: -34.6037, Longitude: -58.3816}, now)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID == 0 || !p.ServerTime.Equal(now) {
		t.Errorf("unexpected position %+v", p)
	}
	if got := m.Positions(d.ID); len(got) != 1 || got[0].Latitude != -34.6037 {
		t.Errorf("unexpected stored positions %+v", got)
	}
	if _, err := m.SavePosition(ctx, 42, gt06.LocationEvent{}, now); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTarget(t *testing.T) {
	p := store.IntervalPolicy{Active: 5, Idle: 300}
	if got := p.Target(false, 0); got != 300 {
		t.Errorf("idle target %d", got)
	}
	if got := p.Target(true, 0); got != gt06.MinInterval {
		t.Errorf("locked target should clamp to %d, got %d", gt06.MinInterval, got)
	}
	if got := p.Target(false, 2); got != gt06.MinInterval {
		t.Errorf("assigned target %d", got)
	}
}
