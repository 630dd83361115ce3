package redisbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"nuha.dev/gpsrelay/internal/hub"
	"nuha.dev/gpsrelay/internal/ref"
)

func connect(t *testing.T, m *miniredis.Miniredis) *Bus {
	b, err := Connect(context.Background(), m.Addr(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

type viewer struct {
	id string
	mu sync.Mutex
	n  int
}

func (v *viewer) ID() string       { return v.id }
func (v *viewer) Identity() string { return "" }
func (v *viewer) Send(ev hub.Event) bool {
	v.mu.Lock()
	v.n++
	v.mu.Unlock()
	return true
}

func (v *viewer) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newHub(t *testing.T, b *Bus, origin string) *hub.Hub {
	refs, err := ref.New("redisbus test")
	if err != nil {
		t.Fatal(err)
	}
	h := hub.New(b, refs, origin)
	h.Start(context.Background())
	t.Cleanup(h.Stop)
	return h
}

func positionEvent(t *testing.T) hub.Event {
	ev, err := hub.NewEvent(hub.EventPosition, map[string]float64{"lat": -34.6037})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestConnectFails(t *testing.T) {
	m := miniredis.RunT(t)
	addr := m.Addr()
	m.Close()
	if _, err := Connect(context.Background(), addr, "", 0); err == nil {
		t.Error("connect to a stopped server succeeded")
	}
}

func TestPublishSubscribe(t *testing.T) {
	m := miniredis.RunT(t)
	b := connect(t, m)
	got := make(chan []byte, 1)
	sub, err := b.Subscribe(context.Background(), "gpsrelay.test", func(payload []byte) { got <- payload })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := b.Publish(context.Background(), "gpsrelay.test", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		if string(p) != "hello" {
			t.Errorf("payload %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestTwoHubsBridged(t *testing.T) {
	m := miniredis.RunT(t)
	a := newHub(t, connect(t, m), "a")
	b := newHub(t, connect(t, m), "b")
	if a.Stats().Router != "bridge" || b.Stats().Router != "bridge" {
		t.Fatalf("routers %s %s", a.Stats().Router, b.Stats().Router)
	}
	room := hub.DeviceRoom("dev1")
	v := &viewer{id: "v1"}
	b.Register(v)
	b.JoinRoom(v, room)

	a.BroadcastToRoom(context.Background(), room, positionEvent(t), "")
	waitFor(t, "bridged delivery", func() bool { return v.count() == 1 })
	if s := a.Stats(); s.Published != 1 || s.PublishFailed != 0 {
		t.Errorf("sender stats %+v", s)
	}
}

func TestOutageFallsBackToLocal(t *testing.T) {
	m := miniredis.RunT(t)
	h := newHub(t, connect(t, m), "outage")
	room := hub.DeviceRoom("dev1")
	v := &viewer{id: "v1"}
	h.Register(v)
	h.JoinRoom(v, room)

	h.BroadcastToRoom(context.Background(), room, positionEvent(t), "")
	waitFor(t, "delivery through the bus", func() bool { return v.count() == 1 })

	m.Close()
	for i := 0; i < 3; i++ {
		h.BroadcastToRoom(context.Background(), room, positionEvent(t), "")
	}
	if n := v.count(); n != 4 {
		t.Errorf("viewer received %d events, want 4", n)
	}
	if s := h.Stats(); s.PublishFailed != 3 {
		t.Errorf("stats %+v", s)
	}
}
