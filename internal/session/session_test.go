package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"nuha.dev/gpsrelay/internal/gt06"
	"nuha.dev/gpsrelay/internal/hub"
	"nuha.dev/gpsrelay/internal/ref"
	"nuha.dev/gpsrelay/internal/store/memstore"
)

const imei gt06.Identity = "123456789012345"

type fakeConn struct {
	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func (c *fakeConn) Read(b []byte) (int, error) { return 0, io.EOF }

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.out.Write(b)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5023}
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000}
}

func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type viewer struct {
	mu     sync.Mutex
	events []hub.Event
}

func (v *viewer) ID() string       { return "viewer" }
func (v *viewer) Identity() string { return "" }

func (v *viewer) Send(ev hub.Event) bool {
	v.mu.Lock()
	v.events = append(v.events, ev)
	v.mu.Unlock()
	return true
}

func (v *viewer) got() []hub.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]hub.Event(nil), v.events...)
}

type fixture struct {
	store *memstore.MemStore
	hub   *hub.Hub
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	refs, err := ref.New("session test")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{store: memstore.New(30, 300)}
	f.hub = hub.New(nil, refs, "test")
	f.m = NewManager(NewRegistry(), f.store, f.hub, nil)
	return f
}

func login(t *testing.T, id gt06.Identity, serial uint16) []byte {
	b, err := gt06.EncodeLogin(id, serial)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func location(lat, lon float64, serial uint16) []byte {
	return gt06.EncodeLocation(gt06.LocationEvent{
		Timestamp:  time.Date(2024, 3, 9, 12, 30, 15, 0, time.UTC),
		Latitude:   lat,
		Longitude:  lon,
		Speed:      40,
		Heading:    90,
		SatCount:   9,
		Positioned: true,
	}, serial)
}

func TestSplitWriteEqualsSingleWrite(t *testing.T) {
	frame := location(-34.6037, -58.3816, 2)
	for split := 1; split < len(frame); split++ {
		f := newFixture(t)
		s := f.m.NewSession(&fakeConn{}, "")
		ctx := context.Background()
		if err := s.Feed(ctx, login(t, imei, 1)); err != nil {
			t.Fatal(err)
		}
		s.Feed(ctx, frame[:split])
		if n := len(f.store.Positions(s.DeviceID())); n != 0 {
			t.Fatalf("split %d: decoded before frame was complete", split)
		}
		s.Feed(ctx, frame[split:])
		ps := f.store.Positions(s.DeviceID())
		if len(ps) != 1 {
			t.Fatalf("split %d: got %d positions", split, len(ps))
		}
		if ps[0].Latitude != -34.6037 || ps[0].Longitude != -58.3816 {
			t.Errorf("split %d: unexpected position %+v", split, ps[0])
		}
	}
}

func TestMergedFramesInOneWrite(t *testing.T) {
	f := newFixture(t)
	s := f.m.NewSession(&fakeConn{}, "")
	var b []byte
	b = append(b, login(t, imei, 1)...)
	b = append(b, location(1, 2, 2)...)
	b = append(b, location(3, 4, 3)...)
	b = append(b, gt06.EncodeStatus(0x24, 4, 3, 4)...)
	if err := s.Feed(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if n := len(f.store.Positions(s.DeviceID())); n != 2 {
		t.Errorf("got %d positions, want 2", n)
	}
	st, _ := f.store.Status(s.DeviceID())
	if st.Battery != 50 || !st.Charging || st.Signal != 75 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestCorruptStartDiscardsWholeBuffer(t *testing.T) {
	f := newFixture(t)
	c := &fakeConn{}
	s := f.m.NewSession(c, "")
	ctx := context.Background()
	s.Feed(ctx, login(t, imei, 1))
	acks := len(c.written())

	b := append([]byte{0x00, 0x01, 0x02}, location(1, 2, 2)...)
	s.Feed(ctx, b)
	if n := len(f.store.Positions(s.DeviceID())); n != 0 {
		t.Errorf("frame after garbage was decoded, %d positions", n)
	}
	if len(c.written()) != acks {
		t.Error("acknowledged a discarded frame")
	}
	if len(s.buf) != 0 {
		t.Errorf("buffer kept %d bytes", len(s.buf))
	}

	s.Feed(ctx, location(1, 2, 3))
	if n := len(f.store.Positions(s.DeviceID())); n != 1 {
		t.Errorf("session did not recover, %d positions", n)
	}
}

func TestFramesBeforeLoginAreDropped(t *testing.T) {
	f := newFixture(t)
	c := &fakeConn{}
	s := f.m.NewSession(c, "")
	s.Feed(context.Background(), location(1, 2, 1))
	if len(c.written()) != 0 {
		t.Error("unauthenticated frame acknowledged")
	}
	if s.State() != AwaitingLogin {
		t.Errorf("state %v", s.State())
	}
	if info := s.Info(); info.Dropped != 1 {
		t.Errorf("dropped %d", info.Dropped)
	}
}

func TestUndecodableLocationIsStillAcknowledged(t *testing.T) {
	f := newFixture(t)
	c := &fakeConn{}
	s := f.m.NewSession(c, "")
	ctx := context.Background()
	s.Feed(ctx, login(t, imei, 1))
	frame := location(1, 2, 0x0102)
	frame[5] = 0x13 // month 13
	s.Feed(ctx, frame)
	if n := len(f.store.Positions(s.DeviceID())); n != 0 {
		t.Errorf("bad location stored")
	}
	want := append(gt06.EncodeAck(gt06.AckLogin, 1), gt06.EncodeAck(gt06.AckLocation, 0x0102)...)
	if !bytes.Equal(c.written(), want) {
		t.Errorf("acks % X, want % X", c.written(), want)
	}
}

func TestUnknownProtocolDropped(t *testing.T) {
	f := newFixture(t)
	c := &fakeConn{}
	s := f.m.NewSession(c, "")
	ctx := context.Background()
	s.Feed(ctx, login(t, imei, 1))
	n := len(c.written())
	s.Feed(ctx, gt06.EncodeCommand("HELLO#", 5, 0))
	if len(c.written()) != n {
		t.Error("unknown protocol acknowledged")
	}
	if s.State() != Authenticated {
		t.Errorf("state %v", s.State())
	}
}

func TestReloginReplacesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.m.NewSession(&fakeConn{}, "")
	old.Feed(ctx, login(t, imei, 1))
	cur := f.m.NewSession(&fakeConn{}, "")
	cur.Feed(ctx, login(t, imei, 1))

	if old.State() != Closed {
		t.Errorf("old session state %v", old.State())
	}
	got, ok := f.m.Registry().Lookup(imei)
	if !ok || got != cur {
		t.Fatal("registry does not point at the new session")
	}
	old.Close()
	if _, ok := f.m.Registry().LookupDevice(cur.DeviceID()); !ok {
		t.Error("closing the stale session removed the new one")
	}
	cur.Close()
	cur.Close()
	if f.m.Registry().Len() != 0 {
		t.Error("closed session still registered")
	}
}

func TestSendCommand(t *testing.T) {
	f := newFixture(t)
	c := &fakeConn{}
	s := f.m.NewSession(c, "")
	ctx := context.Background()
	if err := s.SendCommand(ctx, gt06.TimerCommand(30)); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	s.Feed(ctx, login(t, imei, 1))
	n := len(c.written())
	if err := s.SendCommand(ctx, gt06.TimerCommand(30)); err != nil {
		t.Fatal(err)
	}
	fr, _, err := gt06.DecodeFrame(c.written()[n:])
	if err != nil {
		t.Fatal(err)
	}
	text, flags, ok := gt06.CommandText(fr)
	if !ok || text != "TIMER,30#" || flags != uint32(fr.Serial) || !fr.ChecksumOK() {
		t.Errorf("unexpected command frame % X", fr.Raw)
	}
	if cmds := f.store.Commands(s.DeviceID()); len(cmds) != 1 || cmds[0] != "TIMER,30#" {
		t.Errorf("recorded commands %v", cmds)
	}
}

func readFrame(t *testing.T, c net.Conn) gt06.Frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	b := make([]byte, 10)
	if _, err := io.ReadFull(c, b); err != nil {
		t.Fatal(err)
	}
	f, _, err := gt06.DecodeFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t)
	v := &viewer{}
	f.hub.Register(v)
	f.hub.JoinRoom(v, f.hub.DeviceRoomOf(1))

	tracker, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.m.Serve(ctx, server, "")
		close(done)
	}()

	tracker.Write(login(t, imei, 0x0A0B))
	ack := readFrame(t, tracker)
	if ack.Protocol != gt06.LoginMessage || ack.Serial != 0x0A0B {
		t.Fatalf("login ack proto %x serial %x", ack.Protocol, ack.Serial)
	}

	tracker.Write(location(-34.6037, -58.3816, 0x0A0C))
	ack = readFrame(t, tracker)
	if ack.Serial != 0x0A0C {
		t.Errorf("location ack serial %x", ack.Serial)
	}

	s, ok := f.m.Registry().Lookup(imei)
	if !ok || s.DeviceID() != 1 {
		t.Fatal("tracker not registered")
	}
	ps := f.store.Positions(1)
	if len(ps) != 1 || ps[0].Latitude != -34.6037 || ps[0].Longitude != -58.3816 {
		t.Fatalf("stored positions %+v", ps)
	}
	evs := v.got()
	if len(evs) != 1 || evs[0].Type != hub.EventPosition || evs[0].Room != f.hub.DeviceRoomOf(1) {
		t.Fatalf("viewer events %+v", evs)
	}
	var payload map[string]interface{}
	json.Unmarshal(evs[0].Data, &payload)
	if payload["latitude"] != -34.6037 || payload["longitude"] != -58.3816 {
		t.Errorf("event payload %v", payload)
	}

	tracker.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after close")
	}
	if f.m.Registry().Len() != 0 {
		t.Error("closed tracker still registered")
	}
}
