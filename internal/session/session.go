package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/conn"
	"nuha.dev/gpsrelay/internal/events"
	"nuha.dev/gpsrelay/internal/gt06"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	CONNECTION_CLOSED   string = "connection_closed"
	SESSION_REPLACED    string = "session_replaced"
	BUFFER_DISCARDED    string = "buffer_discarded"
	FRAME_DROPPED       string = "frame_dropped"
	DECODE_ERROR        string = "decode_error"
	STORE_ERROR         string = "store_error"
	COMMAND_SENT        string = "command_sent"
)

const (
	readBufferSize = 1024
	maxBufferSize  = 4096
	writeTimeout   = 10 * time.Second
)

var ErrNotConnected = errors.New("session: tracker not connected")

type State int32

const (
	AwaitingLogin State = iota
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingLogin:
		return "awaiting_login"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is the server side of one tracker connection.
type Session struct {
	m        *Manager
	c        *conn.Conn
	log      log.Logger
	state    int32
	idmu     sync.RWMutex
	identity gt06.Identity
	deviceID int64
	buf      []byte
	wmu      sync.Mutex
	once     sync.Once
	lastSeen int64
	frames   uint64
	dropped  uint64
	discards uint64
}

func (s *Session) MarshalObject(e *log.Entry) {
	e.EmbedObject(s.c).Str("imei", string(s.Identity()))
}

func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) Identity() gt06.Identity {
	s.idmu.RLock()
	defer s.idmu.RUnlock()
	return s.identity
}

func (s *Session) DeviceID() int64 {
	s.idmu.RLock()
	defer s.idmu.RUnlock()
	return s.deviceID
}

// Run reads the socket until it closes or ctx is done. Frames are handled in
// arrival order on the calling goroutine.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()
	if s.m.LoginTimeout > 0 {
		_ = s.c.SetReadDeadline(time.Now().Add(s.m.LoginTimeout))
	}
	scratch := make([]byte, readBufferSize)
	for {
		n, err := s.c.Read(scratch)
		if n > 0 {
			if ferr := s.Feed(ctx, scratch[:n]); ferr != nil {
				s.log.Error().Err(ferr).Str("event", CONNECTION_CLOSED).EmbedObject(s).Msg("closing connection")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !s.c.Closed() {
				s.log.Warn().Err(err).Str("event", CONNECTION_CLOSED).EmbedObject(s).Msg("read error")
			} else {
				s.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(s).Msg("")
			}
			return
		}
	}
}

// Feed appends b to the reassembly buffer and handles every complete frame in
// it. A returned error means the connection must be closed.
func (s *Session) Feed(ctx context.Context, b []byte) error {
	if s.State() == Closed {
		return ErrNotConnected
	}
	atomic.StoreInt64(&s.lastSeen, time.Now().UnixNano())
	if len(s.buf)+len(b) > maxBufferSize {
		s.discard("buffer overflow")
		return nil
	}
	s.buf = append(s.buf, b...)
	for len(s.buf) > 0 {
		f, n, err := gt06.DecodeFrame(s.buf)
		if errors.Is(err, gt06.ErrNeedMoreData) {
			return nil
		}
		if err != nil {
			s.discard(err.Error())
			return nil
		}
		atomic.AddUint64(&s.frames, 1)
		herr := s.handle(ctx, f)
		s.buf = append(s.buf[:0], s.buf[n:]...)
		if herr != nil {
			return herr
		}
	}
	return nil
}

// discard drops the whole buffer, the protocol has no way to find the next frame.
func (s *Session) discard(reason string) {
	atomic.AddUint64(&s.discards, 1)
	s.log.Warn().Str("event", BUFFER_DISCARDED).EmbedObject(s).Int("length", len(s.buf)).Hex("head", head(s.buf)).Msg(reason)
	s.buf = s.buf[:0]
}

func head(b []byte) []byte {
	if len(b) > 16 {
		return b[:16]
	}
	return b
}

func (s *Session) handle(ctx context.Context, f gt06.Frame) error {
	s.log.Trace().EmbedObject(s).Uint8("protocol", f.Protocol).Uint16("serial", f.Serial).Hex("raw", f.Raw).Msg("frame")
	if f.Protocol == gt06.LoginMessage {
		return s.handleLogin(ctx, f)
	}
	if s.State() != Authenticated {
		atomic.AddUint64(&s.dropped, 1)
		s.log.Debug().Str("event", FRAME_DROPPED).EmbedObject(s).Uint8("protocol", f.Protocol).Msg("not logged in")
		return nil
	}
	switch {
	case gt06.IsLocation(f.Protocol):
		s.handleLocation(ctx, f)
	case gt06.IsStatus(f.Protocol):
		s.handleStatus(ctx, f)
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.log.Debug().Str("event", FRAME_DROPPED).EmbedObject(s).Uint8("protocol", f.Protocol).Msg("unknown protocol")
	}
	return nil
}

func (s *Session) handleLogin(ctx context.Context, f gt06.Frame) error {
	if s.State() == Authenticated {
		return s.ack(f)
	}
	id, err := gt06.DecodeLogin(f)
	if err != nil {
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(s).Hex("payload", f.Payload).Msg("")
		return nil
	}
	dev, err := s.m.store.FindOrCreateDevice(ctx, id)
	if err != nil {
		return fmt.Errorf("find device %s: %w", id, err)
	}
	s.idmu.Lock()
	s.identity = id
	s.deviceID = dev.ID
	s.idmu.Unlock()
	if !atomic.CompareAndSwapInt32(&s.state, int32(AwaitingLogin), int32(Authenticated)) {
		return ErrNotConnected
	}
	s.m.registry.Register(s)
	_ = s.c.SetReadDeadline(time.Time{})
	s.log.Info().Str("event", LOGIN_MESSAGE).EmbedObject(s).Int64("device_id", dev.ID).Msg("")
	if err := s.ack(f); err != nil {
		return err
	}
	s.m.emit(ctx, events.TopicDeviceConnected, events.DeviceConnected{DeviceID: dev.ID, Identity: id})
	return nil
}

func (s *Session) handleLocation(ctx context.Context, f gt06.Frame) {
	ev, err := gt06.DecodeLocation(f, s.Identity())
	if err != nil {
		s.log.Warn().Err(err).Str("event", DECODE_ERROR).EmbedObject(s).Hex("payload", f.Payload).Msg("location")
	} else {
		s.log.Debug().EmbedObject(&ev).Bool("positioned", ev.Positioned).Int("sat", ev.SatCount).Msg("location")
		p, err := s.m.store.SavePosition(ctx, s.DeviceID(), ev, s.m.now())
		if err != nil {
			s.log.Error().Err(err).Str("event", STORE_ERROR).EmbedObject(s).Msg("save position")
		} else {
			s.m.hub.PublishPosition(ctx, p)
			s.m.emit(ctx, events.TopicPositionStored, events.PositionStored{Position: p})
		}
	}
	_ = s.ack(f)
}

func (s *Session) handleStatus(ctx context.Context, f gt06.Frame) {
	ev, err := gt06.DecodeStatus(f, s.Identity())
	if err != nil {
		s.log.Warn().Err(err).Str("event", DECODE_ERROR).EmbedObject(s).Hex("payload", f.Payload).Msg("status")
	} else {
		t := s.m.now()
		s.log.Debug().EmbedObject(&ev).Msg("status")
		if err := s.m.store.SaveStatus(ctx, s.DeviceID(), ev, t); err != nil {
			s.log.Error().Err(err).Str("event", STORE_ERROR).EmbedObject(s).Msg("save status")
		}
		s.m.hub.PublishStatus(ctx, s.DeviceID(), ev, t)
	}
	_ = s.ack(f)
}

func (s *Session) ack(f gt06.Frame) error {
	err := s.write(gt06.EncodeAckFor(f.Protocol, f.Serial))
	if err != nil {
		s.log.Error().Err(err).EmbedObject(s).Msg("error writing acknowledge")
	}
	return err
}

func (s *Session) write(d []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.c.Write(d)
	return err
}

// SendCommand writes a server command frame. The serial doubles as the server
// flag so replies can be matched to it.
func (s *Session) SendCommand(ctx context.Context, cmd string) error {
	if s.State() != Authenticated {
		return ErrNotConnected
	}
	serial := gt06.NextSerial()
	if err := s.write(gt06.EncodeCommand(cmd, serial, uint32(serial))); err != nil {
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	s.log.Info().Str("event", COMMAND_SENT).EmbedObject(s).Str("command", cmd).Uint16("serial", serial).Msg("")
	if err := s.m.store.RecordCommand(ctx, s.DeviceID(), serial, cmd, s.m.now()); err != nil {
		s.log.Warn().Err(err).Str("event", STORE_ERROR).EmbedObject(s).Msg("record command")
	}
	return nil
}

// Close is idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		atomic.StoreInt32(&s.state, int32(Closed))
		s.m.registry.Deregister(s)
		s.c.Close()
	})
}

type Info struct {
	Cid      uint64    `json:"cid"`
	Identity string    `json:"imei"`
	DeviceID int64     `json:"device_id"`
	State    string    `json:"state"`
	Socket   []string  `json:"socket"`
	Created  time.Time `json:"created"`
	LastSeen time.Time `json:"last_seen"`
	BytesIn  uint64    `json:"bytes_in"`
	BytesOut uint64    `json:"bytes_out"`
	Frames   uint64    `json:"frames"`
	Dropped  uint64    `json:"dropped"`
	Discards uint64    `json:"discards"`
}

func (s *Session) Info() Info {
	in, out := s.c.Stat()
	return Info{
		Cid:      s.c.Cid(),
		Identity: string(s.Identity()),
		DeviceID: s.DeviceID(),
		State:    s.State().String(),
		Socket:   s.c.Tuple(),
		Created:  s.c.Created(),
		LastSeen: time.Unix(0, atomic.LoadInt64(&s.lastSeen)),
		BytesIn:  in,
		BytesOut: out,
		Frames:   atomic.LoadUint64(&s.frames),
		Dropped:  atomic.LoadUint64(&s.dropped),
		Discards: atomic.LoadUint64(&s.discards),
	}
}
