package conn

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

// Conn is a tracker socket with its connection id and traffic counters.
type Conn struct {
	cid      uint64
	tuple    []string
	created  time.Time
	closed   uint32
	byte_in  uint64
	byte_out uint64
	net.Conn
}

// NewConn wraps c. raddr overrides the remote address when the connection came
// through a tunnel, pass "" to use c.RemoteAddr().
func NewConn(c net.Conn, cid uint64, raddr string) *Conn {
	if raddr == "" && c.RemoteAddr() != nil {
		raddr = c.RemoteAddr().String()
	}
	var laddr string
	if c.LocalAddr() != nil {
		laddr = c.LocalAddr().String()
	}
	sourceip, sourceport, _ := net.SplitHostPort(raddr)
	targetip, targetport, _ := net.SplitHostPort(laddr)
	return &Conn{cid: cid, tuple: []string{sourceip, sourceport, targetip, targetport}, created: time.Now(), Conn: c}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	atomic.AddUint64(&c.byte_in, uint64(n))
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

func (c *Conn) Close() error {
	atomic.StoreUint32(&c.closed, 1)
	return c.Conn.Close()
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) Tuple() []string {
	return c.tuple
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Strs("socket", c.tuple)
}
