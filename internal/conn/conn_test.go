package conn

import (
	"io"
	"net"
	"testing"
)

func TestCounters(t *testing.T) {
	a, b := net.Pipe()
	c := NewConn(a, 7, "10.0.0.1:5000")
	go func() {
		buf := make([]byte, 3)
		_, _ = io.ReadFull(b, buf)
		_, _ = b.Write([]byte("hello"))
	}()
	if _, err := c.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	in, out := c.Stat()
	if in != 5 || out != 3 {
		t.Errorf("in=%d out=%d", in, out)
	}
	if c.Tuple()[0] != "10.0.0.1" || c.Tuple()[1] != "5000" || c.Cid() != 7 {
		t.Errorf("tuple %v", c.Tuple())
	}
	c.Close()
	if !c.Closed() {
		t.Error("not marked closed")
	}
}
