// Package bus abstracts the pub/sub transport that lets several server
// instances share hub traffic.
package bus

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("bus: closed")

// Handler receives the payload of one message. It is called from the driver's
// delivery goroutine and must not block for long.
type Handler func(payload []byte)

type Subscription interface {
	Unsubscribe() error
}

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Enabled() bool
	Close() error
}

// Disabled is the bus of a single instance deployment.
var Disabled Bus = disabled{}

type disabled struct{}

func (disabled) Publish(ctx context.Context, channel string, payload []byte) error {
	return ErrClosed
}

func (disabled) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	return nil, ErrClosed
}

func (disabled) Enabled() bool { return false }
func (disabled) Close() error  { return nil }

// Memory delivers messages between buses created from the same Memory, in
// process. Delivery is synchronous in publish order.
type Memory struct {
	mu     sync.RWMutex
	nextId uint64
	subs   map[string]map[uint64]Handler
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[uint64]Handler)}
}

// Conn returns a bus attached to m.
func (m *Memory) Conn() Bus {
	return &memoryConn{m: m}
}

type memoryConn struct {
	m      *Memory
	mu     sync.Mutex
	closed bool
	ids    []memorySub
}

type memorySub struct {
	m       *Memory
	channel string
	id      uint64
}

func (s memorySub) Unsubscribe() error {
	s.m.mu.Lock()
	delete(s.m.subs[s.channel], s.id)
	s.m.mu.Unlock()
	return nil
}

func (c *memoryConn) Publish(ctx context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.m.mu.RLock()
	handlers := make([]Handler, 0, len(c.m.subs[channel]))
	for _, h := range c.m.subs[channel] {
		handlers = append(handlers, h)
	}
	c.m.mu.RUnlock()
	for _, h := range handlers {
		h(append([]byte(nil), payload...))
	}
	return nil
}

func (c *memoryConn) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.m.mu.Lock()
	c.m.nextId++
	id := c.m.nextId
	if c.m.subs[channel] == nil {
		c.m.subs[channel] = make(map[uint64]Handler)
	}
	c.m.subs[channel][id] = h
	c.m.mu.Unlock()
	s := memorySub{m: c.m, channel: channel, id: id}
	c.ids = append(c.ids, s)
	return s, nil
}

func (c *memoryConn) Enabled() bool { return true }

func (c *memoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, s := range c.ids {
		s.Unsubscribe()
	}
	return nil
}
