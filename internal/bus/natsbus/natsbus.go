package natsbus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/bus"
)

type Bus struct {
	nc  *nats.Conn
	log log.Logger
}

func Connect(url string, name string) (*Bus, error) {
	b := &Bus{}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "natsbus").Value()
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		// publish fails while disconnected so the hub delivers locally
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			b.log.Warn().Err(err).Str("event", "disconnected").Msg("")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.log.Info().Str("event", "reconnected").Str("url", c.ConnectedUrl()).Msg("")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", url, err)
	}
	b.nc = nc
	return b, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.nc.Publish(channel, payload)
}

func (b *Bus) Subscribe(ctx context.Context, channel string, h bus.Handler) (bus.Subscription, error) {
	sub, err := b.nc.Subscribe(channel, func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return nil, err
	}
	// make sure the server registered the interest before reporting success
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func (b *Bus) Enabled() bool { return true }

func (b *Bus) Close() error {
	return b.nc.Drain()
}
