package redisbus

import (
	"context"
	"fmt"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
	"nuha.dev/gpsrelay/internal/bus"
)

type Bus struct {
	rdb *redis.Client
	log log.Logger
}

func Connect(ctx context.Context, addr string, password string, db int) (*Bus, error) {
	b := &Bus{}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "redisbus").Value()
	b.rdb = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		Protocol: 2,
	})
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		b.rdb.Close()
		return nil, fmt.Errorf("redisbus: ping %s: %w", addr, err)
	}
	return b, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

type subscription struct {
	ps *redis.PubSub
}

func (s subscription) Unsubscribe() error {
	return s.ps.Close()
}

func (b *Bus) Subscribe(ctx context.Context, channel string, h bus.Handler) (bus.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// first reply is the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			h([]byte(msg.Payload))
		}
		b.log.Debug().Str("event", "subscription_closed").Str("channel", channel).Msg("")
	}()
	return subscription{ps: ps}, nil
}

func (b *Bus) Enabled() bool { return true }

func (b *Bus) Close() error {
	return b.rdb.Close()
}
