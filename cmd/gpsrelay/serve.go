package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"
	"nuha.dev/gpsrelay/internal/bus"
	"nuha.dev/gpsrelay/internal/bus/natsbus"
	"nuha.dev/gpsrelay/internal/bus/redisbus"
	"nuha.dev/gpsrelay/internal/config"
	"nuha.dev/gpsrelay/internal/events"
	"nuha.dev/gpsrelay/internal/hub"
	"nuha.dev/gpsrelay/internal/interval"
	"nuha.dev/gpsrelay/internal/monitoring"
	"nuha.dev/gpsrelay/internal/ref"
	"nuha.dev/gpsrelay/internal/server"
	"nuha.dev/gpsrelay/internal/session"
	"nuha.dev/gpsrelay/internal/store"
	"nuha.dev/gpsrelay/internal/store/memstore"
	"nuha.dev/gpsrelay/internal/store/pgstore"
	"nuha.dev/gpsrelay/internal/webstream"
)

func serve(parent context.Context, c *config.Config) error {
	log.DefaultLogger.Level = c.Level()
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "main").Value()
	logger.Info().EmbedObject(c).Msg("starting gpsrelay")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer closeStore()

	b, err := openBus(ctx, c)
	if err != nil {
		return err
	}
	defer b.Close()

	ev, err := events.New(c.Node)
	if err != nil {
		return err
	}
	refs, err := ref.New(c.RefSalt)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	h := hub.New(b, refs, fmt.Sprintf("%s/%d", hostname, c.Node))
	h.Start(ctx)
	defer h.Stop()

	registry := session.NewRegistry()
	manager := session.NewManager(registry, st, h, ev)
	manager.LoginTimeout = c.LoginTimeout

	ctrl := interval.New(st, interval.SessionLookup(registry))
	ctrl.Settle = c.Settle
	off := ctrl.Subscribe(ctx, ev)
	defer off()

	srv := server.NewServer(&server.ServerConfig{
		DirectListenerAddr: c.TrackerAddr,
		ProxyProtocol:      c.ProxyProtocol,
		TunnelAddr:         c.TunnelAddr,
		TunnelToken:        c.TunnelToken,
	}, manager.Serve)
	if err := srv.Listen(); err != nil {
		return err
	}

	ws := webstream.NewWebstream(h, st, c.AllowAnonymous)
	mon := monitoring.NewMonApi(&monitoring.MonitoringConfig{ListenAddr: c.HTTPAddr}, ws, registry, h, refs, st, ev)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	err = g.Wait()
	logger.Info().Err(err).Msg("gpsrelay stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func openStore(ctx context.Context, c *config.Config) (store.Store, func(), error) {
	if c.MockStore {
		return memstore.New(c.ActiveInterval, c.IdleInterval), func() {}, nil
	}
	pool, err := pgxpool.Connect(ctx, c.DBURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pgstore.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return pgstore.NewStore(pool), pool.Close, nil
}

func openBus(ctx context.Context, c *config.Config) (bus.Bus, error) {
	switch c.BusDriver {
	case "nats":
		return natsbus.Connect(c.NatsURL, "gpsrelay")
	case "redis":
		return redisbus.Connect(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
	}
	return bus.Disabled, nil
}
