// Package server accepts tracker connections, directly or through a yamux tunnel.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
)

// Handler serves one tracker connection until it closes. raddr is the tracker
// address for tunneled connections and empty otherwise.
type Handler func(ctx context.Context, c net.Conn, raddr string)

type ServerConfig struct {
	DirectListenerAddr string
	ProxyProtocol      bool
	TunnelAddr         string
	TunnelToken        string
}

type Server struct {
	mu       sync.Mutex
	log      log.Logger
	config   *ServerConfig
	handler  Handler
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(config *ServerConfig, h Handler) *Server {
	s := &Server{config: config, handler: h}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "gps-server").Value()
	return s
}

// Listen opens the direct listener, a no-op when none is configured.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.DirectListenerAddr == "" || s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.DirectListenerAddr)
	if err != nil {
		return err
	}
	if s.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	s.listener = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves until ctx is done, then waits for open connections to finish.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		s.log.Info().Msgf("starting gps-server on %s", ln.Addr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runDirectListener(ctx, ln)
		}()
	}
	if s.config.TunnelAddr != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTunnel(ctx)
		}()
	}
	<-ctx.Done()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) runDirectListener(ctx context.Context, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.log.Error().Err(err).Msg("failed to accept new connection")
			}
			return
		}
		s.serve(ctx, c, "")
	}
}

func (s *Server) serve(ctx context.Context, c net.Conn, raddr string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handler(ctx, c, raddr)
	}()
}

// backoff returns how long to wait before redialing a tunnel that lasted d.
func backoff(d time.Duration) time.Duration {
	if d > 10*time.Second {
		return 1 * time.Second
	}
	return 5 * time.Second
}
