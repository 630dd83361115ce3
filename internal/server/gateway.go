package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
)

// Gateway is the public end of the tunnel: it accepts tracker connections on an
// external listener and forwards each as a stream over the yamux session
// opened by a relay behind NAT.
type Gateway struct {
	mu      sync.Mutex
	log     log.Logger
	token   string
	session *yamux.Session
}

func NewGateway(token string) *Gateway {
	g := &Gateway{token: token}
	g.log = log.DefaultLogger
	g.log.Context = log.NewContext(nil).Str("module", "tunnel-gateway").Value()
	return g
}

// Serve runs until ctx is done. Both listeners are closed on return.
func (g *Gateway) Serve(ctx context.Context, tunnelLn, externalLn net.Listener) error {
	go func() {
		<-ctx.Done()
		tunnelLn.Close()
		externalLn.Close()
		g.mu.Lock()
		if g.session != nil {
			g.session.Close()
		}
		g.mu.Unlock()
	}()
	go g.acceptTunnels(ctx, tunnelLn)
	for {
		c, err := externalLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go g.forward(c)
	}
}

func (g *Gateway) acceptTunnels(ctx context.Context, ln net.Listener) {
	for {
		yconn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				g.log.Error().Err(err).Msg("tunnel accept failed")
			}
			return
		}
		g.log.Info().Str("remote", yconn.RemoteAddr().String()).Msg("accepting tunnel connection")
		if !g.checkToken(yconn) {
			yconn.Close()
			continue
		}
		session, err := yamux.Server(yconn, nil)
		if err != nil {
			g.log.Error().Err(err).Msg("error creating tunnel session")
			yconn.Close()
			continue
		}
		g.mu.Lock()
		if g.session != nil {
			g.session.Close()
		}
		g.session = session
		g.mu.Unlock()
	}
}

func (g *Gateway) checkToken(c net.Conn) bool {
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	defer c.SetDeadline(time.Time{})
	token := make([]byte, 64)
	n, err := c.Read(token)
	if err != nil {
		g.log.Error().Err(err).Msg("error reading tunnel token")
		return false
	}
	if string(token[:n]) != g.token {
		_, _ = c.Write([]byte{tunnelRejected})
		g.log.Warn().Str("remote", c.RemoteAddr().String()).Msg("tunnel token rejected")
		return false
	}
	_, err = c.Write([]byte{tunnelAccepted})
	return err == nil
}

func (g *Gateway) forward(c net.Conn) {
	defer c.Close()
	g.mu.Lock()
	session := g.session
	g.mu.Unlock()
	if session == nil || session.IsClosed() {
		g.log.Warn().Str("remote", c.RemoteAddr().String()).Msg("no tunnel, dropping connection")
		return
	}
	stream, err := session.Open()
	if err != nil {
		g.log.Error().Err(err).Msg("error opening tunnel stream")
		return
	}
	defer stream.Close()
	if _, err := stream.Write([]byte(c.RemoteAddr().String() + "\n")); err != nil {
		return
	}
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(stream, c)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(c, stream)
		done <- struct{}{}
	}()
	<-done
}
