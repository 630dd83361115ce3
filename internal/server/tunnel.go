package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/yamux"
)

const (
	tunnelAccepted = '+'
	tunnelRejected = '-'
	maxAddrLine    = 128
)

var ErrTunnelRejected = errors.New("tunnel: token rejected")

func (s *Server) runTunnel(ctx context.Context) {
	for ctx.Err() == nil {
		t0 := time.Now()
		err := s.runTunnelOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Str("tunnel", s.config.TunnelAddr).Msg("tunnel closed")
		}
		t := time.NewTimer(backoff(time.Since(t0)))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
}

func (s *Server) runTunnelOnce(ctx context.Context) error {
	s.log.Info().Msgf("dialling tunnel %s", s.config.TunnelAddr)
	var d net.Dialer
	yconn, err := d.DialContext(ctx, "tcp", s.config.TunnelAddr)
	if err != nil {
		return err
	}
	if err := authenticate(yconn, s.config.TunnelToken); err != nil {
		yconn.Close()
		return err
	}
	s.log.Info().Msg("yamux tunnel accepted")
	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()
	defer session.Close()
	for {
		tconn, err := session.Accept()
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			raddr, err := readAddrLine(tconn)
			if err != nil {
				s.log.Error().Err(err).Msg("error reading tunneled remote address")
				tconn.Close()
				return
			}
			s.handler(ctx, tconn, raddr)
		}()
	}
}

func authenticate(c net.Conn, token string) error {
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	defer c.SetDeadline(time.Time{})
	if _, err := c.Write([]byte(token)); err != nil {
		return err
	}
	status := []byte{0}
	if _, err := c.Read(status); err != nil {
		return err
	}
	if status[0] != tunnelAccepted {
		return ErrTunnelRejected
	}
	return nil
}

// readAddrLine reads the "host:port\n" header of a tunneled stream one byte at
// a time so no tracker data is consumed.
func readAddrLine(c net.Conn) (string, error) {
	var sb strings.Builder
	b := []byte{0}
	for sb.Len() < maxAddrLine {
		if _, err := c.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return strings.TrimSpace(sb.String()), nil
		}
		sb.WriteByte(b[0])
	}
	return "", errors.New("tunnel: remote address line too long")
}
