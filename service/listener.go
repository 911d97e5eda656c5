package service

import (
	"crypto/tls"
	"net"

	"golang.org/x/net/netutil"

	"github.com/solidframe/solidipc/conn"
	"github.com/solidframe/solidipc/message"
)

// Listen starts accepting inbound connections on addr. maxConns bounds the
// total number of simultaneously accepted sockets (the Accept-side
// counterpart to a pool's MaxActiveConnections on the dial side); 0 means
// unbounded. Every accepted connection is registered into the pool named
// poolName, created if this is the first traffic for that name.
func (s *Service) Listen(addr, poolName string, maxConns int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.startAccepting(ln, poolName, maxConns)
}

// ListenSecure is Listen with every accepted socket TLS-wrapped by tlsCfg
// before the handshake banner is exchanged.
func (s *Service) ListenSecure(addr, poolName string, maxConns int, tlsCfg *tls.Config) error {
	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.startAccepting(tls.NewListener(inner, tlsCfg), poolName, maxConns)
}

func (s *Service) startAccepting(ln net.Listener, poolName string, maxConns int) error {
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.eg.Go(func() error {
		return s.acceptLoop(ln, poolName)
	})
	return nil
}

func (s *Service) acceptLoop(ln net.Listener, poolName string) error {
	for {
		sock, err := ln.Accept()
		if err != nil {
			select {
			case <-s.haltCh:
				return nil
			default:
			}
			s.log.Errorf("accept on %s: %v", ln.Addr(), err)
			return err
		}
		if _, err := recvBanner(sock); err != nil {
			s.log.Warnf("handshake with %s failed: %v", sock.RemoteAddr(), err)
			_ = sock.Close()
			continue
		}
		if err := sendBanner(sock); err != nil {
			s.log.Warnf("handshake reply to %s failed: %v", sock.RemoteAddr(), err)
			_ = sock.Close()
			continue
		}
		s.adoptConnection(sock, poolName, conn.Active)
	}
}

// adoptConnection wraps sock in a conn.Connection, registers it into
// poolName's pool and starts it in the given lifecycle state.
func (s *Service) adoptConnection(sock net.Conn, poolName string, start conn.State) *conn.Connection {
	p := s.poolByName(poolName)
	var c *conn.Connection
	c = conn.New(sock, s.reg, s.cfg.Conn, s.onInbound, func(retriable []message.Bundle) {
		s.onConnectionDown(poolName, c, retriable)
	})
	c.SetPoolLabel(poolName)
	p.addConnection(c)
	c.Start(start)
	return c
}
