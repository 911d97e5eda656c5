// Package service implements the pool manager: the recipient-name-addressed
// fleet of connections that sendMessage/sendRequest/cancelMessage route
// through, and the pending-queue/requeue machinery that gives Idempotent
// messages survival across a dead connection.
package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/solidframe/solidipc/conn"
	"github.com/solidframe/solidipc/ipcerr"
	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/metrics"
	"github.com/solidframe/solidipc/protocol"
	"github.com/solidframe/solidipc/reader"
)

// Config holds the knobs a Service needs beyond what an individual pool or
// connection already owns.
type Config struct {
	Conn     conn.Config
	Pool     PoolConfig
	Resolver Resolver
}

func DefaultConfig() Config {
	return Config{
		Conn:     conn.DefaultConfig(),
		Pool:     DefaultPoolConfig(),
		Resolver: NewResolver(),
	}
}

// InboundHandler is invoked for every message a Service-managed connection
// delivers that is not itself a response to one of this process's own
// outstanding requests. It is the same shape as conn.InboundHandler; the
// Service only adds pool bookkeeping around it.
type InboundHandler func(name string, c *conn.Connection, d reader.Delivered)

// Service is the process-wide handle addressing every pool and connection;
// an explicit value passed by the caller rather than a package-level
// singleton.
type Service struct {
	reg    *protocol.Registry
	cfg    Config
	log    *log.Logger
	onRecv InboundHandler

	mu         sync.RWMutex
	pools      map[string]*pool
	listeners  []net.Listener

	eg      *errgroup.Group
	haltCh  chan struct{}
	haltOne sync.Once
}

// New creates a Service bound to reg (already frozen) and cfg.
// onRecv may be nil if this process only ever sends requests and expects
// responses, never fresh inbound sends.
func New(reg *protocol.Registry, cfg Config, onRecv InboundHandler) *Service {
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver()
	}
	return &Service{
		reg:    reg,
		cfg:    cfg,
		log:    log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "service"}),
		onRecv: onRecv,
		pools:  make(map[string]*pool),
		eg:     &errgroup.Group{},
		haltCh: make(chan struct{}),
	}
}

func (s *Service) poolByName(name string) *pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	if !ok {
		p = newPool(name, s.cfg.Pool, func() { s.onDemandDial(name) })
		s.pools[name] = p
	}
	return p
}

// Dial opens an outgoing connection to addr, registers it into the pool
// named name and starts it Active. The pool is created if this is its
// first connection; addr is also remembered as the pool's on-demand dial
// target, so a later pending backlog with no Active connection can open
// further connections to the same peer without the caller dialing again.
func (s *Service) Dial(name, addr string) (*conn.Connection, error) {
	c, err := s.dial(name, addr, nil)
	if err != nil {
		return nil, err
	}
	s.poolByName(name).setDialTarget(addr, nil, false)
	return c, nil
}

// DialSecure is Dial over a TLS handshake, using tlsCfg as the connection's
// secure_context (connection_start_secure). The TLS backend itself is
// crypto/tls, treated as an external collaborator the way the resolver is:
// this package only decides when to wrap the socket, never how the
// handshake itself proceeds.
func (s *Service) DialSecure(name, addr string, tlsCfg *tls.Config) (*conn.Connection, error) {
	c, err := s.dial(name, addr, tlsCfg)
	if err != nil {
		return nil, err
	}
	s.poolByName(name).setDialTarget(addr, tlsCfg, true)
	return c, nil
}

// dial resolves addr through cfg.Resolver, opens the transport connection
// (TLS-wrapped when tlsCfg is non-nil) and completes the handshake,
// starting the adopted connection Active.
func (s *Service) dial(name, addr string, tlsCfg *tls.Config) (*conn.Connection, error) {
	sock, err := s.dialSocket(addr, tlsCfg)
	if err != nil {
		return nil, err
	}
	if err := s.clientHandshake(sock); err != nil {
		return nil, err
	}
	return s.adoptConnection(sock, name, conn.Active), nil
}

func (s *Service) dialSocket(addr string, tlsCfg *tls.Config) (net.Conn, error) {
	resolved, err := s.cfg.Resolver.Resolve(context.Background(), addr)
	if err != nil {
		return nil, &ipcerr.ConnectError{Err: err}
	}
	var sock net.Conn
	if tlsCfg != nil {
		sock, err = tls.Dial("tcp", resolved, tlsCfg)
	} else {
		sock, err = net.Dial("tcp", resolved)
	}
	if err != nil {
		return nil, &ipcerr.ConnectError{Err: err}
	}
	return sock, nil
}

func (s *Service) clientHandshake(sock net.Conn) error {
	if err := sendBanner(sock); err != nil {
		_ = sock.Close()
		return &ipcerr.ConnectError{Err: err}
	}
	if _, err := recvBanner(sock); err != nil {
		_ = sock.Close()
		return &ipcerr.ConnectError{Err: err}
	}
	return nil
}

// onDemandDial is triggered by a pool's pending backlog when it has a
// remembered dial target and room under MaxActiveConnections. Unlike an
// explicit Dial, which starts its connection Active without a quota check,
// the new connection starts Passive and is admitted through
// activateConnection, so on-demand growth stays within the pool's
// MaxActiveConnections quota.
func (s *Service) onDemandDial(name string) {
	p := s.poolByName(name)
	defer func() {
		p.mu.Lock()
		p.dialing--
		p.mu.Unlock()
	}()

	addr, tlsCfg, _, ok := p.dialTarget()
	if !ok {
		return
	}

	sock, err := s.dialSocket(addr, tlsCfg)
	if err != nil {
		s.log.Warnf("on-demand dial for pool %s failed: %v", name, err)
		return
	}
	if err := s.clientHandshake(sock); err != nil {
		s.log.Warnf("on-demand handshake for pool %s failed: %v", name, err)
		return
	}

	c := s.adoptConnection(sock, name, conn.Passive)
	s.activateConnection(name, c)
}

// activateConnection admits c into Active state, gated by the owning
// pool's MaxActiveConnections quota (connection_notify_enter_active_state's
// counterpart on the admitting side). If the quota is already full the
// connection stays in whatever state it was adopted in.
func (s *Service) activateConnection(name string, c *conn.Connection) bool {
	p := s.poolByName(name)
	quotaCheck := func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		active := 0
		for _, cc := range p.connections {
			if cc.State() == conn.Active {
				active++
			}
		}
		return active < p.cfg.MaxActiveConnections
	}
	complete := func() {
		s.connectionNotifyEnterActiveState(name, c)
	}
	return c.EnterActive(quotaCheck, complete)
}

// connectionNotifyEnterActiveState runs once c has actually transitioned
// to Active, giving the owning pool's pending queue a chance to drain onto
// the newly available slot.
func (s *Service) connectionNotifyEnterActiveState(name string, c *conn.Connection) {
	p := s.poolByName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportGauges()
	p.drainPendingLocked()
}

func (s *Service) onInbound(c *conn.Connection, d reader.Delivered) {
	if s.onRecv == nil {
		return
	}
	name := s.nameForConnection(c)
	s.onRecv(name, c, d)
}

func (s *Service) nameForConnection(c *conn.Connection) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, p := range s.pools {
		p.mu.Lock()
		for _, pc := range p.connections {
			if pc == c {
				p.mu.Unlock()
				return name
			}
		}
		p.mu.Unlock()
	}
	return ""
}

// SendMessage implements sendMessage(name, message, flags, ...): find or
// create the pool for name, then route bundle through it.
func (s *Service) SendMessage(name string, bundle message.Bundle) (message.MessageID, error) {
	p := s.poolByName(name)
	bundle = s.wrapRegistryCompletion(name, bundle)
	return p.enqueue(bundle)
}

// wrapRegistryCompletion wraps bundle's completion callback so that, once
// the caller's own OnDone has run, the message type's registered
// completion hook (protocol.Registry.Complete) also sees the outcome. This
// is the only call site for Registry.Complete: registering a type with a
// non-nil onComplete has no effect until a bundle of that type is actually
// sent through a Service.
func (s *Service) wrapRegistryCompletion(name string, bundle message.Bundle) message.Bundle {
	inner := bundle.OnDone
	typeID := bundle.TypeID
	bundle.OnDone = func(sent message.Message, resp message.Message, err error) {
		if inner != nil {
			inner(sent, resp, err)
		}
		s.reg.Complete(&protocol.Context{PoolName: name}, typeID, sent, resp, err)
	}
	return bundle
}

// SendRequest is sendMessage with WaitResponse set and handler wired as
// the bundle's completion callback.
func (s *Service) SendRequest(name string, bundle message.Bundle, handler message.CompletionFunc) (message.MessageID, error) {
	bundle.Flags = bundle.Flags.Set(message.FlagWaitResponse)
	inner := bundle.OnDone
	bundle.OnDone = func(sent message.Message, resp message.Message, err error) {
		if inner != nil {
			inner(sent, resp, err)
		}
		if handler != nil {
			handler(sent, resp, err)
		}
	}
	return s.SendMessage(name, bundle)
}

// CancelMessage implements cancelMessage(recipient, message_id): resolve
// id's current location within name's pool and cancel it there.
func (s *Service) CancelMessage(name string, id message.MessageID) error {
	s.mu.RLock()
	p, ok := s.pools[name]
	s.mu.RUnlock()
	if !ok {
		return ipcerr.ErrConnectionInexistent
	}
	return p.cancel(id)
}

// onConnectionDown is wired as every Service-managed connection's
// conn.DownHandler: retriable bundles (Idempotent, not yet answered) are
// handed back to the owning pool's pending queue so another connection in
// the pool can pick them up.
func (s *Service) onConnectionDown(name string, c *conn.Connection, retriable []message.Bundle) {
	p := s.poolByName(name)
	p.removeConnection(c)
	reason := "closed"
	if len(retriable) > 0 {
		reason = "retry"
		p.requeue(retriable)
	}
	metrics.ConnectionTeardowns.WithLabelValues(name, reason).Inc()
}

// Close halts every listener and every connection across every pool, then
// waits for the accept loops to unwind.
func (s *Service) Close() error {
	s.haltOne.Do(func() { close(s.haltCh) })

	s.mu.Lock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for _, p := range s.pools {
		p.mu.Lock()
		conns := append([]*conn.Connection(nil), p.connections...)
		p.mu.Unlock()
		for _, c := range conns {
			c.Kill()
		}
	}
	s.mu.Unlock()

	err := s.eg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pools {
		p.mu.Lock()
		conns := append([]*conn.Connection(nil), p.connections...)
		p.mu.Unlock()
		for _, c := range conns {
			c.Wait()
		}
	}
	return err
}

func (s *Service) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("service(pools=%d, listeners=%d)", len(s.pools), len(s.listeners))
}
