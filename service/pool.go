package service

import (
	"crypto/tls"
	"sync"

	"github.com/solidframe/solidipc/conn"
	"github.com/solidframe/solidipc/ipcerr"
	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/metrics"
)

// PoolConfig holds the per-pool tunables (pool_max_active_connection_count,
// pool_max_pending_connection_count in the external-interface naming).
type PoolConfig struct {
	MaxActiveConnections int
	MaxPendingQueue       int
	ConnReconnectTimeoutSeconds int
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxActiveConnections: 4,
		MaxPendingQueue:       4096,
	}
}

// locationKind tells cancelMessage where a pool-issued message currently
// lives, so it can route the cancel to the right place.
type locationKind uint8

const (
	locPending locationKind = iota
	locConnection
)

type location struct {
	kind locationKind
	c    *conn.Connection // set when kind == locConnection
	reqID message.RequestID
}

// pendingEntry is one message waiting for a connection to take it. A plain
// mutex-guarded slice, not a channels.InfiniteChannel: cancelMessage needs
// to remove an arbitrary entry by MessageID, which an infinite channel
// cannot do.
type pendingEntry struct {
	id     message.MessageID
	bundle message.Bundle
}

// pool is the set of connections serving one symbolic recipient name, plus
// the pending queue and location index that let sendMessage/cancelMessage
// route work without walking every connection.
type pool struct {
	mu sync.Mutex

	name string
	cfg  PoolConfig

	connections []*conn.Connection
	cursor      int // round-robin position into connections

	pending []pendingEntry

	locations map[message.MessageID]location

	nextUnique uint32
	syncActive bool // a Synchronous message is currently sending somewhere in this pool

	// hasDialTarget, dialAddr, dialTLS and dialSecure remember the address
	// (and optional TLS config) of the first Dial/DialSecure that succeeded
	// for this pool's name, so a pending backlog with no Active
	// connection can trigger an on-demand reconnection to the same peer.
	hasDialTarget bool
	dialAddr      string
	dialTLS       *tls.Config
	dialSecure    bool
	dialing       int // on-demand dials currently in flight

	// triggerDial, if set, asks the owning Service to open one more
	// on-demand connection to dialAddr. Invoked in its own goroutine so it
	// never blocks a caller holding p.mu.
	triggerDial func()
}

func newPool(name string, cfg PoolConfig, triggerDial func()) *pool {
	return &pool{
		name:        name,
		cfg:         cfg,
		locations:   make(map[message.MessageID]location),
		triggerDial: triggerDial,
	}
}

// setDialTarget records addr (and tlsCfg/secure) as this pool's remembered
// on-demand dial target, the first time it is called; later calls are a
// no-op, since every subsequent Dial/DialSecure for this name should agree
// with the first.
func (p *pool) setDialTarget(addr string, tlsCfg *tls.Config, secure bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasDialTarget {
		return
	}
	p.hasDialTarget = true
	p.dialAddr = addr
	p.dialTLS = tlsCfg
	p.dialSecure = secure
}

func (p *pool) dialTarget() (addr string, tlsCfg *tls.Config, secure bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dialAddr, p.dialTLS, p.dialSecure, p.hasDialTarget
}

// maybeTriggerDial asks the owning Service for one more on-demand
// connection if this pool has a remembered dial target and room under
// MaxActiveConnections once already-in-flight dials are accounted for.
// Called with p.mu held; decrementing dialing back down is the triggered
// dial's responsibility.
func (p *pool) maybeTriggerDial() {
	if p.triggerDial == nil || !p.hasDialTarget {
		return
	}
	if len(p.connections)+p.dialing >= p.cfg.MaxActiveConnections {
		return
	}
	p.dialing++
	go p.triggerDial()
}

// reportGauges refreshes the pool-level prometheus gauges; called with
// p.mu already held, after any mutation to connections/pending.
func (p *pool) reportGauges() {
	active := 0
	for _, c := range p.connections {
		if c.State() == conn.Active {
			active++
		}
	}
	metrics.ActiveConnections.WithLabelValues(p.name).Set(float64(active))
	metrics.PendingMessages.WithLabelValues(p.name).Set(float64(len(p.pending)))
}

func (p *pool) allocMessageID() message.MessageID {
	p.nextUnique++
	return message.MessageID{Index: uint32(len(p.locations)), Unique: p.nextUnique}
}

// addConnection registers a connection this pool may route messages
// through once it reaches Active state.
func (p *pool) addConnection(c *conn.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.reportGauges()
	p.connections = append(p.connections, c)
}

// removeConnection drops a connection from the pool's rotation, typically
// called once its DownHandler has finished requeuing retriable traffic.
func (p *pool) removeConnection(c *conn.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.reportGauges()
	for i, cc := range p.connections {
		if cc == c {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			if p.cursor >= len(p.connections) {
				p.cursor = 0
			}
			break
		}
	}
}

// pickConnection returns the next connection in round-robin order whose
// state is Active, or nil if none qualify.
func (p *pool) pickConnection() *conn.Connection {
	n := len(p.connections)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := p.connections[idx]
		if c.State() == conn.Active {
			p.cursor = (idx + 1) % n
			return c
		}
	}
	return nil
}

// enqueue attempts to push bundle directly through the next Active
// connection; if the pool has no Active connection, or that connection's
// writer rejects it, it is appended to the pending queue instead (and, with
// no Active connection, an on-demand dial may be triggered). Synchronous messages never bypass
// an already-sending Synchronous message anywhere in the pool.
func (p *pool) enqueue(bundle message.Bundle) (message.MessageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.reportGauges()

	id := p.allocMessageID()
	bundle.PoolMsgID = id

	if bundle.Flags.Synchronous() && p.syncActive {
		id, err := p.appendPendingLocked(id, bundle)
		p.maybeTriggerDial()
		return id, err
	}

	c := p.pickConnection()
	if c == nil {
		id, err := p.appendPendingLocked(id, bundle)
		p.maybeTriggerDial()
		return id, err
	}

	reqID, err := c.SendMessage(p.wrapSettlement(id, bundle))
	if err != nil {
		return p.appendPendingLocked(id, bundle)
	}
	if bundle.Flags.Synchronous() {
		p.syncActive = true
	}
	p.locations[id] = location{kind: locConnection, c: c, reqID: reqID}
	return id, nil
}

// wrapSettlement wraps bundle's completion callback so the pool learns
// when a message it routed onto a connection finally settles: the
// synchronous gate is released and any queued work gets a chance to drain,
// keeping at most one Synchronous slot sending across the whole pool.
func (p *pool) wrapSettlement(id message.MessageID, bundle message.Bundle) message.Bundle {
	inner := bundle.OnDone
	synchronous := bundle.Flags.Synchronous()
	bundle.OnDone = func(sent message.Message, resp message.Message, err error) {
		if inner != nil {
			inner(sent, resp, err)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.MessagesCompleted.WithLabelValues(p.name, outcome).Inc()
		p.onMessageSettled(id, synchronous)
	}
	return bundle
}

func (p *pool) appendPendingLocked(id message.MessageID, bundle message.Bundle) (message.MessageID, error) {
	if len(p.pending) >= p.cfg.MaxPendingQueue {
		return message.MessageID{}, ipcerr.ErrPoolPendingFull
	}
	p.pending = append(p.pending, pendingEntry{id: id, bundle: bundle})
	p.locations[id] = location{kind: locPending}
	return id, nil
}

// drainPendingLocked tries to push queued messages onto any newly-available
// connection; called after a connection enters Active or after a
// Synchronous message completes.
func (p *pool) drainPendingLocked() {
	for len(p.pending) > 0 {
		if p.pending[0].bundle.Flags.Synchronous() && p.syncActive {
			break
		}
		c := p.pickConnection()
		if c == nil {
			p.maybeTriggerDial()
			break
		}
		e := p.pending[0]
		reqID, err := c.SendMessage(p.wrapSettlement(e.id, e.bundle))
		if err != nil {
			break
		}
		p.pending = p.pending[1:]
		if e.bundle.Flags.Synchronous() {
			p.syncActive = true
		}
		p.locations[e.id] = location{kind: locConnection, c: c, reqID: reqID}
	}
}

// onMessageSettled is called once a bundle this pool routed onto a
// connection completes (response received or failure), clearing the
// synchronous gate and trying to drain more pending work.
func (p *pool) onMessageSettled(id message.MessageID, wasSynchronous bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.reportGauges()
	delete(p.locations, id)
	if wasSynchronous {
		p.syncActive = false
	}
	p.drainPendingLocked()
}

// cancel resolves id's current location and issues the matching cancel,
// removing it from whichever list it occupies.
func (p *pool) cancel(id message.MessageID) error {
	p.mu.Lock()
	loc, ok := p.locations[id]
	if !ok {
		p.mu.Unlock()
		return ipcerr.ErrConnectionInexistent
	}
	if loc.kind == locPending {
		for i, e := range p.pending {
			if e.id == id {
				p.pending = append(p.pending[:i], p.pending[i+1:]...)
				delete(p.locations, id)
				bundle := e.bundle
				p.mu.Unlock()
				bundle.Complete(nil, ipcerr.ErrConnectionMessageCanceled)
				return nil
			}
		}
		p.mu.Unlock()
		return ipcerr.ErrConnectionInexistent
	}
	c := loc.c
	reqID := loc.reqID
	p.mu.Unlock()
	return c.CancelMessage(reqID)
}

// requeue moves retriable bundles handed back by a dying connection into
// the pending queue for redelivery on another connection in the pool, so
// an Idempotent send survives the connection that was carrying it.
func (p *pool) requeue(bundles []message.Bundle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range bundles {
		// id stays the same MessageID the caller was originally handed:
		// Idempotent survival means retrying the same pool-side message,
		// not minting a new one.
		id := b.PoolMsgID
		p.pending = append(p.pending, pendingEntry{id: id, bundle: b})
		p.locations[id] = location{kind: locPending}
	}
	p.drainPendingLocked()
}
