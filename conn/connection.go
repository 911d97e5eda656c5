// Package conn implements the connection state machine: one
// socket, one reader, one writer, a pair of I/O goroutines and the timers
// that drive keep-alive and inactivity behavior.
//
// The original design pins a connection to a single reactor thread and
// delivers every operation as a typed Event on that thread's queue, so all
// state mutation is serialized without locks. Go's runtime already
// multiplexes blocking socket I/O onto OS threads for us (the netpoller is
// the reactor), so this package keeps the spirit — one goroutine each for
// receiving and sending, nothing else touching the wire — but serializes
// access to the shared writer/reader state with a mutex instead of routing
// every call through an explicit event channel. That preserves the "no
// connection method may be invoked directly from another thread" invariant
// with the idiom this codebase's own packages use elsewhere for shared
// mutable state guarded by a small lock.
package conn

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	channels "gopkg.in/eapache/channels.v1"

	"github.com/solidframe/solidipc/ipcerr"
	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/metrics"
	"github.com/solidframe/solidipc/protocol"
	"github.com/solidframe/solidipc/reader"
	"github.com/solidframe/solidipc/workerutil"
	"github.com/solidframe/solidipc/writer"
)

// InboundHandler receives every message that is not itself the response to
// one of our outstanding requests: fresh inbound sends, and requests the
// peer expects a reply to. Replying to a
// WaitResponse delivery means calling SendMessage again with
// message.Bundle.WireCorrelation set to d.Correlation.
type InboundHandler func(c *Connection, d reader.Delivered)

// DownHandler is invoked once, at teardown, with every bundle that was
// in-flight and is retriable: Idempotent messages consumed by a dying
// connection move back to the pool's pending queue.
// Non-retriable bundles are completed by the connection itself and never
// reach this hook.
type DownHandler func(retriable []message.Bundle)

// Connection owns exactly one socket stream, one reader and one writer.
// It is not copyable.
type Connection struct {
	workerutil.Worker

	log *log.Logger

	sock net.Conn
	cfg  Config

	wmu sync.Mutex
	wr  *writer.Writer
	rd  *reader.Reader

	state           atomic.Int32
	wakeCh          chan struct{}
	keepAliveStreak int

	lastSendNano atomic.Int64
	lastRecvNano atomic.Int64

	onInbound InboundHandler
	onDown    DownHandler

	// inbound decouples the recv loop from onInbound's execution time: a
	// slow or blocking handler must never stall reader progress, since a
	// stalled reader eventually backs up the peer's own writer.
	inbound *channels.InfiniteChannel

	closeOnce sync.Once
	closeErr  error

	// loopsOnce guards recv/send/dispatch/watchdog startup so a connection
	// started Raw (loops not yet running, the socket owned entirely by
	// SendRaw/RecvRaw) can still launch them exactly once when it is later
	// promoted to Active or Passive.
	loopsOnce sync.Once

	// metricsPool is the owning pool's name, set once by SetPoolLabel before
	// Start; empty until then, in which case byte/slot metrics are skipped
	// rather than labeled with a meaningless pool name.
	metricsPool   string
	metricsRemote string
}

// SetPoolLabel records the pool name this connection is registered under,
// used to label its prometheus series. Call before Start.
func (c *Connection) SetPoolLabel(pool string) {
	c.metricsPool = pool
	if c.sock != nil {
		c.metricsRemote = c.sock.RemoteAddr().String()
	}
}

// New wraps an already-connected (and, if applicable, already
// TLS-handshaken) socket. The caller picks the lifecycle state with the
// subsequent Start call.
func New(sock net.Conn, reg *protocol.Registry, cfg Config, onInbound InboundHandler, onDown DownHandler) *Connection {
	tuneSocket(sock)
	c := &Connection{
		log:       newConnLogger(sock),
		sock:      sock,
		cfg:       cfg,
		wr:        writer.New(cfg.Writer, reg),
		rd:        reader.New(cfg.Reader, reg),
		wakeCh:    make(chan struct{}, 1),
		onInbound: onInbound,
		onDown:    onDown,
		inbound:   channels.NewInfiniteChannel(),
	}
	c.state.Store(int32(Starting))
	return c
}

func newConnLogger(sock net.Conn) *log.Logger {
	prefix := "conn"
	if sock != nil {
		prefix = "conn " + sock.RemoteAddr().String()
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
	})
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// Start transitions the connection out of Starting into active duty and
// arms whichever timer applies to target. target must be Raw, Passive or
// Active. A Raw start leaves the socket untouched by any loop: the caller
// owns it exclusively through SendRaw/RecvRaw until a later EnterActive or
// EnterPassive call launches the framing loops. Passive and Active both
// launch the loops immediately.
func (c *Connection) Start(target State) {
	now := time.Now().UnixNano()
	c.lastSendNano.Store(now)
	c.lastRecvNano.Store(now)
	c.setState(target)

	if target != Raw {
		c.startLoops(target)
	}
	c.log.Debugf("started in state %v", target)
}

func (c *Connection) startLoops(target State) {
	c.loopsOnce.Do(func() {
		c.Go(c.recvLoop)
		c.Go(c.sendLoop)
		c.Go(c.dispatchLoop)
		if target == Active && c.cfg.InactivityTimeout > 0 {
			c.Go(c.watchdogLoop)
		}
	})
}

// EnterActive transitions the connection to Active. quotaCheck, if set, is
// consulted first (the service layer's admission check against a pool's
// active-connection quota); if it reports false the connection stays in its
// current state and complete is never invoked. Otherwise the state is set,
// the framing loops are launched if this connection started Raw, and
// complete (if set) is invoked once the transition has taken effect.
func (c *Connection) EnterActive(quotaCheck func() bool, complete func()) bool {
	if quotaCheck != nil && !quotaCheck() {
		return false
	}
	c.setState(Active)
	c.startLoops(Active)
	if complete != nil {
		complete()
	}
	return true
}

// EnterPassive transitions the connection to Passive, launching the framing
// loops if this connection started Raw, then invokes complete if set.
func (c *Connection) EnterPassive(complete func()) {
	c.setState(Passive)
	c.startLoops(Passive)
	if complete != nil {
		complete()
	}
}

// SendRaw writes data directly to the socket, bypassing the writer and
// packet framing entirely. Valid only while the connection is in the Raw
// state, used while a peer hand-off is pending and bytes must pass through
// untouched. complete, if set, is invoked with the outcome.
func (c *Connection) SendRaw(data []byte, complete func(error)) {
	if c.State() != Raw {
		if complete != nil {
			complete(ipcerr.ErrConnectionInvalidState)
		}
		return
	}
	c.wmu.Lock()
	_, err := c.sock.Write(data)
	c.wmu.Unlock()
	if err == nil {
		c.noteSendActivity()
	}
	if complete != nil {
		complete(err)
	}
}

// RecvRaw reads directly off the socket into buf, bypassing the reader and
// packet framing entirely. Valid only in the Raw state. complete, if set,
// receives the slice actually filled (which may be a short read) and any
// error.
func (c *Connection) RecvRaw(buf []byte, complete func([]byte, error)) {
	if c.State() != Raw {
		if complete != nil {
			complete(nil, ipcerr.ErrConnectionInvalidState)
		}
		return
	}
	n, err := c.sock.Read(buf)
	if n > 0 {
		c.noteRecvActivity()
	}
	if complete != nil {
		complete(buf[:n], err)
	}
}

// SendMessage enqueues bundle onto the writer and wakes the send loop. It
// fails if the writer is already at its message-count cap or the
// connection is no longer accepting work.
func (c *Connection) SendMessage(b message.Bundle) (message.RequestID, error) {
	if c.State() >= Stopping {
		return message.RequestID{}, ipcerr.ErrConnectionStopping
	}
	c.wmu.Lock()
	reqID, ok := c.wr.Enqueue(b)
	c.wmu.Unlock()
	if !ok {
		return message.RequestID{}, ipcerr.ErrConnectionMessageFailSend
	}
	c.signalWake()
	return reqID, nil
}

// CancelMessage cancels a
// message this connection's writer currently holds. A message already
// mid-send completes asynchronously once its canceled marker flushes; the
// caller is notified either way through the bundle's own completion
// callback, never through CancelMessage's return value.
func (c *Connection) CancelMessage(reqID message.RequestID) error {
	c.wmu.Lock()
	b, immediate, found := c.wr.Cancel(reqID)
	c.wmu.Unlock()
	if !found {
		return ipcerr.ErrMessageInexistent
	}
	if immediate {
		b.Complete(nil, ipcerr.ErrConnectionMessageCanceled)
	}
	c.signalWake()
	return nil
}

// Kill implements the forced-stop event: the connection
// moves to Stopping, every message the writer held is completed with
// ipcerr.ErrConnectionKilled (retriable ones are handed to onDown instead),
// and the socket is closed immediately rather than drained gracefully.
func (c *Connection) Kill() {
	c.teardown(ipcerr.ErrConnectionKilled)
}

// Stop requests a graceful shutdown: enqueue the close sentinel at the back
// of the writer's sending list, so the messages ahead of it flush before the
// send loop reports ipcerr.ErrDelayedClosePending and the connection
// finishes tearing down. Messages still pending at that point, or rotated
// behind the sentinel by the fairness rule, are not sent; teardown drains
// them like any other held bundle.
func (c *Connection) Stop() {
	if c.State() >= Stopping {
		return
	}
	c.setState(Stopping)
	c.wmu.Lock()
	c.wr.EnqueueClose()
	c.wmu.Unlock()
	c.signalWake()
}

// Wait blocks until the recv, send and dispatch goroutines (and the
// watchdog, if armed) have returned.
func (c *Connection) Wait() { c.Worker.Wait() }

func (c *Connection) signalWake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// recvLoop owns the socket's read side exclusively: it is the only
// goroutine that calls sock.Read or touches the reader, so no lock is
// needed around rd.
func (c *Connection) recvLoop() {
	buf := make([]byte, c.cfg.ReadBufferSize)
	filled := 0
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}
		if filled == len(buf) {
			// doOptimizeRecvBuffer never had anywhere to compact to: a
			// single message's typeID+header+body exceeded the buffer.
			c.teardown(&ipcerr.ProtocolError{Err: ipcerr.ErrInvalidPacketHeader})
			return
		}
		n, err := c.sock.Read(buf[filled:])
		if n > 0 {
			if c.metricsPool != "" {
				metrics.BytesReceived.WithLabelValues(c.metricsPool, c.metricsRemote).Add(float64(n))
			}
			filled += n
			consumed, keepAlive, rerr := c.rd.Read(buf[:filled], c.onDelivered)
			if rerr != nil {
				c.teardown(rerr)
				return
			}
			if consumed > 0 {
				copy(buf, buf[consumed:filled])
				filled -= consumed
				c.noteRecvActivity()
			}
			if keepAlive {
				c.noteRecvActivity()
				c.keepAliveStreak++
				if c.cfg.MaxKeepAlivePackets > 0 && c.keepAliveStreak > c.cfg.MaxKeepAlivePackets {
					c.teardown(ipcerr.ErrConnectionTooManyKeepAlivePackets)
					return
				}
			} else if consumed > 0 {
				c.keepAliveStreak = 0
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.teardown(nil)
			} else {
				c.teardown(err)
			}
			return
		}
	}
}

// onDelivered is the reader's DeliverFunc. A
// delivery whose Correlation names a slot the local writer still holds in
// statusCompleting is this connection's own response; everything else is
// forwarded to onInbound, including fresh requests that themselves expect
// a reply.
func (c *Connection) onDelivered(d reader.Delivered) {
	if !d.Correlation.Zero() {
		c.wmu.Lock()
		b, found := c.wr.CompleteWithResponse(d.Correlation)
		c.wmu.Unlock()
		if found {
			b.Complete(d.Value, nil)
			return
		}
	}
	if c.onInbound != nil {
		c.inbound.In() <- d
	}
}

// dispatchLoop is the sole consumer of c.inbound, invoking onInbound off
// the recv loop's own goroutine.
func (c *Connection) dispatchLoop() {
	out := c.inbound.Out()
	for {
		select {
		case <-c.HaltCh():
			return
		case v, ok := <-out:
			if !ok {
				return
			}
			c.onInbound(c, v.(reader.Delivered))
		}
	}
}

// sendLoop owns the socket's write side exclusively; it wakes on wakeCh
// (new work, a cancellation, or Stop's close sentinel) and on its own
// keep-alive ticker, draining the writer each time until it runs dry.
func (c *Connection) sendLoop() {
	buf := make([]byte, c.cfg.WriteBufferSize)
	var ticker *time.Ticker
	var tickCh <-chan time.Time
	if c.cfg.KeepAliveInterval > 0 {
		ticker = time.NewTicker(c.cfg.KeepAliveInterval / 4)
		tickCh = ticker.C
		defer ticker.Stop()
	}
	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.wakeCh:
		case <-tickCh:
		}
		for {
			wantKeepAlive := c.dueForKeepAlive()
			c.wmu.Lock()
			n, err := c.wr.Write(buf, wantKeepAlive, c.onWriterDone)
			c.wmu.Unlock()
			if err != nil {
				if errors.Is(err, ipcerr.ErrDelayedClosePending) {
					if n > 0 {
						if _, werr := c.sock.Write(buf[:n]); werr != nil {
							c.teardown(werr)
							return
						}
						c.noteSendActivity()
					}
					c.teardown(nil)
					return
				}
				c.teardown(err)
				return
			}
			if n == 0 {
				break
			}
			if _, werr := c.sock.Write(buf[:n]); werr != nil {
				c.teardown(werr)
				return
			}
			c.noteSendActivity()
			if c.metricsPool != "" {
				metrics.BytesSent.WithLabelValues(c.metricsPool, c.metricsRemote).Add(float64(n))
				c.wmu.Lock()
				sending := c.wr.SendingCount()
				c.wmu.Unlock()
				metrics.SendingSlots.WithLabelValues(c.metricsPool, c.metricsRemote).Set(float64(sending))
			}
			if n < len(buf) {
				break
			}
		}
	}
}

// onWriterDone is the writer's DoneCallback: every plain send completion
// and every canceled-message completion passes through here.
func (c *Connection) onWriterDone(b message.Bundle, err error) {
	if errors.Is(err, ipcerr.ErrMessageCanceled) {
		err = ipcerr.ErrConnectionMessageCanceled
	}
	b.Complete(nil, err)
}

func (c *Connection) noteSendActivity() { c.lastSendNano.Store(time.Now().UnixNano()) }
func (c *Connection) noteRecvActivity() { c.lastRecvNano.Store(time.Now().UnixNano()) }

func (c *Connection) dueForKeepAlive() bool {
	if c.cfg.KeepAliveInterval <= 0 {
		return false
	}
	last := time.Unix(0, c.lastSendNano.Load())
	return time.Since(last) >= c.cfg.KeepAliveInterval
}

// watchdogLoop implements the server-side inactivity timer: no recv
// activity for InactivityTimeout stops the connection.
func (c *Connection) watchdogLoop() {
	interval := c.cfg.InactivityTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-t.C:
			last := time.Unix(0, c.lastRecvNano.Load())
			if time.Since(last) > c.cfg.InactivityTimeout {
				c.teardown(ipcerr.ErrConnectionInactivityTimeout)
				return
			}
		}
	}
}

// teardown implements the staged Stop: halt both
// loops, drain the writer, complete every non-retriable bundle with err
// (ipcerr.ErrConnectionKilled when driven by Kill;
// ipcerr.ErrConnectionStopping when err is nil, i.e. a clean EOF/graceful
// close), and hand retriable ones to onDown so a pool can requeue them on
// another connection.
func (c *Connection) teardown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.setState(Stopping)
		c.Halt()
		_ = c.sock.Close()
		c.inbound.Close()

		c.wmu.Lock()
		drained := c.wr.DrainAll()
		c.wmu.Unlock()

		failErr := err
		if failErr == nil {
			failErr = ipcerr.ErrConnectionStopping
		}

		var retriable []message.Bundle
		for _, b := range drained {
			if b.IsRetriable() {
				retriable = append(retriable, b)
			} else {
				b.Complete(nil, failErr)
			}
		}
		if len(retriable) > 0 {
			if c.onDown != nil {
				c.onDown(retriable)
			} else {
				for _, b := range retriable {
					b.Complete(nil, failErr)
				}
			}
		}
		c.setState(Stopped)
		if err != nil {
			c.log.Debugf("stopped: %v", err)
		} else {
			c.log.Debugf("stopped")
		}
	})
}

// Err returns the error that caused teardown, or nil for a clean close or
// a connection still running.
func (c *Connection) Err() error { return c.closeErr }
