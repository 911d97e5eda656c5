// Package writer implements the message writer: it holds the
// set of in-flight outgoing messages and, on demand, fills a caller-supplied
// buffer with as many packet bytes as fit, multiplexing fragments of
// multiple messages into one packet while enforcing cancellation,
// synchronous ordering and fairness across messages.
package writer

import (
	"github.com/solidframe/solidipc/ipcerr"
	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/protocol"
	"github.com/solidframe/solidipc/wire"
)

// Config holds the writer-side limits.
type Config struct {
	// MaxMultiplex bounds how many messages may be concurrently in the
	// `sending` status list (max_writer_multiplex_message_count).
	MaxMultiplex int
	// MaxContinuousPackets is the number of consecutive packets a single
	// message may monopolize before the writer rotates it to the back of
	// `sending` to give another message airtime
	// (max_writer_message_continuous_packet_count).
	MaxContinuousPackets int
	// MaxMessageCount is the hard cap on live slots
	// (max_writer_message_count); Enqueue returns false once reached.
	MaxMessageCount int
	// CompressFunc, if set, is offered every message body before it is
	// packetized (inplace_compress_fnc). It reports ok=false to decline
	// (for instance because the result would not be smaller), in which
	// case the original bytes are sent uncompressed.
	CompressFunc func(data []byte) (compressed []byte, ok bool)
}

// DefaultConfig mirrors sensible defaults seen across this codebase's
// buffering code (small multiplex factors, generous hard caps).
func DefaultConfig() Config {
	return Config{
		MaxMultiplex:         4,
		MaxContinuousPackets: 4,
		MaxMessageCount:      4096,
	}
}

// Writer is not safe for concurrent use; the owning conn.Connection
// serializes access to it from its several goroutines with its wmu mutex.
type Writer struct {
	cfg Config
	reg *protocol.Registry

	slots []slot
	live  int

	orderHead, orderTail     int32
	pendingHead, pendingTail int32
	sendingHead, sendingTail int32
	cachedHead, cachedTail   int32

	sendingCount     int
	syncSendingCount int

	nextUnique uint32

	// mplexSeats is the writer's small multiplex table: mplexSeats[i] holds
	// the slots index currently occupying wire seat i, or nilIdx if free.
	// Every fragment run on the wire is tagged with its seat number so the
	// reader can route continuation bytes without inferring rotation order.
	mplexSeats []int32
}

// New constructs a Writer bound to reg. reg supplies Marshal for outgoing
// message bodies and MinFreePacketData for the fill-packet threshold.
func New(cfg Config, reg *protocol.Registry) *Writer {
	seats := make([]int32, cfg.MaxMultiplex)
	for i := range seats {
		seats[i] = nilIdx
	}
	return &Writer{
		cfg:         cfg,
		reg:         reg,
		orderHead:   nilIdx,
		orderTail:   nilIdx,
		pendingHead: nilIdx,
		pendingTail: nilIdx,
		sendingHead: nilIdx,
		sendingTail: nilIdx,
		cachedHead:  nilIdx,
		cachedTail:  nilIdx,
		mplexSeats:  seats,
	}
}

// allocMplexSeat assigns slot idx the first free wire seat.
func (w *Writer) allocMplexSeat(idx int32) {
	for i, occ := range w.mplexSeats {
		if occ == nilIdx {
			w.mplexSeats[i] = idx
			w.slots[idx].mplexIdx = uint8(i)
			return
		}
	}
	// canPromoteNow/promotePending already bound sendingCount by
	// len(mplexSeats), so every entry into `sending` finds a free seat.
	panic("writer: no free multiplex seat")
}

func (w *Writer) freeMplexSeat(idx int32) {
	s := &w.slots[idx]
	if s.mplexIdx == noMplex {
		return
	}
	w.mplexSeats[s.mplexIdx] = nilIdx
	s.mplexIdx = noMplex
}

// PendingCount, SendingCount and LiveCount expose slot-list sizes for
// metrics and invariant tests.
func (w *Writer) PendingCount() int { return w.statusListLen(w.pendingHead) }
func (w *Writer) SendingCount() int { return w.sendingCount }
func (w *Writer) LiveCount() int    { return w.live }

func (w *Writer) allocSlot() int32 {
	if w.cachedHead != nilIdx {
		idx := w.statusPopFront(&w.cachedHead, &w.cachedTail)
		w.slots[idx].reset()
		w.live++
		return idx
	}
	w.slots = append(w.slots, slot{})
	idx := int32(len(w.slots) - 1)
	w.slots[idx].reset()
	w.live++
	return idx
}

func (w *Writer) freeSlot(idx int32) {
	s := &w.slots[idx]
	*s = slot{}
	s.status = statusInvalid
	w.statusPushBack(&w.cachedHead, &w.cachedTail, idx)
	w.live--
}

// Enqueue installs bundle into a fresh slot, placing it directly into
// `sending` when the multiplex cap and synchronous-ordering rule allow, or
// into `pending` otherwise. It returns false (without mutating anything)
// once MaxMessageCount live slots are already in use.
func (w *Writer) Enqueue(bundle message.Bundle) (message.RequestID, bool) {
	if w.live >= w.cfg.MaxMessageCount {
		return message.RequestID{}, false
	}
	idx := w.allocSlot()
	s := &w.slots[idx]
	s.unique = w.nextUnique
	w.nextUnique++
	reqID := message.RequestID{Index: uint32(idx), Unique: s.unique}
	bundle.ReqID = reqID
	s.bundle = bundle

	w.orderPushBack(idx)
	if w.canPromoteNow(bundle.Flags) {
		s.status = statusSending
		w.statusPushBack(&w.sendingHead, &w.sendingTail, idx)
		w.sendingCount++
		w.allocMplexSeat(idx)
		if bundle.Flags.Synchronous() {
			w.syncSendingCount++
		}
	} else {
		s.status = statusPending
		w.statusPushBack(&w.pendingHead, &w.pendingTail, idx)
	}
	return reqID, true
}

func (w *Writer) canPromoteNow(f message.Flags) bool {
	if w.sendingCount >= w.cfg.MaxMultiplex {
		return false
	}
	if f.Synchronous() {
		return w.syncSendingCount == 0
	}
	return true
}

// EnqueueClose inserts the empty-message stop sentinel at the back of
// `sending`: once it reaches the front of `sending` with no fragment yet
// emitted in the current packet, Write reports ErrDelayedClosePending so
// the connection knows the messages that were ahead of it in `sending`
// have flushed and it may proceed to physically close the socket.
// Messages still in `pending`, or rotated behind the sentinel by the
// fairness rule, are not flushed first.
func (w *Writer) EnqueueClose() {
	idx := w.allocSlot()
	s := &w.slots[idx]
	s.isStop = true
	w.orderPushBack(idx)
	s.status = statusSending
	w.statusPushBack(&w.sendingHead, &w.sendingTail, idx)
	w.sendingCount++
}

// lookup validates a RequestID against the live slot table.
func (w *Writer) lookup(reqID message.RequestID) (int32, bool) {
	idx := int32(reqID.Index)
	if idx < 0 || int(idx) >= len(w.slots) {
		return 0, false
	}
	s := &w.slots[idx]
	if s.status == statusInvalid || s.unique != reqID.Unique {
		return 0, false
	}
	return idx, true
}

// Cancel marks the message identified by reqID canceled. If it has not
// yet emitted a single byte, it is removed
// immediately and its bundle returned for the caller to complete as
// canceled (immediate=true). If it is mid-send, the slot
// is flagged so the writer emits a canceled-variant control code on its
// next turn and completes it then — Cancel returns immediate=false but
// found=true so the caller knows not to complete it twice. If reqID does
// not name a live slot, found is false.
func (w *Writer) Cancel(reqID message.RequestID) (bundle message.Bundle, immediate bool, found bool) {
	idx, ok := w.lookup(reqID)
	if !ok {
		return message.Bundle{}, false, false
	}
	s := &w.slots[idx]
	switch s.status {
	case statusPending:
		w.statusRemove(&w.pendingHead, &w.pendingTail, idx)
		w.orderRemove(idx)
		b := s.bundle
		w.freeSlot(idx)
		w.promotePending()
		return b, true, true
	case statusSending:
		if !s.serializerStarted {
			w.statusRemove(&w.sendingHead, &w.sendingTail, idx)
			w.sendingCount--
			w.freeMplexSeat(idx)
			if s.bundle.Flags.Synchronous() {
				w.syncSendingCount--
			}
			w.orderRemove(idx)
			b := s.bundle
			w.freeSlot(idx)
			w.promotePending()
			return b, true, true
		}
		s.canceled = true
		s.bundle.Flags = s.bundle.Flags.MarkCanceled()
		return message.Bundle{}, false, true
	case statusCompleting:
		w.orderRemove(idx)
		b := s.bundle
		w.freeSlot(idx)
		return b, true, true
	default:
		return message.Bundle{}, false, false
	}
}

// CancelOldest forcibly drains the order list's head slot. (Connection
// teardown does not use it; it drains every slot at once with DrainAll.)
func (w *Writer) CancelOldest() (message.Bundle, bool) {
	idx := w.orderHead
	if idx == nilIdx {
		return message.Bundle{}, false
	}
	s := &w.slots[idx]
	switch s.status {
	case statusPending:
		w.statusRemove(&w.pendingHead, &w.pendingTail, idx)
	case statusSending:
		w.statusRemove(&w.sendingHead, &w.sendingTail, idx)
		w.sendingCount--
		w.freeMplexSeat(idx)
		if s.bundle.Flags.Synchronous() {
			w.syncSendingCount--
		}
	}
	w.orderRemove(idx)
	b := s.bundle
	w.freeSlot(idx)
	w.promotePending()
	return b, true
}

// CompleteWithResponse finds the WaitResponse slot matching reqID (now
// parked outside pending/sending with status statusCompleting) and
// completes it with the received response, freeing the slot.
func (w *Writer) CompleteWithResponse(reqID message.RequestID) (message.Bundle, bool) {
	idx, ok := w.lookup(reqID)
	if !ok {
		return message.Bundle{}, false
	}
	s := &w.slots[idx]
	if s.status != statusCompleting {
		return message.Bundle{}, false
	}
	w.orderRemove(idx)
	b := s.bundle
	w.freeSlot(idx)
	return b, true
}

// promotePending implements the fairness policy: promote the
// pending head if it is asynchronous and there is room, or synchronous and
// no other synchronous message is currently sending; otherwise walk once
// for the first asynchronous message further back in pending.
func (w *Writer) promotePending() {
	if w.pendingHead == nilIdx || w.sendingCount >= w.cfg.MaxMultiplex {
		return
	}
	head := w.pendingHead
	if !w.slots[head].bundle.Flags.Synchronous() {
		w.promoteIdx(head)
		return
	}
	if w.syncSendingCount == 0 {
		w.promoteIdx(head)
		return
	}
	for cur := w.slots[head].statusNext; cur != nilIdx; cur = w.slots[cur].statusNext {
		if !w.slots[cur].bundle.Flags.Synchronous() {
			w.promoteIdx(cur)
			return
		}
	}
}

func (w *Writer) promoteIdx(idx int32) {
	w.statusRemove(&w.pendingHead, &w.pendingTail, idx)
	s := &w.slots[idx]
	s.status = statusSending
	w.statusPushBack(&w.sendingHead, &w.sendingTail, idx)
	w.sendingCount++
	w.allocMplexSeat(idx)
	if s.bundle.Flags.Synchronous() {
		w.syncSendingCount++
	}
}

// codeFor selects the control code for slot idx. A
// canceled slot is always announced with SwitchToOldCanceledMessage: Cancel
// only ever sets the canceled flag once serializerStarted is already true
// (an unstarted message is removed outright, never reaching here), and the
// writer emits exactly one canceled-variant run per message before freeing
// it, so ContinuedCanceledMessage (defined for a peer that wants to tell
// these two cases apart) is never produced by this implementation — the
// reader still accepts it for robustness.
func (w *Writer) codeFor(idx int32) wire.ControlCode {
	s := &w.slots[idx]
	switch {
	case s.canceled:
		return wire.SwitchToOldCanceledMessage
	case !s.serializerStarted:
		return wire.SwitchToNewMessage
	case s.packetsThisTurn == 0:
		return wire.SwitchToOldMessage
	default:
		return wire.ContinuedMessage
	}
}

// DoneCallback is invoked by Write for every message that finishes within
// that call (fully sent without WaitResponse, or its canceled marker
// flushed).
type DoneCallback func(bundle message.Bundle, err error)

// fillPacket fills payload with as many interleaved fragments as fit,
// returning the header type for the packet's first fragment.
func (w *Writer) fillPacket(payload []byte, onDone DoneCallback) (n int, headerType wire.ControlCode, hadFragment bool, err error) {
	pos := 0
	for {
		if w.sendingHead == nilIdx {
			break
		}
		idx := w.sendingHead
		s := &w.slots[idx]

		if s.isStop {
			if !hadFragment {
				err = ipcerr.ErrDelayedClosePending
			}
			break
		}

		code := w.codeFor(idx)
		needed := 1 // multiplex seat byte
		if hadFragment {
			needed = 2 // control-code byte + seat byte
		}
		if pos+needed > len(payload) {
			break
		}
		if hadFragment {
			payload[pos] = byte(code)
			pos++
		} else {
			headerType = code
			hadFragment = true
		}
		payload[pos] = s.mplexIdx
		pos++

		if s.canceled {
			b := s.bundle
			w.statusRemove(&w.sendingHead, &w.sendingTail, idx)
			w.sendingCount--
			w.freeMplexSeat(idx)
			if b.Flags.Synchronous() {
				w.syncSendingCount--
			}
			w.orderRemove(idx)
			w.freeSlot(idx)
			w.promotePending()
			if onDone != nil {
				onDone(b, ipcerr.ErrMessageCanceled)
			}
			if pos >= len(payload) {
				break
			}
			continue
		}

		if !s.serializerStarted {
			if s.payload == nil {
				data, merr := w.reg.Marshal(s.bundle.TypeID, s.bundle.Value)
				if merr != nil {
					err = merr
					break
				}
				compressed := false
				if w.cfg.CompressFunc != nil {
					if out, ok := w.cfg.CompressFunc(data); ok {
						data = out
						compressed = true
					}
				}
				waitResp := s.bundle.Flags.WaitResponse()
				token := s.bundle.WireCorrelation
				if waitResp && token.Zero() {
					token = s.bundle.ReqID
				}
				mh := wire.MessageHeader{
					WaitResponse: waitResp,
					Compressed:   compressed,
					ReqIndex:     token.Index,
					ReqUnique:    token.Unique,
					BodyLen:      uint32(len(data)),
				}
				buf := wire.PutTypeID(make([]byte, 0, len(data)+wire.MessageHeaderSize+8), s.bundle.TypeID)
				hdrBytes := make([]byte, wire.MessageHeaderSize)
				mh.Encode(hdrBytes)
				buf = append(buf, hdrBytes...)
				s.payload = append(buf, data...)
			}
			s.serializerStarted = true
			s.packetsThisTurn = 0
		}

		avail := len(payload) - pos
		if avail <= 0 {
			break
		}
		toCopy := len(s.payload) - s.offset
		if toCopy > avail {
			toCopy = avail
		}
		copy(payload[pos:pos+toCopy], s.payload[s.offset:s.offset+toCopy])
		pos += toCopy
		s.offset += toCopy

		if s.offset >= len(s.payload) {
			b := s.bundle
			w.statusRemove(&w.sendingHead, &w.sendingTail, idx)
			w.sendingCount--
			w.freeMplexSeat(idx)
			if b.Flags.Synchronous() {
				w.syncSendingCount--
			}
			if b.Flags.WaitResponse() {
				s.status = statusCompleting
				// stays in order list, addressable via CompleteWithResponse/Cancel
			} else {
				w.orderRemove(idx)
				w.freeSlot(idx)
			}
			w.promotePending()
			if !b.Flags.WaitResponse() && onDone != nil {
				onDone(b, nil)
			}
		} else {
			s.packetsThisTurn++
			if s.packetsThisTurn >= w.cfg.MaxContinuousPackets {
				w.statusMoveToBack(&w.sendingHead, &w.sendingTail, idx)
				s.packetsThisTurn = 0
			}
		}

		if pos >= len(payload) {
			break
		}
	}
	n = pos
	return
}

// Write fills buf with as many packets as fit, multiplexing fragments of
// multiple in-flight messages. keepAliveRequested, if
// true and nothing else is eligible to send, produces a single
// KeepAlive-only packet. onDone is invoked for every message this call
// finishes sending or finishes canceling.
//
// Write returns the number of bytes written and, if the writer's stop
// sentinel was reached, ipcerr.ErrDelayedClosePending alongside any bytes
// already produced for prior messages in this call.
func (w *Writer) Write(buf []byte, keepAliveRequested bool, onDone DoneCallback) (int, error) {
	total := 0
	for {
		remaining := len(buf) - total
		if remaining < wire.HeaderSize+1 {
			break
		}
		payloadCap := remaining - wire.HeaderSize
		if payloadCap > wire.MaxPacketDataSize {
			payloadCap = wire.MaxPacketDataSize
		}
		payload := buf[total+wire.HeaderSize : total+wire.HeaderSize+payloadCap]
		n, headerType, hadFragment, err := w.fillPacket(payload, onDone)
		if err != nil {
			return total, err
		}
		if !hadFragment {
			if keepAliveRequested && total == 0 {
				hdr := wire.Header{Type: wire.KeepAlive}
				if encErr := hdr.Encode(buf[total : total+wire.HeaderSize]); encErr != nil {
					return total, encErr
				}
				total += wire.HeaderSize
			}
			break
		}
		hdr := wire.Header{Type: headerType, Size: uint32(n)}
		if encErr := hdr.Encode(buf[total : total+wire.HeaderSize]); encErr != nil {
			return total, encErr
		}
		total += wire.HeaderSize + n
		if n < payloadCap {
			// this packet did not fill to capacity: the sending list ran
			// dry mid-packet, nothing more is immediately available.
			break
		}
	}
	return total, nil
}

// HasWork reports whether Write would produce anything (ignoring
// keep-alive): true while the `sending` list is non-empty.
func (w *Writer) HasWork() bool { return w.sendingHead != nilIdx }

// DrainAll removes every live slot (pending, sending, and completing) and
// returns their bundles in order-list FIFO order, without invoking any
// completion callback — the caller (conn.Connection, at teardown) decides
// per-bundle whether to fail or retry it.
func (w *Writer) DrainAll() []message.Bundle {
	out := make([]message.Bundle, 0, w.live)
	for idx := w.orderHead; idx != nilIdx; {
		next := w.slots[idx].orderNext
		s := &w.slots[idx]
		switch s.status {
		case statusPending:
			w.statusRemove(&w.pendingHead, &w.pendingTail, idx)
		case statusSending:
			w.statusRemove(&w.sendingHead, &w.sendingTail, idx)
			w.sendingCount--
			w.freeMplexSeat(idx)
			if s.bundle.Flags.Synchronous() {
				w.syncSendingCount--
			}
		}
		if !s.isStop {
			out = append(out, s.bundle)
		}
		idx = next
	}
	w.orderHead, w.orderTail = nilIdx, nilIdx
	w.pendingHead, w.pendingTail = nilIdx, nilIdx
	w.sendingHead, w.sendingTail = nilIdx, nilIdx
	w.sendingCount, w.syncSendingCount = 0, 0
	w.live = 0
	w.slots = nil
	w.cachedHead, w.cachedTail = nilIdx, nilIdx
	for i := range w.mplexSeats {
		w.mplexSeats[i] = nilIdx
	}
	return out
}

// VisitAllMessages iterates every live bundle in submission order and
// removes the writer's state entirely.
func (w *Writer) VisitAllMessages(fn func(message.Bundle)) {
	for _, b := range w.DrainAll() {
		fn(b)
	}
}
