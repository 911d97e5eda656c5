// Package reader implements the message reader: it turns a
// stream of packet bytes back into delivered messages, demultiplexing
// fragment runs tagged with a wire seat number back to the in-flight
// message each belongs to, and discarding canceled messages without
// constructing a value for them.
package reader

import (
	"github.com/solidframe/solidipc/ipcerr"
	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/protocol"
	"github.com/solidframe/solidipc/wire"
)

// Config holds the reader-side limit. MaxMultiplex must be
// at least as large as the peer writer's own multiplex limit, since it
// sizes the seat table that wire seat-bytes index into.
type Config struct {
	MaxMultiplex int
	// DecompressFunc, if set, is applied to a message body before it is
	// handed to the codec whenever the writer marked it Compressed
	// (decompress_fnc). A Compressed message arriving with no
	// DecompressFunc configured fails with ipcerr.ErrDecompressionUnsupported.
	DecompressFunc func(data []byte) ([]byte, error)
}

func DefaultConfig() Config {
	return Config{MaxMultiplex: 4}
}

// Delivered is handed to a Reader's DeliverFunc once a message's body is
// fully reassembled and decoded.
type Delivered struct {
	TypeID       uint32
	Value        message.Message
	WaitResponse bool
	Correlation  message.RequestID
}

// DeliverFunc receives every successfully reassembled, non-canceled
// message, in the order its body completed.
type DeliverFunc func(Delivered)

// Reader is not safe for concurrent use; the owning conn.Connection uses it
// only from its recvLoop goroutine.
type Reader struct {
	cfg   Config
	reg   *protocol.Registry
	seats []*slot
}

func New(cfg Config, reg *protocol.Registry) *Reader {
	return &Reader{
		cfg:   cfg,
		reg:   reg,
		seats: make([]*slot, cfg.MaxMultiplex),
	}
}

// Read parses as many complete packets as buf currently holds, delivering
// every message that finishes reassembling. It returns the number of bytes
// consumed; any trailing partial packet is left unconsumed for the caller
// to top up with more bytes read off the wire and retry.
//
// keepAlive reports whether at least one KeepAlive packet was consumed,
// so the caller can reset its inactivity timer without the
// reader needing to know anything about connection lifecycle.
func (r *Reader) Read(buf []byte, deliver DeliverFunc) (consumed int, keepAlive bool, err error) {
	for {
		rem := len(buf) - consumed
		if rem < wire.HeaderSize {
			break
		}
		hdr, derr := wire.Decode(buf[consumed : consumed+wire.HeaderSize])
		if derr != nil {
			return consumed, keepAlive, &ipcerr.ProtocolError{Err: ipcerr.ErrInvalidPacketHeader}
		}
		if rem < wire.HeaderSize+int(hdr.Size) {
			break // wait for the rest of this packet
		}
		payload := buf[consumed+wire.HeaderSize : consumed+wire.HeaderSize+int(hdr.Size)]
		if hdr.Type == wire.KeepAlive {
			keepAlive = true
			consumed += wire.HeaderSize
			continue
		}
		if perr := r.parsePacket(hdr.Type, payload, deliver); perr != nil {
			return consumed, keepAlive, perr
		}
		consumed += wire.HeaderSize + int(hdr.Size)
	}
	return consumed, keepAlive, nil
}

// parsePacket walks the interleaved fragment-run stream within one packet's
// payload. firstCode is the packet header's Type, which governs the first
// run; every later run is introduced by an explicit control-code byte
// followed by a one-byte seat number.
func (r *Reader) parsePacket(firstCode wire.ControlCode, payload []byte, deliver DeliverFunc) error {
	pos := 0
	code := firstCode
	first := true
	for pos < len(payload) {
		if !first {
			c := wire.ControlCode(payload[pos])
			if !c.Valid() {
				return &ipcerr.ProtocolError{Err: ipcerr.ErrInvalidMessageSwitch}
			}
			code = c
			pos++
			if pos >= len(payload) {
				return &ipcerr.ProtocolError{Err: ipcerr.ErrInvalidMessageSwitch}
			}
		}
		first = false

		seat := int(payload[pos])
		pos++
		if seat >= len(r.seats) {
			return &ipcerr.ProtocolError{Err: ipcerr.ErrTooManyMultiplex}
		}

		switch code {
		case wire.SwitchToNewMessage:
			r.seats[seat] = &slot{stage: stageTypeID}
		case wire.SwitchToOldCanceledMessage, wire.ContinuedCanceledMessage:
			// The writer emits exactly one canceled-variant run per
			// message, carrying no body bytes; discard whatever had
			// accumulated for this seat and move on.
			r.seats[seat] = nil
			continue
		case wire.SwitchToOldMessage, wire.ContinuedMessage:
			if r.seats[seat] == nil {
				return &ipcerr.ProtocolError{Err: ipcerr.ErrInvalidMessageSwitch}
			}
		default:
			return &ipcerr.ProtocolError{Err: ipcerr.ErrInvalidMessageSwitch}
		}

		newPos, err := r.consumeRun(seat, payload, pos, deliver)
		if err != nil {
			return err
		}
		pos = newPos
	}
	return nil
}

// consumeRun feeds payload[pos:] into seat's slot, advancing through
// typeID/header/body as far as the available bytes allow. It returns the
// new position; when the message completes before payload is exhausted,
// the caller's outer loop resumes parsing a new fragment run from there.
func (r *Reader) consumeRun(seat int, payload []byte, pos int, deliver DeliverFunc) (int, error) {
	s := r.seats[seat]
	for pos < len(payload) {
		switch s.stage {
		case stageTypeID:
			s.hdrAcc = append(s.hdrAcc, payload[pos])
			pos++
			id, _, err := wire.TypeID(s.hdrAcc)
			switch err {
			case nil:
				s.typeID = id
				s.hdrAcc = s.hdrAcc[:0]
				s.stage = stageHeader
			case wire.ErrShortTypeID:
				// keep accumulating
			default:
				return pos, &ipcerr.ProtocolError{Err: err}
			}

		case stageHeader:
			need := wire.MessageHeaderSize - len(s.hdrAcc)
			avail := len(payload) - pos
			take := need
			if take > avail {
				take = avail
			}
			s.hdrAcc = append(s.hdrAcc, payload[pos:pos+take]...)
			pos += take
			if len(s.hdrAcc) < wire.MessageHeaderSize {
				return pos, nil
			}
			s.msgHdr = wire.DecodeMessageHeader(s.hdrAcc)
			s.hdrAcc = nil
			s.body = make([]byte, s.msgHdr.BodyLen)
			s.bodyPos = 0
			s.stage = stageBody
			if len(s.body) == 0 {
				if err := r.finishMessage(seat, s, deliver); err != nil {
					return pos, err
				}
				return pos, nil
			}

		case stageBody:
			need := len(s.body) - s.bodyPos
			avail := len(payload) - pos
			take := need
			if take > avail {
				take = avail
			}
			copy(s.body[s.bodyPos:s.bodyPos+take], payload[pos:pos+take])
			s.bodyPos += take
			pos += take
			if s.bodyPos >= len(s.body) {
				if err := r.finishMessage(seat, s, deliver); err != nil {
					return pos, err
				}
			}
			return pos, nil
		}
	}
	return pos, nil
}

func (r *Reader) finishMessage(seat int, s *slot, deliver DeliverFunc) error {
	r.seats[seat] = nil

	val, err := r.reg.NewValue(s.typeID)
	if err != nil {
		return &ipcerr.ProtocolError{Err: err}
	}
	body := s.body
	if s.msgHdr.Compressed {
		if r.cfg.DecompressFunc == nil {
			return &ipcerr.ProtocolError{Err: ipcerr.ErrDecompressionUnsupported}
		}
		body, err = r.cfg.DecompressFunc(s.body)
		if err != nil {
			return &ipcerr.ProtocolError{Err: ipcerr.ErrDecompressionFailure}
		}
	}
	if err := r.reg.Unmarshal(s.typeID, body, val); err != nil {
		return &ipcerr.ProtocolError{Err: ipcerr.ErrDeserializerFailure}
	}
	if deliver != nil {
		deliver(Delivered{
			TypeID:       s.typeID,
			Value:        val,
			WaitResponse: s.msgHdr.WaitResponse,
			Correlation:  message.RequestID{Index: s.msgHdr.ReqIndex, Unique: s.msgHdr.ReqUnique},
		})
	}
	return nil
}
