// Package wire implements the on-wire packet framing: a 4-byte packet
// header followed by a payload carrying an
// interleaved stream of message fragments. Byte order is fixed big-endian,
// matching the protocol registry's storeValue/loadValue contract.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of a packet header.
const HeaderSize = 4

// MaxPacketDataSize is the largest payload a single packet may carry. The
// 16-bit size field plus the high bit stolen from flags (bit0) gives an
// effective 17-bit range, but the protocol caps it one short of 65536 so
// "size == capacity" never aliases with "unset".
const MaxPacketDataSize = 65535

// ControlCode names what the first fragment run in a packet payload is (or,
// for type Keepalive, that the payload is empty).
type ControlCode uint8

const (
	_ ControlCode = iota
	SwitchToNewMessage
	SwitchToOldMessage
	ContinuedMessage
	SwitchToOldCanceledMessage
	ContinuedCanceledMessage
	KeepAlive
)

func (c ControlCode) String() string {
	switch c {
	case SwitchToNewMessage:
		return "SwitchToNewMessage"
	case SwitchToOldMessage:
		return "SwitchToOldMessage"
	case ContinuedMessage:
		return "ContinuedMessage"
	case SwitchToOldCanceledMessage:
		return "SwitchToOldCanceledMessage"
	case ContinuedCanceledMessage:
		return "ContinuedCanceledMessage"
	case KeepAlive:
		return "KeepAlive"
	default:
		return fmt.Sprintf("ControlCode(%d)", uint8(c))
	}
}

// Valid reports whether c is one of the six recognized control codes.
func (c ControlCode) Valid() bool { return c >= SwitchToNewMessage && c <= KeepAlive }

// IsCanceled reports whether c is one of the two canceled-variant codes.
func (c ControlCode) IsCanceled() bool {
	return c == SwitchToOldCanceledMessage || c == ContinuedCanceledMessage
}

const (
	flagSizeHighBit = 1 << 0
	flagCompressed  = 1 << 1
)

// Header is the 4-byte on-wire packet header: {type:u8, flags:u8, size:u16}.
type Header struct {
	Type       ControlCode
	Compressed bool
	Size       uint32 // effective payload size, 0..MaxPacketDataSize
}

// Encode writes the header into buf[0:4]. buf must be at least HeaderSize
// bytes.
func (h Header) Encode(buf []byte) error {
	if h.Size > MaxPacketDataSize {
		return fmt.Errorf("wire: header size %d exceeds MaxPacketDataSize", h.Size)
	}
	if len(buf) < HeaderSize {
		return fmt.Errorf("wire: header buffer too small: %d", len(buf))
	}
	var flags uint8
	if h.Size > 0xFFFF {
		flags |= flagSizeHighBit
	}
	if h.Compressed {
		flags |= flagCompressed
	}
	buf[0] = byte(h.Type)
	buf[1] = flags
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Size&0xFFFF))
	return nil
}

// Decode parses buf[0:4] into a Header. It validates that Type is one of
// the six recognized control codes and that Size does not exceed
// MaxPacketDataSize, returning wire.ErrInvalidHeader otherwise.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header buffer: %d", len(buf))
	}
	typ := ControlCode(buf[0])
	flags := buf[1]
	size := uint32(binary.BigEndian.Uint16(buf[2:4]))
	if flags&flagSizeHighBit != 0 {
		size |= 1 << 16
	}
	h := Header{
		Type:       typ,
		Compressed: flags&flagCompressed != 0,
		Size:       size,
	}
	if !typ.Valid() {
		return Header{}, ErrInvalidHeader
	}
	if size > MaxPacketDataSize {
		return Header{}, ErrInvalidHeader
	}
	if typ == KeepAlive && size != 0 {
		return Header{}, ErrInvalidHeader
	}
	return h, nil
}

// StoreU16 / LoadU16 and friends fix the wire byte order for the registry's
// store/load primitives. Kept as free functions rather than
// methods on Header since they are also used to encode message payload
// fields that have nothing to do with the packet header itself.
func StoreU16(buf []byte, v uint16) { binary.BigEndian.PutUint16(buf, v) }
func LoadU16(buf []byte) uint16     { return binary.BigEndian.Uint16(buf) }
func StoreU32(buf []byte, v uint32) { binary.BigEndian.PutUint32(buf, v) }
func LoadU32(buf []byte) uint32     { return binary.BigEndian.Uint32(buf) }
func StoreU64(buf []byte, v uint64) { binary.BigEndian.PutUint64(buf, v) }
func LoadU64(buf []byte) uint64     { return binary.BigEndian.Uint64(buf) }
