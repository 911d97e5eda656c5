package wire

import "errors"

// ErrInvalidHeader is returned by Decode when the 4-byte header does not
// describe a well-formed packet (unrecognized control code, size beyond
// MaxPacketDataSize, or a non-empty KeepAlive payload).
var ErrInvalidHeader = errors.New("wire: invalid packet header")

// ErrCRCMismatch is returned by TypeID when the CRC guard byte does not
// match the decoded varint, signaling a corrupted or desynchronized stream.
var ErrCRCMismatch = errors.New("wire: type-id crc mismatch")

// ErrShortTypeID is returned by TypeID when buf does not yet contain a
// complete CRC-wrapped varint; the caller should wait for more bytes.
var ErrShortTypeID = errors.New("wire: incomplete type-id")

// ErrTypeIDOverflow is returned by TypeID when the varint exceeds the
// 32-bit type-id space.
var ErrTypeIDOverflow = errors.New("wire: type-id varint overflow")
