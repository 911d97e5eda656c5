package wire

import "encoding/binary"

// MessageHeaderSize is the fixed size, in bytes, of a MessageHeader: it
// immediately follows a message's CRC-wrapped type-id and precedes its
// codec-produced body.
const MessageHeaderSize = 1 + 4 + 4 + 4

const (
	msgFlagWaitResponse uint8 = 1 << 0
	msgFlagCompressed   uint8 = 1 << 1
)

// MessageHeader is the small fixed-size envelope the writer places after a
// message's type-id and before its body. ReqIndex/ReqUnique carry the
// request-correlation token: for a fresh request expecting a response, the
// sender's own slot identity; for a reply, the token copied from the
// request it answers. BodyLen lets the reader know exactly how many body
// bytes to accumulate before invoking the codec, independent of how the
// bytes are split across packets and fragment runs. Compressed marks that
// the writer's in-place compressor ran on this message's body before it was
// packetized, so the reader must decompress it before handing it to the
// codec.
type MessageHeader struct {
	WaitResponse bool
	Compressed   bool
	ReqIndex     uint32
	ReqUnique    uint32
	BodyLen      uint32
}

func (h MessageHeader) Encode(buf []byte) {
	var flags uint8
	if h.WaitResponse {
		flags |= msgFlagWaitResponse
	}
	if h.Compressed {
		flags |= msgFlagCompressed
	}
	buf[0] = flags
	binary.BigEndian.PutUint32(buf[1:5], h.ReqIndex)
	binary.BigEndian.PutUint32(buf[5:9], h.ReqUnique)
	binary.BigEndian.PutUint32(buf[9:13], h.BodyLen)
}

func DecodeMessageHeader(buf []byte) MessageHeader {
	return MessageHeader{
		WaitResponse: buf[0]&msgFlagWaitResponse != 0,
		Compressed:   buf[0]&msgFlagCompressed != 0,
		ReqIndex:     binary.BigEndian.Uint32(buf[1:5]),
		ReqUnique:    binary.BigEndian.Uint32(buf[5:9]),
		BodyLen:      binary.BigEndian.Uint32(buf[9:13]),
	}
}
