package protocol

import (
	"bytes"

	"github.com/ugorji/go/codec"

	"github.com/solidframe/solidipc/message"
)

// msgpackHandle is shared across all UgorjiCodec instances; *codec.Handle
// values are safe for concurrent use once configured, which is exactly how
// the registry uses them (read-only after startup).
var msgpackHandle = &codec.MsgpackHandle{}

// UgorjiCodec adapts github.com/ugorji/go/codec (MessagePack) to the Codec
// interface. It exists to prove the registry's serialize/deserialize hooks
// are codec-agnostic: two message types can be registered side by side,
// each with its own wire encoding, and the reader/writer never need to know
// which one is in play — only the registered Codec does.
type UgorjiCodec struct{}

func (UgorjiCodec) Name() string { return "msgpack" }

func (UgorjiCodec) Marshal(v message.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (UgorjiCodec) Unmarshal(data []byte, v message.Message) error {
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	return dec.Decode(v)
}
