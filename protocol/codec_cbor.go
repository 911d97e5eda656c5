package protocol

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/solidframe/solidipc/message"
)

// CBORCodec adapts github.com/fxamacker/cbor/v2 to the Codec interface,
// the same library and call shape used elsewhere in this codebase for
// Request/Response types (cbor.Marshal / cbor.Unmarshal). The registry has
// no implicit default codec: Register requires every message type to name
// its codec explicitly.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Marshal(v message.Message) ([]byte, error) {
	return cbor.Marshal(v)
}

func (CBORCodec) Unmarshal(data []byte, v message.Message) error {
	return cbor.Unmarshal(data, v)
}
