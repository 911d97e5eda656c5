package reader

import "github.com/solidframe/solidipc/wire"

// parseStage names where a seat's incremental byte-stream parse currently
// stands. The three stages are consumed in order exactly once per message:
// the CRC-wrapped type-id, the fixed MessageHeader, then the body.
type parseStage uint8

const (
	stageTypeID parseStage = iota
	stageHeader
	stageBody
)

// slot accumulates one in-flight inbound message's bytes across however
// many packets and fragment runs the peer's writer chose to split it into.
// Unlike the writer's slot, there is no free-list recycling: a reader seat
// is simply replaced (SwitchToNewMessage) or cleared (message complete, or
// discarded on a canceled-variant control code) in place.
type slot struct {
	stage parseStage

	// hdrAcc accumulates bytes for whichever of typeID/header is currently
	// in progress; cleared each time a stage completes.
	hdrAcc []byte

	typeID uint32
	msgHdr wire.MessageHeader

	body    []byte
	bodyPos int
}
