package writer

import "github.com/solidframe/solidipc/message"

// innerStatus is the source of truth for which status list (if any) a slot
// currently belongs to; the lists are derived from it.
type innerStatus uint8

const (
	statusInvalid innerStatus = iota // free-list member, reusable
	statusPending
	statusSending
	statusCompleting // sent, WaitResponse set, awaiting a matching response
)

// slot is one writer-side seat. Index within Writer.slots is the stable
// "position" referenced by RequestID.Index; Unique disambiguates a reused
// position across cache churn.
type slot struct {
	status innerStatus
	unique uint32

	orderPrev, orderNext   int32
	statusPrev, statusNext int32

	bundle message.Bundle

	// payload is the fully marshaled wire representation of this message:
	// the CRC-wrapped type-id, then the encoded wire.MessageHeader, then the
	// codec-produced body bytes. offset tracks how much of it has already been
	// copied into packets.
	payload []byte
	offset  int

	// serializerStarted is false until the first fragment of this message
	// has been placed into a packet (controls SwitchToNew vs
	// SwitchToOld/Continued selection).
	serializerStarted bool
	// packetsThisTurn counts packets this slot has contributed fragments to
	// in its current turn; reset when its first fragment is placed and on
	// each fairness rotation, checked against MaxContinuousPackets for that
	// rotation.
	packetsThisTurn int

	// canceled marks that Cancel() was called; if serializerStarted is
	// already true the canceled-variant control codes must still be
	// emitted before the slot can be released.
	canceled bool

	// isStop marks the empty-message sentinel inserted by EnqueueClose to
	// drain a connection: once it reaches the front of `sending` with no
	// fragment yet emitted in the current packet, Write reports
	// ErrDelayedClosePending.
	isStop bool

	// mplexIdx is this slot's stable seat in the writer's small multiplex
	// table while it occupies `sending`: the wire carries this one-byte
	// seat index alongside every fragment's control code so
	// the reader can route continuation bytes to the right accumulator
	// without having to infer rotation order from the peer's internal
	// fairness bookkeeping).
	mplexIdx uint8
}

// noMplex marks a slot that does not currently occupy a multiplex seat
// (pending, completing, or free).
const noMplex uint8 = 255

func (s *slot) reset() {
	*s = slot{orderPrev: nilIdx, orderNext: nilIdx, statusPrev: nilIdx, statusNext: nilIdx, mplexIdx: noMplex}
}
