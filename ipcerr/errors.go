// Package ipcerr defines the typed error conditions shared by the reader,
// writer, connection and service packages. Errors are sentinel values so
// callers can compare with errors.Is through wrapping.
package ipcerr

import "errors"

// Reader errors.
var (
	ErrInvalidPacketHeader = errors.New("ipc: invalid packet header")
	ErrInvalidMessageSwitch = errors.New("ipc: invalid message switch control code")
	ErrTooManyMultiplex    = errors.New("ipc: too many multiplexed messages")
	ErrDeserializerFailure = errors.New("ipc: deserializer failure")
	ErrDecompressionUnsupported = errors.New("ipc: received a compressed message with no decompressor configured")
	ErrDecompressionFailure    = errors.New("ipc: decompression failure")
)

// Writer errors.
var (
	ErrMessageCanceled   = errors.New("ipc: message canceled")
	ErrDelayedClosePending = errors.New("ipc: delayed close pending")
)

// Connection errors.
var (
	ErrConnectionKilled                      = errors.New("ipc: connection killed")
	ErrConnectionInactivityTimeout           = errors.New("ipc: connection inactivity timeout")
	ErrConnectionTooManyKeepAlivePackets     = errors.New("ipc: connection received too many keep-alive packets")
	ErrConnectionStopping                    = errors.New("ipc: connection stopping")
	ErrConnectionMessageFailSend             = errors.New("ipc: connection message failed to send")
	ErrConnectionMessageCanceled             = errors.New("ipc: connection message canceled")
	ErrConnectionDelayedClosed               = errors.New("ipc: connection delayed close")
	ErrConnectionInvalidState                = errors.New("ipc: connection invalid state for requested operation")
	ErrConnectionLogic                       = errors.New("ipc: connection logic error")
)

// Service errors.
var (
	ErrConnectionInexistent = errors.New("ipc: connection inexistent")
	ErrDelayedClosePendingSvc = errors.New("ipc: delayed close pending")
	ErrPoolPendingFull      = errors.New("ipc: pool pending queue full")
	ErrMessageInexistent    = errors.New("ipc: message inexistent")
)

// ConnectError wraps a failure to establish a transport-level connection,
// mirroring how this codebase's dialer-facing packages report dial
// failures elsewhere.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "ipc: connect error: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError wraps a failure attributable to the framed wire protocol
// (header, fragment stream, or registry lookups), after which the
// connection that produced it must be torn down.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "ipc: protocol error: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }
