package conn

import (
	"time"

	"github.com/solidframe/solidipc/reader"
	"github.com/solidframe/solidipc/writer"
)

// Config holds the per-connection tunables. KeepAliveInterval is the
// client-side timer and InactivityTimeout the server-side one; which side
// uses which is decided by the values set, not by the connection itself.
type Config struct {
	Writer writer.Config
	Reader reader.Config

	// ReadBufferSize and WriteBufferSize size the two heap-allocated I/O
	// buffers each connection owns.
	ReadBufferSize  int
	WriteBufferSize int

	// KeepAliveInterval arms the client-side timer: after this long without
	// a send, the next send pass emits a KeepAlive-only packet if nothing
	// else is eligible. Zero disables client keep-alives.
	KeepAliveInterval time.Duration

	// InactivityTimeout arms the server-side timer: this long without any
	// receive activity fails the connection with
	// ipcerr.ErrConnectionInactivityTimeout, unless the inbound traffic was
	// all keep-alives, in which case MaxKeepAlivePackets governs instead.
	// Zero disables the inactivity watchdog.
	InactivityTimeout time.Duration

	// MaxKeepAlivePackets bounds how many consecutive KeepAlive packets the
	// server side tolerates before failing with
	// ipcerr.ErrConnectionTooManyKeepAlivePackets (connection_inactivity_keepalive_count).
	MaxKeepAlivePackets int
}

func DefaultConfig() Config {
	return Config{
		Writer:              writer.DefaultConfig(),
		Reader:              reader.DefaultConfig(),
		ReadBufferSize:      64 * 1024,
		WriteBufferSize:     64 * 1024,
		KeepAliveInterval:   3 * time.Minute,
		InactivityTimeout:   10 * time.Minute,
		MaxKeepAlivePackets: 3,
	}
}
