// Package ipcconfig loads the file-based configuration surface named in
// the external-interfaces option list: writer, reader, connection, buffer
// and pool/service tunables, read from a single TOML document with
// github.com/BurntSushi/toml.
package ipcconfig

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/solidframe/solidipc/conn"
	"github.com/solidframe/solidipc/reader"
	"github.com/solidframe/solidipc/service"
	"github.com/solidframe/solidipc/writer"
)

// flateCompress/flateDecompress are the bundled inplace_compress_fnc /
// decompress_fnc pair, used whenever ConnConfig.CompressBodies is set. A
// function-valued hook has no TOML representation, so the file format
// exposes only the on/off switch and this package supplies the
// implementation behind it.
var (
	flateCompress   = writer.FlateCompress
	flateDecompress = reader.FlateDecompress
)

// Config mirrors the option names an implementer must expose, grouped by
// consumer package.
type Config struct {
	Writer WriterConfig `toml:"writer"`
	Reader ReaderConfig `toml:"reader"`
	Conn   ConnConfig   `toml:"connection"`
	Pool   PoolConfig   `toml:"pool"`

	ListenerAddress string `toml:"listener_address_str"`
	ListenerService string `toml:"listener_service_str"`
}

type WriterConfig struct {
	MaxMultiplexMessageCount        int `toml:"max_message_count_multiplex"`
	MaxMessageContinuousPacketCount int `toml:"max_message_continuous_packet_count"`
	MaxMessageCountPerConnection    int `toml:"max_message_count_per_connection"`
}

type ReaderConfig struct {
	MaxMultiplexMessageCount int `toml:"max_message_count_multiplex"`
}

type ConnConfig struct {
	InactivityTimeoutSeconds       int    `toml:"connection_inactivity_timeout_seconds"`
	KeepaliveTimeoutSeconds        int    `toml:"connection_keepalive_timeout_seconds"`
	InactivityKeepaliveCount       int    `toml:"connection_inactivity_keepalive_count"`
	ReconnectTimeoutSeconds        int    `toml:"connection_reconnect_timeout_seconds"`
	StartState                     string `toml:"connection_start_state"`
	StartSecure                    bool   `toml:"connection_start_secure"`
	RecvBufferCapacityKB            int    `toml:"recv_buffer_capacity_kb"`
	SendBufferCapacityKB            int    `toml:"send_buffer_capacity_kb"`
	// CompressBodies turns on the bundled inplace_compress_fnc/decompress_fnc
	// pair (deflate via compress/flate) for every message body on this
	// connection.
	CompressBodies bool `toml:"connection_compress_bodies"`
}

type PoolConfig struct {
	MaxActiveConnectionCount  int `toml:"pool_max_active_connection_count"`
	MaxPendingConnectionCount int `toml:"pool_max_pending_connection_count"`
}

// Default returns the built-in defaults, used when no TOML file is
// supplied or to fill in fields a partial file omits.
func Default() Config {
	return Config{
		Writer: WriterConfig{
			MaxMultiplexMessageCount:        4,
			MaxMessageContinuousPacketCount: 4,
			MaxMessageCountPerConnection:    4096,
		},
		Reader: ReaderConfig{MaxMultiplexMessageCount: 4},
		Conn: ConnConfig{
			InactivityTimeoutSeconds: 600,
			KeepaliveTimeoutSeconds:  180,
			InactivityKeepaliveCount: 3,
			ReconnectTimeoutSeconds:  30,
			StartState:               "Active",
			RecvBufferCapacityKB:     64,
			SendBufferCapacityKB:     64,
		},
		Pool: PoolConfig{
			MaxActiveConnectionCount:  4,
			MaxPendingConnectionCount: 4096,
		},
	}
}

// Load reads and decodes path, starting from Default() so a partial file
// only needs to name the fields it overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

// WriterConfig, ReaderConfig and ConnConfig translate into the
// package-native Config types the lower layers actually take.

func (c WriterConfig) toWriter() writer.Config {
	return writer.Config{
		MaxMultiplex:         c.MaxMultiplexMessageCount,
		MaxContinuousPackets: c.MaxMessageContinuousPacketCount,
		MaxMessageCount:      c.MaxMessageCountPerConnection,
	}
}

func (c ReaderConfig) toReader() reader.Config {
	return reader.Config{MaxMultiplex: c.MaxMultiplexMessageCount}
}

func (c ConnConfig) toConn(w writer.Config, r reader.Config) conn.Config {
	if c.CompressBodies {
		w.CompressFunc = flateCompress
		r.DecompressFunc = flateDecompress
	}
	return conn.Config{
		Writer:              w,
		Reader:              r,
		ReadBufferSize:      c.RecvBufferCapacityKB * 1024,
		WriteBufferSize:     c.SendBufferCapacityKB * 1024,
		KeepAliveInterval:   time.Duration(c.KeepaliveTimeoutSeconds) * time.Second,
		InactivityTimeout:   time.Duration(c.InactivityTimeoutSeconds) * time.Second,
		MaxKeepAlivePackets: c.InactivityKeepaliveCount,
	}
}

func (c PoolConfig) toPool(reconnectSeconds int) service.PoolConfig {
	return service.PoolConfig{
		MaxActiveConnections:        c.MaxActiveConnectionCount,
		MaxPendingQueue:             c.MaxPendingConnectionCount,
		ConnReconnectTimeoutSeconds: reconnectSeconds,
	}
}

// ToServiceConfig assembles the full service.Config this document
// describes, ready to hand to service.New.
func (c Config) ToServiceConfig() service.Config {
	return service.Config{
		Conn: c.Conn.toConn(c.Writer.toWriter(), c.Reader.toReader()),
		Pool: c.Pool.toPool(c.Conn.ReconnectTimeoutSeconds),
	}
}
