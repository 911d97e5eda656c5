package service

import (
	"fmt"
	"net"
	"strings"

	"github.com/carlmjohnson/versioninfo"
)

// handshakeBanner is exchanged as a single newline-terminated line
// immediately after TCP connect/accept, before any packet-framed traffic.
// It lets a peer log a version-skew warning without touching the registry
// or the reader/writer state machines at all.
func handshakeBanner() string {
	return fmt.Sprintf("solidipc/%s\n", versioninfo.Short())
}

// sendBanner writes this side's banner. Dial sends then reads; Listen's
// accept side reads then sends, so the two pair up as a simple
// client-speaks-first greeting with no risk of both ends blocking on Read.
func sendBanner(sock net.Conn) error {
	_, err := sock.Write([]byte(handshakeBanner()))
	return err
}

// recvBanner reads the peer's banner line and reports it for logging. It
// reads one byte at a time rather than through a buffered reader: any
// read-ahead past the newline would silently swallow bytes belonging to
// the packet-framed stream that conn.Connection reads directly off sock
// afterward.
func recvBanner(sock net.Conn) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				return strings.TrimSpace(string(line)), nil
			}
			line = append(line, buf[0])
		}
		if err != nil {
			return "", err
		}
	}
}
