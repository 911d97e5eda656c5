package conn

import "net"

// tuneSocket disables Nagle's algorithm on a freshly dialed or accepted TCP
// connection. Framed request/response traffic is latency-sensitive and
// small, so batching writes to fill a segment costs more than it saves.
func tuneSocket(sock net.Conn) {
	if tc, ok := sock.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
}
