package ipctest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidframe/solidipc/conn"
	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/protocol"
	"github.com/solidframe/solidipc/reader"
	"github.com/solidframe/solidipc/service"
)

// TestIdempotentSurvivalAcrossReconnect is S5, narrowed to the Idempotent
// case: the server holds its reply until released, letting the test kill
// the carrying connection mid-flight and verify that a second connection
// dialed into the same pool picks the message back up and completes it,
// rather than losing it.
func TestIdempotentSurvivalAcrossReconnect(t *testing.T) {
	reg := protocol.New()
	require.NoError(t, reg.Register(1, "echo", func() message.Message { return &echoMsg{} }, protocol.CBORCodec{}, nil))
	reg.Freeze()

	addr := freeAddr(t)

	var mu sync.Mutex
	release := make(chan struct{})
	firstConnSeen := make(chan *conn.Connection, 1)

	srv := service.New(reg, noIdleConfig(), func(name string, c *conn.Connection, d reader.Delivered) {
		mu.Lock()
		select {
		case firstConnSeen <- c:
		default:
		}
		mu.Unlock()
		<-release
		// The connection that delivered this request may already be dead
		// by the time release is closed (the point of this scenario): a
		// failed reply here just means some other connection in the pool
		// is the one that will actually carry the retried message.
		_, _ = c.SendMessage(message.Bundle{
			TypeID:          1,
			Value:           &echoMsg{Body: d.Value.(*echoMsg).Body},
			WireCorrelation: d.Correlation,
		})
	})
	require.NoError(t, srv.Listen(addr, "inbound", 0))
	t.Cleanup(func() { _ = srv.Close() })

	cli := service.New(reg, noIdleConfig(), nil)
	t.Cleanup(func() { _ = cli.Close() })

	firstConn, err := cli.Dial("peer", addr)
	require.NoError(t, err)

	done := make(chan error, 1)
	_, err = cli.SendMessage("peer", message.Bundle{
		TypeID: 1,
		Flags:  message.FlagIdempotent | message.FlagWaitResponse,
		Value:  &echoMsg{Body: "survive-me"},
		OnDone: func(sent message.Message, resp message.Message, derr error) { done <- derr },
	})
	require.NoError(t, err)

	// Wait for the server to have the request in hand (it is now blocked on
	// release), proving the message really is in flight before we kill the
	// connection it rode in on.
	select {
	case <-firstConnSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the request")
	}

	firstConn.Kill()
	firstConn.Wait()

	// The carrying connection is gone and the server is still blocked on
	// release for that now-dead socket; nothing can complete the message
	// until a fresh connection exists in the pool.
	select {
	case <-done:
		t.Fatal("message completed without a surviving connection")
	case <-time.After(150 * time.Millisecond):
	}

	_, err = cli.Dial("peer", addr)
	require.NoError(t, err)
	close(release)

	select {
	case derr := <-done:
		require.NoError(t, derr)
	case <-time.After(3 * time.Second):
		t.Fatal("idempotent message never completed on the second connection")
	}
}
