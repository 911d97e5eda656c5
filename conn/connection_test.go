package conn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidframe/solidipc/ipcerr"
	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/protocol"
	"github.com/solidframe/solidipc/reader"
)

type echoMsg struct {
	message.BaseMessage
	Body string
}

func newTestRegistry(t *testing.T) *protocol.Registry {
	t.Helper()
	reg := protocol.New()
	require.NoError(t, reg.Register(1, "echo", func() message.Message { return &echoMsg{} }, protocol.CBORCodec{}, nil))
	reg.Freeze()
	return reg
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.KeepAliveInterval = 0
	cfg.InactivityTimeout = 0
	return cfg
}

func newPipePair(t *testing.T, onInboundA, onInboundB InboundHandler) (*Connection, *Connection) {
	t.Helper()
	reg := newTestRegistry(t)
	sockA, sockB := net.Pipe()
	a := New(sockA, reg, testConfig(), onInboundA, nil)
	b := New(sockB, reg, testConfig(), onInboundB, nil)
	a.Start(Active)
	b.Start(Active)
	t.Cleanup(func() {
		a.Kill()
		b.Kill()
		a.Wait()
		b.Wait()
	})
	return a, b
}

func TestSendMessageDeliversToPeer(t *testing.T) {
	delivered := make(chan reader.Delivered, 1)
	a, _ := newPipePair(t, nil, func(c *Connection, d reader.Delivered) {
		delivered <- d
	})

	done := make(chan error, 1)
	_, err := a.SendMessage(message.Bundle{
		TypeID: 1,
		Value:  &echoMsg{Body: "hello"},
		OnDone: func(sent message.Message, resp message.Message, derr error) { done <- derr },
	})
	require.NoError(t, err)

	select {
	case d := <-delivered:
		require.Equal(t, "hello", d.Value.(*echoMsg).Body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case derr := <-done:
		require.NoError(t, derr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send completion")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	a, _ := newPipePair(t, nil, func(c *Connection, d reader.Delivered) {
		require.True(t, d.WaitResponse)
		_, err := c.SendMessage(message.Bundle{
			TypeID:          1,
			Value:           &echoMsg{Body: "pong:" + d.Value.(*echoMsg).Body},
			WireCorrelation: d.Correlation,
		})
		require.NoError(t, err)
	})

	respCh := make(chan *echoMsg, 1)
	_, err := a.SendMessage(message.Bundle{
		TypeID: 1,
		Flags:  message.FlagWaitResponse,
		Value:  &echoMsg{Body: "ping"},
		OnDone: func(sent message.Message, resp message.Message, derr error) {
			require.NoError(t, derr)
			if resp != nil {
				respCh <- resp.(*echoMsg)
			}
		},
	})
	require.NoError(t, err)

	select {
	case got := <-respCh:
		require.Equal(t, "pong:ping", got.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

// TestCancelOfQueuedMessageCompletesImmediately enqueues two messages on a
// writer pinned to MaxMultiplex=1 before ever calling Start: with no send
// loop running yet, the second message is deterministically still sitting
// in `pending` — never marshaled, never completed — when CancelMessage
// runs. (Once a send loop is live, buffer-fill completion races ahead of
// any socket I/O, so pinning placement requires keeping it out of the
// picture entirely rather than relying on a blocked Write.)
func TestCancelOfQueuedMessageCompletesImmediately(t *testing.T) {
	reg := newTestRegistry(t)
	sockA, _ := net.Pipe()
	cfg := testConfig()
	cfg.Writer.MaxMultiplex = 1
	a := New(sockA, reg, cfg, nil, nil)
	defer func() { a.Kill(); a.Wait() }()

	_, err := a.SendMessage(message.Bundle{TypeID: 1, Value: &echoMsg{Body: "occupies-sole-seat"}})
	require.NoError(t, err)

	done := make(chan error, 1)
	reqID, err := a.SendMessage(message.Bundle{
		TypeID: 1,
		Value:  &echoMsg{Body: "never-sent"},
		OnDone: func(sent message.Message, resp message.Message, derr error) { done <- derr },
	})
	require.NoError(t, err)
	require.NoError(t, a.CancelMessage(reqID))

	select {
	case derr := <-done:
		require.ErrorIs(t, derr, ipcerr.ErrConnectionMessageCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel completion")
	}
}

// TestKillCompletesPendingMessagesWithConnectionKilled mirrors the queued-
// cancel test: both messages are enqueued before Start, so the writer's
// placement (one sending, one pending) is settled with no send loop
// racing ahead of it. Kill must then hand both back via DrainAll, tagged
// ipcerr.ErrConnectionKilled, since neither is Idempotent.
func TestKillCompletesPendingMessagesWithConnectionKilled(t *testing.T) {
	reg := newTestRegistry(t)
	sockA, _ := net.Pipe()
	cfg := testConfig()
	cfg.Writer.MaxMultiplex = 1
	a := New(sockA, reg, cfg, nil, nil)

	_, err := a.SendMessage(message.Bundle{TypeID: 1, Value: &echoMsg{Body: "occupies-sole-seat"}})
	require.NoError(t, err)

	done := make(chan error, 1)
	_, err = a.SendMessage(message.Bundle{
		TypeID: 1,
		Value:  &echoMsg{Body: "queued"},
		OnDone: func(sent message.Message, resp message.Message, derr error) { done <- derr },
	})
	require.NoError(t, err)

	a.Kill()
	a.Wait()

	select {
	case derr := <-done:
		require.ErrorIs(t, derr, ipcerr.ErrConnectionKilled)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for kill completion")
	}
	require.Equal(t, Stopped, a.State())
}
