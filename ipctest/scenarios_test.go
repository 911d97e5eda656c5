// Package ipctest reproduces the library's reference end-to-end scenarios
// against real loopback TCP connections, at a scale suited to unit-test
// wall-clock budgets rather than the original stress-test sizes.
package ipctest

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solidframe/solidipc/conn"
	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/protocol"
	"github.com/solidframe/solidipc/reader"
	"github.com/solidframe/solidipc/service"
)

type echoMsg struct {
	message.BaseMessage
	Body string
}

type reqMsg struct {
	message.BaseMessage
	ID   uint32
	Body string
}

type respMsg struct {
	message.BaseMessage
	ID   uint32
	Body string
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func noIdleConfig() service.Config {
	cfg := service.DefaultConfig()
	cfg.Conn.KeepAliveInterval = 0
	cfg.Conn.InactivityTimeout = 0
	return cfg
}

// TestEchoScenario is S1: a client sends one WaitResponse message, the
// server's inbound handler sends the same body straight back, and the
// client's completion hook observes it.
func TestEchoScenario(t *testing.T) {
	reg := protocol.New()
	require.NoError(t, reg.Register(1, "echo", func() message.Message { return &echoMsg{} }, protocol.CBORCodec{}, nil))
	reg.Freeze()

	addr := freeAddr(t)
	srv := service.New(reg, noIdleConfig(), func(name string, c *conn.Connection, d reader.Delivered) {
		require.True(t, d.WaitResponse)
		_, err := c.SendMessage(message.Bundle{
			TypeID:          1,
			Value:           &echoMsg{Body: d.Value.(*echoMsg).Body},
			WireCorrelation: d.Correlation,
		})
		require.NoError(t, err)
	})
	require.NoError(t, srv.Listen(addr, "inbound", 0))
	t.Cleanup(func() { _ = srv.Close() })

	cli := service.New(reg, noIdleConfig(), nil)
	t.Cleanup(func() { _ = cli.Close() })
	_, err := cli.Dial("peer", addr)
	require.NoError(t, err)

	done := make(chan *echoMsg, 1)
	_, err = cli.SendRequest("peer", message.Bundle{
		TypeID: 1,
		Value:  &echoMsg{Body: "hello"},
	}, func(sent message.Message, resp message.Message, derr error) {
		require.NoError(t, derr)
		done <- resp.(*echoMsg)
	})
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Equal(t, "hello", got.Body)
	case <-time.After(3 * time.Second):
		t.Fatal("echo never came back")
	}
}

// TestRequestResponseScenario is S2: the client sends a batch of distinct
// requests, each carrying its own id, and every one must come back with a
// matching response body and no loss.
func TestRequestResponseScenario(t *testing.T) {
	const count = 16
	reg := protocol.New()
	require.NoError(t, reg.Register(1, "req", func() message.Message { return &reqMsg{} }, protocol.CBORCodec{}, nil))
	require.NoError(t, reg.Register(2, "resp", func() message.Message { return &respMsg{} }, protocol.CBORCodec{}, nil))
	reg.Freeze()

	addr := freeAddr(t)
	srv := service.New(reg, noIdleConfig(), func(name string, c *conn.Connection, d reader.Delivered) {
		req := d.Value.(*reqMsg)
		_, err := c.SendMessage(message.Bundle{
			TypeID:          2,
			Value:           &respMsg{ID: req.ID, Body: req.Body},
			WireCorrelation: d.Correlation,
		})
		require.NoError(t, err)
	})
	require.NoError(t, srv.Listen(addr, "inbound", 0))
	t.Cleanup(func() { _ = srv.Close() })

	cli := service.New(reg, noIdleConfig(), nil)
	t.Cleanup(func() { _ = cli.Close() })
	_, err := cli.Dial("peer", addr)
	require.NoError(t, err)

	results := make(chan *respMsg, count)
	for idx := uint32(0); idx < count; idx++ {
		pattern := fmt.Sprintf("pattern-%d", idx)
		_, err := cli.SendRequest("peer", message.Bundle{
			TypeID: 1,
			Value:  &reqMsg{ID: idx, Body: pattern},
		}, func(sent message.Message, resp message.Message, derr error) {
			require.NoError(t, derr)
			results <- resp.(*respMsg)
		})
		require.NoError(t, err)
	}

	seen := make(map[uint32]string)
	for i := 0; i < count; i++ {
		select {
		case r := <-results:
			seen[r.ID] = r.Body
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d/%d responses", i, count)
		}
	}
	require.Len(t, seen, count)
	for idx := uint32(0); idx < count; idx++ {
		require.Equal(t, fmt.Sprintf("pattern-%d", idx), seen[idx])
	}
}

// TestCancelInFlightScenario is S3, reduced in both count and payload size:
// some queued messages are canceled by id before the server ever answers
// them; every canceled message completes with the canceled error exactly
// once, every surviving message completes with its echoed response.
func TestCancelInFlightScenario(t *testing.T) {
	reg := protocol.New()
	require.NoError(t, reg.Register(1, "echo", func() message.Message { return &echoMsg{} }, protocol.CBORCodec{}, nil))
	reg.Freeze()

	addr := freeAddr(t)
	srv := service.New(reg, noIdleConfig(), func(name string, c *conn.Connection, d reader.Delivered) {
		_, err := c.SendMessage(message.Bundle{
			TypeID:          1,
			Value:           &echoMsg{Body: d.Value.(*echoMsg).Body},
			WireCorrelation: d.Correlation,
		})
		require.NoError(t, err)
	})
	require.NoError(t, srv.Listen(addr, "inbound", 0))
	t.Cleanup(func() { _ = srv.Close() })

	cli := service.New(reg, noIdleConfig(), nil)
	t.Cleanup(func() { _ = cli.Close() })
	_, err := cli.Dial("peer", addr)
	require.NoError(t, err)

	const total = 6
	toCancel := map[int]bool{1: true, 3: true, 5: true}

	type outcome struct {
		idx int
		err error
	}
	results := make(chan outcome, total)
	ids := make([]message.MessageID, total)

	for i := 0; i < total; i++ {
		i := i
		id, err := cli.SendMessage("peer", message.Bundle{
			TypeID: 1,
			Flags:  message.FlagWaitResponse,
			Value:  &echoMsg{Body: fmt.Sprintf("msg-%d", i)},
			OnDone: func(sent message.Message, resp message.Message, derr error) {
				results <- outcome{idx: i, err: derr}
			},
		})
		require.NoError(t, err)
		ids[i] = id
	}
	for i := range toCancel {
		_ = cli.CancelMessage("peer", ids[i])
	}

	gotCanceled := make(map[int]bool)
	gotOK := make(map[int]bool)
	for i := 0; i < total; i++ {
		select {
		case o := <-results:
			if o.err != nil {
				gotCanceled[o.idx] = true
			} else {
				gotOK[o.idx] = true
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d/%d completions", i, total)
		}
	}
	for i := 0; i < total; i++ {
		if toCancel[i] {
			require.True(t, gotCanceled[i], "message %d should have been canceled", i)
		} else {
			require.True(t, gotOK[i], "message %d should have completed normally", i)
		}
	}
}

// TestKeepaliveScenario is S4 at a millisecond-scale timeout, rather than
// the original seconds-scale ones: the connection must survive an idle
// stretch longer than the keep-alive interval without tripping the
// inactivity watchdog, by emitting keep-alive packets that satisfy it.
func TestKeepaliveScenario(t *testing.T) {
	reg := protocol.New()
	require.NoError(t, reg.Register(1, "echo", func() message.Message { return &echoMsg{} }, protocol.CBORCodec{}, nil))
	reg.Freeze()

	addr := freeAddr(t)
	srvCfg := service.DefaultConfig()
	srvCfg.Conn.KeepAliveInterval = 0
	srvCfg.Conn.InactivityTimeout = 400 * time.Millisecond
	srvCfg.Conn.MaxKeepAlivePackets = 20

	srv := service.New(reg, srvCfg, func(name string, c *conn.Connection, d reader.Delivered) {
		_, err := c.SendMessage(message.Bundle{
			TypeID:          1,
			Value:           &echoMsg{Body: d.Value.(*echoMsg).Body},
			WireCorrelation: d.Correlation,
		})
		require.NoError(t, err)
	})
	require.NoError(t, srv.Listen(addr, "inbound", 0))
	t.Cleanup(func() { _ = srv.Close() })

	cliCfg := service.DefaultConfig()
	cliCfg.Conn.KeepAliveInterval = 80 * time.Millisecond
	cliCfg.Conn.InactivityTimeout = 0
	cli := service.New(reg, cliCfg, nil)
	t.Cleanup(func() { _ = cli.Close() })
	_, err := cli.Dial("peer", addr)
	require.NoError(t, err)

	first := make(chan error, 1)
	_, err = cli.SendRequest("peer", message.Bundle{TypeID: 1, Value: &echoMsg{Body: "one"}},
		func(sent message.Message, resp message.Message, derr error) { first <- derr })
	require.NoError(t, err)
	select {
	case derr := <-first:
		require.NoError(t, derr)
	case <-time.After(2 * time.Second):
		t.Fatal("first message never completed")
	}

	time.Sleep(600 * time.Millisecond)

	second := make(chan error, 1)
	_, err = cli.SendRequest("peer", message.Bundle{TypeID: 1, Value: &echoMsg{Body: "two"}},
		func(sent message.Message, resp message.Message, derr error) { second <- derr })
	require.NoError(t, err)
	select {
	case derr := <-second:
		require.NoError(t, derr)
	case <-time.After(2 * time.Second):
		t.Fatal("second message never completed: connection likely died across the idle gap")
	}
}

// TestOneshotCancelAfterTimeoutScenario is S6: dialing an address nobody is
// listening on fails outright, and a OneShotSend+WaitResponse message sent
// to that pool afterwards is not failed on its own: it stays pending (no
// connection and no dial target exist), a cancelMessage completes it with
// an error, and a second cancelMessage against its id reports no such
// message.
func TestOneshotCancelAfterTimeoutScenario(t *testing.T) {
	reg := protocol.New()
	require.NoError(t, reg.Register(1, "echo", func() message.Message { return &echoMsg{} }, protocol.CBORCodec{}, nil))
	reg.Freeze()

	deadAddr := freeAddr(t) // closed immediately by freeAddr, so nobody listens here

	cli := service.New(reg, noIdleConfig(), nil)
	t.Cleanup(func() { _ = cli.Close() })

	_, err := cli.Dial("ghost", deadAddr)
	require.Error(t, err, "dialing an address nobody listens on must fail outright")

	done := make(chan error, 1)
	id, err := cli.SendMessage("ghost", message.Bundle{
		TypeID: 1,
		Flags:  message.FlagOneShotSend | message.FlagWaitResponse,
		Value:  &echoMsg{Body: "never arrives"},
		OnDone: func(sent message.Message, resp message.Message, derr error) { done <- derr },
	})
	require.NoError(t, err)

	// The failed Dial above never registered a connection in "ghost", so
	// the message sits pending just as before: the failed dial is the
	// "send against an address nobody listens on" half of the scenario,
	// and the pending-cancel assertions below are the rest of it.
	select {
	case <-done:
		t.Fatal("message should not complete on its own with no connection ever dialed")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, cli.CancelMessage("ghost", id))
	select {
	case derr := <-done:
		require.Error(t, derr)
	case <-time.After(time.Second):
		t.Fatal("cancel never completed the pending bundle")
	}

	err = cli.CancelMessage("ghost", id)
	require.Error(t, err)
}
