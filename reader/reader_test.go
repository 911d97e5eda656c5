package reader

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solidframe/solidipc/message"
	"github.com/solidframe/solidipc/protocol"
	"github.com/solidframe/solidipc/writer"
)

type echoMsg struct {
	message.BaseMessage
	Body string
}

func newTestRegistry(t *testing.T) *protocol.Registry {
	t.Helper()
	reg := protocol.New()
	require.NoError(t, reg.Register(7, "echo", func() message.Message { return &echoMsg{} }, protocol.CBORCodec{}, nil))
	reg.Freeze()
	return reg
}

func TestReadRoundTripsASingleMessage(t *testing.T) {
	reg := newTestRegistry(t)
	w := writer.New(writer.DefaultConfig(), reg)
	_, ok := w.Enqueue(message.Bundle{TypeID: 7, Value: &echoMsg{Body: "hello"}})
	require.True(t, ok)

	buf := make([]byte, 4096)
	n, err := w.Write(buf, false, nil)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	r := New(DefaultConfig(), reg)
	var got []Delivered
	consumed, keepAlive, rerr := r.Read(buf[:n], func(d Delivered) { got = append(got, d) })
	require.NoError(t, rerr)
	require.Equal(t, n, consumed)
	require.False(t, keepAlive)
	require.Len(t, got, 1)
	require.Equal(t, uint32(7), got[0].TypeID)
	require.Equal(t, "hello", got[0].Value.(*echoMsg).Body)
}

func TestReadRoundTripsManyInterleavedMessages(t *testing.T) {
	reg := newTestRegistry(t)
	cfg := writer.DefaultConfig()
	cfg.MaxMultiplex = 4
	w := writer.New(cfg, reg)

	bodies := []string{"one", "two", "three", "four"}
	for _, b := range bodies {
		_, ok := w.Enqueue(message.Bundle{TypeID: 7, Value: &echoMsg{Body: b}})
		require.True(t, ok)
	}

	buf := make([]byte, 65536)
	var produced int
	for w.LiveCount() > 0 {
		n, err := w.Write(buf[produced:], false, nil)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		produced += n
	}

	r := New(DefaultConfig(), reg)
	var got []string
	consumed, _, rerr := r.Read(buf[:produced], func(d Delivered) {
		got = append(got, d.Value.(*echoMsg).Body)
	})
	require.NoError(t, rerr)
	require.Equal(t, produced, consumed)
	require.ElementsMatch(t, bodies, got)
}

func TestReadRoundTripsAMessageSpanningMultiplePackets(t *testing.T) {
	reg := newTestRegistry(t)
	w := writer.New(writer.DefaultConfig(), reg)

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	_, ok := w.Enqueue(message.Bundle{TypeID: 7, Value: &echoMsg{Body: string(big)}})
	require.True(t, ok)

	buf := make([]byte, 65536)
	var produced int
	for w.LiveCount() > 0 {
		n, err := w.Write(buf[produced:produced+1024], false, nil)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		produced += n
	}
	require.Greater(t, produced, 0)

	r := New(DefaultConfig(), reg)
	var got []Delivered
	consumed, _, rerr := r.Read(buf[:produced], func(d Delivered) { got = append(got, d) })
	require.NoError(t, rerr)
	require.Equal(t, produced, consumed)
	require.Len(t, got, 1)
	require.Equal(t, string(big), got[0].Value.(*echoMsg).Body)
}

func TestReadStopsAtTrailingPartialPacket(t *testing.T) {
	reg := newTestRegistry(t)
	w := writer.New(writer.DefaultConfig(), reg)
	_, ok := w.Enqueue(message.Bundle{TypeID: 7, Value: &echoMsg{Body: "hello"}})
	require.True(t, ok)

	buf := make([]byte, 4096)
	n, err := w.Write(buf, false, nil)
	require.NoError(t, err)

	r := New(DefaultConfig(), reg)
	var got []Delivered
	consumed, _, rerr := r.Read(buf[:n-1], func(d Delivered) { got = append(got, d) })
	require.NoError(t, rerr)
	require.Zero(t, consumed)
	require.Empty(t, got)
}

func TestReadResetsInactivityFlagOnKeepAlive(t *testing.T) {
	reg := newTestRegistry(t)
	w := writer.New(writer.DefaultConfig(), reg)

	buf := make([]byte, 64)
	n, err := w.Write(buf, true, nil)
	require.NoError(t, err)

	r := New(DefaultConfig(), reg)
	consumed, keepAlive, rerr := r.Read(buf[:n], nil)
	require.NoError(t, rerr)
	require.Equal(t, n, consumed)
	require.True(t, keepAlive)
}

func TestReadDiscardsCanceledMessageWithoutDelivering(t *testing.T) {
	reg := newTestRegistry(t)
	w := writer.New(writer.DefaultConfig(), reg)

	big := make([]byte, 5000)
	reqID, ok := w.Enqueue(message.Bundle{TypeID: 7, Value: &echoMsg{Body: string(big)}})
	require.True(t, ok)

	small := make([]byte, 64)
	_, err := w.Write(small, false, nil)
	require.NoError(t, err)

	_, immediate, found := w.Cancel(reqID)
	require.True(t, found)
	require.False(t, immediate)

	r := New(DefaultConfig(), reg)
	// First packet: a partial, uncompleted body — nothing should deliver.
	_, _, rerr := r.Read(small, func(Delivered) { t.Fatal("unexpected delivery from partial body") })
	require.NoError(t, rerr)

	var delivered bool
	buf := make([]byte, 4096)
	for i := 0; i < 16 && w.LiveCount() > 0; i++ {
		n, werr := w.Write(buf, false, nil)
		require.NoError(t, werr)
		if n == 0 {
			break
		}
		_, _, rerr := r.Read(buf[:n], func(Delivered) { delivered = true })
		require.NoError(t, rerr)
	}
	require.False(t, delivered)
}
