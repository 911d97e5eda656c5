package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripAtMaxPacketDataSize(t *testing.T) {
	h := Header{Type: ContinuedMessage, Size: MaxPacketDataSize, Compressed: true}
	buf := make([]byte, HeaderSize)
	require.NoError(t, h.Encode(buf))

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderRejectsSizeOneOverMax(t *testing.T) {
	h := Header{Type: ContinuedMessage, Size: MaxPacketDataSize + 1}
	buf := make([]byte, HeaderSize)
	require.Error(t, h.Encode(buf))
}

func TestHeaderDecodeRejectsSizeOneOverMax(t *testing.T) {
	// Hand-build a header whose 16-bit size field plus the size-high-bit
	// together decode to MaxPacketDataSize+1, the one value Encode itself
	// would never produce but Decode must still reject.
	buf := []byte{byte(ContinuedMessage), flagSizeHighBit, 0x00, 0x00}
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrInvalidHeader)
}

func TestHeaderSizeJustUnderMaxDoesNotNeedHighBit(t *testing.T) {
	h := Header{Type: SwitchToNewMessage, Size: MaxPacketDataSize - 1}
	buf := make([]byte, HeaderSize)
	require.NoError(t, h.Encode(buf))
	require.Equal(t, byte(0), buf[1]&flagSizeHighBit)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderRejectsInvalidControlCode(t *testing.T) {
	buf := []byte{0xFF, 0, 0, 0}
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrInvalidHeader)
}

func TestHeaderRejectsNonZeroSizeKeepAlive(t *testing.T) {
	h := Header{Type: KeepAlive, Size: 1}
	buf := make([]byte, HeaderSize)
	require.NoError(t, h.Encode(buf))
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrInvalidHeader)
}

func TestMessageHeaderRoundTripWithCompressedAndWaitResponse(t *testing.T) {
	mh := MessageHeader{
		WaitResponse: true,
		Compressed:   true,
		ReqIndex:     7,
		ReqUnique:    42,
		BodyLen:      65535,
	}
	buf := make([]byte, MessageHeaderSize)
	mh.Encode(buf)
	require.Equal(t, mh, DecodeMessageHeader(buf))
}

func TestMessageHeaderRoundTripPlain(t *testing.T) {
	mh := MessageHeader{BodyLen: 3}
	buf := make([]byte, MessageHeaderSize)
	mh.Encode(buf)
	require.Equal(t, mh, DecodeMessageHeader(buf))
}
