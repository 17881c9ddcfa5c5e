package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelloRoundtrip(t *testing.T) {
	raw, err := EncodeHello(Hello{
		StreamID:      "camera-1",
		ClientVersion: "1.0.0",
		NextSeq:       1<<60 + 3,
	})
	require.NoError(t, err)

	seq, _, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, ControlSeq, seq)

	hello, err := DecodeHello(raw)
	require.NoError(t, err)
	assert.Equal(t, "camera-1", hello.StreamID)
	assert.Equal(t, "1.0.0", hello.ClientVersion)
	// 大序列号不能因为浮点精度丢失
	assert.Equal(t, uint64(1<<60+3), hello.NextSeq)
}

func TestAckRoundtrip(t *testing.T) {
	raw, err := EncodeAck(Ack{
		StreamID:  "camera-1",
		SessionID: "session-9",
		LastSeq:   17,
		OK:        true,
		Acks:      true,
	})
	require.NoError(t, err)

	ack, err := DecodeAck(raw)
	require.NoError(t, err)
	assert.Equal(t, "session-9", ack.SessionID)
	assert.Equal(t, uint64(17), ack.LastSeq)
	assert.True(t, ack.OK)
	assert.True(t, ack.Acks)
}

func TestDecodeControlRejectsDataFrame(t *testing.T) {
	_, err := DecodeHello(EncodeFrame(5, []byte("video")))
	assert.ErrorIs(t, err, ErrNotControlFrame)
}

func TestDecodeControlRejectsWrongType(t *testing.T) {
	raw, err := EncodeHello(Hello{StreamID: "s"})
	require.NoError(t, err)

	_, err = DecodeAck(raw)
	assert.ErrorIs(t, err, ErrMalformedControl)
}

func TestDecodeControlRejectsGarbage(t *testing.T) {
	_, err := DecodeAck(EncodeFrame(ControlSeq, []byte{0xFF, 0xFF, 0xFF}))
	assert.ErrorIs(t, err, ErrMalformedControl)
}

// FuzzDecodeAck 任意控制帧负载都不应panic，解码成功时重新编码应可再次解码
func FuzzDecodeAck(f *testing.F) {
	seed, _ := EncodeAck(Ack{StreamID: "s", SessionID: "x", LastSeq: 3, OK: true, Acks: true})
	f.Add(seed[FrameHeaderSize:])
	f.Add([]byte{})
	f.Add([]byte{0x0a, 0x00})
	f.Add([]byte{0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		ack, err := DecodeAck(EncodeFrame(ControlSeq, data))
		if err != nil {
			return
		}

		raw, err := EncodeAck(ack)
		if err != nil {
			t.Fatalf("re-encoding failed: %v", err)
		}
		again, err := DecodeAck(raw)
		if err != nil {
			t.Fatalf("decoding re-encoded ack failed: %v", err)
		}
		if again != ack {
			t.Errorf("ack changed after re-encoding: %+v != %+v", again, ack)
		}
	})
}
