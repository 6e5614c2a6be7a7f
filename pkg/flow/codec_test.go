package flow

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func TestBytesCodec(t *testing.T) {
	codec := NewBytesCodec(0)
	var stream bytes.Buffer

	big := bytes.Repeat([]byte("x"), 300)
	require.NoError(t, codec.WriteFrame(&stream, []byte("hello")))
	require.NoError(t, codec.WriteFrame(&stream, big))
	require.NoError(t, codec.WriteFrame(&stream, nil))

	frame, err := codec.ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), frame)

	frame, err = codec.ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, big, frame)

	frame, err = codec.ReadFrame(&stream)
	require.NoError(t, err)
	assert.Empty(t, frame)

	_, err = codec.ReadFrame(&stream)
	require.ErrorIs(t, err, io.EOF)
}

func TestBytesCodecTruncated(t *testing.T) {
	codec := NewBytesCodec(0)

	t.Run("mid payload", func(t *testing.T) {
		var stream bytes.Buffer
		require.NoError(t, codec.WriteFrame(&stream, []byte("hello")))
		truncated := bytes.NewReader(stream.Bytes()[:3])

		_, err := codec.ReadFrame(truncated)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("mid prefix", func(t *testing.T) {
		prefix := protowire.AppendVarint(nil, 300)
		_, err := codec.ReadFrame(bytes.NewReader(prefix[:1]))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestBytesCodecLimit(t *testing.T) {
	codec := NewBytesCodec(4)
	var stream bytes.Buffer

	require.ErrorIs(t, codec.WriteFrame(&stream, []byte("too long")), ErrFrameTooLarge)
	assert.Zero(t, stream.Len())

	require.NoError(t, NewBytesCodec(0).WriteFrame(&stream, []byte("too long")))
	_, err := codec.ReadFrame(&stream)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestJsonCodec(t *testing.T) {
	enc := NewJsonEncoder(0)
	dec := NewJsonDecoder[*message](0)
	var stream bytes.Buffer

	require.NoError(t, enc.Encode(&stream, message{Type: "first", Data: map[string]any{"n": 1}}))
	require.NoError(t, NewBytesCodec(0).WriteFrame(&stream, []byte("{not json")))
	require.NoError(t, enc.Encode(&stream, &message{Type: "second"}))

	msg, err := dec.Decode(&stream)
	require.NoError(t, err)
	assert.Equal(t, "first", msg.Type)
	assert.EqualValues(t, 1, msg.Data["n"])

	_, err = dec.Decode(&stream)
	require.ErrorIs(t, err, ErrMalformedFrame)

	// The stream stays aligned after a malformed frame.
	msg, err = dec.Decode(&stream)
	require.NoError(t, err)
	assert.Equal(t, "second", msg.Type)

	_, err = dec.Decode(&stream)
	require.ErrorIs(t, err, io.EOF)
}

func TestJsonDecoderRejectsValues(t *testing.T) {
	assert.Panics(t, func() {
		NewJsonDecoder[message](0)
	})
}
