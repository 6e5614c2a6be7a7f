package flow

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
)

type JsonEncoder struct {
	inner BytesCodec
}

func NewJsonEncoder(maxFrameSize uint64) JsonEncoder {
	return JsonEncoder{
		inner: NewBytesCodec(maxFrameSize),
	}
}

func (enc JsonEncoder) Encode(w io.Writer, msg any) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return enc.inner.WriteFrame(w, buf)
}

// JsonDecoder reads frames and unmarshals them into freshly allocated `Msg`.
//
// A frame which is not valid JSON is reported with `ErrMalformedFrame`,
// the stream is still aligned on the next frame so callers may keep reading.
type JsonDecoder[Msg any] struct {
	inner     BytesCodec
	allocator func() Msg
}

func NewJsonDecoder[Msg any](maxFrameSize uint64) JsonDecoder[Msg] {
	t := reflect.TypeFor[Msg]()
	if t.Kind() != reflect.Ptr {
		panic("it makes no sense to try to unmarshal into a non-pointer")
	}

	return JsonDecoder[Msg]{
		inner: NewBytesCodec(maxFrameSize),
		allocator: func() Msg {
			return reflect.New(t.Elem()).Interface().(Msg)
		},
	}
}

func (dec JsonDecoder[Msg]) Decode(r io.Reader) (Msg, error) {
	var zero Msg
	buf, err := dec.inner.ReadFrame(r)
	if err != nil {
		return zero, err
	}

	result := dec.allocator()
	if err := json.Unmarshal(buf, result); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return result, nil
}
