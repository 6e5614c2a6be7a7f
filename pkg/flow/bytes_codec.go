package flow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// BytesCodec is a simple framing codec using length-prefixed frames
// to exchange []byte over a stream.
type BytesCodec struct {
	maxFrameSize uint64
}

func NewBytesCodec(maxFrameSize uint64) BytesCodec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return BytesCodec{
		maxFrameSize: maxFrameSize,
	}
}

// WriteFrame writes `buf` prefixed with its length in a single write call.
func (enc BytesCodec) WriteFrame(w io.Writer, buf []byte) error {
	if uint64(len(buf)) > enc.limit() {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}

	prefixedBuf := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(buf)), uint64(len(buf)))
	prefixedBuf = append(prefixedBuf, buf...)
	_, err := w.Write(prefixedBuf)
	return err
}

// ReadFrame reads one frame.
//
// It returns `io.EOF` only when the stream ends on a frame boundary,
// a stream ending mid-frame yields `io.ErrUnexpectedEOF`.
func (enc BytesCodec) ReadFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if m != 0 {
			byteRead := buf[n]
			n = m + n
			if byteRead < 0x80 {
				break
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if prefix > enc.limit() {
		return nil, fmt.Errorf("%w: %d bytes announced", ErrFrameTooLarge, prefix)
	}

	buf = make([]byte, prefix)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return buf, nil
}

func (enc BytesCodec) limit() uint64 {
	if enc.maxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return enc.maxFrameSize
}
