// Package flow frames messages over ordered byte streams.
//
// A frame is a protobuf varint holding the payload length followed by the
// payload itself. The codecs work on any `io.Reader` / `io.Writer` so they can
// be used on QUIC streams as well as on in-memory pipes.
package flow

import "errors"

var (
	ErrFrameTooLarge  = errors.New("flow: frame exceeds the maximum size")
	ErrMalformedFrame = errors.New("flow: malformed frame")
)

// DefaultMaxFrameSize bounds frames when no explicit limit is given.
const DefaultMaxFrameSize = 16 << 20
