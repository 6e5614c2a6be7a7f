package envelope

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed        = errors.New("protocol: malformed envelope")
	ErrMissingType      = errors.New("protocol: envelope has no type")
	ErrMissingID        = errors.New("protocol: envelope has no id")
	ErrMissingTimestamp = errors.New("protocol: envelope has no timestamp")
	ErrUnknownKind      = errors.New("protocol: unrecognised envelope type")
)

// CheckStructure only requires the fields any envelope carries.
//
// Responses are checked with it because analyzers answer with kinds outside
// of the recognised set (e.g. `static_analysis_result`).
func CheckStructure(env *Envelope) error {
	if env == nil {
		return ErrMalformed
	}
	if env.Type == "" {
		return ErrMissingType
	}
	if env.ID == "" {
		return ErrMissingID
	}
	if env.Timestamp == "" {
		return ErrMissingTimestamp
	}
	return nil
}

// Validate rejects envelopes which are not well-formed requests or
// system messages.
func Validate(env *Envelope) error {
	if err := CheckStructure(env); err != nil {
		return err
	}
	if !env.Type.Recognised() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	return nil
}
