// Package envelope defines the wire message exchanged between dispatchers,
// gateways and analyzer replicas, and the rules used to classify them.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the `type` of an `Envelope`.
type Kind string

const (
	KindAnalysisRequest Kind = "analysis_request"
	KindBatchRequest    Kind = "batch_request"
	KindStatusRequest   Kind = "status_request"
	KindCancelRequest   Kind = "cancel_request"

	KindAnalysisResult Kind = "analysis_result"
	KindBatchResult    Kind = "batch_result"
	KindProgressUpdate Kind = "progress_update"
	KindStatusUpdate   Kind = "status_update"

	KindError             Kind = "error"
	KindHeartbeat         Kind = "heartbeat"
	KindServiceRegister   Kind = "service_register"
	KindServiceUnregister Kind = "service_unregister"
	KindConnectionAck     Kind = "connection_ack"
	KindHealthCheck       Kind = "health_check"
)

var recognised = map[Kind]struct{}{
	KindAnalysisRequest:   {},
	KindBatchRequest:      {},
	KindStatusRequest:     {},
	KindCancelRequest:     {},
	KindAnalysisResult:    {},
	KindBatchResult:       {},
	KindProgressUpdate:    {},
	KindStatusUpdate:      {},
	KindError:             {},
	KindHeartbeat:         {},
	KindServiceRegister:   {},
	KindServiceUnregister: {},
	KindConnectionAck:     {},
	KindHealthCheck:       {},
}

// Recognised reports whether the kind belongs to the closed set above.
func (k Kind) Recognised() bool {
	_, ok := recognised[k]
	return ok
}

// IsRequest reports whether the kind expects a correlated answer.
func (k Kind) IsRequest() bool {
	switch k {
	case KindAnalysisRequest, KindBatchRequest, KindStatusRequest, KindCancelRequest:
		return true
	default:
		return false
	}
}

// Envelope is one message on the wire.
//
// `CorrelationID` defaults to the `ID` of the request which originated the
// exchange, every response MUST carry it back.
type Envelope struct {
	Type          Kind           `json:"type"`
	ID            string         `json:"id"`
	Service       string         `json:"service,omitempty"`
	Data          map[string]any `json:"data"`
	Timestamp     string         `json:"timestamp"`
	ClientID      string         `json:"client_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Option customises an `Envelope` built by `New` or `Reply`.
type Option func(*Envelope)

// WithService explicitly targets a logical service.
func WithService(service string) Option {
	return func(env *Envelope) {
		env.Service = service
	}
}

// WithClientID tags the envelope with the emitting client.
func WithClientID(clientID string) Option {
	return func(env *Envelope) {
		env.ClientID = clientID
	}
}

// WithCorrelationID overrides the correlation id, which otherwise defaults
// to the envelope id.
func WithCorrelationID(id string) Option {
	return func(env *Envelope) {
		env.CorrelationID = id
	}
}

// New builds an envelope with a fresh id and timestamp.
//
// `data` can be nil, a `map[string]any` or any value that marshals to a
// JSON object.
func New(kind Kind, data any, opts ...Option) (*Envelope, error) {
	payload, err := ToData(data)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Type:      kind,
		ID:        uuid.NewString(),
		Data:      payload,
		Timestamp: Now(),
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.ID
	}
	return env, nil
}

// Reply builds a response to `req` which carries its correlation id.
func Reply(req *Envelope, kind Kind, data any, opts ...Option) (*Envelope, error) {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = req.ID
	}
	opts = append([]Option{
		WithService(req.Service),
		WithClientID(req.ClientID),
	}, opts...)
	opts = append(opts, WithCorrelationID(correlationID))
	return New(kind, data, opts...)
}

// Time parses the ISO-8601 timestamp. Naive timestamps are read as UTC.
func (env *Envelope) Time() (time.Time, error) {
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, env.Timestamp)
		if err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable timestamp %q", ErrMalformed, env.Timestamp)
}

// Decode unmarshals the payload into `out`.
func (env *Envelope) Decode(out any) error {
	buf, err := json.Marshal(env.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}

// Clone returns a shallow copy with its own top-level payload map.
func (env *Envelope) Clone() *Envelope {
	cloned := *env
	cloned.Data = make(map[string]any, len(env.Data))
	for k, v := range env.Data {
		cloned.Data[k] = v
	}
	return &cloned
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Now formats the current time the way envelopes carry it.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ToData converts a payload into the generic JSON object form carried
// by `Envelope.Data`.
func ToData(data any) (map[string]any, error) {
	switch v := data.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	}

	buf, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %w", ErrMalformed, err)
	}
	return out, nil
}
