package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/dispatch/pkg/envelope"
	"github.com/raskyld/dispatch/pkg/flow"
)

// controlWriteTimeout bounds writes no caller waits on, like the connection
// ack and cancel notifications.
const controlWriteTimeout = 10 * time.Second

type clientConfig struct {
	clientID       string
	trCfg          TransportConfig
	logHandler     slog.Handler
	msink          metrics.MetricSink
	metricLabels   []metrics.Label
	defaultTimeout time.Duration
	batchTimeout   time.Duration
}

// ClientOption to pass to `Connect`.
type ClientOption func(*clientConfig) error

// WithClientID overrides the generated client id.
func WithClientID(id string) ClientOption {
	return func(c *clientConfig) error {
		if id != "" {
			c.clientID = id
		}
		return nil
	}
}

// WithClientTlsConfig is required.
func WithClientTlsConfig(tlsConf *tls.Config) ClientOption {
	return func(c *clientConfig) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

func WithClientLog(handler slog.Handler) ClientOption {
	return func(c *clientConfig) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

func WithClientMetricSink(ms metrics.MetricSink) ClientOption {
	return func(c *clientConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

func WithClientMetricLabels(labels []metrics.Label) ClientOption {
	return func(c *clientConfig) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithClientTimeouts sets the timeouts used when `Send` and `SendBatch`
// are given a zero timeout.
func WithClientTimeouts(request, batch time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if request > 0 {
			c.defaultTimeout = request
		}
		if batch > 0 {
			c.batchTimeout = batch
		}
		return nil
	}
}

func WithClientDialTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) error {
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

type outcome struct {
	env *envelope.Envelope
	err error
}

type pendingRequest struct {
	correlationID string
	kind          envelope.Kind
	deadline      time.Time
	// resultCh has room for the single resolution.
	resultCh chan outcome
}

// Client multiplexes many requests over one persistent stream to a single
// endpoint, usually a gateway.
type Client struct {
	id           string
	cfg          *clientConfig
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	tr     *Transport
	conn   quic.Connection
	stream quic.Stream

	enc flow.JsonEncoder
	dec flow.JsonDecoder[*envelope.Envelope]
	wlk sync.Mutex

	lk       sync.Mutex
	pending  map[string]*pendingRequest
	handlers map[envelope.Kind]func(*envelope.Envelope)
	closed   bool

	closeOnce sync.Once
	doneCh    chan struct{}
}

// Connect dials `addr`, opens the session stream and starts the read loop.
func Connect(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := &clientConfig{
		clientID:       uuid.NewString(),
		defaultTimeout: 5 * time.Minute,
		batchTimeout:   30 * time.Minute,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	cl := &Client{
		id:           c.clientID,
		cfg:          c,
		metricLabels: c.metricLabels,
		enc:          flow.NewJsonEncoder(0),
		dec:          flow.NewJsonDecoder[*envelope.Envelope](0),
		pending:      make(map[string]*pendingRequest),
		handlers:     make(map[envelope.Kind]func(*envelope.Envelope)),
		doneCh:       make(chan struct{}),
	}

	if c.logHandler == nil {
		cl.logger = slog.Default()
	} else {
		cl.logger = slog.New(c.logHandler)
	}
	cl.logger = cl.logger.With(LabelClientID.L(cl.id), LabelPeerAddr.L(addr))

	if c.msink == nil {
		cl.msink = metrics.Default()
	} else {
		cl.msink = c.msink
	}
	c.trCfg.MetricSink = cl.msink

	tr, err := NewTransport(&c.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	cl.tr = tr

	cl.conn, err = tr.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	cl.stream, err = cl.conn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(cl.conn, "could not open session stream")
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}

	ack, err := envelope.New(envelope.KindConnectionAck, envelope.ConnectionAck{ClientID: cl.id}, envelope.WithClientID(cl.id))
	if err != nil {
		return nil, err
	}
	if err := cl.write(ack, time.Now().Add(controlWriteTimeout)); err != nil {
		QErrInternal.Close(cl.conn, "could not send connection ack")
		return nil, err
	}

	go cl.readLoop()
	cl.logger.Info("connected")
	return cl, nil
}

// ID of the client, sent in every envelope.
func (cl *Client) ID() string {
	return cl.id
}

// Handle registers `fn` for non-terminal envelopes of `kind`, or for
// terminal envelopes nobody waits for. `fn` runs on the read loop and must
// not block.
func (cl *Client) Handle(kind envelope.Kind, fn func(*envelope.Envelope)) {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	if fn == nil {
		delete(cl.handlers, kind)
		return
	}
	cl.handlers[kind] = fn
}

// Pending returns the number of requests waiting for their answer.
func (cl *Client) Pending() int {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	return len(cl.pending)
}

// Send an `analysis_request` and wait for its terminal answer.
//
// A zero timeout uses the client default. A terminal `error` envelope is
// returned as a `*RemoteError`.
func (cl *Client) Send(ctx context.Context, req envelope.AnalysisRequest, timeout time.Duration) (*envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = cl.cfg.defaultTimeout
	}
	return cl.request(ctx, envelope.KindAnalysisRequest, req, "", timeout)
}

// SendTo is `Send` with an explicit target service.
func (cl *Client) SendTo(ctx context.Context, service string, req envelope.AnalysisRequest, timeout time.Duration) (*envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = cl.cfg.defaultTimeout
	}
	return cl.request(ctx, envelope.KindAnalysisRequest, req, service, timeout)
}

// SendBatch sends many sub-requests in one envelope.
func (cl *Client) SendBatch(ctx context.Context, name string, reqs []envelope.AnalysisRequest, timeout time.Duration) (*envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = cl.cfg.batchTimeout
	}
	return cl.request(ctx, envelope.KindBatchRequest, envelope.BatchRequest{Name: name, Requests: reqs}, "", timeout)
}

// RequestStatus asks the remote for its status.
func (cl *Client) RequestStatus(ctx context.Context, timeout time.Duration) (*envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = cl.cfg.defaultTimeout
	}
	return cl.request(ctx, envelope.KindStatusRequest, nil, "", timeout)
}

// Cancel asks the remote to abort the request correlated with `id`.
// The local caller of that request still waits for its answer.
func (cl *Client) Cancel(id string) error {
	env, err := envelope.New(envelope.KindCancelRequest, envelope.CancelRequest{RequestID: id}, envelope.WithClientID(cl.id))
	if err != nil {
		return err
	}
	err = cl.write(env, time.Now().Add(controlWriteTimeout))
	if errors.Is(err, ErrStreamWrite) {
		cl.abort(err)
	}
	return err
}

// cancelRemote sends `Cancel` without holding up the caller.
func (cl *Client) cancelRemote(id string) {
	go func() {
		if err := cl.Cancel(id); err != nil {
			cl.logger.Debug("could not cancel remote request", LabelCorrelationID.L(id), LabelError.L(err))
		}
	}()
}

func (cl *Client) request(ctx context.Context, kind envelope.Kind, data any, service string, timeout time.Duration) (*envelope.Envelope, error) {
	env, err := envelope.New(kind, data, envelope.WithClientID(cl.id), envelope.WithService(service))
	if err != nil {
		return nil, err
	}

	entry := &pendingRequest{
		correlationID: env.ID,
		kind:          kind,
		deadline:      time.Now().Add(timeout),
		resultCh:      make(chan outcome, 1),
	}

	cl.lk.Lock()
	if cl.closed {
		cl.lk.Unlock()
		return nil, ErrClientClosed
	}
	cl.pending[entry.correlationID] = entry
	cl.reportPendingLocked()
	cl.lk.Unlock()

	writeDeadline := entry.deadline
	if d, ok := ctx.Deadline(); ok && d.Before(writeDeadline) {
		writeDeadline = d
	}
	// A peer which stops reading blocks the write, the caller still
	// honours its own timeout below.
	go func() {
		err := cl.write(env, writeDeadline)
		if err == nil || errors.Is(err, ErrClientClosed) {
			return
		}
		out := outcome{err: err}
		if isTimeout(err) {
			out.err = ErrClientTimeout
			if ctx.Err() != nil {
				out.err = fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
			}
		}
		cl.resolve(entry.correlationID, out)
		if errors.Is(err, ErrStreamWrite) {
			cl.abort(err)
		}
	}()

	timer := time.NewTimer(time.Until(entry.deadline))
	defer timer.Stop()

	var res outcome
	select {
	case res = <-entry.resultCh:
	case <-timer.C:
		if cl.resolve(entry.correlationID, outcome{err: ErrClientTimeout}) {
			cl.cancelRemote(entry.correlationID)
		}
		res = <-entry.resultCh
	case <-ctx.Done():
		if cl.resolve(entry.correlationID, outcome{err: fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))}) {
			cl.cancelRemote(entry.correlationID)
		}
		res = <-entry.resultCh
	}

	if res.err != nil {
		return nil, res.err
	}
	if res.env.Type == envelope.KindError {
		return nil, &RemoteError{Envelope: res.env}
	}
	return res.env, nil
}

// resolve delivers `out` to the pending entry and removes it. It returns
// false if the entry was already resolved.
func (cl *Client) resolve(correlationID string, out outcome) bool {
	cl.lk.Lock()
	entry, ok := cl.pending[correlationID]
	if ok {
		delete(cl.pending, correlationID)
		cl.reportPendingLocked()
	}
	cl.lk.Unlock()

	if !ok {
		return false
	}
	entry.resultCh <- out

	result := "terminal"
	if out.err != nil {
		result = errorClass(out.err)
		switch {
		case errors.Is(out.err, ErrClientTimeout):
			result = "timeout"
		case errors.Is(out.err, ErrCancelled):
			result = "cancelled"
		}
	}
	cl.msink.IncrCounterWithLabels(MetricClientResolveCount, 1.0, withLabels(cl.metricLabels, LabelOutcome.M(result)))
	return true
}

// resolveWith resolves the entry `env` is correlated with, if `env` ends
// its exchange.
func (cl *Client) resolveWith(env *envelope.Envelope) bool {
	cl.lk.Lock()
	entry, ok := cl.pending[env.CorrelationID]
	cl.lk.Unlock()
	if !ok || !envelope.Resolves(entry.kind, env) {
		return false
	}
	return cl.resolve(env.CorrelationID, outcome{env: env})
}

// write sends `env` on the session stream, giving up at `deadline`.
//
// A failed stream write may leave half a frame behind, callers must
// `abort` the session.
func (cl *Client) write(env *envelope.Envelope, deadline time.Time) error {
	var frame bytes.Buffer
	if err := cl.enc.Encode(&frame, env); err != nil {
		return err
	}

	cl.lk.Lock()
	closed := cl.closed
	cl.lk.Unlock()
	if closed {
		return ErrClientClosed
	}

	cl.wlk.Lock()
	defer cl.wlk.Unlock()

	cl.stream.SetWriteDeadline(deadline)
	_, err := cl.stream.Write(frame.Bytes())
	cl.stream.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

// abort tears the session down after a transport failure.
func (cl *Client) abort(cause error) {
	cl.shutdown(cause)
	cl.stream.CancelWrite(QErrStreamCancelled)
	cl.stream.CancelRead(QErrStreamCancelled)
}

func (cl *Client) readLoop() {
	defer close(cl.doneCh)
	for {
		env, err := cl.dec.Decode(cl.stream)
		if err != nil {
			if errors.Is(err, flow.ErrMalformedFrame) {
				cl.drop("malformed", err)
				continue
			}
			cl.shutdown(err)
			return
		}
		if err := envelope.CheckStructure(env); err != nil {
			cl.drop("malformed", err)
			continue
		}

		if env.CorrelationID != "" && cl.resolveWith(env) {
			continue
		}

		cl.lk.Lock()
		handler := cl.handlers[env.Type]
		cl.lk.Unlock()
		if handler == nil {
			cl.logger.Debug("no handler for envelope", LabelKind.L(env.Type), LabelCorrelationID.L(env.CorrelationID))
			cl.msink.IncrCounterWithLabels(MetricClientDroppedCount, 1.0, withLabels(cl.metricLabels, LabelKind.M(string(env.Type))))
			continue
		}
		handler(env)
	}
}

func (cl *Client) drop(reason string, err error) {
	cl.logger.Warn("dropping envelope", LabelError.L(err))
	cl.msink.IncrCounterWithLabels(MetricClientDroppedCount, 1.0, withLabels(cl.metricLabels, LabelError.M(reason)))
}

// shutdown marks the client closed and resolves every pending request with
// `ErrCancelled`.
func (cl *Client) shutdown(cause error) {
	cl.closeOnce.Do(func() {
		cl.lk.Lock()
		cl.closed = true
		ids := make([]string, 0, len(cl.pending))
		for id := range cl.pending {
			ids = append(ids, id)
		}
		cl.lk.Unlock()

		for _, id := range ids {
			cl.resolve(id, outcome{err: fmt.Errorf("%w: %w", ErrCancelled, cause)})
		}
		if cause != nil && !errors.Is(cause, ErrClientClosed) {
			cl.logger.Warn("session lost", LabelError.L(cause))
		}
	})
}

// Close ends the session. Requests still waiting fail with `ErrCancelled`.
func (cl *Client) Close() error {
	cl.shutdown(ErrClientClosed)

	// A writer stuck on flow control holds the lock until its deadline,
	// reset the stream rather than wait for it.
	if cl.wlk.TryLock() {
		cl.stream.Close()
		cl.wlk.Unlock()
	} else {
		cl.stream.CancelWrite(QErrStreamCancelled)
	}
	cl.stream.CancelRead(QErrStreamCancelled)
	err := cl.conn.CloseWithError(CodeNormal, "client closed")

	<-cl.doneCh
	cl.logger.Info("disconnected")
	return err
}

func (cl *Client) reportPendingLocked() {
	cl.msink.SetGaugeWithLabels(MetricClientPending, float32(len(cl.pending)), cl.metricLabels)
}
