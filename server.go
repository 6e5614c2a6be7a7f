package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/dispatch/pkg/envelope"
	"github.com/raskyld/dispatch/pkg/flow"
)

// Handler serves the requests received by a `Server`.
//
// It may stream progress with `Responder.Progress` and must end with exactly
// one terminal answer. A non-nil error is turned into an `error` envelope
// unless a terminal answer was already sent.
type Handler interface {
	ServeAnalysis(ctx context.Context, req *envelope.Envelope, rw Responder) error
}

type HandlerFunc func(ctx context.Context, req *envelope.Envelope, rw Responder) error

func (fn HandlerFunc) ServeAnalysis(ctx context.Context, req *envelope.Envelope, rw Responder) error {
	return fn(ctx, req, rw)
}

// Responder writes envelopes correlated with the request being served.
type Responder interface {
	Progress(data any) error
	Result(data any) error
	Fail(err error) error
	// Send writes any kind, it counts as terminal when `IsTerminal` says so.
	Send(kind envelope.Kind, data any) error
}

// ServerConfig configures a `Server`.
type ServerConfig struct {
	// Service name reported in health replies.
	Service string

	// TlsConfig must hold the server certificate.
	TlsConfig *tls.Config

	// MaxIdleTimeout of accepted connections.
	MaxIdleTimeout time.Duration

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// Server accepts dispatch exchanges over QUIC.
//
// The first envelope of a stream decides how it is served:
//   - `health_check` is answered once;
//   - `connection_ack` opens a session multiplexing many requests;
//   - anything else is a single request, the stream is closed after its
//     terminal answer.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *slog.Logger
	msink   metrics.MetricSink
	ln      *quic.Listener

	enc flow.JsonEncoder
	dec flow.JsonDecoder[*envelope.Envelope]

	healthy      atomic.Bool
	gracefulTerm atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lk    sync.Mutex
	conns map[quic.Connection]struct{}
}

// Listen starts serving on `addr` (e.g. `127.0.0.1:0`).
func Listen(addr string, handler Handler, cfg ServerConfig) (*Server, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	idle := cfg.MaxIdleTimeout
	if idle == 0 {
		idle = 1 * time.Minute
	}

	ln, err := quic.ListenAddr(addr, withALPN(cfg.TlsConfig), &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:        idle,
		MaxIncomingStreams:    10000,
		MaxIncomingUniStreams: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("server: failed to allocate QUIC listener: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		handler: handler,
		ln:      ln,
		enc:     flow.NewJsonEncoder(0),
		dec:     flow.NewJsonDecoder[*envelope.Envelope](0),
		conns:   make(map[quic.Connection]struct{}),
	}
	s.healthy.Store(true)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.LogHandler == nil {
		s.logger = slog.Default()
	} else {
		s.logger = slog.New(cfg.LogHandler)
	}
	s.logger = s.logger.With(LabelService.L(cfg.Service))

	if cfg.MetricSink == nil {
		s.msink = metrics.Default()
	} else {
		s.msink = cfg.MetricSink
	}

	s.wg.Add(1)
	go s.acceptCx()
	return s, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// SetHealthy changes the status reported to health checks.
func (s *Server) SetHealthy(healthy bool) {
	s.healthy.Store(healthy)
}

// Shutdown stops accepting, cancels in-flight handlers and closes every
// connection.
func (s *Server) Shutdown() error {
	if !s.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()
	err := s.ln.Close()

	s.lk.Lock()
	for conn := range s.conns {
		QErrShutdown.Close(conn, "server shutting down")
	}
	s.lk.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptCx() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept(s.ctx)
		if err != nil {
			if !s.gracefulTerm.Load() {
				s.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		s.lk.Lock()
		s.conns[conn] = struct{}{}
		s.lk.Unlock()

		s.wg.Add(1)
		go s.handleStreams(conn)
	}
}

func (s *Server) handleStreams(conn quic.Connection) {
	defer s.wg.Done()
	defer func() {
		s.lk.Lock()
		delete(s.conns, conn)
		s.lk.Unlock()
	}()

	peer := conn.RemoteAddr().String()
	logger := s.logger.With(LabelPeerAddr.L(peer))
	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			if !s.gracefulTerm.Load() {
				logger.Debug("connection closed", LabelError.L(err))
			}
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(logger.With(slog.Int64("stream_id", int64(stream.StreamID()))), stream)
		}()
	}
}

func (s *Server) handleStream(logger *slog.Logger, stream quic.Stream) {
	first, err := s.dec.Decode(stream)
	if err != nil {
		logger.Debug("stream ended before its first envelope", LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return
	}

	if err := envelope.Validate(first); err != nil {
		logger.Warn("rejecting malformed envelope", LabelError.L(err))
		s.msink.IncrCounterWithLabels(MetricMalformedEnvelopeCount, 1.0, s.labels())
		w := &lockedWriter{enc: s.enc, stream: stream}
		w.reply(first, envelope.KindError, envelope.ErrorPayload{Code: "malformed", Message: err.Error()})
		stream.Close()
		return
	}

	switch first.Type {
	case envelope.KindHealthCheck:
		s.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, s.labels(LabelMode.M("health")))
		s.serveHealth(logger, stream)
	case envelope.KindConnectionAck:
		s.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, s.labels(LabelMode.M("session")))
		s.serveSession(logger, stream, first)
	default:
		s.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, s.labels(LabelMode.M("single")))
		s.serveSingle(logger, stream, first)
	}
}

func (s *Server) serveHealth(logger *slog.Logger, stream quic.Stream) {
	status := envelope.HealthStatusHealthy
	if !s.healthy.Load() {
		status = envelope.HealthStatusUnhealthy
	}
	err := s.enc.Encode(stream, &envelope.HealthReply{
		Type:      envelope.KindHealthCheck,
		Status:    status,
		Service:   s.cfg.Service,
		Timestamp: envelope.Now(),
	})
	if err != nil {
		logger.Debug("could not answer health check", LabelError.L(err))
	}
	stream.Close()
}

func (s *Server) serveSingle(logger *slog.Logger, stream quic.Stream, req *envelope.Envelope) {
	ctx, cancel := mergeContexts(s.ctx, stream.Context())
	defer cancel()

	w := &lockedWriter{enc: s.enc, stream: stream}
	s.serveRequest(ctx, logger, w, req)
	stream.Close()
}

// serveSession multiplexes requests over one stream until the peer closes
// its side.
func (s *Server) serveSession(logger *slog.Logger, stream quic.Stream, ack *envelope.Envelope) {
	logger = logger.With(LabelClientID.L(ack.ClientID))
	w := &lockedWriter{enc: s.enc, stream: stream}
	w.reply(ack, envelope.KindConnectionAck, envelope.ConnectionAck{ClientID: ack.ClientID, Service: s.cfg.Service})
	logger.Info("session opened")

	ctx, cancel := mergeContexts(s.ctx, stream.Context())
	defer cancel()

	var (
		wg       sync.WaitGroup
		lk       sync.Mutex
		inflight = make(map[string]context.CancelFunc)
	)
	defer func() {
		lk.Lock()
		for _, cancelReq := range inflight {
			cancelReq()
		}
		lk.Unlock()
		wg.Wait()
		stream.Close()
		logger.Info("session closed")
	}()

	for {
		req, err := s.dec.Decode(stream)
		if err != nil {
			if errors.Is(err, flow.ErrMalformedFrame) {
				s.msink.IncrCounterWithLabels(MetricMalformedEnvelopeCount, 1.0, s.labels())
				logger.Warn("dropping malformed frame", LabelError.L(err))
				continue
			}
			return
		}
		if err := envelope.Validate(req); err != nil {
			s.msink.IncrCounterWithLabels(MetricMalformedEnvelopeCount, 1.0, s.labels())
			logger.Warn("rejecting malformed envelope", LabelError.L(err))
			w.reply(req, envelope.KindError, envelope.ErrorPayload{Code: "malformed", Message: err.Error()})
			continue
		}

		switch req.Type {
		case envelope.KindHeartbeat:
			w.reply(req, envelope.KindHeartbeat, nil)

		case envelope.KindStatusRequest:
			lk.Lock()
			status := envelope.StatusUpdate{Service: s.cfg.Service, Active: len(inflight)}
			for id := range inflight {
				status.Requests = append(status.Requests, id)
			}
			lk.Unlock()
			w.reply(req, envelope.KindStatusUpdate, status)

		case envelope.KindCancelRequest:
			var target envelope.CancelRequest
			err := req.Decode(&target)
			if err == nil && target.RequestID == "" {
				err = errors.New("missing request_id")
			}
			if err != nil {
				s.msink.IncrCounterWithLabels(MetricMalformedEnvelopeCount, 1.0, s.labels())
				logger.Warn("dropping malformed cancel request", LabelError.L(err))
				continue
			}
			lk.Lock()
			cancelReq, ok := inflight[target.RequestID]
			lk.Unlock()
			if ok {
				logger.Info("request cancelled by peer", LabelCorrelationID.L(target.RequestID))
				cancelReq()
			}

		case envelope.KindAnalysisRequest, envelope.KindBatchRequest:
			id := req.CorrelationID
			if id == "" {
				id = req.ID
			}
			reqCtx, cancelReq := context.WithCancel(ctx)
			lk.Lock()
			inflight[id] = cancelReq
			lk.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					lk.Lock()
					delete(inflight, id)
					lk.Unlock()
					cancelReq()
				}()
				s.serveRequest(reqCtx, logger, w, req)
			}()

		default:
			logger.Debug("ignoring envelope", LabelKind.L(req.Type))
		}
	}
}

func (s *Server) serveRequest(ctx context.Context, logger *slog.Logger, w *lockedWriter, req *envelope.Envelope) {
	logger = logger.With(LabelCorrelationID.L(req.CorrelationID), LabelKind.L(req.Type))
	s.msink.IncrCounterWithLabels(MetricServerRequestCount, 1.0, s.labels(LabelKind.M(string(req.Type))))

	rw := &responder{w: w, req: req}
	err := s.handler.ServeAnalysis(ctx, req, rw)
	if err != nil {
		s.msink.IncrCounterWithLabels(MetricServerErrorCount, 1.0, s.labels(LabelKind.M(string(req.Type))))
		logger.Warn("handler failed", LabelError.L(err))
		if !rw.terminal.Load() {
			rw.Fail(err)
		}
		return
	}
	if !rw.terminal.Load() {
		logger.Warn("handler returned without a terminal answer")
	}
}

func (s *Server) labels(labels ...metrics.Label) []metrics.Label {
	return withLabels(s.cfg.MetricLabels, labels...)
}

// lockedWriter serialises writes of concurrent handlers on one stream.
type lockedWriter struct {
	lk     sync.Mutex
	enc    flow.JsonEncoder
	stream quic.Stream
}

func (w *lockedWriter) write(env *envelope.Envelope) error {
	w.lk.Lock()
	defer w.lk.Unlock()
	if err := w.enc.Encode(w.stream, env); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

func (w *lockedWriter) reply(req *envelope.Envelope, kind envelope.Kind, data any) error {
	if req == nil {
		req = &envelope.Envelope{}
	}
	env, err := envelope.Reply(req, kind, data)
	if err != nil {
		return err
	}
	return w.write(env)
}

type responder struct {
	w        *lockedWriter
	req      *envelope.Envelope
	terminal atomic.Bool
}

func (rw *responder) Progress(data any) error {
	return rw.Send(envelope.KindProgressUpdate, data)
}

func (rw *responder) Result(data any) error {
	return rw.Send(envelope.KindAnalysisResult, data)
}

func (rw *responder) Fail(err error) error {
	return rw.Send(envelope.KindError, envelope.ErrorPayload{Message: err.Error()})
}

func (rw *responder) Send(kind envelope.Kind, data any) error {
	env, err := envelope.Reply(rw.req, kind, data)
	if err != nil {
		return err
	}
	if envelope.Resolves(rw.req.Type, env) && !rw.terminal.CompareAndSwap(false, true) {
		return fmt.Errorf("server: request %s already answered", rw.req.ID)
	}
	return rw.w.write(env)
}

// mergeContexts is cancelled as soon as either parent is.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
