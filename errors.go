package dispatch

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/dispatch/pkg/envelope"
)

var (
	ErrInvalidCfg  = errors.New("pool: invalid options")
	ErrPoolClosed  = errors.New("pool: shut down")
	ErrPoolStarted = errors.New("pool: already started")

	ErrNoEndpointsConfigured = errors.New("balancer: no endpoints configured for service")
	ErrNoHealthyEndpoint     = errors.New("balancer: no healthy endpoint for service")

	ErrInvalidRequest     = errors.New("dispatch: invalid request envelope")
	ErrConnectionFailure  = errors.New("dispatch: connection failure")
	ErrStalledConnection  = errors.New("dispatch: no message received within the message timeout")
	ErrRequestTimeout     = errors.New("dispatch: request timed out")
	ErrRequestCancelled   = errors.New("dispatch: request cancelled by caller")
	ErrClosedBeforeResult = errors.New("dispatch: connection closed before result received")

	ErrClientClosed  = errors.New("client: connection closed")
	ErrCancelled     = errors.New("client: request cancelled")
	ErrClientTimeout = errors.New("client: request timed out")

	ErrInvalidAddr = errors.New("transport: invalid address")
	ErrShutdown    = errors.New("transport: shutting down")
	ErrStreamWrite = errors.New("transport: error writing to a stream")
	ErrNoTLSConfig = errors.New("transport: TlsConfig is required")

	ErrServerClosed = errors.New("server: closed")
)

// CodeNormal is the application close code of a normal close.
const CodeNormal = quic.ApplicationErrorCode(0x0)

var (
	QErrStreamCancelled         = quic.StreamErrorCode(0xC)
	QErrStreamHandlerFailed     = quic.StreamErrorCode(0x10)
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// CloseError is returned when the remote closed the exchange with a code
// other than `CodeNormal`.
type CloseError struct {
	Code   uint64
	Remote bool
	Reason string
}

func (cerr *CloseError) Error() string {
	side := "local"
	if cerr.Remote {
		side = "remote"
	}
	if cerr.Reason == "" {
		return fmt.Sprintf("dispatch: connection closed by %s with code %#x", side, cerr.Code)
	}
	return fmt.Sprintf("dispatch: connection closed by %s with code %#x: %s", side, cerr.Code, cerr.Reason)
}

// RemoteError carries a terminal `error` envelope verbatim.
type RemoteError struct {
	Envelope *envelope.Envelope
}

func (rerr *RemoteError) Error() string {
	return "remote: " + envelope.ErrorMessage(rerr.Envelope)
}

// ExhaustedError is returned once every attempt of a dispatch failed.
// `Attempts` counts the exchanges actually started and `Err` aggregates
// their causes.
type ExhaustedError struct {
	Service  string
	Attempts int
	Err      error
}

func (eerr *ExhaustedError) Error() string {
	return fmt.Sprintf("pool: request to %s failed after %d attempts: %v", eerr.Service, eerr.Attempts, eerr.Err)
}

func (eerr *ExhaustedError) Unwrap() error {
	return eerr.Err
}

// classifyClose maps a read error into the dispatch taxonomy.
func classifyClose(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrClosedBeforeResult
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		if appErr.ErrorCode == CodeNormal {
			return ErrClosedBeforeResult
		}
		return &CloseError{
			Code:   uint64(appErr.ErrorCode),
			Remote: appErr.Remote,
			Reason: appErr.ErrorMessage,
		}
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return &CloseError{
			Code:   uint64(streamErr.ErrorCode),
			Remote: streamErr.Remote,
		}
	}

	return fmt.Errorf("%w: %w", ErrConnectionFailure, err)
}

// errorClass is a short, stable name used as a metric label.
func errorClass(err error) string {
	var (
		closeErr  *CloseError
		remoteErr *RemoteError
	)
	switch {
	case errors.Is(err, ErrNoEndpointsConfigured):
		return "no_endpoints"
	case errors.Is(err, ErrNoHealthyEndpoint):
		return "no_healthy_endpoint"
	case errors.Is(err, ErrStalledConnection):
		return "stalled"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrRequestCancelled):
		return "cancelled"
	case errors.Is(err, ErrClosedBeforeResult):
		return "closed_before_result"
	case errors.As(err, &closeErr):
		return "abnormal_close"
	case errors.As(err, &remoteErr):
		return "remote_error"
	case errors.Is(err, ErrConnectionFailure):
		return "connection_failure"
	default:
		return "unknown"
	}
}
