package dispatch

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/dispatch/pkg/envelope"
	"github.com/raskyld/dispatch/pkg/flow"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "dispatch-test-ca",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		DNSNames:              []string{"localhost"},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// generateTLS returns a server configuration and the matching client
// configuration trusting it.
func generateTLS(t *testing.T) (server *tls.Config, client *tls.Config) {
	t.Helper()
	caKey := generateKeyPair(t)
	leafKey := generateKeyPair(t)

	ca, err := x509.ParseCertificate(generateCa(t, caKey))
	require.NoError(t, err)

	leafDER := generateLeaf(t, ca, caKey, leafKey, "analyzer")
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	server = &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{leafDER},
				Leaf:        leaf,
				PrivateKey:  leafKey,
			},
		},
	}
	client = &tls.Config{
		RootCAs:    caPool,
		ServerName: "127.0.0.1",
	}
	return server, client
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// startServer serves `handler` on a random local port until the test ends.
func startServer(t *testing.T, service string, serverTLS *tls.Config, handler Handler) *Server {
	t.Helper()
	srv, err := Listen("127.0.0.1:0", handler, ServerConfig{
		Service:    service,
		TlsConfig:  serverTLS,
		LogHandler: testLogHandler(service),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
	})
	return srv
}

// analysisResult is a terminal payload.
func analysisResult(findings int) map[string]any {
	return map[string]any{
		"status":   "completed",
		"analysis": map[string]any{"findings": findings},
	}
}

// scriptedHandler streams `progress` progress updates then a result.
func scriptedHandler(progress int) Handler {
	return HandlerFunc(func(ctx context.Context, req *envelope.Envelope, rw Responder) error {
		for i := range progress {
			if err := rw.Progress(envelope.ProgressUpdate{Stage: "scan", Progress: float64(i+1) / float64(progress+1)}); err != nil {
				return err
			}
		}
		return rw.Result(analysisResult(progress))
	})
}

// reply is what a fake endpoint answers to one exchange.
type reply struct {
	envelopes []any
	// stall keeps the stream open once the envelopes are consumed.
	stall bool
}

// fakeOpener stands for the network in pool tests.
type fakeOpener struct {
	lk      sync.Mutex
	streams map[string]int
	probes  map[string]int

	// openErr fails stream opening towards an address when it returns non-nil.
	openErr func(addr string) error
	// respond scripts the answer to a request.
	respond func(addr string, req *envelope.Envelope) reply
	// healthy scripts health probes, nil means healthy.
	healthy func(addr string) bool
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		streams: make(map[string]int),
		probes:  make(map[string]int),
	}
}

func (fo *fakeOpener) OpenStream(ctx context.Context, addr string) (Stream, error) {
	fo.lk.Lock()
	fo.streams[addr]++
	openErr, respond := fo.openErr, fo.respond
	fo.lk.Unlock()

	if openErr != nil {
		if err := openErr(addr); err != nil {
			return nil, err
		}
	}
	return newFakeStream(func(req *envelope.Envelope) reply {
		if respond == nil {
			return reply{stall: true}
		}
		return respond(addr, req)
	}), nil
}

func (fo *fakeOpener) OpenProbe(ctx context.Context, addr string) (Stream, func(), error) {
	fo.lk.Lock()
	fo.probes[addr]++
	healthy := fo.healthy
	fo.lk.Unlock()

	status := envelope.HealthStatusHealthy
	if healthy != nil && !healthy(addr) {
		status = envelope.HealthStatusUnhealthy
	}
	stream := newFakeStream(func(*envelope.Envelope) reply {
		return reply{envelopes: []any{&envelope.HealthReply{
			Type:   envelope.KindHealthCheck,
			Status: status,
		}}}
	})
	return stream, func() {}, nil
}

func (fo *fakeOpener) streamCount(addr string) int {
	fo.lk.Lock()
	defer fo.lk.Unlock()
	return fo.streams[addr]
}

func (fo *fakeOpener) probeCount(addr string) int {
	fo.lk.Lock()
	defer fo.lk.Unlock()
	return fo.probes[addr]
}

var errFakeUnreachable = errors.New("fake: endpoint unreachable")

// counterTotal sums a counter over every interval and label set.
func counterTotal(sink *metrics.InmemSink, key []string) int {
	name := strings.Join(key, ".")
	total := 0
	for _, interval := range sink.Data() {
		interval.RLock()
		for k, v := range interval.Counters {
			if k == name || strings.HasPrefix(k, name+";") {
				total += v.Count
			}
		}
		interval.RUnlock()
	}
	return total
}

// fakeStream answers once the request side is closed.
type fakeStream struct {
	respond func(*envelope.Envelope) reply

	lk           sync.Mutex
	written      bytes.Buffer
	out          bytes.Buffer
	stall        bool
	readDeadline time.Time

	ready      chan struct{}
	readyOnce  sync.Once
	cancelled  chan struct{}
	cancelOnce sync.Once
}

func newFakeStream(respond func(*envelope.Envelope) reply) *fakeStream {
	return &fakeStream{
		respond:   respond,
		ready:     make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.written.Write(p)
}

func (s *fakeStream) Close() error {
	s.readyOnce.Do(func() {
		s.lk.Lock()
		defer s.lk.Unlock()
		defer close(s.ready)

		req, err := flow.NewJsonDecoder[*envelope.Envelope](0).Decode(&s.written)
		if err != nil {
			return
		}
		answer := s.respond(req)
		enc := flow.NewJsonEncoder(0)
		for _, env := range answer.envelopes {
			if e, ok := env.(*envelope.Envelope); ok && e.CorrelationID == "" {
				e.CorrelationID = req.CorrelationID
			}
			enc.Encode(&s.out, env)
		}
		s.stall = answer.stall
	})
	return nil
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.lk.Lock()
	deadline := s.readDeadline
	s.lk.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-s.ready:
	case <-s.cancelled:
		return 0, &quic.StreamError{ErrorCode: QErrStreamCancelled}
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}

	s.lk.Lock()
	if s.out.Len() > 0 {
		n, _ := s.out.Read(p)
		s.lk.Unlock()
		return n, nil
	}
	stall := s.stall
	s.lk.Unlock()

	if !stall {
		return 0, io.EOF
	}
	select {
	case <-s.cancelled:
		return 0, &quic.StreamError{ErrorCode: QErrStreamCancelled}
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (s *fakeStream) CancelRead(quic.StreamErrorCode) {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
	})
}

func (s *fakeStream) CancelWrite(quic.StreamErrorCode) {}

func (s *fakeStream) SetReadDeadline(t time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.readDeadline = t
	return nil
}

func (s *fakeStream) SetWriteDeadline(time.Time) error {
	return nil
}

// fakeEnvelope builds an answer for a fake endpoint, the correlation id is
// filled in by the stream.
func fakeEnvelope(kind envelope.Kind, data any) *envelope.Envelope {
	env, err := envelope.New(kind, data)
	if err != nil {
		panic(err)
	}
	env.CorrelationID = ""
	return env
}

func progressEnvelope(step int) *envelope.Envelope {
	return fakeEnvelope(envelope.KindProgressUpdate, envelope.ProgressUpdate{Stage: "scan", Progress: float64(step) / 10})
}

func resultEnvelope(findings int) *envelope.Envelope {
	return fakeEnvelope(envelope.KindAnalysisResult, analysisResult(findings))
}

func errorEnvelope(msg string) *envelope.Envelope {
	return fakeEnvelope(envelope.KindError, envelope.ErrorPayload{Message: msg})
}
