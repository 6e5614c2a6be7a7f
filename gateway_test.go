package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raskyld/dispatch/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPeerGone = errors.New("peer gone")

// goneResponder fails every write, like a session whose client left.
type goneResponder struct {
	sends atomic.Int32
}

func (rw *goneResponder) Progress(data any) error {
	return rw.Send(envelope.KindProgressUpdate, data)
}

func (rw *goneResponder) Result(data any) error {
	return rw.Send(envelope.KindAnalysisResult, data)
}

func (rw *goneResponder) Fail(err error) error {
	return rw.Send(envelope.KindError, envelope.ErrorPayload{Message: err.Error()})
}

func (rw *goneResponder) Send(envelope.Kind, any) error {
	rw.sends.Add(1)
	return errPeerGone
}

func TestGatewayStopsWhenRelayFails(t *testing.T) {
	opener := newFakeOpener()
	opener.respond = func(addr string, req *envelope.Envelope) reply {
		return reply{envelopes: []any{progressEnvelope(1)}, stall: true}
	}
	pool := createFakePool(t, opener,
		WithEndpoints(envelope.ServiceSecurityAnalyzer, addrA),
		WithMessageTimeout(30*time.Second),
		WithRequestTimeout(time.Minute),
	)

	req, err := envelope.New(envelope.KindAnalysisRequest, envelope.AnalysisRequest{AnalysisType: "security_backend"})
	require.NoError(t, err)

	rw := &goneResponder{}
	start := time.Now()
	err = GatewayHandler(pool, envelope.ServiceGateway).ServeAnalysis(context.Background(), req, rw)
	require.ErrorIs(t, err, ErrRequestCancelled)
	assert.ErrorIs(t, err, errPeerGone)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.EqualValues(t, 1, rw.sends.Load())
	assert.Equal(t, 1, opener.streamCount(addrA))

	ep, _ := pool.Registry().Lookup(envelope.ServiceSecurityAnalyzer, addrA)
	assert.Equal(t, 0, ep.ActiveRequests)
	assert.True(t, ep.IsHealthy, "abandoning a request is not an endpoint failure")
}
