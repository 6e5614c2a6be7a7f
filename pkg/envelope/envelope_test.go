package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	env, err := New(KindAnalysisRequest, AnalysisRequest{
		AnalysisType: "security_backend",
		Model:        "some-model",
		AppNumber:    3,
	}, WithClientID("client-a"))
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, env.ID, env.CorrelationID)
	assert.Equal(t, "client-a", env.ClientID)
	assert.Equal(t, "security_backend", env.Data["analysis_type"])
	assert.EqualValues(t, 3, env.Data["app_number"])

	_, err = env.Time()
	require.NoError(t, err)
	require.NoError(t, Validate(env))

	t.Run("nil payload becomes an empty object", func(t *testing.T) {
		env, err := New(KindHealthCheck, nil)
		require.NoError(t, err)
		assert.NotNil(t, env.Data)
	})

	t.Run("non object payload is rejected", func(t *testing.T) {
		_, err := New(KindAnalysisRequest, []string{"a"})
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func TestReplyKeepsCorrelation(t *testing.T) {
	req, err := New(KindAnalysisRequest, nil, WithService(ServiceAIAnalyzer), WithClientID("c1"))
	require.NoError(t, err)

	progress, err := Reply(req, KindProgressUpdate, ProgressUpdate{Progress: 0.5})
	require.NoError(t, err)
	assert.Equal(t, req.ID, progress.CorrelationID)
	assert.NotEqual(t, req.ID, progress.ID)
	assert.Equal(t, ServiceAIAnalyzer, progress.Service)
	assert.Equal(t, "c1", progress.ClientID)

	// A reply to a reply still correlates with the originating request.
	again, err := Reply(progress, KindAnalysisResult, nil)
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.CorrelationID)
}

func TestWireFormat(t *testing.T) {
	raw := []byte(`{
		"type": "analysis_request",
		"id": "abc",
		"data": {"analysis_type": "dynamic_zap", "options": {"depth": 2}},
		"timestamp": "2024-05-01T10:11:12.123456",
		"client_id": "c",
		"correlation_id": "abc"
	}`)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.NoError(t, Validate(&env))
	assert.Equal(t, KindAnalysisRequest, env.Type)
	assert.Equal(t, "c", env.ClientID)

	ts, err := env.Time()
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())

	var req AnalysisRequest
	require.NoError(t, env.Decode(&req))
	assert.Equal(t, "dynamic_zap", req.AnalysisType)
	assert.EqualValues(t, 2, req.Options["depth"])

	out, err := json.Marshal(&Envelope{Type: KindHeartbeat, ID: "x", Timestamp: "t"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat","id":"x","timestamp":"t","data":null}`, string(out))
}

func TestValidate(t *testing.T) {
	valid := func() *Envelope {
		return &Envelope{Type: KindAnalysisRequest, ID: "1", Timestamp: Now()}
	}

	require.NoError(t, Validate(valid()))

	env := valid()
	env.Type = ""
	require.ErrorIs(t, Validate(env), ErrMissingType)

	env = valid()
	env.ID = ""
	require.ErrorIs(t, Validate(env), ErrMissingID)

	env = valid()
	env.Timestamp = ""
	require.ErrorIs(t, Validate(env), ErrMissingTimestamp)

	env = valid()
	env.Type = "static_analysis_result"
	require.ErrorIs(t, Validate(env), ErrUnknownKind)
	require.NoError(t, CheckStructure(env))

	require.ErrorIs(t, CheckStructure(nil), ErrMalformed)
}

func TestErrorMessage(t *testing.T) {
	env, err := New(KindError, ErrorPayload{Message: "bandit crashed"})
	require.NoError(t, err)
	assert.Equal(t, "bandit crashed", ErrorMessage(env))

	env, err = New(KindError, map[string]any{"message": "other shape"})
	require.NoError(t, err)
	assert.Equal(t, "other shape", ErrorMessage(env))

	env, err = New(KindError, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ErrorMessage(env))
}
