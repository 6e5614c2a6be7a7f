package envelope

// AnalysisRequest is the payload of an `analysis_request`.
type AnalysisRequest struct {
	AnalysisType string         `json:"analysis_type"`
	Model        string         `json:"model,omitempty"`
	AppNumber    int            `json:"app_number,omitempty"`
	SourcePath   string         `json:"source_path,omitempty"`
	Tools        []string       `json:"tools,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

// BatchRequest is the payload of a `batch_request`.
type BatchRequest struct {
	Name     string            `json:"batch_name"`
	Requests []AnalysisRequest `json:"requests"`
}

// BatchItem reports the outcome of one sub-request in a `batch_result`.
type BatchItem struct {
	Index    int            `json:"index"`
	Service  string         `json:"service"`
	Status   string         `json:"status"`
	Type     Kind           `json:"type,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
}

// BatchResult is the payload of a `batch_result`.
//
// `Analysis` always holds the summary so the envelope is terminal.
type BatchResult struct {
	Name     string         `json:"batch_name"`
	Items    []BatchItem    `json:"results"`
	Analysis map[string]any `json:"analysis"`
}

// ProgressUpdate is the payload of a `progress_update`.
type ProgressUpdate struct {
	Stage    string  `json:"stage,omitempty"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// ErrorPayload is the payload of an `error`.
type ErrorPayload struct {
	Code    string         `json:"code,omitempty"`
	Message string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthReply answers a `health_check`. It is sent as a bare JSON object,
// not wrapped in an `Envelope`.
type HealthReply struct {
	Type      Kind   `json:"type,omitempty"`
	Status    string `json:"status"`
	Service   string `json:"service,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
)

// ConnectionAck opens a persistent session.
type ConnectionAck struct {
	ClientID string `json:"client_id"`
	Service  string `json:"service,omitempty"`
}

// CancelRequest asks the remote to abort an in-flight request.
type CancelRequest struct {
	RequestID string `json:"request_id"`
}

// StatusUpdate answers a `status_request`.
type StatusUpdate struct {
	Service  string   `json:"service,omitempty"`
	Active   int      `json:"active"`
	Requests []string `json:"requests,omitempty"`
}

// ErrorMessage extracts a human readable message from an `error` payload.
func ErrorMessage(env *Envelope) string {
	for _, key := range []string{"error", "message"} {
		if msg, ok := env.Data[key].(string); ok && msg != "" {
			return msg
		}
	}
	return "remote reported an error"
}
