package envelope

import "strings"

// IsTerminal reports whether `env` ends the lifecycle of the request it is
// correlated with.
//
// Analyzers name their final message differently, so the check is a union:
//   - the kind is `error`;
//   - the kind contains `analysis_result`;
//   - the kind contains `_result` and the payload has an `analysis` object;
//   - the kind ends with `_analysis` and the payload has an `analysis` object;
//   - the payload `status` is `success` or `completed` (any case) and it has
//     an `analysis` object;
//   - the kind is exactly `result` and the payload has an `analysis` object.
//
// TODO(protocol): replace the shape heuristics with an explicit `final` flag
// once every analyzer emits it.
func IsTerminal(env *Envelope) bool {
	if env == nil {
		return false
	}

	kind := string(env.Type)
	if env.Type == KindError || strings.Contains(kind, "analysis_result") {
		return true
	}

	if !hasAnalysis(env.Data) {
		return false
	}

	switch {
	case strings.Contains(kind, "_result"):
		return true
	case strings.HasSuffix(kind, "_analysis"):
		return true
	case kind == "result":
		return true
	}

	status, _ := env.Data["status"].(string)
	switch strings.ToLower(status) {
	case "success", "completed":
		return true
	}
	return false
}

func hasAnalysis(data map[string]any) bool {
	if data == nil {
		return false
	}
	_, ok := data["analysis"].(map[string]any)
	return ok
}

// Resolves reports whether `resp` ends the exchange opened by a request of
// kind `req`. A `status_request` is answered by a single `status_update`,
// every other request by a terminal envelope.
func Resolves(req Kind, resp *Envelope) bool {
	if resp == nil {
		return false
	}
	if req == KindStatusRequest && resp.Type == KindStatusUpdate {
		return true
	}
	return IsTerminal(resp)
}
