package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/raskyld/dispatch/pkg/envelope"
)

// GatewayHandler forwards requests through `pool` and relays progress back
// to the caller. Requests addressed to `self` are routed from their
// analysis type instead.
//
// Batch requests fan out concurrently and are answered by one
// `batch_result`.
func GatewayHandler(pool *Pool, self string) Handler {
	return HandlerFunc(func(ctx context.Context, req *envelope.Envelope, rw Responder) error {
		switch req.Type {
		case envelope.KindAnalysisRequest:
			return forward(ctx, pool, self, req, rw)
		case envelope.KindBatchRequest:
			return forwardBatch(ctx, pool, self, req, rw)
		case envelope.KindStatusRequest:
			return rw.Send(envelope.KindStatusUpdate, map[string]any{
				"service":   self,
				"endpoints": statsPayload(pool.Stats()),
			})
		default:
			return fmt.Errorf("gateway: cannot serve %q", req.Type)
		}
	})
}

func forward(ctx context.Context, pool *Pool, self string, req *envelope.Envelope, rw Responder) error {
	fwd := req.Clone()
	if fwd.Service == self {
		fwd.Service = ""
	}
	if target := pool.router.ServiceFor(fwd); target == self {
		return fmt.Errorf("%w: no analyzer serves analysis type %v", ErrInvalidRequest, fwd.Data["analysis_type"])
	}

	// Nobody is left to read the answer once relaying fails.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	res, err := pool.DispatchEnvelope(ctx, fwd, func(progress *envelope.Envelope) {
		if err := rw.Send(progress.Type, progress.Data); err != nil {
			cancel(fmt.Errorf("relaying progress: %w", err))
		}
	})
	if err != nil {
		var remoteErr *RemoteError
		if errors.As(err, &remoteErr) {
			return rw.Send(envelope.KindError, remoteErr.Envelope.Data)
		}
		return err
	}
	return rw.Send(res.Envelope.Type, res.Envelope.Data)
}

func forwardBatch(ctx context.Context, pool *Pool, self string, req *envelope.Envelope, rw Responder) error {
	var batch envelope.BatchRequest
	if err := req.Decode(&batch); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	items := make([]envelope.BatchItem, len(batch.Requests))
	var wg sync.WaitGroup
	for i, sub := range batch.Requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items[i] = dispatchBatchItem(ctx, pool, self, req, i, sub)
		}()
	}
	wg.Wait()

	completed := 0
	for _, item := range items {
		if item.Status == "completed" {
			completed++
		}
	}

	return rw.Send(envelope.KindBatchResult, envelope.BatchResult{
		Name:  batch.Name,
		Items: items,
		Analysis: map[string]any{
			"total":     len(items),
			"completed": completed,
			"failed":    len(items) - completed,
		},
	})
}

func dispatchBatchItem(
	ctx context.Context,
	pool *Pool,
	self string,
	parent *envelope.Envelope,
	index int,
	sub envelope.AnalysisRequest,
) envelope.BatchItem {
	item := envelope.BatchItem{
		Index:   index,
		Service: pool.router.ServiceForType(sub.AnalysisType),
	}
	if item.Service == self {
		item.Status = "failed"
		item.Error = fmt.Sprintf("no analyzer serves analysis type %q", sub.AnalysisType)
		return item
	}

	res, err := pool.Dispatch(ctx, Request{
		Data:     sub,
		ClientID: parent.ClientID,
	})
	if err != nil {
		item.Status = "failed"
		item.Error = err.Error()
		var remoteErr *RemoteError
		if errors.As(err, &remoteErr) {
			item.Type = envelope.KindError
			item.Result = remoteErr.Envelope.Data
		}
		return item
	}

	item.Status = "completed"
	item.Type = res.Envelope.Type
	item.Result = res.Envelope.Data
	item.Attempts = res.Attempts
	return item
}

func statsPayload(stats map[string][]Endpoint) map[string]any {
	out := make(map[string]any, len(stats))
	for service, eps := range stats {
		list := make([]map[string]any, len(eps))
		for i, ep := range eps {
			list[i] = map[string]any{
				"address":              ep.Address(),
				"healthy":              ep.IsHealthy,
				"active_requests":      ep.ActiveRequests,
				"total_requests":       ep.TotalRequests,
				"total_failures":       ep.TotalFailures,
				"consecutive_failures": ep.ConsecutiveFailures,
				"load_score":           ep.LoadScore(),
			}
		}
		out[service] = list
	}
	return out
}
