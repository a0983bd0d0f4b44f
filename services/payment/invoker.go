package payment

import (
	"context"
	"time"

	"paygate-engine/services/action"
	"paygate-engine/services/run"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	endpointTimeout = 30 * time.Second
	// responsePreviewLimit bounds how much of the endpoint's reply is kept in
	// run metadata.
	responsePreviewLimit = 512
)

// Invoker executes a direct action's endpoint once its run is paid. The
// returned outcome always carries a duration and whatever diagnostics the
// call produced; invocation failures are an outcome, not an error.
type Invoker interface {
	Invoke(ctx context.Context, a *action.Action, r *run.Run) run.Outcome
}

type httpInvoker struct {
	http *resty.Client
}

func NewHTTPInvoker() Invoker {
	return &httpInvoker{
		http: resty.New().SetTimeout(endpointTimeout),
	}
}

func (i *httpInvoker) Invoke(ctx context.Context, a *action.Action, r *run.Run) run.Outcome {
	start := time.Now()

	resp, err := i.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"reference": r.Reference,
			"action_id": a.ID,
			"payer":     r.Payer,
			"metadata":  r.MetadataMap(),
		}).
		Post(a.EndpointURL)

	outcome := run.Outcome{
		DurationMS: time.Since(start).Milliseconds(),
		Metadata:   map[string]interface{}{},
	}

	if err != nil {
		zap.L().Warn("endpoint invocation failed",
			zap.String("reference", r.Reference),
			zap.String("endpoint", a.EndpointURL),
			zap.Error(err),
		)
		outcome.Metadata["endpoint_error"] = err.Error()
		return outcome
	}

	body := resp.Body()
	if len(body) > responsePreviewLimit {
		body = body[:responsePreviewLimit]
	}
	outcome.Success = resp.IsSuccess()
	outcome.Metadata["endpoint_status"] = resp.StatusCode()
	outcome.Metadata["endpoint_response"] = string(body)

	return outcome
}
