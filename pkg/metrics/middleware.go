package metrics

import (
	"context"
	"strings"
	"time"

	"negotiator/pkg/llm"
	"negotiator/pkg/llm/llmerrors"
	"negotiator/pkg/logx"
)

// RequestObserver receives one observation per backend call.
type RequestObserver interface {
	ObserveRequest(model string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration)
}

// UsageExtractor extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor counts tokens of all request messages and of the reply.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	var prompt strings.Builder
	for i := range req.Messages {
		prompt.WriteString(req.Messages[i].Content)
		prompt.WriteByte('\n')
	}
	return CountTokensSimple(prompt.String()), CountTokensSimple(resp.Content)
}

// Middleware returns a middleware that records latency, token usage and error types of
// every backend call.
func Middleware(observer RequestObserver, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				model := req.Model
				if model == "" {
					model = next.GetModelName()
				}

				var promptTokens, completionTokens int
				errorType := ""
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
				} else {
					errorType = llmerrors.TypeOf(err).String()
				}

				observer.ObserveRequest(model, promptTokens, completionTokens, err == nil, errorType, duration)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Debug("request model=%s tokens=%d+%d status=%s duration=%dms",
						model, promptTokens, completionTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
