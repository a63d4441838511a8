package limiter

import (
	"context"

	"a2arunner/pkg/llm"
	"a2arunner/pkg/llm/llmerrors"
)

// Middleware checks l before every call and reconciles the reservation with
// the reported usage afterwards. Refusals are rate-limit errors, so the
// engine's retry policy backs off and tries again.
func Middleware(l *Limiter) llm.Middleware {
	return func(next llm.Client) llm.Client {
		if l == nil {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				model := next.ModelName()
				reserved := EstimateTokens(req)
				if err := l.Reserve(model, reserved); err != nil {
					return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, err.Error())
				}
				if err := l.Acquire(model); err != nil {
					l.Adjust(model, -reserved)
					return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, err.Error())
				}
				defer l.Release(model)

				resp, err := next.Complete(ctx, req)
				if err != nil {
					l.Adjust(model, -reserved)
					return resp, err
				}
				if used := resp.Usage.PromptTokens + resp.Usage.CompletionTokens; used > 0 {
					l.Adjust(model, used-reserved)
				}
				return resp, nil
			},
			next.ModelName,
		)
	}
}

// EstimateTokens approximates the cost of req before it is sent: four
// characters per prompt token plus the completion allowance.
func EstimateTokens(req llm.Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	n := chars/4 + req.MaxTokens
	if n == 0 {
		n = 1
	}
	return n
}
