package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"a2arunner/pkg/llm/llmerrors"
	"a2arunner/pkg/logx"
)

// Recorder receives per-call metrics.
type Recorder interface {
	ObserveLLMRequest(model string, usage Usage, success bool, errorType string, duration time.Duration)
}

// TimeoutMiddleware bounds each Complete call.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Client) Client {
		if timeout <= 0 {
			return next
		}
		return WrapClient(
			func(ctx context.Context, req Request) (Response, error) {
				callCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				resp, err := next.Complete(callCtx, req)
				if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					return Response{}, fmt.Errorf("llm request timed out after %v: %w", timeout, err)
				}
				return resp, err
			},
			next.ModelName,
		)
	}
}

// ClassifyMiddleware converts raw provider errors into llmerrors.Error values.
func ClassifyMiddleware() Middleware {
	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req Request) (Response, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return Response{}, llmerrors.Classify(err)
				}
				if resp.Content == "" && len(resp.ToolCalls) == 0 {
					return Response{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "provider returned no content")
				}
				return resp, nil
			},
			next.ModelName,
		)
	}
}

// MetricsMiddleware reports each call to recorder.
func MetricsMiddleware(recorder Recorder) Middleware {
	return func(next Client) Client {
		if recorder == nil {
			return next
		}
		return WrapClient(
			func(ctx context.Context, req Request) (Response, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				errType := ""
				if err != nil {
					errType = llmerrors.TypeOf(err).String()
				}
				recorder.ObserveLLMRequest(next.ModelName(), resp.Usage, err == nil, errType, time.Since(start))
				return resp, err
			},
			next.ModelName,
		)
	}
}

// LoggingMiddleware logs call duration and failures.
func LoggingMiddleware(logger *logx.Logger) Middleware {
	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req Request) (Response, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				if err != nil {
					logger.Warn("%s completion failed after %v: %v", next.ModelName(), time.Since(start), err)
					return resp, err
				}
				logger.Debug("%s completion: %d messages, %d chars in %v",
					next.ModelName(), len(req.Messages), len(resp.Content), time.Since(start))
				return resp, nil
			},
			next.ModelName,
		)
	}
}
