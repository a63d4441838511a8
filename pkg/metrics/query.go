// Package metrics records engine and LLM metrics with Prometheus and queries
// them back for reporting.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// HandlerStats aggregates task outcomes for one handler.
type HandlerStats struct {
	Handler   string `json:"handler"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Canceled  int64  `json:"canceled"`
	Rejected  int64  `json:"rejected"`
	Retries   int64  `json:"retries"`
}

// Total counts every task outcome.
func (s HandlerStats) Total() int64 {
	return s.Completed + s.Failed + s.Canceled + s.Rejected
}

// TokenStats aggregates LLM token usage for one model.
type TokenStats struct {
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
	now      func() time.Time
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
		now:      time.Now,
	}, nil
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return nil, err
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}
	return vector, nil
}

// HandlerStats returns task outcome totals per handler, sorted by name.
func (q *QueryService) HandlerStats(ctx context.Context) ([]HandlerStats, error) {
	byHandler := make(map[string]*HandlerStats)
	get := func(name string) *HandlerStats {
		s, ok := byHandler[name]
		if !ok {
			s = &HandlerStats{Handler: name}
			byHandler[name] = s
		}
		return s
	}

	outcomes, err := q.vector(ctx, `sum by (handler, outcome) (a2a_tasks_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query task outcomes: %w", err)
	}
	for _, sample := range outcomes {
		s := get(string(sample.Metric["handler"]))
		n := int64(sample.Value)
		switch string(sample.Metric["outcome"]) {
		case "completed":
			s.Completed = n
		case "failed":
			s.Failed = n
		case "canceled":
			s.Canceled = n
		case "rejected":
			s.Rejected = n
		}
	}

	retries, err := q.vector(ctx, `sum by (handler) (a2a_task_retries_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query retries: %w", err)
	}
	for _, sample := range retries {
		get(string(sample.Metric["handler"])).Retries = int64(sample.Value)
	}

	out := make([]HandlerStats, 0, len(byHandler))
	for _, s := range byHandler {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handler < out[j].Handler })
	return out, nil
}

// TokenStats returns LLM token totals broken down by model.
func (q *QueryService) TokenStats(ctx context.Context) ([]TokenStats, error) {
	vector, err := q.vector(ctx, `sum by (model, type) (llm_tokens_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}

	byModel := make(map[string]*TokenStats)
	for _, sample := range vector {
		name := string(sample.Metric["model"])
		s, ok := byModel[name]
		if !ok {
			s = &TokenStats{Model: name}
			byModel[name] = s
		}
		switch string(sample.Metric["type"]) {
		case "prompt":
			s.PromptTokens = int64(sample.Value)
		case "completion":
			s.CompletionTokens = int64(sample.Value)
		}
		s.TotalTokens = s.PromptTokens + s.CompletionTokens
	}

	out := make([]TokenStats, 0, len(byModel))
	for _, s := range byModel {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}
