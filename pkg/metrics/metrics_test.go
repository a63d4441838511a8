package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2arunner/pkg/llm"
	"a2arunner/pkg/resilience"
)

func TestRecorderCounts(t *testing.T) {
	r := NewPrometheusRecorder()
	r.ObserveTask("echo", "completed", 10*time.Millisecond)
	r.ObserveTask("echo", "completed", 20*time.Millisecond)
	r.ObserveTask("echo", "failed", time.Millisecond)
	r.ObserveRetry("echo")
	r.ObserveRecovery("echo", false)

	assert.InDelta(t, 2, testutil.ToFloat64(r.tasksTotal.WithLabelValues("echo", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.tasksTotal.WithLabelValues("echo", "failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.retriesTotal.WithLabelValues("echo")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.recoveriesTotal.WithLabelValues("echo", "failure")), 0)
}

func TestHealthStateIsOneHot(t *testing.T) {
	r := NewPrometheusRecorder()
	r.SetHealthState("pirate", resilience.Degraded)
	r.SetHealthState("pirate", resilience.CircuitOpen)

	assert.InDelta(t, 1, testutil.ToFloat64(r.healthState.WithLabelValues("pirate", "circuit_open")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(r.healthState.WithLabelValues("pirate", "degraded")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(r.healthState.WithLabelValues("pirate", "healthy")), 0)
}

func TestLLMTokensOnlyOnSuccess(t *testing.T) {
	r := NewPrometheusRecorder()
	r.ObserveLLMRequest("gpt", llm.Usage{PromptTokens: 10, CompletionTokens: 5}, true, "", time.Second)
	r.ObserveLLMRequest("gpt", llm.Usage{PromptTokens: 99}, false, "rate_limit", time.Second)

	assert.InDelta(t, 10, testutil.ToFloat64(r.llmTokensTotal.WithLabelValues("gpt", "prompt")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.llmRequestsTotal.WithLabelValues("gpt", "error", "rate_limit")), 0)
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewPrometheusRecorder()
	r.ObserveTask("echo", "completed", time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `a2a_tasks_total{handler="echo",outcome="completed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

// fakePrometheus answers instant queries with canned vectors keyed by a
// substring of the query.
func fakePrometheus(t *testing.T, answers map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		query := r.Form.Get("query")
		result := "[]"
		for needle, vec := range answers {
			if strings.Contains(query, needle) {
				result = vec
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"success","data":{"resultType":"vector","result":`+result+`}}`)
	}))
}

func TestQueryHandlerStats(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		"a2a_tasks_total": `[
			{"metric":{"handler":"pirate","outcome":"completed"},"value":[0,"7"]},
			{"metric":{"handler":"pirate","outcome":"failed"},"value":[0,"2"]},
			{"metric":{"handler":"echo","outcome":"completed"},"value":[0,"3"]}
		]`,
		"a2a_task_retries_total": `[{"metric":{"handler":"pirate"},"value":[0,"4"]}]`,
	})
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)
	stats, err := q.HandlerStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, HandlerStats{Handler: "echo", Completed: 3}, stats[0])
	assert.Equal(t, HandlerStats{Handler: "pirate", Completed: 7, Failed: 2, Retries: 4}, stats[1])
	assert.Equal(t, int64(9), stats[1].Total())
}

func TestQueryTokenStats(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		"llm_tokens_total": `[
			{"metric":{"model":"gpt-4o-mini","type":"prompt"},"value":[0,"100"]},
			{"metric":{"model":"gpt-4o-mini","type":"completion"},"value":[0,"40"]}
		]`,
	})
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)
	stats, err := q.TokenStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []TokenStats{{Model: "gpt-4o-mini", PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140}}, stats)
}
