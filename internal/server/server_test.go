package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2arunner/pkg/engine"
	"a2arunner/pkg/handler"
	"a2arunner/pkg/metrics"
	"a2arunner/pkg/registry"
	"a2arunner/pkg/session"
	"a2arunner/pkg/task"
	"a2arunner/pkg/taskmgr"
)

type fixture struct {
	srv      *httptest.Server
	tasks    *taskmgr.Manager
	sessions *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := engine.DefaultConfig("wrapped")
	cfg.RecoveryCheckInterval = 0
	sessions := session.NewManager(session.NewMemoryStore(), "default")
	wrapped, err := engine.New(handler.NewEcho(handler.EchoOptions{Name: "inner"}), cfg, engine.WithSessions(sessions))
	require.NoError(t, err)

	reg := registry.New()
	reg.Register(handler.NewEcho(handler.EchoOptions{}), true)
	reg.Register(wrapped, false)
	reg.Register(handler.NewTimeTicker(handler.TickerOptions{Ticks: 50, Interval: time.Second}), false)

	tasks := taskmgr.New(reg, taskmgr.Options{})
	rec := metrics.NewPrometheusRecorder()
	srv := httptest.NewServer(New(reg, tasks, sessions, rec.Handler()).Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tasks.Shutdown(ctx)
		_ = wrapped.Shutdown(ctx)
	})
	return &fixture{srv: srv, tasks: tasks, sessions: sessions}
}

func (f *fixture) do(t *testing.T, method, path, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(payload))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health struct {
		Status         string                     `json:"status"`
		DefaultHandler string                     `json:"default_handler"`
		Handlers       map[string]json.RawMessage `json:"handlers"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "echo", health.DefaultHandler)
	assert.Len(t, health.Handlers, 3)

	var wrapped engine.HealthStatus
	require.NoError(t, json.Unmarshal(health.Handlers["wrapped"], &wrapped))
	assert.Equal(t, "wrapped", wrapped.Name)
	assert.Equal(t, "healthy", string(wrapped.State))

	var plain map[string]any
	require.NoError(t, json.Unmarshal(health.Handlers["echo"], &plain))
	assert.Equal(t, false, plain["resilient"])
}

func TestHandlerHealth(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health/wrapped", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"circuit_breaker"`)

	resp, _ = f.do(t, http.MethodGet, "/health/ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	scoped := f.sessions.WithSandbox("a2a-handler-wrapped")
	require.NoError(t, scoped.AddUserMessage(ctx, "s1", "hello there"))
	require.NoError(t, scoped.AddAIResponse(ctx, "s1", "general kenobi"))
	require.NoError(t, f.sessions.AddUserMessage(ctx, "base", "unscoped"))

	resp, body := f.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Handlers map[string]SessionList `json:"handlers"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Handlers, 1)
	assert.Equal(t, "a2a-handler-wrapped", list.Handlers["wrapped"].Sandbox)
	assert.Equal(t, []string{"s1"}, list.Handlers["wrapped"].Sessions)

	resp, body = f.do(t, http.MethodGet, "/sessions/s1/history?handler=wrapped", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		SessionID string            `json:"session_id"`
		Handler   string            `json:"handler"`
		Messages  []session.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Equal(t, "s1", history.SessionID)
	assert.Equal(t, "wrapped", history.Handler)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "hello there", history.Messages[0].Content)
	assert.Equal(t, "general kenobi", history.Messages[1].Content)

	resp, body = f.do(t, http.MethodGet, "/sessions/s1/tokens?handler=wrapped", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tokens struct {
		TokenUsage session.Usage `json:"token_usage"`
	}
	require.NoError(t, json.Unmarshal(body, &tokens))
	want, err := scoped.TokenUsage(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, want, tokens.TokenUsage)
	assert.Equal(t, 2, tokens.TokenUsage.Messages)
	assert.Positive(t, tokens.TokenUsage.TotalTokens)

	// The default handler keeps no sessions, so the base sandbox answers.
	resp, body = f.do(t, http.MethodGet, "/sessions/base/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "unscoped")

	resp, _ = f.do(t, http.MethodGet, "/sessions/s1/history?handler=ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/sessions/s1/tokens?handler=echo", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/sessions/s1?handler=wrapped", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	remaining, err := scoped.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	kept, err := f.sessions.History(ctx, "base")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestSessionRoutesDisabledWithoutManager(t *testing.T) {
	reg := registry.New()
	reg.Register(handler.NewEcho(handler.EchoOptions{}), true)
	srv := httptest.NewServer(New(reg, nil, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlers(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/handlers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var infos []HandlerInfo
	require.NoError(t, json.Unmarshal(body, &infos))
	require.Len(t, infos, 3)
	assert.Equal(t, "echo", infos[0].Name)
	assert.True(t, infos[0].Default)
	assert.False(t, infos[0].Resilient)
	assert.Equal(t, "time_ticker", infos[1].Name)
	assert.Equal(t, "wrapped", infos[2].Name)
	assert.True(t, infos[2].Resilient)
	assert.Equal(t, "process_task", infos[2].Interface)
}

func TestCreateAndGetTask(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/tasks", `{"text":"hello","session_id":"s1","handler":"wrapped"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var created taskmgr.Task
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "wrapped", created.Handler)
	assert.Equal(t, "s1", created.SessionID)

	require.Eventually(t, func() bool {
		resp, body := f.do(t, http.MethodGet, "/tasks/"+created.ID, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var got taskmgr.Task
		return json.Unmarshal(body, &got) == nil && got.Status.State == task.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.tasks.GetTask(created.ID)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "Echo: hello", got.Artifacts[0].Text())
}

func TestCreateTaskErrors(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"unknown field", `{"txt":"x"}`, http.StatusBadRequest},
		{"empty", `{}`, http.StatusBadRequest},
		{"unknown handler", `{"text":"x","handler":"ghost"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/tasks", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	resp, _ := f.do(t, http.MethodGet, "/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/tasks", `{"text":"tick","handler":"time_ticker"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created taskmgr.Task
	require.NoError(t, json.Unmarshal(body, &created))

	resp, body = f.do(t, http.MethodPost, "/tasks/"+created.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var canceled taskmgr.Task
	require.NoError(t, json.Unmarshal(body, &canceled))
	assert.Equal(t, task.StateCanceled, canceled.Status.State)

	resp, _ = f.do(t, http.MethodPost, "/tasks/"+created.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/tasks/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskEventsStream(t *testing.T) {
	f := newFixture(t)

	created, err := f.tasks.CreateTask(context.Background(), task.NewUserMessage("hi"), "s1", "echo")
	require.NoError(t, err)
	waitDone := func() bool {
		got, err := f.tasks.GetTask(created.ID)
		return err == nil && got.Status.State.IsTerminal()
	}
	require.Eventually(t, waitDone, 2*time.Second, 5*time.Millisecond)

	resp, body := f.do(t, http.MethodGet, "/tasks/"+created.ID+"/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(body), "event: status\ndata: "))
	assert.Contains(t, string(body), `"final":true`)
}

func TestMetricsAndLogs(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	resp, _ = f.do(t, http.MethodGet, "/debug/logs?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/debug/logs?since="+time.Now().Add(-time.Hour).UTC().Format(time.RFC3339), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, json.Valid(body))
}
