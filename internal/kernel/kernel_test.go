package kernel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"a2arunner/pkg/config"
	"a2arunner/pkg/discovery"
	"a2arunner/pkg/eventlog"
	"a2arunner/pkg/limiter"
	"a2arunner/pkg/session"
	"a2arunner/pkg/task"
	"a2arunner/pkg/taskmgr"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func stopKernel(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

// TestNewKernel tests kernel creation with the default configuration.
func TestNewKernel(t *testing.T) {
	k, err := NewKernel(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer stopKernel(t, k)

	if k.Registry == nil || k.Tasks == nil || k.Server == nil || k.Sessions == nil {
		t.Fatal("Kernel services not initialized")
	}
	if k.Recorder == nil {
		t.Error("Metrics recorder should be created when metrics are enabled")
	}
	if got := k.Registry.Default(); got != discovery.TypeEcho {
		t.Errorf("Expected default handler echo, got %q", got)
	}
	if _, ok := k.Store.(*session.MemoryStore); !ok {
		t.Errorf("Expected memory store, got %T", k.Store)
	}
	if k.Limiter != nil {
		t.Error("Limiter should be nil without rate limits")
	}
}

// TestKernelRateLimits builds a limiter from llm.rate_limits.
func TestKernelRateLimits(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.LLM.RateLimits = map[string]limiter.ModelLimits{
		"gpt-4o": {TokensPerMinute: 30000, MaxConcurrent: 4},
	}

	k, err := NewKernel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer stopKernel(t, k)

	if k.Limiter == nil {
		t.Fatal("Expected a limiter")
	}
	st, ok := k.Limiter.Status("gpt-4o")
	if !ok || st.AvailableTokens != 30000 {
		t.Errorf("Unexpected limiter status %+v (ok=%v)", st, ok)
	}
}

// TestKernelRunsTasks checks handlers are wired to the session store.
func TestKernelRunsTasks(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Backend = session.BackendSQLite
	cfg.Session.Path = filepath.Join(t.TempDir(), "sessions.db")

	k, err := NewKernel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer stopKernel(t, k)

	created, err := k.Tasks.CreateTask(context.Background(), task.NewUserMessage("ping"), "s1", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got *taskmgr.Task
	for time.Now().Before(deadline) {
		got, err = k.Tasks.GetTask(created.ID)
		if err == nil && got.Status.State.IsTerminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got == nil || got.Status.State != task.StateCompleted {
		t.Fatalf("Expected completed task, got %+v", got)
	}

	keys, err := k.Store.Keys(context.Background(), "")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) == 0 {
		t.Error("Expected the echo turn to be recorded in the session store")
	}
}

// TestKernelEventLog journals task events until Stop.
func TestKernelEventLog(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.EventLog.Dir = filepath.Join(t.TempDir(), "events")

	k, err := NewKernel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	if k.EventLog == nil {
		t.Fatal("Expected an event log writer")
	}

	created, err := k.Tasks.CreateTask(context.Background(), task.NewUserMessage("journal me"), "s1", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	stopKernel(t, k)

	files, err := eventlog.ListLogFiles(cfg.EventLog.Dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("Expected one journal file, got %v (%v)", files, err)
	}
	records, err := eventlog.ReadRecords(files[0])
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}

	var sawArtifact, sawFinal bool
	for _, r := range records {
		if r.TaskID != created.ID {
			continue
		}
		if r.Kind == eventlog.KindArtifact && r.Text == "Echo: journal me" {
			sawArtifact = true
		}
		if r.Final && r.State == task.StateCompleted {
			sawFinal = true
		}
	}
	if !sawArtifact || !sawFinal {
		t.Errorf("Journal missing events for %s: %+v", created.ID, records)
	}
}

// TestKernelRedisDedup uses the session Redis connection for dedup.
func TestKernelRedisDedup(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Session.Backend = session.BackendRedis
	cfg.Session.Redis.Addr = mr.Addr()
	cfg.Metrics.Enabled = false

	k, err := NewKernel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer stopKernel(t, k)

	if k.Recorder != nil {
		t.Error("Recorder should be nil when metrics are disabled")
	}

	msg := task.NewUserMessage("same")
	first, err := k.Tasks.CreateTask(context.Background(), msg, "s1", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	second, err := k.Tasks.CreateTask(context.Background(), msg, "s1", "")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Expected duplicate request to return task %s, got %s", first.ID, second.ID)
	}

	keys := mr.Keys()
	found := false
	for _, key := range keys {
		if len(key) > 6 && key[:6] == "dedup:" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a dedup key in Redis, got %v", keys)
	}
}

// TestKernelNoHandlers fails when nothing can be registered.
func TestKernelNoHandlers(t *testing.T) {
	cfg := config.Default()
	cfg.Handlers.Handlers = map[string]discovery.HandlerConfig{
		"broken": {Type: "does_not_exist"},
	}
	cfg.Handlers.DefaultHandler = ""

	if _, err := NewKernel(context.Background(), cfg); err == nil {
		t.Fatal("Expected NewKernel to fail without handlers")
	}
}

// TestKernelStartStop serves HTTP until Stop.
func TestKernelStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)

	k, err := NewKernel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := k.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	url := "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/health"
	var resp *http.Response
	for i := 0; i < 100; i++ {
		resp, err = http.Get(url) //nolint:noctx // test
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	stopKernel(t, k)
	if k.Context().Err() == nil {
		t.Error("Kernel context should be cancelled after Stop")
	}
}
