// Package kernel builds and owns the runner's shared infrastructure: the
// session store, metrics, handler registry, task manager and HTTP server.
// The serve and chat commands both start from a Kernel so wiring lives in
// one place.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"a2arunner/internal/server"
	"a2arunner/pkg/agents"
	"a2arunner/pkg/config"
	"a2arunner/pkg/discovery"
	"a2arunner/pkg/engine"
	"a2arunner/pkg/eventbus"
	"a2arunner/pkg/eventlog"
	"a2arunner/pkg/handler"
	"a2arunner/pkg/limiter"
	"a2arunner/pkg/llm/provider"
	"a2arunner/pkg/logx"
	"a2arunner/pkg/metrics"
	"a2arunner/pkg/registry"
	"a2arunner/pkg/session"
	"a2arunner/pkg/taskmgr"
)

// ErrAlreadyRunning is returned by Start on a running kernel.
var ErrAlreadyRunning = errors.New("kernel already running")

// Kernel holds the services shared by every command.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Store    session.Store
	Sessions *session.Manager
	Recorder *metrics.PrometheusRecorder // nil when metrics are disabled
	Limiter  *limiter.Limiter            // nil when no rate limits are configured
	Registry *registry.Registry
	Bus      *eventbus.Bus
	Tasks    *taskmgr.Manager
	Server   *server.Server
	EventLog *eventlog.Writer // nil unless event_log.dir is set
	Report   discovery.Report

	serverDone   chan error
	eventLogDone chan struct{}
	running      bool
}

// NewKernel builds every service from cfg. Handlers that fail to build are
// reported in Report and skipped; the kernel fails only when none could be
// registered.
func NewKernel(parent context.Context, cfg *config.Config) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}

	if err := k.initializeServices(); err != nil {
		k.closeStore()
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	if k.Config.Metrics.Enabled {
		k.Recorder = metrics.NewPrometheusRecorder()
	}

	if err := k.initializeSessions(); err != nil {
		return err
	}

	providerOpts := provider.Options{Timeout: k.Config.LLM.Timeout, Logger: logx.NewLogger("llm")}
	if len(k.Config.LLM.RateLimits) > 0 {
		k.Limiter = limiter.NewLimiter(k.Config.LLM.RateLimits, nil)
		providerOpts.Limiter = k.Limiter
		k.Logger.Info("LLM rate limits configured for %v", k.Limiter.Models())
	}
	engineOpts := []engine.Option{engine.WithSessions(k.Sessions)}
	if k.Recorder != nil {
		providerOpts.Recorder = k.Recorder
		engineOpts = append(engineOpts, engine.WithRecorder(k.Recorder))
	}
	agents.Configure(providerOpts)

	k.Registry = registry.New()
	k.Report = discovery.Setup(k.ctx, k.Registry, k.Config.Handlers.Config, discovery.Options{
		EngineOptions: engineOpts,
		Logger:        logx.NewLogger("discovery"),
	})
	for name, err := range k.Report.Failures {
		k.Logger.Warn("handler %s skipped: %v", name, err)
	}
	if len(k.Report.Registered) == 0 {
		return errors.New("no handlers could be registered")
	}

	k.Bus = eventbus.New(eventbus.DefaultBufferSize)
	k.Tasks = taskmgr.New(k.Registry, taskmgr.Options{
		Bus:       k.Bus,
		Dedup:     k.newDeduper(),
		Retention: k.Config.Tasks.Retention,
	})

	if err := k.initializeEventLog(); err != nil {
		return err
	}

	k.Server = server.New(k.Registry, k.Tasks, k.Sessions, k.metricsHandler())

	k.Logger.Info("Kernel services initialized: %d handlers, default %s",
		len(k.Report.Registered), k.Report.Default)
	return nil
}

func (k *Kernel) initializeSessions() error {
	store, err := session.OpenStore(k.ctx, k.Config.Session.StoreConfig)
	if err != nil {
		return logx.Wrap(err, "failed to open session store")
	}
	k.Store = store

	var opts []session.Option
	if k.Config.Session.MaxMessages > 0 {
		opts = append(opts, session.WithMaxMessages(k.Config.Session.MaxMessages))
	}
	k.Sessions = session.NewManager(store, "default", opts...)
	k.Logger.Info("Session store: %s", k.Config.Session.Backend)
	return nil
}

// initializeEventLog journals every bus event when event_log.dir is set.
func (k *Kernel) initializeEventLog() error {
	dir := k.Config.EventLog.Dir
	if dir == "" {
		return nil
	}
	w, err := eventlog.NewWriter(dir, nil)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	k.EventLog = w

	sub := k.Bus.Subscribe(nil)
	logger := logx.NewLogger("eventlog")
	k.eventLogDone = make(chan struct{})
	go func() {
		defer close(k.eventLogDone)
		w.Follow(sub, func(err error) { logger.Warn("Failed to journal event: %v", err) })
	}()
	k.Logger.Info("Journaling task events to %s", dir)
	return nil
}

// newDeduper shares the session Redis connection when there is one so that
// replicas see each other's requests.
func (k *Kernel) newDeduper() taskmgr.Deduper {
	if !k.Config.Dedup.Enabled {
		return nil
	}
	if rs, ok := k.Store.(*session.RedisStore); ok {
		return taskmgr.NewRedisDeduper(rs.Client(), k.Config.Dedup.Window, nil)
	}
	return taskmgr.NewMemoryDeduper(k.Config.Dedup.Window, nil)
}

func (k *Kernel) metricsHandler() http.Handler {
	if k.Recorder == nil {
		return nil
	}
	return k.Recorder.Handler()
}

// Context is cancelled when the kernel stops.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// Start serves HTTP on the configured address in the background.
func (k *Kernel) Start() error {
	if k.running {
		return ErrAlreadyRunning
	}
	addr := k.Config.Server.Addr()
	k.serverDone = make(chan error, 1)
	go func() {
		k.serverDone <- k.Server.ListenAndServe(k.ctx, addr)
	}()
	k.running = true
	k.Logger.Info("Kernel services started on %s", addr)
	return nil
}

// Done delivers the HTTP server's exit error. It is nil before Start.
func (k *Kernel) Done() <-chan error {
	return k.serverDone
}

// Stop drains in-flight tasks, shuts down handlers and closes the store.
// Tasks still running when ctx ends are cancelled.
func (k *Kernel) Stop(ctx context.Context) error {
	k.Logger.Info("Stopping kernel services...")

	var errs []error
	if k.Tasks != nil {
		if err := k.Tasks.Shutdown(ctx); err != nil {
			k.Logger.Warn("Task drain incomplete: %v", err)
			errs = append(errs, err)
		}
	}

	// Stops the HTTP server once tasks are drained.
	k.cancel()
	if k.running {
		select {
		case err := <-k.serverDone:
			if err != nil {
				errs = append(errs, err)
			}
		case <-time.After(15 * time.Second):
			k.Logger.Warn("HTTP server did not stop in time")
		}
		k.running = false
	}

	handlerCtx, handlerCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer handlerCancel()
	if err := k.shutdownHandlers(handlerCtx); err != nil {
		errs = append(errs, err)
	}

	if k.Bus != nil {
		k.Bus.Close()
	}
	if k.eventLogDone != nil {
		<-k.eventLogDone
		if err := k.EventLog.Close(); err != nil {
			errs = append(errs, err)
		}
		k.eventLogDone = nil
	}
	k.closeStore()

	k.Logger.Info("Kernel services stopped")
	return errors.Join(errs...)
}

func (k *Kernel) shutdownHandlers(ctx context.Context) error {
	if k.Registry == nil {
		return nil
	}
	var g errgroup.Group
	for name, h := range k.Registry.GetAll() {
		s, ok := h.(handler.Shutdowner)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := s.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (k *Kernel) closeStore() {
	if k.Store == nil {
		return
	}
	if err := k.Store.Close(); err != nil {
		k.Logger.Error("Error closing session store: %v", err)
	}
	k.Store = nil
}
