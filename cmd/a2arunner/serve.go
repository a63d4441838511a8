package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"a2arunner/internal/kernel"
	"a2arunner/internal/supervisor"
	"a2arunner/pkg/logx"
)

func runServe(args []string, _, stderr io.Writer) int {
	var (
		common       commonFlags
		port         int
		drain        time.Duration
		interval     time.Duration
		exitWhenDown bool
	)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common.register(fs)
	fs.IntVar(&port, "port", 0, "Port override")
	fs.DurationVar(&drain, "drain-timeout", 30*time.Second, "How long to wait for running tasks on shutdown")
	fs.DurationVar(&interval, "health-interval", supervisor.DefaultInterval, "Handler health polling interval")
	fs.BoolVar(&exitWhenDown, "exit-when-all-down", false, "Exit when every resilient handler refuses tasks")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The kernel outlives the signal so running tasks can drain.
	k, err := kernel.NewKernel(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	logger := logx.NewLogger("serve")
	for name, msg := range k.Report.FailureMessages() {
		logger.Warn("handler %s not available: %s", name, msg)
	}

	shutdownCh := make(chan int, 1)
	sup := supervisor.NewSupervisor(k)
	sup.Interval = interval
	sup.Policy.ShutdownWhenAllDown = exitWhenDown
	sup.SetShutdownHandler(supervisor.NewGracefulShutdownHandler(logger, nil, shutdownCh))
	sup.Start(ctx)

	if err := k.Start(); err != nil {
		fmt.Fprintf(stderr, "Failed to start server: %v\n", err)
		return 1
	}
	logger.Info("serving %d handlers on %s (default %s)", len(k.Report.Registered), cfg.Server.Addr(), k.Report.Default)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case code := <-shutdownCh:
		exitCode = code
	case err := <-k.Done():
		if err != nil {
			logger.Error("server stopped: %v", err)
			exitCode = 1
		}
	}
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drain)
	defer drainCancel()
	if err := k.Stop(drainCtx); err != nil {
		logger.Warn("shutdown finished with errors: %v", err)
	}
	sup.Wait()
	return exitCode
}
