package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"a2arunner/pkg/metrics"
	"a2arunner/pkg/session"
)

func runStats(args []string, stdout, stderr io.Writer) int {
	var (
		common   commonFlags
		promURL  string
		sessions bool
		timeout  time.Duration
	)
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common.register(fs)
	fs.StringVar(&promURL, "prometheus", "", "Prometheus URL (default: metrics.prometheus_url from config)")
	fs.BoolVar(&sessions, "sessions", false, "Also summarise the session store")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "Query timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if promURL == "" {
		promURL = cfg.Metrics.PrometheusURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	qs, err := metrics.NewQueryService(promURL)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create Prometheus client: %v\n", err)
		return 1
	}
	if err := printStats(ctx, qs, stdout); err != nil {
		fmt.Fprintf(stderr, "Failed to query %s: %v\n", promURL, err)
		return 1
	}

	if sessions {
		store, err := session.OpenStore(ctx, cfg.Session.StoreConfig)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to open session store: %v\n", err)
			return 1
		}
		defer store.Close()
		if err := printSessionStats(ctx, store, stdout); err != nil {
			fmt.Fprintf(stderr, "Failed to read sessions: %v\n", err)
			return 1
		}
	}
	return 0
}

func printStats(ctx context.Context, qs *metrics.QueryService, w io.Writer) error {
	handlers, err := qs.HandlerStats(ctx)
	if err != nil {
		return err
	}
	tokens, err := qs.TokenStats(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLER\tTOTAL\tCOMPLETED\tFAILED\tCANCELED\tREJECTED\tRETRIES")
	for _, h := range handlers {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			h.Handler, h.Total(), h.Completed, h.Failed, h.Canceled, h.Rejected, h.Retries)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(tokens) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tPROMPT\tCOMPLETION\tTOTAL")
	for _, t := range tokens {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", t.Model, t.PromptTokens, t.CompletionTokens, t.TotalTokens)
	}
	return tw.Flush()
}

// printSessionStats groups stored sessions by sandbox.
func printSessionStats(ctx context.Context, store session.Store, w io.Writer) error {
	keys, err := store.Keys(ctx, "")
	if err != nil {
		return err
	}
	sandboxes := make(map[string]bool)
	var order []string
	for _, key := range keys {
		i := strings.LastIndex(key, ":")
		if i < 0 || sandboxes[key[:i]] {
			continue
		}
		sandbox := key[:i]
		sandboxes[sandbox] = true
		order = append(order, sandbox)
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SANDBOX\tSESSIONS\tMESSAGES\tTOKENS")
	for _, sandbox := range order {
		st, err := session.NewManager(store, sandbox).Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", st.Sandbox, st.Sessions, st.Messages, st.TotalTokens)
	}
	return tw.Flush()
}
