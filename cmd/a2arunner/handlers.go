package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"a2arunner/internal/kernel"
	"a2arunner/pkg/discovery"
	"a2arunner/pkg/engine"
)

// handlerRow is one line of the handlers listing.
type handlerRow struct {
	Name      string `json:"name"`
	Default   bool   `json:"default"`
	Resilient bool   `json:"resilient"`
	Interface string `json:"interface,omitempty"`
	State     string `json:"state,omitempty"`
}

type handlersReport struct {
	Handlers []handlerRow      `json:"handlers"`
	Failures map[string]string `json:"failures,omitempty"`
	Types    []string          `json:"types"`
}

func runHandlers(args []string, stdout, stderr io.Writer) int {
	var (
		common commonFlags
		asJSON bool
	)
	fs := flag.NewFlagSet("handlers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common.register(fs)
	fs.BoolVar(&asJSON, "json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	k, err := kernel.NewKernel(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Stop(ctx)
	}()

	report := buildHandlersReport(k)
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(stderr, "Failed to encode: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDEFAULT\tRESILIENT\tINTERFACE\tSTATE")
	for _, r := range report.Handlers {
		def := ""
		if r.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", r.Name, def, r.Resilient, r.Interface, r.State)
	}
	_ = tw.Flush()
	for name, msg := range report.Failures {
		fmt.Fprintf(stdout, "failed: %s: %s\n", name, msg)
	}
	fmt.Fprintf(stdout, "\navailable types: %s\n", strings.Join(report.Types, ", "))
	return 0
}

func buildHandlersReport(k *kernel.Kernel) handlersReport {
	all := k.Registry.GetAll()
	def := k.Registry.Default()
	report := handlersReport{Failures: k.Report.FailureMessages()}
	for _, name := range k.Registry.Names() {
		row := handlerRow{Name: name, Default: name == def}
		if rh, ok := all[name].(*engine.ResilientHandler); ok {
			row.Resilient = true
			row.Interface = string(rh.Kind())
			row.State = string(rh.State())
		}
		report.Handlers = append(report.Handlers, row)
	}
	for _, t := range discovery.DefaultCatalog.Types() {
		name := t.Name
		if t.Plugin() {
			name += " (plugin)"
		}
		report.Types = append(report.Types, name)
	}
	return report
}
