package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"a2arunner/pkg/eventlog"
)

// runEvents prints journaled task events, oldest first.
func runEvents(args []string, stdout, stderr io.Writer) int {
	var (
		common commonFlags
		dir    string
		taskID string
		asJSON bool
	)
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common.register(fs)
	fs.StringVar(&dir, "dir", "", "Journal directory (default: event_log.dir from config)")
	fs.StringVar(&taskID, "task", "", "Only show events of this task")
	fs.BoolVar(&asJSON, "json", false, "Print JSON lines")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if dir == "" {
		cfg, err := common.load(stderr)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
			return 1
		}
		dir = cfg.EventLog.Dir
	}
	if dir == "" {
		fmt.Fprintln(stderr, "No journal directory: set event_log.dir or pass -dir")
		return 1
	}

	files, err := eventlog.ListLogFiles(dir)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	if !asJSON {
		fmt.Fprintln(tw, "TIME\tTASK\tKIND\tSTATE\tTEXT")
	}
	for _, file := range files {
		records, err := eventlog.ReadRecords(file)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		for _, r := range records {
			if taskID != "" && r.TaskID != taskID {
				continue
			}
			if asJSON {
				if err := enc.Encode(r); err != nil {
					fmt.Fprintf(stderr, "Failed to encode: %v\n", err)
					return 1
				}
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.Time.Format(time.RFC3339), r.TaskID, r.Kind, r.State, truncate(r.Text, 60))
		}
	}
	if !asJSON {
		_ = tw.Flush()
	}
	return 0
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
