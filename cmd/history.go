package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/a5revive/activator/internal/config"
	activatorErrors "github.com/a5revive/activator/internal/errors"
	"github.com/a5revive/activator/internal/storage"
)

// runHistory lists recent activation runs from the audit database, newest
// first.
func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath = fs.String("config", "", "Config file path (default ~/.a5revive/config.toml)")
		auditDB    = fs.String("audit-db", "", "Audit database path")
		limit      = fs.Int("limit", 10, "Maximum number of runs to show")
		jsonMode   = fs.Bool("json", false, "Emit machine-readable JSON to stdout")
	)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: a5revive history [options]\n\nList recent activation runs.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code := parseOrExit(fs, args, stderr); code >= 0 {
		return code
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	path := cfg.AuditDB
	if *auditDB != "" {
		path = *auditDB
	}
	if path == "" {
		path = config.DefaultAuditDBPath()
	}
	if path == "" || path == "off" {
		fmt.Fprintln(stderr, "Error: auditing is disabled; no history to show")
		return 1
	}

	store, err := storage.NewAuditStore(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", activatorErrors.GetMessage(err))
		return 1
	}
	defer store.Close()

	runs, err := store.RecentRuns(*limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", activatorErrors.GetMessage(err))
		return 1
	}

	if *jsonMode {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No runs recorded.")
		return 0
	}

	for _, r := range runs {
		mode := "remote"
		if r.LocalMode {
			mode = "local"
		}
		outcome := r.Outcome
		if outcome == "" {
			outcome = "in progress"
		}

		attempts, err := store.AttemptsForRun(r.ID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s\n", activatorErrors.GetMessage(err))
			return 1
		}

		fmt.Fprintf(stdout, "%s  %-11s %-6s attempts=%d",
			r.StartedAt.Format(time.DateTime), outcome, mode, len(attempts))
		if r.Message != "" {
			fmt.Fprintf(stdout, "  %s", r.Message)
		}
		fmt.Fprintln(stdout)
	}
	return 0
}
