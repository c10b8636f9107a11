package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/compresr/ai-gateway/internal/audit"
	"github.com/compresr/ai-gateway/internal/config"
	"github.com/compresr/ai-gateway/internal/tui"
)

const defaultStatsDays = 7

// loadAuditConfig resolves the config for the offline audit commands.
func loadAuditConfig(path string) (*config.Config, error) {
	loadEnvFiles()
	return configSource(path)()
}

// runStats prints per-day audit totals: a table on a terminal, JSON
// otherwise.
func runStats(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "path to config file")
	days := fs.Int("days", defaultStatsDays, "days to include")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *days < 1 {
		fmt.Fprintln(os.Stderr, "--days must be at least 1")
		return 2
	}

	cfg, err := loadAuditConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	stats, err := audit.NewStore(cfg.Audit.Dir, nil).DailyStats(*days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read audit trail: %v\n", err)
		return 1
	}

	console := &tui.Console{W: out}
	if f, ok := out.(*os.File); ok && !*asJSON && tui.IsTerminal(f) {
		console.Color = true
		console.Header(fmt.Sprintf("Audit: last %d days (%s)", *days, cfg.Audit.Dir))
		if err := console.StatsTable(stats); err != nil {
			return 1
		}
		return 0
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return 1
	}
	return 0
}

// runPurge deletes audit day files older than the retention horizon.
func runPurge(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "path to config file")
	days := fs.Int("days", 0, "retention in days (default: audit.retention_days)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadAuditConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	retention := *days
	if retention == 0 {
		retention = cfg.Audit.RetentionDays
	}

	console := &tui.Console{W: out}
	if f, ok := out.(*os.File); ok {
		console.Color = tui.IsTerminal(f)
	}
	if retention < 1 {
		console.Error("no retention configured; pass --days N")
		return 2
	}

	n, err := audit.NewStore(cfg.Audit.Dir, nil).PurgeOlderThan(retention)
	if err != nil {
		console.Error(err.Error())
		return 1
	}
	console.Success(fmt.Sprintf("removed %d audit file(s) older than %d days from %s", n, retention, cfg.Audit.Dir))
	return 0
}
