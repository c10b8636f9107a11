// Package main is the entry point for the AI Gateway.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-gateway/internal/config"
)

// Version is set at build time via ldflags.
var Version = "v0.1.0"

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	// ~/.config/ai-gateway/.env first
	configEnv := filepath.Join(config.HomeDir(), ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Also load local .env. godotenv never overrides a variable that is
	// already set, so the first file wins.
	_ = godotenv.Load()
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve", "start":
		return runServe(args)
	case "stats":
		return runStats(args, os.Stdout)
	case "purge":
		return runPurge(args, os.Stdout)
	case "configs":
		names, err := listEmbeddedConfigs()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return 0
	case "version", "-v", "--version":
		fmt.Printf("ai-gateway %s\n", Version)
		return 0
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		// Bare flags mean serve.
		if len(cmd) > 0 && cmd[0] == '-' {
			return runServe(append([]string{cmd}, args...))
		}
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printHelp()
		return 2
	}
}

// resolveConfig resolves the config to load.
// Checks: user flag -> filesystem locations -> embedded config.
// Returns raw bytes and source description.
func resolveConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	searchPaths := []string{
		filepath.Join(config.HomeDir(), "configs", "gateway.yaml"),
		filepath.Join("configs", "gateway.yaml"),
	}
	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	if data, err := getEmbeddedConfig(defaultConfigName); err == nil {
		return data, "(embedded) " + defaultConfigName + ".yaml", nil
	}
	return nil, "", fmt.Errorf("no config file found. Specify --config path")
}

// configSource re-resolves the config on every call so a reload picks up
// edits to the same file.
func configSource(userConfig string) config.Source {
	return func() (*config.Config, error) {
		data, source, err := resolveConfig(userConfig)
		if err != nil {
			return nil, err
		}
		cfg, err := config.LoadFromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		return cfg, nil
	}
}

// setupLogging installs a console logger for the time before the config's
// logger takes over.
func setupLogging(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).Level(level)
}

// printHelp prints usage information
func printHelp() {
	fmt.Println("AI Gateway - one local endpoint for OpenAI, Anthropic and Gemini clients")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ai-gateway [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the gateway (default)")
	fmt.Println("  stats        Summarize the audit trail per day")
	fmt.Println("  purge        Delete audit files past retention")
	fmt.Println("  configs      List embedded configs")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Serve Options:")
	fmt.Println("  --config FILE    Gateway config (default: ~/.config/ai-gateway/configs/gateway.yaml,")
	fmt.Println("                   then ./configs/gateway.yaml, then the embedded default)")
	fmt.Println("  --debug          Enable debug logging")
	fmt.Println()
	fmt.Println("Stats Options:")
	fmt.Println("  --config FILE    Config naming the audit dir")
	fmt.Println("  --days N         Days to include (default 7)")
	fmt.Println("  --json           Print JSON even on a terminal")
	fmt.Println()
	fmt.Println("Purge Options:")
	fmt.Println("  --config FILE    Config naming the audit dir")
	fmt.Println("  --days N         Retention in days (default: audit.retention_days)")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGHUP           Reload configuration")
	fmt.Println("  SIGINT, SIGTERM  Drain in-flight requests and stop")
}
