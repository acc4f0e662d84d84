package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func runInit(args []string) {
	defaults := defaultConfig()
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	transport := fs.String("transport", defaults.Transport, "MCP transport: stdio or http")
	listenAddr := fs.String("listen-addr", defaults.ListenAddr, "HTTP listen address")
	dbPath := fs.String("db-path", "", "database path (default: ~/.chainrun/chainrun.db)")
	logLevel := fs.String("log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", defaults.PoolSize, "worker pool size for parallel chains")
	engine := fs.String("engine", defaults.ConditionEngine, "condition engine: cel or expr")
	schedules := fs.String("schedules", "", "YAML file of scheduled chains")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := chainrunDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg := defaults
	cfg.Transport = *transport
	cfg.ListenAddr = *listenAddr
	cfg.LogLevel = *logLevel
	cfg.PoolSize = *poolSize
	cfg.ConditionEngine = *engine
	cfg.DBPath = filepath.Join(dir, "chainrun.db")
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *schedules != "" {
		abs, err := filepath.Abs(*schedules)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg.SchedulesFile = abs
	}
	if _, err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := writeSettings(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", settingsPath())

	signalRunningServer()
}

func writeSettings(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running chainrun server (via pidfile).
// Returns true if a server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
