package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chainrun/pkg/schema"
)

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	persist := fs.Bool("persist", false, "record the run in the history database")
	mode := fs.String("mode", "", "override the definition's mode")
	engine := fs.String("engine", "", "condition engine: cel or expr (overrides config)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: chainrun run [flags] <chain.yaml>")
		os.Exit(2)
	}

	def, err := readDefinition(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		def.Mode = schema.Mode(*mode)
	}

	cfg := loadConfig()
	if *engine != "" {
		cfg.ConditionEngine = *engine
	}

	res, err := runOnce(cfg, def, *persist)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if res.Status != schema.ChainStatusCompleted {
		os.Exit(1)
	}
}

func runOnce(cfg Config, def *schema.ChainDefinition, persist bool) (*schema.ChainResult, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, persist)
	if err != nil {
		return nil, err
	}
	defer a.close()
	return a.runDefinition(ctx, def)
}

// readDefinition parses a chain definition file. JSON is valid YAML, so both work.
func readDefinition(path string) (*schema.ChainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.ChainDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}
