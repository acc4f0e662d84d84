package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chainrun/internal/chain"
	"github.com/rendis/chainrun/internal/expressions"
	"github.com/rendis/chainrun/internal/httpapi"
	"github.com/rendis/chainrun/internal/logging"
	"github.com/rendis/chainrun/internal/metrics"
	"github.com/rendis/chainrun/internal/plugins"
	"github.com/rendis/chainrun/internal/scheduler"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
	"github.com/rendis/chainrun/internal/validation"
	chainmcp "github.com/rendis/chainrun/pkg/mcp"
	"github.com/rendis/chainrun/pkg/schema"
)

// app is the wired dependency graph shared by the serve and run commands.
type app struct {
	cfg    Config
	dur    durations
	logger *slog.Logger
	level  *slog.LevelVar

	store      *store.LibSQLStore // nil when persistence is off
	hub        *streaming.MemoryHub
	metrics    *metrics.Collector
	registry   *plugins.Registry
	mcpPlugins *plugins.MCPManager
	validator  *validation.DefinitionValidator
	executor   *chain.Executor
	scheduler  *scheduler.Scheduler // nil when persistence is off
}

// newLogger builds the process logger. The level can be changed at runtime.
func newLogger(level string) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(logging.ParseLevel(level))
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})
	return slog.New(logging.NewCorrelationHandler(h)), lv
}

// newApp wires every component. With persist false the store and scheduler are
// skipped and chains only live in memory.
func newApp(ctx context.Context, cfg Config, persist bool) (*app, error) {
	dur, err := cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, level := newLogger(cfg.LogLevel)
	a := &app{cfg: cfg, dur: dur, logger: logger, level: level}

	if persist {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		s, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		a.store = s
	}

	a.hub = streaming.NewMemoryHub()
	a.metrics = metrics.New("")

	a.registry = plugins.NewRegistry()
	if err := plugins.RegisterBuiltins(a.registry); err != nil {
		a.close()
		return nil, fmt.Errorf("register builtin plugins: %w", err)
	}
	a.mcpPlugins = plugins.NewMCPManager(a.registry, logger)
	for _, sc := range cfg.MCPServers {
		if _, err := a.mcpPlugins.Load(ctx, sc); err != nil {
			// An unavailable server only removes its own targets.
			logger.Warn("mcp server not loaded", "server", sc.Name, "error", err)
		}
	}

	conditions, err := expressions.New(cfg.ConditionEngine)
	if err != nil {
		a.close()
		return nil, err
	}
	compiler, _ := conditions.(validation.ConditionCompiler)
	a.validator, err = validation.NewDefinitionValidator(a.registry, compiler)
	if err != nil {
		a.close()
		return nil, err
	}

	// The dispatcher reports breaker and retry events through the executor's
	// emitter, which only exists once the executor does.
	var emitter *chain.Emitter
	dispatcher := plugins.NewDispatcher(a.registry, plugins.DispatcherConfig{
		Retry: plugins.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			Backoff:     cfg.RetryBackoff,
			Delay:       dur.retryDelay,
		},
		CircuitBreaker: plugins.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         dur.breakerCooldown,
		},
		Validator: a.validator,
		OnEvent:   func(ctx context.Context, ev schema.Event) { emitter.Emit(ctx, ev) },
		Logger:    logger,
	})

	execCfg := chain.ExecutorConfig{
		PoolSize:           cfg.PoolSize,
		CleanupBatch:       cfg.CleanupBatch,
		DefaultTimeout:     dur.defaultTimeout,
		DefaultStepTimeout: dur.stepTimeout,
		Conditions:         conditions,
		Publisher:          a.metrics.Publisher(a.hub),
		Logger:             logger,
	}
	if a.store != nil {
		execCfg.Events = store.NewEventLog(a.store)
		execCfg.Recorder = a.store
	}
	a.executor, err = chain.NewExecutor(dispatcher, execCfg)
	if err != nil {
		a.close()
		return nil, err
	}
	emitter = a.executor.Emitter()
	a.metrics.Attach(a.executor.FSM())
	a.metrics.WatchExecutor(a.executor)

	if a.store != nil {
		a.scheduler = scheduler.NewScheduler(a.store, scheduler.RunnerFunc(a.runDefinition), scheduler.Config{
			Interval: dur.scheduleInterval,
			Events:   emitter,
			Logger:   logger,
		})
	}
	return a, nil
}

// runDefinition validates and executes def. Scheduled jobs and the run command
// both go through it.
func (a *app) runDefinition(ctx context.Context, def *schema.ChainDefinition) (*schema.ChainResult, error) {
	r := a.validator.Validate(def)
	for _, w := range r.Warnings {
		a.logger.WarnContext(ctx, "chain definition warning", "chain_id", def.ID, "path", w.Path, "message", w.Message)
	}
	if err := r.ToError(); err != nil {
		return nil, err
	}
	return a.executor.ExecuteDefinition(ctx, def)
}

func (a *app) chainServer() *chainmcp.ChainServer {
	deps := chainmcp.ChainServerDeps{
		Executor:  a.executor,
		Validator: a.validator,
		Plugins:   a.registry,
		Hub:       a.hub,
		Logger:    a.logger,
	}
	if a.store != nil {
		deps.Store = a.store
	}
	return chainmcp.NewChainServer(deps)
}

func (a *app) apiServer() *httpapi.Server {
	deps := httpapi.Deps{
		Executor:  a.executor,
		Validator: a.validator,
		Plugins:   a.registry,
		Hub:       a.hub,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}
	if a.store != nil {
		deps.Store = a.store
	}
	if a.scheduler != nil {
		deps.Scheduler = a.scheduler
	}
	return httpapi.NewServer(deps)
}

// schedulesFile is the YAML document listing chains to run on a cron schedule.
type schedulesFile struct {
	Chains []schema.ChainDefinition `yaml:"chains"`
}

// loadSchedules registers every scheduled chain in path. Jobs that already
// exist keep their run history.
func (a *app) loadSchedules(ctx context.Context, path string) (int, error) {
	if a.scheduler == nil {
		return 0, errors.New("scheduling requires persistence")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read schedules: %w", err)
	}
	var sf schedulesFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return 0, fmt.Errorf("parse schedules: %w", err)
	}

	n := 0
	for i := range sf.Chains {
		def := &sf.Chains[i]
		if def.ID == "" || def.Schedule == "" {
			return n, fmt.Errorf("schedules: chains[%d] needs id and schedule", i)
		}
		if err := a.validator.ValidateDefinition(def); err != nil {
			return n, fmt.Errorf("schedules: chain %q: %w", def.ID, err)
		}
		_, err := a.scheduler.Register(ctx, def.ID, def.Schedule, def)
		var ce *schema.ChainError
		if errors.As(err, &ce) && ce.Code == schema.ErrCodeConflict {
			a.logger.Debug("chain already scheduled", "chain_id", def.ID)
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// cleanupLoop evicts finished chains from the registry until ctx ends.
func (a *app) cleanupLoop(ctx context.Context) {
	if a.dur.cleanupInterval <= 0 {
		return
	}
	t := time.NewTicker(a.dur.cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.executor.Cleanup(a.dur.cleanupMaxAge)
		}
	}
}

func (a *app) close() {
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.executor != nil {
		a.executor.Close()
	}
	if a.mcpPlugins != nil {
		if err := a.mcpPlugins.StopAll(); err != nil {
			a.logger.Warn("stop mcp servers", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}
