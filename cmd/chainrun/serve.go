package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/chainrun/internal/logging"
	chainmcp "github.com/rendis/chainrun/pkg/mcp"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	transport := fs.String("transport", "", "MCP transport: stdio or http (overrides config)")
	listenAddr := fs.String("listen-addr", "", "HTTP listen address (overrides config)")
	apiAddr := fs.String("api-addr", "", "REST API address when serving MCP over stdio (overrides config)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	if *transport != "" {
		cfg.Transport = *transport
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}

	if err := serve(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainmcp.ServerVersion = version
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.SchedulesFile != "" {
		n, err := a.loadSchedules(ctx, cfg.SchedulesFile)
		if err != nil {
			return err
		}
		a.logger.Info("schedules loaded", slog.Int("registered", n), slog.String("file", cfg.SchedulesFile))
	}
	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		a.logger.Warn("missed-run recovery failed", "error", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	go a.cleanupLoop(ctx)
	go a.reloadOnHangup(ctx)

	if err := writePIDFile(); err != nil {
		a.logger.Warn("pid file not written", "error", err)
	}
	defer os.Remove(pidPath())

	srv := a.chainServer()
	a.logger.Info("chainrun serving",
		slog.String("version", version),
		slog.String("transport", cfg.Transport),
		slog.String("db", cfg.DBPath),
	)

	api := a.apiServer().Handler()
	if cfg.Transport == "http" {
		// One listener: MCP on /mcp, the REST and SSE API everywhere else.
		mux := http.NewServeMux()
		mux.Handle("/mcp", server.NewStreamableHTTPServer(srv.MCPServer()))
		mux.Handle("/", api)
		return listen(ctx, cfg.ListenAddr, mux, a.logger)
	}

	// MCP over stdio, plus the API on its own address when configured. The API
	// stops when the stdio session ends or either side fails.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.APIAddr != "" {
		g.Go(func() error {
			if err := listen(gctx, cfg.APIAddr, api, a.logger); err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		if err := srv.Serve(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp stdio: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// listen serves h on addr until ctx is cancelled, then shuts down gracefully.
func listen(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	httpSrv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("http listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// reloadOnHangup re-reads the configuration on SIGHUP. Only the log level is
// applied live; other changes are reported as needing a restart.
func (a *app) reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next := loadConfig()
		if _, err := next.validate(); err != nil {
			a.logger.Warn("config reload rejected", "error", err)
			continue
		}
		diff := diffConfigs(a.cfg, next)
		if diff.LogLevelChanged {
			a.level.Set(logging.ParseLevel(next.LogLevel))
			a.cfg.LogLevel = next.LogLevel
			a.logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(diff.RestartNeeded) > 0 {
			a.logger.Warn("config changes need a restart", "fields", diff.RestartNeeded)
		}
	}
}

func writePIDFile() error {
	if err := os.MkdirAll(chainrunDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
