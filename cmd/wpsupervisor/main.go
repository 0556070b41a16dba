package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/projectdiscovery/goflags"

	"github.com/sadewadee/wpsuper/internal/admin"
	"github.com/sadewadee/wpsuper/internal/config"
	"github.com/sadewadee/wpsuper/internal/events"
	"github.com/sadewadee/wpsuper/internal/manager"
	"github.com/sadewadee/wpsuper/internal/pool"
	"github.com/sadewadee/wpsuper/internal/router"
)

// routerServer wraps the dispatch-facing HTTP server. It is kept separate
// from admin.Server so request traffic never shares a listener or
// middleware stack with health/readiness/metrics endpoints.
type routerServer struct {
	addr   string
	http   *http.Server
	logger *slog.Logger
}

func newRouterServer(addr string, handler http.Handler, logger *slog.Logger) *routerServer {
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	return &routerServer{
		addr: addr,
		http: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

func (s *routerServer) Start() error {
	s.logger.Info("router server listening", "address", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *routerServer) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

var version = "0.1.0-dev"

func main() {
	var cfgPath string
	var showVersion bool
	var startupThreads int

	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription("wpsupervisor starts and supervises named worker pools behind an HTTP router.")
	flagSet.StringVarP(&cfgPath, "config", "c", "wpsuper.yaml", "path to the supervisor config file")
	flagSet.IntVarP(&startupThreads, "startup-threads", "j", 4, "max pools started concurrently at boot")
	flagSet.BoolVarP(&showVersion, "version", "v", false, "print version and exit")

	if err := flagSet.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if showVersion {
		fmt.Printf("wpsupervisor v%s\n", version)
		return
	}

	run(cfgPath, startupThreads)
}

func run(cfgPath string, startupThreads int) {
	logger, startupCloser := setupLogger("info", "json", "stdout")
	if startupCloser != nil {
		defer startupCloser.Close()
	}
	logger.Info("wpsupervisor starting", "version", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if startupCloser != nil {
		_ = startupCloser.Close()
		startupCloser = nil
	}
	logger, logCloser := setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if logCloser != nil {
		defer logCloser.Close()
	}

	hub := events.NewHub(logger)
	mgr := manager.New(logger, startupThreads, hub.Publish)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("uncaught panic, emergency shutdown", "panic", r)
			mgr.EmergencyShutdown()
			os.Exit(1)
		}
	}()

	if err := mgr.StartAll(cfg.Pools); err != nil {
		logger.Error("failed to start pools", "error", err)
		os.Exit(1)
	}

	rtr, err := router.New(mgr, cfg.Pools, logger)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	routerSrv := newRouterServer(cfg.Listen, rtr, logger)
	adminSrv := admin.New(&cfg.Admin, mgr, hub, logger)

	var watcher *pool.Watcher
	if cfg.Watch.Enabled && len(cfg.Watch.Dirs) > 0 {
		watcher = pool.NewWatcher(cfg.Watch.Dirs, cfg.Watch.Exts, cfg.Watch.Interval.Duration(), logger, mgr.RequestRestartAll)
		watcher.Start()
		defer watcher.Stop()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGUSR1)
	go func() {
		for range reload {
			logger.Info("SIGUSR1 received, rolling restart of all pools")
			mgr.RequestRestartAll()
		}
	}()

	go func() {
		if err := routerSrv.Start(); err != nil {
			logger.Error("router server error", "error", err)
			quit <- syscall.SIGTERM
		}
	}()
	go func() {
		if err := adminSrv.Start(); err != nil {
			logger.Error("admin server error", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	logger.Info("wpsupervisor ready", "admin_address", cfg.Admin.Address, "router_address", routerSrv.addr, "pools", len(cfg.Pools))

	<-quit
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := routerSrv.Stop(ctx); err != nil {
		logger.Error("router server shutdown error", "error", err)
	}
	if err := adminSrv.Stop(ctx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}
	if err := mgr.Shutdown(); err != nil {
		logger.Error("manager shutdown error", "error", err)
	}

	logger.Info("wpsupervisor stopped")
}

func setupLogger(level, format, output string) (*slog.Logger, io.Closer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writer, closer := resolveLogOutput(output)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler), closer
}

func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stdout, nil
		}
		return f, f
	}
}
