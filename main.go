package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ollamux/ollamux/internal/adapter/queue"
	"github.com/ollamux/ollamux/internal/app"
	"github.com/ollamux/ollamux/internal/config"
	"github.com/ollamux/ollamux/internal/env"
	"github.com/ollamux/ollamux/internal/logger"
	"github.com/ollamux/ollamux/internal/orchestrator"
	"github.com/ollamux/ollamux/internal/util"
	"github.com/ollamux/ollamux/internal/version"
	"github.com/ollamux/ollamux/pkg/format"
	"github.com/ollamux/ollamux/pkg/nerdstats"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	} else {
		version.PrintVersionInfo(false, vlog)
	}

	lcfg := buildLoggerConfig()
	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(lcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.SetDefault(logInstance)

	styledLogger.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		styledLogger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	// The reload callback can fire from viper's watcher goroutine before the
	// orchestrator exists, hence the atomic handle.
	var orchRef atomic.Pointer[orchestrator.Orchestrator]
	cfg, err := config.Load(func(updated *config.Config) {
		orch := orchRef.Load()
		if orch == nil {
			return
		}
		styledLogger.Info("Configuration reloaded, applying queue settings")
		if qerr := orch.UpdateQueueConfig(queue.Config{
			MaxSize:               updated.Queue.MaxSize,
			MaxPriority:           updated.Queue.MaxPriority,
			PriorityBoostAmount:   updated.Queue.PriorityBoostAmount,
			PriorityBoostInterval: updated.Queue.PriorityBoostInterval,
		}); qerr != nil {
			styledLogger.Warn("Reloaded queue settings rejected", "error", qerr)
		}
	})
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to load configuration", "error", err)
	}

	upstream := app.NewClient(cfg.Upstream, styledLogger)

	orch, err := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Upstream: upstream,
		Logger:   styledLogger,
	})
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to create orchestrator", "error", err)
	}
	orchRef.Store(orch)
	orch.Metrics().SetBuildInfo(version.Version)

	if err := orch.Initialize(ctx); err != nil {
		logger.FatalWithLogger(logInstance, "Failed to initialise orchestrator", "error", err)
	}

	server := app.New(cfg, orch, upstream, styledLogger, version.Version)
	if err := server.Start(ctx); err != nil {
		logger.FatalWithLogger(logInstance, "Failed to start server", "error", err)
	}

	<-ctx.Done()

	if err := server.Stop(context.Background()); err != nil {
		styledLogger.Error("Error during server shutdown", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		styledLogger.Error("Error during orchestrator shutdown", "error", err)
	}
	shutdownCancel()

	reportProcessStats(styledLogger, startTime)

	styledLogger.Info("Ollamux has shutdown")
}

func reportProcessStats(logger *logger.StyledLogger, startTime time.Time) {
	runtime.GC()

	stats := nerdstats.Take(startTime)

	logger.Info("Process Memory Stats",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_sys", format.Bytes(stats.HeapSys),
		"heap_inuse", format.Bytes(stats.HeapInuse),
		"heap_released", format.Bytes(stats.HeapReleased),
		"stack_inuse", format.Bytes(stats.StackInuse),
		"total_alloc", format.Bytes(stats.TotalAlloc),
		"memory_pressure", stats.MemoryPressure(),
	)

	logger.Info("Process Allocation Stats",
		"total_mallocs", stats.Mallocs,
		"total_frees", stats.Frees,
		"net_objects", util.SafeInt64Diff(stats.Mallocs, stats.Frees),
	)

	if stats.NumGC > 0 {
		logger.Info("Garbage Collection Stats",
			"num_gc_cycles", stats.NumGC,
			"last_gc", stats.LastGC.Format(time.RFC3339),
			"total_gc_pause", format.Duration(stats.TotalGCPause),
			"gc_cpu_fraction", fmt.Sprintf("%.4f%%", stats.GCCPUFraction*100),
		)
	}

	logger.Info("Goroutine Stats",
		"num_goroutines", stats.NumGoroutines,
		"goroutine_health", stats.GoroutineHealth(),
		"num_cgo_calls", stats.NumCgoCall,
	)

	logger.Info("Runtime Stats",
		"uptime", format.Duration(stats.Uptime),
		"go_version", stats.GoVersion,
		"num_cpu", stats.NumCPU,
		"gomaxprocs", stats.GOMAXPROCS,
	)

	if buildInfo := nerdstats.BuildSummary(); len(buildInfo) > 0 {
		var buildArgs []any
		for key, value := range buildInfo {
			buildArgs = append(buildArgs, key, value)
		}
		logger.Info("Build Info", buildArgs...)
	}
}

// buildLoggerConfig reads logging settings from environment variables. DEBUG
// and DISABLE_FILE_LOGGING are honoured alongside the OLLAMUX_ variables.
func buildLoggerConfig() *logger.Config {
	level := env.GetEnvOrDefault("OLLAMUX_LOG_LEVEL", env.GetEnvOrDefault("LOG_LEVEL", "info"))
	if env.GetEnvBoolOrDefault("DEBUG", false) {
		level = logger.LogLevelDebug
	}
	return &logger.Config{
		Level:      level,
		FileOutput: !env.GetEnvBoolOrDefault("DISABLE_FILE_LOGGING", false),
		LogDir:     env.GetEnvOrDefault("OLLAMUX_LOG_DIR", "./logs"),
		MaxSize:    env.GetEnvIntOrDefault("OLLAMUX_LOG_MAX_SIZE", 100),
		MaxBackups: env.GetEnvIntOrDefault("OLLAMUX_LOG_MAX_BACKUPS", 5),
		MaxAge:     env.GetEnvIntOrDefault("OLLAMUX_LOG_MAX_AGE", 30),
		Theme:      env.GetEnvOrDefault("OLLAMUX_THEME", "default"),
	}
}
