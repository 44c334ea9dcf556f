package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/route-beacon/view-exchange/internal/config"
	"github.com/route-beacon/view-exchange/internal/consumers"
	"github.com/route-beacon/view-exchange/internal/db"
	"github.com/route-beacon/view-exchange/internal/fileio"
	vxhttp "github.com/route-beacon/view-exchange/internal/http"
	"github.com/route-beacon/view-exchange/internal/kafka"
	"github.com/route-beacon/view-exchange/internal/metrics"
	"github.com/route-beacon/view-exchange/internal/view"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "archive":
		runConsumer(os.Args[2:], "archive", newArchiveHandler)
	case "monitor":
		runConsumer(os.Args[2:], "monitor", newMonitorHandler)
	case "subpfx":
		runConsumer(os.Args[2:], "subpfx", newSubpfxHandler)
	case "send":
		runSend(os.Args[2:])
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: view-exchange <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  archive   Consume views and write them to rotating archive files")
	fmt.Println("  monitor   Consume views and publish per-peer gauges")
	fmt.Println("  subpfx    Consume views and emit sub-prefix events")
	fmt.Println("  send      Replay archived view files onto the bus as a producer")
	fmt.Println()
	fmt.Println("With exchange.identity set, the consumer follows that one producer;")
	fmt.Println("without it, it discovers all producers via the members topic and")
	fmt.Println("consumes a merged global view.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// runSend replays archived view files through a producer, re-emitting them
// as sync and diff frames under this sender's identity.
func runSend(args []string) {
	cfg, logger := loadConfig(args)
	defer logger.Sync()

	var files []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "--log-level":
			i++
		default:
			files = append(files, args[i])
		}
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "send: at least one archive file is required")
		os.Exit(1)
	}

	metrics.Register()

	filter := kafka.FullFeedFilter(cfg.Exchange.FilterFFV4Cnt, cfg.Exchange.FilterFFV6Cnt)
	producer, err := kafka.NewProducer(cfg, filter, logger.Named("producer"))
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	// One view reused across reads so the producer's parent shares its
	// stores between generations.
	v := view.New()
	for _, path := range files {
		r, err := fileio.NewViewReader(path)
		if err != nil {
			logger.Fatal("failed to open archive", zap.String("file", path), zap.Error(err))
		}
		for {
			if err := r.ReadView(v, nil); err != nil {
				if err == io.EOF {
					break
				}
				r.Close()
				logger.Fatal("failed to read view", zap.String("file", path), zap.Error(err))
			}
			err := producer.Send(ctx, v)
			switch {
			case err == nil:
				logger.Info("view sent", zap.Uint32("view_time", v.Time()))
			case errors.Is(err, kafka.ErrSkipped):
				// Out of alignment before the first sync; keep going.
			case errors.Is(err, kafka.ErrTransient):
				logger.Warn("emission dropped, will reconnect", zap.Error(err))
			default:
				r.Close()
				logger.Fatal("producer failed", zap.Error(err))
			}
			if ctx.Err() != nil {
				r.Close()
				logger.Info("send interrupted")
				return
			}
		}
		r.Close()
	}
	logger.Info("replay complete")
}

// viewSink is the downstream a consumer command attaches to the pipeline.
type viewSink struct {
	handle func(v *view.View) error
	close  func() error
}

// handlerFactory builds the command-specific sink. The returned catalog
// checker is non-nil only when the command opened a database pool.
type handlerFactory func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*viewSink, vxhttp.DBChecker, error)

func newArchiveHandler(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*viewSink, vxhttp.DBChecker, error) {
	var catalog *db.Catalog
	var checker vxhttp.DBChecker
	if cfg.Postgres.DSN != "" {
		pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting archive catalog: %w", err)
		}
		catalog = db.NewCatalog(pool, logger.Named("catalog"))
		if err := catalog.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		checker = pool
	}

	identity := cfg.Exchange.Identity
	if identity == "" {
		identity = "global"
	}
	archiver := consumers.NewArchiver(cfg.Archive, identity, catalog, logger.Named("archiver"))
	return &viewSink{handle: archiver.Write, close: archiver.Close}, checker, nil
}

func newMonitorHandler(_ context.Context, _ *config.Config, logger *zap.Logger) (*viewSink, vxhttp.DBChecker, error) {
	mon := consumers.NewPerfMonitor(logger.Named("perfmonitor"))
	return &viewSink{handle: mon.Process, close: func() error { return nil }}, nil, nil
}

func newSubpfxHandler(_ context.Context, cfg *config.Config, logger *zap.Logger) (*viewSink, vxhttp.DBChecker, error) {
	det := consumers.NewSubpfxDetector(cfg.Subpfx.OutputDir, cfg.Subpfx.CompressLevel, logger.Named("subpfx"))
	return &viewSink{handle: det.Process, close: func() error { return nil }}, nil, nil
}

// consumerPipeline is satisfied by both consumer modes.
type consumerPipeline interface {
	Run(ctx context.Context) error
	IsReady() bool
	Close()
}

func runConsumer(args []string, name string, factory handlerFactory) {
	cfg, logger := loadConfig(args)
	defer logger.Sync()

	metrics.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, dbChecker, err := factory(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build view sink", zap.Error(err))
	}

	var pipeline consumerPipeline
	if cfg.Exchange.Identity != "" {
		dc, err := kafka.NewDirectConsumer(cfg, cfg.Exchange.Identity, sink.handle, logger.Named("consumer.direct"))
		if err != nil {
			logger.Fatal("failed to create direct consumer", zap.Error(err))
		}
		pipeline = dc
		logger.Info("direct consumer starting",
			zap.String("identity", cfg.Exchange.Identity),
			zap.String("namespace", cfg.Exchange.Namespace),
		)
	} else {
		gc, err := kafka.NewGlobalConsumer(cfg, sink.handle, logger.Named("consumer.global"))
		if err != nil {
			logger.Fatal("failed to create global consumer", zap.Error(err))
		}
		pipeline = gc
		logger.Info("global consumer starting",
			zap.String("namespace", cfg.Exchange.Namespace),
			zap.String("channel", cfg.Exchange.Channel),
		)
	}
	defer pipeline.Close()

	httpServer := vxhttp.NewServer(cfg.Service.HTTPListen, dbChecker,
		map[string]vxhttp.PipelineStatus{name: pipeline}, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	runErr := make(chan error, 1)
	go func() { runErr <- pipeline.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	pipelineDone := false
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-runErr:
		pipelineDone = true
		if err != nil {
			logger.Error("pipeline failed", zap.Error(err))
		}
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	if !pipelineDone {
		select {
		case <-runErr:
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout reached before pipeline drained")
		}
	}

	if err := sink.close(); err != nil {
		logger.Error("sink close error", zap.Error(err))
	}

	logger.Info("view-exchange stopped")
}
