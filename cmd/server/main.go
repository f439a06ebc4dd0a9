package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/skypro1111/vad-orchestrator/internal/audio"
	"github.com/skypro1111/vad-orchestrator/internal/chain"
	"github.com/skypro1111/vad-orchestrator/internal/config"
	"github.com/skypro1111/vad-orchestrator/internal/flow"
	"github.com/skypro1111/vad-orchestrator/internal/metrics"
	"github.com/skypro1111/vad-orchestrator/internal/observe"
	"github.com/skypro1111/vad-orchestrator/internal/opus"
	"github.com/skypro1111/vad-orchestrator/internal/server"
	"github.com/skypro1111/vad-orchestrator/internal/stage"
	"github.com/skypro1111/vad-orchestrator/internal/stagerpc"
	"github.com/skypro1111/vad-orchestrator/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "vad-orchestrator"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file, empty for defaults and environment only")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.String("orchestrator_address", cfg.Server.OrchestratorAddr()),
		slog.String("vad_address", cfg.Server.VADAddr()),
		slog.Int("max_flows", cfg.Server.MaxFlows),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("chunk_ms", cfg.Audio.ChunkMs),
		slog.Int("pad_start_ms", cfg.Audio.PadStartMs),
		slog.Int("pad_end_ms", cfg.Audio.PadEndMs),
		slog.Float64("idle_flush_sec", cfg.Audio.IdleFlushSec),
		slog.Float64("vad_threshold", cfg.VAD.Threshold),
		slog.String("denoise_addr", cfg.Stages.DenoiseAddr),
		slog.String("lid_addr", cfg.Stages.LIDAddr),
		slog.String("asr_addr", cfg.Stages.ASRAddr),
		slog.String("compress_url", cfg.Chain.CompressURL),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("trace_exporter", cfg.Tracing.Exporter),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Initialize Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Flow spans go to the SDK provider; without an exporter they stay in process
	providerCfg := observe.ProviderConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	}
	if cfg.Tracing.Exporter == "log" {
		providerCfg.TraceExporter = observe.NewLogExporter(logger.With(slog.String("component", "trace")))
	}
	shutdownTracing, err := observe.InitProvider(context.Background(), providerCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("Error flushing spans", slog.String("error", err.Error()))
		}
	}()

	// Stage connections are lazy; an unreachable stage surfaces per call
	var conns []*grpc.ClientConn
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()
	dial := func(addr string) (*grpc.ClientConn, error) {
		conn, err := stagerpc.Dial(addr)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
		return conn, nil
	}

	callTimeout := cfg.Stages.GetCallTimeout()

	var denoiser stage.Denoiser
	if cfg.Stages.DenoiseAddr != "" {
		conn, err := dial(cfg.Stages.DenoiseAddr)
		if err != nil {
			return err
		}
		denoiser = stagerpc.NewDenoiseClient(conn, callTimeout)
	} else {
		logger.Info("Denoise stage disabled")
	}

	lidConn, err := dial(cfg.Stages.LIDAddr)
	if err != nil {
		return err
	}
	asrConn, err := dial(cfg.Stages.ASRAddr)
	if err != nil {
		return err
	}

	finisher, err := flow.NewRecognitionFinisher(stage.Set{
		LID:        stagerpc.NewLanguageIDClient(lidConn, callTimeout),
		Compressor: opus.NewCompressor(cfg.Stages.OpusBitrate),
		Recognizer: stagerpc.NewRecognizeClient(asrConn, cfg.Stages.GetRecognizeTimeout(), logger),
	}, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create recognition finisher: %w", err)
	}

	detectors, err := vad.NewFactory(vad.Config{
		Threshold: cfg.VAD.Threshold,
		FullScale: cfg.VAD.FullScale,
		Smoothing: cfg.VAD.Smoothing,
	})
	if err != nil {
		return fmt.Errorf("invalid VAD configuration: %w", err)
	}

	orch, err := flow.New(logger, flow.Config{
		Segmenter: audio.SegmenterConfig{
			SampleRate: cfg.Audio.SampleRate,
			ChunkMs:    cfg.Audio.ChunkMs,
			PadStartMs: cfg.Audio.PadStartMs,
			PadEndMs:   cfg.Audio.PadEndMs,
		},
		IdleFlush: cfg.Audio.GetIdleFlush(),
		MaxFlows:  cfg.Server.MaxFlows,
		// Denoise, Language-ID and the whole Recognize stream; chain flows
		// raise it to the push budget of the chain client
		FlushTimeout: 2*callTimeout + cfg.Stages.GetRecognizeTimeout(),
	}, flow.Deps{
		Detectors: detectors,
		Denoiser:  denoiser,
		Finisher:  finisher,
		Metrics:   appMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	logger.Info("Orchestrator initialized",
		slog.Duration("idle_flush", cfg.Audio.GetIdleFlush()),
		slog.Bool("denoise_enabled", denoiser != nil),
	)

	// Chain front-end
	var chainClient *chain.Client
	var chainServer *server.ChainServer
	if addr := cfg.Server.VADAddr(); addr != "" {
		chainClient, err = chain.NewClient(chain.Config{
			URL:           cfg.Chain.CompressURL,
			Timeout:       cfg.Chain.GetTimeout(),
			MaxRetries:    cfg.Chain.MaxRetries,
			MaxConcurrent: cfg.Chain.MaxConcurrent,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create chain client: %w", err)
		}
		defer chainClient.Close()

		params := chain.DefaultParams(cfg.Audio.SampleRate)
		params.Codec = cfg.Chain.Codec
		params.Bitrate = cfg.Chain.Bitrate
		params.Save = cfg.Chain.Save

		handler := server.NewChainHandler(orch, chainClient, flow.ChainSettings{
			URL:    cfg.Chain.CompressURL,
			Params: params,
		}, logger, appMetrics)
		chainServer = server.NewChainServer(addr, logger, handler)
	} else {
		logger.Info("Chain front-end disabled")
	}

	httpServer := server.NewHTTPServer(cfg.Server.OrchestratorAddr(), logger, cfg, orch, chainClient, appMetrics, registry)

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpServer.ListenAndServe)
	if chainServer != nil {
		g.Go(chainServer.ListenAndServe)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
		defer cancel()

		// Stop accepting connections first, then flush what is live
		if chainServer != nil {
			if err := chainServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping chain server", slog.String("error", err.Error()))
			}
		}
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}

		orch.Stop(shutdownCtx)
		return nil
	})

	logger.Info("Service started successfully, waiting for signals...")

	if err := g.Wait(); err != nil {
		return err
	}

	if chainClient != nil {
		stats := chainClient.GetStats()
		logger.Info("Final chain statistics",
			slog.Uint64("total_requests", stats.TotalRequests),
			slog.Uint64("failed_requests", stats.FailedRequests),
			slog.Duration("avg_response_time", stats.AvgResponseTime),
		)
	}

	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
