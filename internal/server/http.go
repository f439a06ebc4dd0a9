package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/vad-orchestrator/internal/chain"
	"github.com/skypro1111/vad-orchestrator/internal/config"
	"github.com/skypro1111/vad-orchestrator/internal/flow"
	"github.com/skypro1111/vad-orchestrator/internal/metrics"
)

// HTTPServer serves the orchestrator WebSocket and the monitoring API
type HTTPServer struct {
	server      *http.Server
	logger      *slog.Logger
	config      *config.Config
	orch        *flow.Orchestrator
	chainClient *chain.Client // nil when the chain front-end is disabled
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer

	// Server state
	startTime time.Time
}

// NewHTTPServer creates the orchestrator HTTP server
func NewHTTPServer(addr string, logger *slog.Logger, appConfig *config.Config, orch *flow.Orchestrator,
	chainClient *chain.Client, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:      logger,
		config:      appConfig,
		orch:        orch,
		chainClient: chainClient,
		metrics:     m,
		gatherer:    gatherer,
		startTime:   time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// Handler returns the root handler, for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Client transport; not wrapped, the upgrade needs the raw writer
	mux.Handle(endpointStream, NewStreamHandler(h.orch, h.logger, h.metrics))

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Flow monitoring endpoints
	mux.HandleFunc("/flows", h.withMetrics("/flows", h.handleFlows))
	mux.HandleFunc("/flows/", h.withMetrics("/flows/{id}", h.handleFlowDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode),
			time.Since(startTime).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// ListenAndServe serves until Stop is called
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Serve serves on an existing listener until Stop is called
func (h *HTTPServer) Serve(ln net.Listener) error {
	if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := map[string]interface{}{
		"orchestrator": map[string]interface{}{
			"status":       "running",
			"active_flows": h.orch.ActiveCount(),
		},
	}
	if h.chainClient != nil {
		stats := h.chainClient.GetStats()
		components["chain"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	}

	writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "vad-orchestrator",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleFlows implements the /flows endpoint
func (h *HTTPServer) handleFlows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flows := h.orch.Sessions()

	writeJSON(w, map[string]interface{}{
		"total_flows": len(flows),
		"timestamp":   time.Now().UTC(),
		"flows":       flows,
	})
}

// handleFlowDetail implements the /flows/{flow_id} endpoint
func (h *HTTPServer) handleFlowDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flowID := strings.TrimPrefix(r.URL.Path, "/flows/")
	if flowID == "" {
		http.Error(w, "Flow ID required", http.StatusBadRequest)
		return
	}

	info, exists := h.orch.Session(flowID)
	if !exists {
		http.Error(w, "Flow not found", http.StatusNotFound)
		return
	}

	writeJSON(w, info)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.config

	// Stage addresses are omitted; they are internal topology
	writeJSON(w, map[string]interface{}{
		"server": map[string]interface{}{
			"bind_address":      cfg.Server.BindAddress,
			"orchestrator_port": cfg.Server.OrchestratorPort,
			"vad_port":          cfg.Server.VADPort,
			"max_flows":         cfg.Server.MaxFlows,
		},
		"audio": map[string]interface{}{
			"sample_rate":    cfg.Audio.SampleRate,
			"chunk_ms":       cfg.Audio.ChunkMs,
			"pad_start_ms":   cfg.Audio.PadStartMs,
			"pad_end_ms":     cfg.Audio.PadEndMs,
			"idle_flush_sec": cfg.Audio.IdleFlushSec,
		},
		"vad": map[string]interface{}{
			"threshold":  cfg.VAD.Threshold,
			"full_scale": cfg.VAD.FullScale,
			"smoothing":  cfg.VAD.Smoothing,
		},
		"stages": map[string]interface{}{
			"denoise_enabled":   cfg.Stages.DenoiseAddr != "",
			"call_timeout":      cfg.Stages.CallTimeout,
			"recognize_timeout": cfg.Stages.RecognizeTimeout,
			"opus_bitrate":      cfg.Stages.OpusBitrate,
		},
		"chain": map[string]interface{}{
			"timeout":        cfg.Chain.Timeout,
			"max_retries":    cfg.Chain.MaxRetries,
			"max_concurrent": cfg.Chain.MaxConcurrent,
			"codec":          cfg.Chain.Codec,
			"bitrate":        cfg.Chain.Bitrate,
			"save":           cfg.Chain.Save,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
		"tracing": map[string]interface{}{
			"exporter": cfg.Tracing.Exporter,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	segmenter := h.orch.Config().Segmenter
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"flows": map[string]interface{}{
			"active_count": h.orch.ActiveCount(),
		},
		"segmenter": map[string]interface{}{
			"chunk_samples":    segmenter.ChunkSamples(),
			"pad_start_frames": segmenter.PadStartFrames(),
			"pad_end_frames":   segmenter.PadEndFrames(),
		},
	}
	if h.chainClient != nil {
		stats["chain"] = h.chainClient.GetStats()
	}

	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]interface{}{
		"service": "VAD Orchestrator",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                "API documentation",
			"GET /health":          "Service health check",
			"GET /flows":           "List all live flows",
			"GET /flows/{flow_id}": "Get detailed flow information",
			"GET /config":          "Get service configuration",
			"GET /stats":           "Get service statistics",
			"GET /metrics":         "Prometheus metrics",
			"WS /ws/stream":        "Orchestrator stream (control frames and PCM16 audio)",
		},
		"timestamp": time.Now().UTC(),
	})
}

// ChainServer serves the /ws/vad chain front-end on its own port
type ChainServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewChainServer creates the chain front-end server
func NewChainServer(addr string, logger *slog.Logger, handler *ChainHandler) *ChainServer {
	mux := http.NewServeMux()
	mux.Handle(endpointChain, handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "healthy"})
	})

	return &ChainServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, for tests
func (s *ChainServer) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe serves until Stop is called
func (s *ChainServer) ListenAndServe() error {
	s.logger.Info("Starting chain front-end server",
		slog.String("address", s.server.Addr),
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("chain server: %w", err)
	}
	return nil
}

// Stop gracefully stops the chain front-end server
func (s *ChainServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping chain front-end server...")

	return s.server.Shutdown(ctx)
}
