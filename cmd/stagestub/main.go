// Command stagestub runs stand-in Denoise, Language-ID and Recognize gRPC
// stages plus a Compress HTTP endpoint, for exercising the orchestrator
// without the real models.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/skypro1111/vad-orchestrator/internal/audio"
	"github.com/skypro1111/vad-orchestrator/internal/chain"
	"github.com/skypro1111/vad-orchestrator/internal/opus"
	"github.com/skypro1111/vad-orchestrator/internal/stage"
	"github.com/skypro1111/vad-orchestrator/internal/stagerpc"
)

func main() {
	grpcAddr := flag.String("grpc", "127.0.0.1:50051", "Address serving all gRPC stages")
	httpAddr := flag.String("compress", "127.0.0.1:5691", "Address of the Compress HTTP endpoint, empty disables it")
	language := flag.String("language", "uk", "Language reported by the Language-ID stage")
	text := flag.String("text", "Це тестова транскрипція", "Text reported by the Recognize stage")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stages := &stubStages{logger: logger, language: *language, text: *text}

	grpcServer := grpc.NewServer()
	stagerpc.RegisterDenoise(grpcServer, stages)
	stagerpc.RegisterLanguageID(grpcServer, stages)
	stagerpc.RegisterRecognize(grpcServer, stages)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	ln, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		logger.Error("Failed to listen", slog.String("address", *grpcAddr), slog.String("error", err.Error()))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Stage stub serving gRPC", slog.String("address", *grpcAddr))
		return grpcServer.Serve(ln)
	})

	var httpServer *http.Server
	if *httpAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/compress", stages.handleCompress)
		httpServer = &http.Server{Addr: *httpAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Info("Stage stub serving Compress", slog.String("address", *httpAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Stage stub failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// stubStages answers every stage with fixed results
type stubStages struct {
	logger   *slog.Logger
	language string
	text     string
}

// Clean returns the audio unchanged
func (s *stubStages) Clean(_ context.Context, in stage.Audio) (stage.Audio, error) {
	s.logger.Debug("Denoise request", slog.Int("bytes", len(in.PCM)))
	return in, nil
}

func (s *stubStages) Detect(_ context.Context, in stage.Audio) (stage.Detection, error) {
	s.logger.Debug("Language-ID request",
		slog.Int("bytes", len(in.PCM)),
		slog.Int("sample_rate", in.SampleRate),
	)
	return stage.Detection{Language: s.language, Score: 0.9}, nil
}

// Recognize decodes every packet to check the stream is well formed
func (s *stubStages) Recognize(_ context.Context, start stage.RecognizeStart, recv func() (stage.RecognizePacket, error)) (stage.RecognizeResult, error) {
	dec, err := opus.NewDecoder(start.SampleRate)
	if err != nil {
		return stage.RecognizeResult{}, err
	}

	var res stage.RecognizeResult
	samples := 0
	for {
		pkt, err := recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stage.RecognizeResult{}, err
		}

		pcm, err := dec.Decode(pkt.Data)
		if err != nil {
			return stage.RecognizeResult{}, fmt.Errorf("packet %d: %w", pkt.Seq, err)
		}
		samples += len(pcm)
		res.Packets++
		res.Bytes += len(pkt.Data)
	}

	s.logger.Info("Recognize stream finished",
		slog.String("flow_id", start.FlowID),
		slog.String("codec", start.Codec),
		slog.String("language", start.Language),
		slog.Int("packets", res.Packets),
		slog.Int("bytes", res.Bytes),
		slog.Float64("audio_seconds", float64(samples)/float64(start.SampleRate)),
	)

	res.Text = s.text
	res.Confidence = 0.95
	return res, nil
}

// handleCompress accepts a chained push and answers with a descriptor
func (s *stubStages) handleCompress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	startTime := time.Now()

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, _, err := audio.ParseWAV(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flowID := r.FormValue("flowId")
	s.logger.Info("Compress request",
		slog.String("flow_id", flowID),
		slog.String("device_id", r.FormValue("deviceId")),
		slog.String("codec", r.FormValue("codec")),
		slog.Duration("duration", info.Duration),
	)

	if r.FormValue("save") != "true" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chain.Descriptor{
		Status:            "ok",
		Stage:             "compress",
		FlowID:            flowID,
		DeviceID:          r.FormValue("deviceId"),
		Codec:             r.FormValue("codec"),
		Bitrate:           r.FormValue("bitrate"),
		TargetSR:          info.SampleRate,
		OriginalSize:      len(data),
		CompressedSize:    len(data),
		CompressionRatio:  1,
		ProcessingTimeSec: time.Since(startTime).Seconds(),
		OutputURL:         fmt.Sprintf("file:///tmp/%s.%s", flowID, r.FormValue("codec")),
	})
}
