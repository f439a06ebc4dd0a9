package chain

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/vad-orchestrator/internal/errorsx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(url string) Config {
	return Config{
		URL:           url,
		Timeout:       2 * time.Second,
		MaxRetries:    2,
		MaxConcurrent: 2,
		BackoffBase:   5 * time.Millisecond,
		BackoffMax:    20 * time.Millisecond,
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}, testLogger()); err == nil {
		t.Error("Expected error for empty URL")
	}

	client, err := NewClient(Config{URL: "http://localhost/compress", MaxRetries: -1}, testLogger())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if client.config.Timeout != 120*time.Second {
		t.Errorf("Expected default timeout, got %v", client.config.Timeout)
	}
	if client.config.MaxRetries != 0 {
		t.Errorf("Expected negative retries clamped to 0, got %d", client.config.MaxRetries)
	}
}

func TestBudget(t *testing.T) {
	client, err := NewClient(testConfig("http://localhost/compress"), testLogger())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// Three attempts plus backoffs of 5ms and 10ms
	want := 6*time.Second + 15*time.Millisecond
	if got := client.Budget(); got != want {
		t.Errorf("Expected budget %v, got %v", want, got)
	}

	cfg := testConfig("http://localhost/compress")
	cfg.MaxRetries = 4
	client, _ = NewClient(cfg, testLogger())
	// Backoffs 5, 10, 20 and a capped 20
	want = 10*time.Second + 55*time.Millisecond
	if got := client.Budget(); got != want {
		t.Errorf("Expected capped budget %v, got %v", want, got)
	}
}

func TestPushMultipartFields(t *testing.T) {
	var gotFields map[string]string
	var gotFile []byte
	var gotFilename, gotFileType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		gotFields = make(map[string]string)
		for k, v := range r.MultipartForm.Value {
			gotFields[k] = v[0]
		}

		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotFile, _ = io.ReadAll(f)
		gotFilename = hdr.Filename
		gotFileType = hdr.Header.Get("Content-Type")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Descriptor{
			Status:         "ok",
			Stage:          "compress",
			FlowID:         gotFields["flowId"],
			CompressedSize: 42,
			OutputURL:      "/files/out.mp3",
		})
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL), testLogger())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	wav := []byte("RIFF....WAVEfake")
	result, err := client.Push(context.Background(), &PushRequest{
		FlowID:   "flow-1",
		DeviceID: "dev-1",
		WAV:      wav,
		Params:   DefaultParams(16000),
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	want := map[string]string{
		"codec":     "mp3",
		"bitrate":   "16k",
		"target_sr": "16000",
		"save":      "true",
		"flowId":    "flow-1",
		"deviceId":  "dev-1",
	}
	for k, v := range want {
		if gotFields[k] != v {
			t.Errorf("Field %s: expected %q, got %q", k, v, gotFields[k])
		}
	}

	if string(gotFile) != string(wav) {
		t.Error("File part content mismatch")
	}
	if gotFilename != "vad_output.wav" {
		t.Errorf("Expected filename vad_output.wav, got %q", gotFilename)
	}
	if gotFileType != "audio/wav" {
		t.Errorf("Expected audio/wav, got %q", gotFileType)
	}

	desc, err := result.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if desc.Status != "ok" || desc.CompressedSize != 42 || desc.FlowID != "flow-1" {
		t.Errorf("Unexpected descriptor: %+v", desc)
	}
	if result.RequestID == "" {
		t.Error("Expected request id")
	}
}

func TestPushRawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte{0xff, 0xfb, 0x90, 0x00})
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL), testLogger())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	params := DefaultParams(16000)
	params.Save = false

	result, err := client.Push(context.Background(), &PushRequest{FlowID: "f", WAV: []byte{1}, Params: params})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if len(result.Body) != 4 || result.ContentType != "audio/mpeg" {
		t.Errorf("Unexpected raw result: %d bytes, %s", len(result.Body), result.ContentType)
	}

	desc, err := result.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if desc.Status != "unknown" || desc.Len != 4 {
		t.Errorf("Expected synthesized descriptor, got %+v", desc)
	}
}

func TestPushRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL), testLogger())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if _, err := client.Push(context.Background(), &PushRequest{FlowID: "f", WAV: []byte{1}}); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}

	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}

	stats := client.GetStats()
	if stats.TotalRetries != 2 || stats.SuccessRequests != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestPushDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad codec", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL), testLogger())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Push(context.Background(), &PushRequest{FlowID: "f", WAV: []byte{1}})
	if err == nil {
		t.Fatal("Expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonChainCompressFailed) {
		t.Errorf("Expected CHAIN_COMPRESS_FAILED, got %s", errorsx.Reason(err))
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Expected a single call, got %d", calls)
	}
	if client.GetStats().FailedRequests != 1 {
		t.Error("Expected failed request to be counted")
	}
}

func TestPushURLOverride(t *testing.T) {
	var hit int32
	override := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.StoreInt32(&hit, 1)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer override.Close()

	client, err := NewClient(testConfig("http://127.0.0.1:1/unused"), testLogger())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if _, err := client.Push(context.Background(), &PushRequest{URL: override.URL, FlowID: "f", WAV: []byte{1}}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if atomic.LoadInt32(&hit) != 1 {
		t.Error("Expected override URL to be used")
	}
}

func TestPushEmpty(t *testing.T) {
	client, err := NewClient(testConfig("http://127.0.0.1:1/unused"), testLogger())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Push(context.Background(), &PushRequest{FlowID: "f"})
	if !errorsx.HasReason(err, errorsx.ReasonChainCompressFailed) {
		t.Errorf("Expected CHAIN_COMPRESS_FAILED for empty audio, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"500", &statusError{code: 500}, true},
		{"429", &statusError{code: 429}, true},
		{"404", &statusError{code: 404}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"other", io.ErrUnexpectedEOF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
