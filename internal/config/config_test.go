package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mapLookup builds a Loader lookup backed by a fixed environment
func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	if cfg.Server.OrchestratorPort != 8000 {
		t.Errorf("Expected orchestrator port 8000, got %d", cfg.Server.OrchestratorPort)
	}
	if cfg.Server.VADPort != 9001 {
		t.Errorf("Expected VAD port 9001, got %d", cfg.Server.VADPort)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.ChunkMs != 20 {
		t.Errorf("Unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Audio.PadStartMs != 100 || cfg.Audio.PadEndMs != 80 {
		t.Errorf("Unexpected padding defaults: %+v", cfg.Audio)
	}
	if cfg.VAD.Threshold != 0.48 {
		t.Errorf("Expected threshold 0.48, got %f", cfg.VAD.Threshold)
	}
	if cfg.Chain.CompressURL != "http://127.0.0.1:5691/compress" {
		t.Errorf("Unexpected compress URL %s", cfg.Chain.CompressURL)
	}
	if cfg.Chain.Timeout != 120 {
		t.Errorf("Expected chain timeout 120, got %d", cfg.Chain.Timeout)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid configuration",
			mutate: func(*Config) {},
		},
		{
			name:     "invalid orchestrator port",
			mutate:   func(c *Config) { c.Server.OrchestratorPort = 70000 },
			errorMsg: "orchestrator_port",
		},
		{
			name:     "colliding ports",
			mutate:   func(c *Config) { c.Server.VADPort = c.Server.OrchestratorPort },
			errorMsg: "must differ",
		},
		{
			name:     "unsupported sample rate",
			mutate:   func(c *Config) { c.Audio.SampleRate = 44100 },
			errorMsg: "sample_rate",
		},
		{
			name:     "negative pre-roll",
			mutate:   func(c *Config) { c.Audio.PadStartMs = -1 },
			errorMsg: "pad_start_ms",
		},
		{
			name:     "zero idle flush",
			mutate:   func(c *Config) { c.Audio.IdleFlushSec = 0 },
			errorMsg: "idle_flush_sec",
		},
		{
			name:     "threshold out of range",
			mutate:   func(c *Config) { c.VAD.Threshold = 1.5 },
			errorMsg: "threshold",
		},
		{
			name:     "missing recognizer",
			mutate:   func(c *Config) { c.Stages.ASRAddr = "" },
			errorMsg: "asr_addr",
		},
		{
			name:     "opus bitrate too low",
			mutate:   func(c *Config) { c.Stages.OpusBitrate = 100 },
			errorMsg: "opus_bitrate",
		},
		{
			name:     "empty compress url",
			mutate:   func(c *Config) { c.Chain.CompressURL = "" },
			errorMsg: "compress_url",
		},
		{
			name:     "invalid log level",
			mutate:   func(c *Config) { c.Logging.Level = "trace" },
			errorMsg: "level",
		},
		{
			name:     "log span exporter",
			mutate:   func(c *Config) { c.Tracing.Exporter = "log" },
			errorMsg: "",
		},
		{
			name:     "unknown span exporter",
			mutate:   func(c *Config) { c.Tracing.Exporter = "jaeger" },
			errorMsg: "exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("Expected error but got none")
				return
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestDenoiseIsOptional(t *testing.T) {
	cfg := Default()
	cfg.Stages.DenoiseAddr = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Empty denoise address should be valid: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	// Create temporary config file
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  bind_address: "127.0.0.1"
  orchestrator_port: 8100
  vad_port: 0

audio:
  sample_rate: 8000
  chunk_ms: 30
  pad_start_ms: 90

vad:
  threshold: 0.6

chain:
  compress_url: "http://compress.local/compress"
  codec: "opus"

logging:
  level: "debug"
  format: "json"
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg, err := Loader{Lookup: mapLookup(nil)}.Load(configFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.OrchestratorPort != 8100 {
		t.Errorf("Expected orchestrator port 8100, got %d", cfg.Server.OrchestratorPort)
	}
	if cfg.Server.VADAddr() != "" {
		t.Errorf("Expected disabled VAD listener, got %s", cfg.Server.VADAddr())
	}
	if cfg.Audio.SampleRate != 8000 || cfg.Audio.ChunkMs != 30 || cfg.Audio.PadStartMs != 90 {
		t.Errorf("Unexpected audio config: %+v", cfg.Audio)
	}
	// Unset keys keep their defaults
	if cfg.Audio.PadEndMs != 80 {
		t.Errorf("Expected default pad_end_ms 80, got %d", cfg.Audio.PadEndMs)
	}
	if cfg.VAD.Threshold != 0.6 {
		t.Errorf("Expected threshold 0.6, got %f", cfg.VAD.Threshold)
	}
	if cfg.Chain.Codec != "opus" {
		t.Errorf("Expected codec opus, got %s", cfg.Chain.Codec)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected json log format, got %s", cfg.Logging.Format)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	if _, err := (Loader{Lookup: mapLookup(nil)}).Load(configFile); err == nil {
		t.Error("Expected parse error")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	env := map[string]string{
		"ORCHESTRATOR_PORT":     "8800",
		"VAD_PORT":              "9101",
		"VAD_SR":                "8000",
		"VAD_CHUNK_MS":          "10",
		"VAD_THRESHOLD":         "0.3",
		"VAD_PAD_START_MS":      "200",
		"VAD_PAD_END_MS":        "40",
		"VAD_IDLE_FLUSH_SEC":    "1.5",
		"DENOISE_PORT":          "60053",
		"LID_ADDR":              "lid.local:7000",
		"ASR_PORT":              "60051",
		"ASR_ADDR":              "asr.local:7001",
		"COMPRESS_URL":          "http://c.local/compress",
		"COMPRESS_HTTP_TIMEOUT": "30.4",
		"LOG_LEVEL":             "WARNING",
	}

	cfg, err := Loader{Lookup: mapLookup(env)}.Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.OrchestratorPort != 8800 || cfg.Server.VADPort != 9101 {
		t.Errorf("Unexpected ports: %+v", cfg.Server)
	}
	if cfg.Audio.SampleRate != 8000 || cfg.Audio.ChunkMs != 10 {
		t.Errorf("Unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Audio.PadStartMs != 200 || cfg.Audio.PadEndMs != 40 {
		t.Errorf("Unexpected padding: %+v", cfg.Audio)
	}
	if cfg.Audio.GetIdleFlush() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s idle flush, got %v", cfg.Audio.GetIdleFlush())
	}
	if cfg.VAD.Threshold != 0.3 {
		t.Errorf("Expected threshold 0.3, got %f", cfg.VAD.Threshold)
	}
	if cfg.Stages.DenoiseAddr != "127.0.0.1:60053" {
		t.Errorf("Expected denoise on port 60053, got %s", cfg.Stages.DenoiseAddr)
	}
	if cfg.Stages.LIDAddr != "lid.local:7000" {
		t.Errorf("Expected LID address override, got %s", cfg.Stages.LIDAddr)
	}
	if cfg.Stages.ASRAddr != "asr.local:7001" {
		t.Errorf("Expected ASR_ADDR to win over ASR_PORT, got %s", cfg.Stages.ASRAddr)
	}
	if cfg.Chain.CompressURL != "http://c.local/compress" || cfg.Chain.Timeout != 30 {
		t.Errorf("Unexpected chain config: %+v", cfg.Chain)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected level warn, got %s", cfg.Logging.Level)
	}
}

func TestEnvironmentDisablesDenoise(t *testing.T) {
	cfg, err := Loader{Lookup: mapLookup(map[string]string{"DENOISE_ADDR": ""})}.Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Stages.DenoiseAddr != "" {
		t.Errorf("Expected denoise disabled, got %s", cfg.Stages.DenoiseAddr)
	}
}

func TestEnvironmentParseErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non-numeric port", map[string]string{"VAD_PORT": "abc"}},
		{"non-numeric threshold", map[string]string{"VAD_THRESHOLD": "high"}},
		{"non-numeric timeout", map[string]string{"COMPRESS_HTTP_TIMEOUT": "soon"}},
		{"out of range value", map[string]string{"VAD_THRESHOLD": "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := (Loader{Lookup: mapLookup(tt.env)}).Load(""); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if cfg.Server.GetShutdownTimeout() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", cfg.Server.GetShutdownTimeout())
	}
	if cfg.Audio.GetIdleFlush() != 3*time.Second {
		t.Errorf("Expected 3 seconds, got %v", cfg.Audio.GetIdleFlush())
	}
	if cfg.Stages.GetCallTimeout() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", cfg.Stages.GetCallTimeout())
	}
	if cfg.Chain.GetTimeout() != 120*time.Second {
		t.Errorf("Expected 120 seconds, got %v", cfg.Chain.GetTimeout())
	}
	if cfg.Server.OrchestratorAddr() != "0.0.0.0:8000" {
		t.Errorf("Unexpected orchestrator address %s", cfg.Server.OrchestratorAddr())
	}
}
