package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Loader builds a Config from an optional YAML file plus environment
// variables. Tests override Lookup to inject deterministic maps.
type Loader struct {
	Lookup func(string) (string, bool)
}

// Load reads path (if non-empty) over Default(), applies the environment and
// validates
func (l Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := l.Apply(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Apply overrides cfg with the environment variables that are set
func (l Loader) Apply(cfg *Config) error {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"ORCHESTRATOR_PORT", &cfg.Server.OrchestratorPort},
		{"VAD_PORT", &cfg.Server.VADPort},
		{"VAD_SR", &cfg.Audio.SampleRate},
		{"VAD_CHUNK_MS", &cfg.Audio.ChunkMs},
		{"VAD_PAD_START_MS", &cfg.Audio.PadStartMs},
		{"VAD_PAD_END_MS", &cfg.Audio.PadEndMs},
		{"STAGE_CALL_TIMEOUT", &cfg.Stages.CallTimeout},
		{"ASR_TIMEOUT", &cfg.Stages.RecognizeTimeout},
		{"OPUS_BITRATE", &cfg.Stages.OpusBitrate},
	}
	for _, o := range ints {
		if err := overrideInt(lookup, o.key, o.target); err != nil {
			return err
		}
	}

	floats := []struct {
		key    string
		target *float64
	}{
		{"VAD_THRESHOLD", &cfg.VAD.Threshold},
		{"VAD_IDLE_FLUSH_SEC", &cfg.Audio.IdleFlushSec},
	}
	for _, o := range floats {
		if err := overrideFloat(lookup, o.key, o.target); err != nil {
			return err
		}
	}

	// Port variables address a stage on localhost; *_ADDR wins when both are set
	stages := []struct {
		port, addr string
		target     *string
	}{
		{"DENOISE_PORT", "DENOISE_ADDR", &cfg.Stages.DenoiseAddr},
		{"LID_PORT", "LID_ADDR", &cfg.Stages.LIDAddr},
		{"ASR_PORT", "ASR_ADDR", &cfg.Stages.ASRAddr},
	}
	for _, s := range stages {
		var port int
		if err := overrideInt(lookup, s.port, &port); err != nil {
			return err
		}
		if port > 0 {
			*s.target = fmt.Sprintf("127.0.0.1:%d", port)
		}
		if value, ok := lookup(s.addr); ok {
			// An explicitly empty DENOISE_ADDR disables the stage
			*s.target = strings.TrimSpace(value)
		}
	}

	overrideString(lookup, "COMPRESS_URL", &cfg.Chain.CompressURL)
	if raw, ok := lookup("COMPRESS_HTTP_TIMEOUT"); ok && strings.TrimSpace(raw) != "" {
		seconds, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("config: parse COMPRESS_HTTP_TIMEOUT: %w", err)
		}
		cfg.Chain.Timeout = int(seconds + 0.5)
	}

	var level string
	overrideString(lookup, "LOG_LEVEL", &level)
	if level != "" {
		cfg.Logging.Level = normalizeLevel(level)
	}
	overrideString(lookup, "LOG_FORMAT", &cfg.Logging.Format)
	overrideString(lookup, "TRACE_EXPORTER", &cfg.Tracing.Exporter)

	return nil
}

func normalizeLevel(level string) string {
	level = strings.ToLower(level)
	switch level {
	case "warning":
		return "warn"
	case "critical", "fatal":
		return "error"
	}
	return level
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", key, err)
	}
	*target = parsed
	return nil
}

func overrideFloat(lookup func(string) (string, bool), key string, target *float64) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", key, err)
	}
	*target = parsed
	return nil
}
