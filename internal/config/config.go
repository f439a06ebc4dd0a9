package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	Stages  StagesConfig  `yaml:"stages"`
	Chain   ChainConfig   `yaml:"chain"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig contains listener configuration
type ServerConfig struct {
	BindAddress      string `yaml:"bind_address"`
	OrchestratorPort int    `yaml:"orchestrator_port"` // /ws/stream and the monitoring API
	VADPort          int    `yaml:"vad_port"`          // /ws/vad chain front-end, 0 disables
	MaxFlows         int    `yaml:"max_flows"`
	ShutdownTimeout  int    `yaml:"shutdown_timeout"` // seconds
}

// AudioConfig contains segmentation parameters
type AudioConfig struct {
	SampleRate   int     `yaml:"sample_rate"`
	ChunkMs      int     `yaml:"chunk_ms"`
	PadStartMs   int     `yaml:"pad_start_ms"`
	PadEndMs     int     `yaml:"pad_end_ms"`
	IdleFlushSec float64 `yaml:"idle_flush_sec"`
}

// VADConfig contains speech decision parameters
type VADConfig struct {
	Threshold float64 `yaml:"threshold"`
	FullScale float64 `yaml:"full_scale"`
	Smoothing float64 `yaml:"smoothing"`
}

// StagesConfig contains downstream stage endpoints
type StagesConfig struct {
	DenoiseAddr      string `yaml:"denoise_addr"` // empty disables Denoise
	LIDAddr          string `yaml:"lid_addr"`
	ASRAddr          string `yaml:"asr_addr"`
	CallTimeout      int    `yaml:"call_timeout"`      // seconds, unary calls
	RecognizeTimeout int    `yaml:"recognize_timeout"` // seconds, whole stream
	OpusBitrate      int    `yaml:"opus_bitrate"`
}

// ChainConfig contains the chained Compress push configuration
type ChainConfig struct {
	CompressURL   string `yaml:"compress_url"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Codec         string `yaml:"codec"`
	Bitrate       string `yaml:"bitrate"`
	Save          bool   `yaml:"save"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig selects where flow spans go
type TracingConfig struct {
	Exporter string `yaml:"exporter"` // "" records spans only, "log" writes them to the logger
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:      "0.0.0.0",
			OrchestratorPort: 8000,
			VADPort:          9001,
			MaxFlows:         1000,
			ShutdownTimeout:  10,
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			ChunkMs:      20,
			PadStartMs:   100,
			PadEndMs:     80,
			IdleFlushSec: 3.0,
		},
		VAD: VADConfig{
			Threshold: 0.48,
			FullScale: 3000,
			Smoothing: 0.5,
		},
		Stages: StagesConfig{
			DenoiseAddr:      "127.0.0.1:50053",
			LIDAddr:          "127.0.0.1:50052",
			ASRAddr:          "127.0.0.1:50051",
			CallTimeout:      10,
			RecognizeTimeout: 60,
			OpusBitrate:      20000,
		},
		Chain: ChainConfig{
			CompressURL:   "http://127.0.0.1:5691/compress",
			Timeout:       120,
			MaxRetries:    2,
			MaxConcurrent: 10,
			Codec:         "mp3",
			Bitrate:       "16k",
			Save:          true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	return Loader{}.Load(path)
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Stages.Validate(); err != nil {
		return fmt.Errorf("stages config: %w", err)
	}

	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.OrchestratorPort < 1 || s.OrchestratorPort > 65535 {
		return fmt.Errorf("orchestrator_port must be between 1 and 65535, got %d", s.OrchestratorPort)
	}

	if s.VADPort < 0 || s.VADPort > 65535 {
		return fmt.Errorf("vad_port must be between 0 and 65535, got %d", s.VADPort)
	}

	if s.VADPort != 0 && s.VADPort == s.OrchestratorPort {
		return fmt.Errorf("vad_port and orchestrator_port must differ, both are %d", s.VADPort)
	}

	if s.MaxFlows < 1 {
		return fmt.Errorf("max_flows must be at least 1, got %d", s.MaxFlows)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	switch a.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("sample_rate must be one of 8000, 12000, 16000, 24000, 48000, got %d", a.SampleRate)
	}

	if a.ChunkMs < 1 {
		return fmt.Errorf("chunk_ms must be positive, got %d", a.ChunkMs)
	}

	if a.PadStartMs < 0 {
		return fmt.Errorf("pad_start_ms cannot be negative, got %d", a.PadStartMs)
	}

	if a.PadEndMs < 0 {
		return fmt.Errorf("pad_end_ms cannot be negative, got %d", a.PadEndMs)
	}

	if a.IdleFlushSec <= 0 {
		return fmt.Errorf("idle_flush_sec must be positive, got %f", a.IdleFlushSec)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.FullScale <= 0 {
		return fmt.Errorf("full_scale must be positive, got %f", v.FullScale)
	}

	if v.Smoothing <= 0 || v.Smoothing > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %f", v.Smoothing)
	}

	return nil
}

// Validate validates stage configuration
func (s *StagesConfig) Validate() error {
	if s.LIDAddr == "" {
		return fmt.Errorf("lid_addr cannot be empty")
	}

	if s.ASRAddr == "" {
		return fmt.Errorf("asr_addr cannot be empty")
	}

	if s.CallTimeout < 1 {
		return fmt.Errorf("call_timeout must be at least 1 second, got %d", s.CallTimeout)
	}

	if s.RecognizeTimeout < 1 {
		return fmt.Errorf("recognize_timeout must be at least 1 second, got %d", s.RecognizeTimeout)
	}

	if s.OpusBitrate < 6000 || s.OpusBitrate > 510000 {
		return fmt.Errorf("opus_bitrate must be between 6000 and 510000, got %d", s.OpusBitrate)
	}

	return nil
}

// Validate validates chain configuration
func (c *ChainConfig) Validate() error {
	if c.CompressURL == "" {
		return fmt.Errorf("compress_url cannot be empty")
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}

	if c.Codec == "" {
		return fmt.Errorf("codec cannot be empty")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path
	if strings.TrimSpace(l.Output) == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// Validate validates tracing configuration
func (t *TracingConfig) Validate() error {
	switch t.Exporter {
	case "", "log":
		return nil
	default:
		return fmt.Errorf("exporter must be empty or 'log', got '%s'", t.Exporter)
	}
}

// OrchestratorAddr returns the orchestrator listen address
func (s *ServerConfig) OrchestratorAddr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.OrchestratorPort)
}

// VADAddr returns the chain front-end listen address, empty when disabled
func (s *ServerConfig) VADAddr() string {
	if s.VADPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.BindAddress, s.VADPort)
}

// GetShutdownTimeout returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetIdleFlush returns the idle flush delay as a time.Duration
func (a *AudioConfig) GetIdleFlush() time.Duration {
	return time.Duration(a.IdleFlushSec * float64(time.Second))
}

// GetCallTimeout returns the unary stage call timeout
func (s *StagesConfig) GetCallTimeout() time.Duration {
	return time.Duration(s.CallTimeout) * time.Second
}

// GetRecognizeTimeout returns the recognition stream timeout
func (s *StagesConfig) GetRecognizeTimeout() time.Duration {
	return time.Duration(s.RecognizeTimeout) * time.Second
}

// GetTimeout returns the chain push timeout
func (c *ChainConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// readFile decodes a YAML file over cfg
func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}
