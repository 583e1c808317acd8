package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] for zero-valued tunables.
const (
	DefaultListenAddr             = ":8080"
	DefaultShutdownTimeoutSeconds = 30
	DefaultCopyBufferKiB          = 256
	DefaultMaxChunkBytes          = 8 << 20
	DefaultSessionTTLSeconds      = 1800
	DefaultSweepIntervalSeconds   = 60
	DefaultMaxChunks              = 4096
	DefaultMaxTotalBytes          = 2 << 30
	DefaultMaxUploadBytes         = 25 << 20
	DefaultMaxAttempts            = 3
	DefaultBackoffBaseSeconds     = 1.0
	DefaultTimeoutFloorSeconds    = 300
	DefaultTimeoutPerMBSeconds    = 10
	DefaultTranscriptionModel     = "whisper-1"
	DefaultRepeatThreshold        = 3
	DefaultFillerPhrase           = "thank you"
	DefaultFillerThreshold        = 5
	DefaultDominanceRatio         = 0.5
	DefaultDominanceMinTokens     = 20
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
// String fields that are legitimately optional (API keys, DSNs) are left
// untouched.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeoutSeconds <= 0 {
		cfg.Server.ShutdownTimeoutSeconds = DefaultShutdownTimeoutSeconds
	}
	if cfg.Storage.ScratchDir == "" {
		cfg.Storage.ScratchDir = os.TempDir() + "/scribegate"
	}
	if cfg.Storage.CopyBufferKiB <= 0 {
		cfg.Storage.CopyBufferKiB = DefaultCopyBufferKiB
	}
	if cfg.Storage.MaxChunkBytes <= 0 {
		cfg.Storage.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if cfg.Sessions.TTLSeconds <= 0 {
		cfg.Sessions.TTLSeconds = DefaultSessionTTLSeconds
	}
	if cfg.Sessions.SweepIntervalSeconds <= 0 {
		cfg.Sessions.SweepIntervalSeconds = DefaultSweepIntervalSeconds
	}
	if cfg.Sessions.MaxChunks <= 0 {
		cfg.Sessions.MaxChunks = DefaultMaxChunks
	}
	if cfg.Sessions.MaxTotalBytes <= 0 {
		cfg.Sessions.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if cfg.Transcription.Model == "" {
		cfg.Transcription.Model = DefaultTranscriptionModel
	}
	if cfg.Transcription.MaxUploadBytes <= 0 {
		cfg.Transcription.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Transcription.MaxAttempts <= 0 {
		cfg.Transcription.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Transcription.BackoffBaseSeconds <= 0 {
		cfg.Transcription.BackoffBaseSeconds = DefaultBackoffBaseSeconds
	}
	if cfg.Transcription.TimeoutFloorSeconds <= 0 {
		cfg.Transcription.TimeoutFloorSeconds = DefaultTimeoutFloorSeconds
	}
	if cfg.Transcription.TimeoutPerMBSeconds <= 0 {
		cfg.Transcription.TimeoutPerMBSeconds = DefaultTimeoutPerMBSeconds
	}
	if cfg.Detector.RepeatThreshold <= 0 {
		cfg.Detector.RepeatThreshold = DefaultRepeatThreshold
	}
	if cfg.Detector.FillerPhrase == "" {
		cfg.Detector.FillerPhrase = DefaultFillerPhrase
	}
	if cfg.Detector.FillerThreshold <= 0 {
		cfg.Detector.FillerThreshold = DefaultFillerThreshold
	}
	if cfg.Detector.DominanceRatio <= 0 {
		cfg.Detector.DominanceRatio = DefaultDominanceRatio
	}
	if cfg.Detector.DominanceMinTokens <= 0 {
		cfg.Detector.DominanceMinTokens = DefaultDominanceMinTokens
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	if cfg.Storage.MaxChunkBytes > cfg.Sessions.MaxTotalBytes {
		errs = append(errs, fmt.Errorf("storage.max_chunk_bytes (%d) exceeds sessions.max_total_bytes (%d)",
			cfg.Storage.MaxChunkBytes, cfg.Sessions.MaxTotalBytes))
	}

	if cfg.Transcription.APIKey == "" {
		errs = append(errs, errors.New("transcription.api_key is required"))
	}
	if cfg.Transcription.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("transcription.max_attempts %d is out of range [1, 10]", cfg.Transcription.MaxAttempts))
	}

	if cfg.Detector.DominanceRatio >= 1 {
		errs = append(errs, fmt.Errorf("detector.dominance_ratio %.2f must be below 1.0", cfg.Detector.DominanceRatio))
	}

	if cfg.Notes.APIKey != "" && cfg.Notes.Model == "" {
		errs = append(errs, errors.New("notes.model is required when notes.api_key is set"))
	}

	return errors.Join(errs...)
}
