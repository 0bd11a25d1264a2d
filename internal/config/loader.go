package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the corresponding field is unset.
const (
	DefaultModel            = "gpt-4o-realtime-preview"
	DefaultVoice            = "alloy"
	DefaultListenAddr       = ":8080"
	DefaultBootstrapTimeout = 15 * time.Second
)

// knownVoices lists the Realtime voices available at the time of writing.
// Unknown names only warn; the API gains voices faster than we release.
var knownVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies environment variable
// overrides for secrets, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides credential fields from the environment so secrets need
// not live in the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Twilio.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Twilio.AuthToken = v
	}
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults. It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.PublicHost == "" {
		errs = append(errs, errors.New("server.public_host is required; Twilio must be able to reach the media-stream websocket"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// OpenAI
	if cfg.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key is required (or set OPENAI_API_KEY)"))
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = DefaultModel
	}
	if cfg.OpenAI.Voice == "" {
		cfg.OpenAI.Voice = DefaultVoice
	} else if !slices.Contains(knownVoices, cfg.OpenAI.Voice) {
		slog.Warn("unknown realtime voice — may be a typo or a newly released voice",
			"voice", cfg.OpenAI.Voice,
			"known", knownVoices,
		)
	}
	if cfg.OpenAI.Temperature < 0 {
		errs = append(errs, fmt.Errorf("openai.temperature %.2f must not be negative", cfg.OpenAI.Temperature))
	}

	// Twilio: credentials are only needed for outbound calls and webhook
	// validation, so absence warns rather than fails.
	if cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken == "" {
		slog.Warn("twilio credentials not configured; outbound calls are disabled")
	}

	// Bridge
	if cfg.Bridge.BootstrapTimeout == 0 {
		cfg.Bridge.BootstrapTimeout = DefaultBootstrapTimeout
	} else if cfg.Bridge.BootstrapTimeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.bootstrap_timeout %s must be positive", cfg.Bridge.BootstrapTimeout))
	}
	if td := cfg.Bridge.TurnDetection; td != nil {
		if td.Threshold < 0 || td.Threshold > 1 {
			errs = append(errs, fmt.Errorf("bridge.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
		}
		if td.PrefixPaddingMS < 0 {
			errs = append(errs, fmt.Errorf("bridge.turn_detection.prefix_padding_ms %d must not be negative", td.PrefixPaddingMS))
		}
		if td.SilenceDurationMS < 0 {
			errs = append(errs, fmt.Errorf("bridge.turn_detection.silence_duration_ms %d must not be negative", td.SilenceDurationMS))
		}
	}

	if cfg.CallLog.PostgresDSN == "" {
		slog.Warn("call_log.postgres_dsn is empty; call records are kept in memory only")
	}

	return errors.Join(errs...)
}
