// Package config manages gofasten daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gofasten configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Controller ControllerConfig `koanf:"controller"`
	Simulator  SimulatorConfig  `koanf:"simulator"`
	Profile    ProfileConfig    `koanf:"profile"`
	API        APIConfig        `koanf:"api"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
}

// ServerConfig holds the Open Protocol TCP listener configuration.
type ServerConfig struct {
	// Addr is the protocol listen address (e.g., ":4545").
	Addr string `koanf:"addr"`
}

// ControllerConfig holds the simulated controller identity.
type ControllerConfig struct {
	// Name is the controller name, padded or truncated to 25 chars on
	// the wire.
	Name string `koanf:"name"`

	// DataDir is the directory for the persisted parameter-set file.
	// Empty disables persistence.
	DataDir string `koanf:"data_dir"`
}

// SimulatorConfig holds the tightening result generator parameters.
type SimulatorConfig struct {
	// VIN is the initial vehicle identifier.
	VIN string `koanf:"vin"`

	// BatchSize is the global default batch target when no parameter set
	// is selected. Zero disables batching.
	BatchSize int `koanf:"batch_size"`

	// NOKProbability is the probability of a simulated failed
	// tightening, in [0, 1].
	NOKProbability float64 `koanf:"nok_probability"`

	// AutoInterval is the periodic result emission interval.
	AutoInterval time.Duration `koanf:"auto_interval"`

	// Spindles is the spindle count for multi-spindle results.
	Spindles int `koanf:"spindles"`
}

// ProfileConfig selects the controller profile applied at startup.
type ProfileConfig struct {
	// Name is a built-in profile name: "legacy", "pf6000-basic", or
	// "pf6000-full". Ignored when Path is set.
	Name string `koanf:"name"`

	// Path is a JSON profile file overriding Name.
	Path string `koanf:"path"`
}

// APIConfig holds the operator HTTP API configuration.
type APIConfig struct {
	// Addr is the HTTP listen address (e.g., ":8484"). Empty disables
	// the API.
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9100"). Empty disables metrics.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the stock controller
// defaults: port 4545, a 25-char-paddable name, batch size 5, 30% NOK
// rate, and a 20-second automatic emission interval.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":4545",
		},
		Controller: ControllerConfig{
			Name:    "OpenProtocolSim",
			DataDir: ".",
		},
		Simulator: SimulatorConfig{
			VIN:            "AB123000",
			BatchSize:      5,
			NOKProbability: 0.3,
			AutoInterval:   20 * time.Second,
			Spindles:       2,
		},
		Profile: ProfileConfig{
			Name: "pf6000-full",
		},
		API: APIConfig{
			Addr: ":8484",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gofasten configuration.
// Variables are named GOFASTEN_<section>_<key>, e.g., GOFASTEN_SERVER_ADDR.
const envPrefix = "GOFASTEN_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOFASTEN_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer entirely.
//
// Environment variable mapping:
//
//	GOFASTEN_SERVER_ADDR    -> server.addr
//	GOFASTEN_CONTROLLER_NAME -> controller.name
//	GOFASTEN_PROFILE_NAME   -> profile.name
//	GOFASTEN_LOG_LEVEL      -> log.level
//	GOFASTEN_LOG_FORMAT     -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	// GOFASTEN_SERVER_ADDR -> server.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOFASTEN_SERVER_ADDR -> server.addr.
// Strips the GOFASTEN_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"server.addr":               defaults.Server.Addr,
		"controller.name":           defaults.Controller.Name,
		"controller.data_dir":       defaults.Controller.DataDir,
		"simulator.vin":             defaults.Simulator.VIN,
		"simulator.batch_size":      defaults.Simulator.BatchSize,
		"simulator.nok_probability": defaults.Simulator.NOKProbability,
		"simulator.auto_interval":   defaults.Simulator.AutoInterval.String(),
		"simulator.spindles":        defaults.Simulator.Spindles,
		"profile.name":              defaults.Profile.Name,
		"profile.path":              defaults.Profile.Path,
		"api.addr":                  defaults.API.Addr,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyServerAddr indicates the protocol listen address is empty.
	ErrEmptyServerAddr = errors.New("server.addr must not be empty")

	// ErrEmptyControllerName indicates the controller name is empty.
	ErrEmptyControllerName = errors.New("controller.name must not be empty")

	// ErrInvalidNOKProbability indicates a probability outside [0, 1].
	ErrInvalidNOKProbability = errors.New("simulator.nok_probability must be in [0, 1]")

	// ErrInvalidAutoInterval indicates a non-positive emission interval.
	ErrInvalidAutoInterval = errors.New("simulator.auto_interval must be > 0")

	// ErrInvalidSpindles indicates a spindle count below 1.
	ErrInvalidSpindles = errors.New("simulator.spindles must be >= 1")

	// ErrInvalidBatchSize indicates a negative global batch size.
	ErrInvalidBatchSize = errors.New("simulator.batch_size must be >= 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return ErrEmptyServerAddr
	}

	if strings.TrimSpace(cfg.Controller.Name) == "" {
		return ErrEmptyControllerName
	}

	if cfg.Simulator.NOKProbability < 0 || cfg.Simulator.NOKProbability > 1 {
		return ErrInvalidNOKProbability
	}

	if cfg.Simulator.AutoInterval <= 0 {
		return ErrInvalidAutoInterval
	}

	if cfg.Simulator.Spindles < 1 {
		return ErrInvalidSpindles
	}

	if cfg.Simulator.BatchSize < 0 {
		return ErrInvalidBatchSize
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
