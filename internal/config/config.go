// Package config defines the capture and collector configuration, its
// defaults, file/environment loading, and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Transport types accepted by CollectorConfig.TransportType.
const (
	TransportMemory = "memory"
	TransportFile   = "file"
	TransportHTTP   = "http"
	TransportSQLite = "sqlite"
)

// Duration wraps time.Duration so YAML config can say "5s" or "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CaptureConfig is consumed by the interceptor.
type CaptureConfig struct {
	ServiceName    string   `yaml:"service_name"`
	IgnorePatterns []string `yaml:"ignore_patterns"`
	CaptureHeaders bool     `yaml:"capture_headers"`
	CaptureBody    bool     `yaml:"capture_body"`
	MaxBodySize    int      `yaml:"max_body_size"`
}

// CollectorConfig is consumed by the queue, batcher, and transport.
type CollectorConfig struct {
	TransportType string   `yaml:"transport_type"`
	BatchSize     int      `yaml:"batch_size"`
	BatchInterval Duration `yaml:"batch_interval"`
	MaxQueueSize  int      `yaml:"max_queue_size"`
	MaxRetries    int      `yaml:"max_retries"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
	StopTimeout   Duration `yaml:"stop_timeout"`
	DBPath        string   `yaml:"db_path"`
	RetentionDays int      `yaml:"retention_days"`
	Compression   bool     `yaml:"compression"`
	FilePath      string   `yaml:"file_path"` // file transport output
	Endpoint      string   `yaml:"endpoint"`  // http transport target
}

// ServerConfig is consumed by the collector daemon.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Config is the full configuration tree.
type Config struct {
	Capture   CaptureConfig   `yaml:"capture"`
	Collector CollectorConfig `yaml:"collector"`
	Server    ServerConfig    `yaml:"server"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// Defaults returns the configuration used when no file or environment
// overrides are present.
func Defaults() Config {
	return Config{
		Capture: CaptureConfig{
			IgnorePatterns: []string{"/health", "/ping", "/metrics", "/favicon.ico"},
			MaxBodySize:    4096,
		},
		Collector: CollectorConfig{
			TransportType: TransportSQLite,
			BatchSize:     100,
			BatchInterval: Duration(5 * time.Second),
			MaxQueueSize:  10000,
			MaxRetries:    5,
			RetryBackoff:  Duration(100 * time.Millisecond),
			StopTimeout:   Duration(10 * time.Second),
			DBPath:        "apiscope.db",
			RetentionDays: 30,
		},
		Server: ServerConfig{
			ListenAddr:  ":7878",
			MetricsAddr: ":9091",
		},
		LogLevel:  "info",
		LogFormat: "auto",
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file if present, and APISCOPE_* environment variables, then validates it.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// Pick up a .env in the working directory when one exists.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment overrides from .env")
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APISCOPE_SERVICE_NAME"); v != "" {
		cfg.Capture.ServiceName = v
	}
	if v := os.Getenv("APISCOPE_IGNORE_PATTERNS"); v != "" {
		cfg.Capture.IgnorePatterns = splitAndTrim(v)
	}
	if v, ok := envBool("APISCOPE_CAPTURE_HEADERS"); ok {
		cfg.Capture.CaptureHeaders = v
	}
	if v, ok := envBool("APISCOPE_CAPTURE_BODY"); ok {
		cfg.Capture.CaptureBody = v
	}
	if v, ok := envInt("APISCOPE_MAX_BODY_SIZE"); ok {
		cfg.Capture.MaxBodySize = v
	}
	if v := os.Getenv("APISCOPE_TRANSPORT"); v != "" {
		cfg.Collector.TransportType = v
	}
	if v, ok := envInt("APISCOPE_BATCH_SIZE"); ok {
		cfg.Collector.BatchSize = v
	}
	if v, ok := envDuration("APISCOPE_BATCH_INTERVAL"); ok {
		cfg.Collector.BatchInterval = v
	}
	if v, ok := envInt("APISCOPE_MAX_QUEUE_SIZE"); ok {
		cfg.Collector.MaxQueueSize = v
	}
	if v := os.Getenv("APISCOPE_DB_PATH"); v != "" {
		cfg.Collector.DBPath = v
	}
	if v, ok := envInt("APISCOPE_RETENTION_DAYS"); ok {
		cfg.Collector.RetentionDays = v
	}
	if v, ok := envBool("APISCOPE_COMPRESSION"); ok {
		cfg.Collector.Compression = v
	}
	if v := os.Getenv("APISCOPE_ENDPOINT"); v != "" {
		cfg.Collector.Endpoint = v
	}
	if v := os.Getenv("APISCOPE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("APISCOPE_METRICS_ADDR"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := os.Getenv("APISCOPE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("APISCOPE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

// Validate rejects configurations the pipeline cannot run with. Invalid values
// fail fast at load time instead of surfacing mid-capture.
func (c Config) Validate() error {
	switch c.Collector.TransportType {
	case TransportMemory, TransportFile, TransportHTTP, TransportSQLite:
	default:
		return fmt.Errorf("invalid transport_type %q (want memory, file, http, or sqlite)", c.Collector.TransportType)
	}
	if c.Collector.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.Collector.BatchSize)
	}
	if c.Collector.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval must be positive, got %s", c.Collector.BatchInterval.Std())
	}
	if c.Collector.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.Collector.MaxQueueSize)
	}
	if c.Collector.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Collector.MaxRetries)
	}
	if c.Collector.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative, got %d", c.Collector.RetentionDays)
	}
	if c.Capture.MaxBodySize < 0 {
		return fmt.Errorf("max_body_size must not be negative, got %d", c.Capture.MaxBodySize)
	}
	if c.Collector.TransportType == TransportSQLite && c.Collector.DBPath == "" {
		return fmt.Errorf("db_path is required for the sqlite transport")
	}
	if c.Collector.TransportType == TransportFile && c.Collector.FilePath == "" {
		return fmt.Errorf("file_path is required for the file transport")
	}
	if c.Collector.TransportType == TransportHTTP && c.Collector.Endpoint == "" {
		return fmt.Errorf("endpoint is required for the http transport")
	}
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("Ignoring invalid boolean environment override")
		return false, false
	}
	return parsed, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("Ignoring invalid integer environment override")
		return 0, false
	}
	return parsed, true
}

func envDuration(key string) (Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("Ignoring invalid duration environment override")
		return 0, false
	}
	return Duration(parsed), true
}
