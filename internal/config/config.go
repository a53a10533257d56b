// Package config loads server configuration from flags, environment
// variables, a .env file and an optional YAML file.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Logger    LoggerConfig    `yaml:"logger"`
	Data      DataConfig      `yaml:"data"`
	Server    ServerConfig    `yaml:"server"`
	Coverage  CoverageConfig  `yaml:"coverage"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string `yaml:"environment"`
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or pretty; empty picks by environment
}

// DataConfig holds local storage configuration.
type DataConfig struct {
	BasePath string `yaml:"base_path"`
}

// IndexPath is the Badger directory holding verse records and snapshots.
func (d DataConfig) IndexPath() string {
	return filepath.Join(d.BasePath, "index")
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"` // 0 disables; event streams stay open
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// CoverageConfig tunes index maintenance and aggregation.
type CoverageConfig struct {
	RefreshMode        string        `yaml:"refresh_mode"` // eager or lazy
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	RebuildParallelism int           `yaml:"rebuild_parallelism"`
	ReconcileAttempts  int           `yaml:"reconcile_attempts"`
	MaxFilterValues    int           `yaml:"max_filter_values"`
}

// CatalogConfig locates the Song Catalog inputs. Both are optional: without
// SQLitePath rebuilds are unavailable, without SpoolPath no directory is
// watched.
type CatalogConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	SpoolPath  string `yaml:"spool_path"`
}

// RateLimitConfig limits coverage queries per client. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Defaults returns the configuration used when no source sets a value.
func Defaults() *Config {
	return &Config{
		App:    AppConfig{Environment: "development"},
		Logger: LoggerConfig{Level: "info"},
		Server: ServerConfig{
			Port:        "8080",
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		Coverage: CoverageConfig{
			RefreshMode:        "eager",
			RefreshInterval:    30 * time.Second,
			RebuildParallelism: 4,
			ReconcileAttempts:  8,
			MaxFilterValues:    16,
		},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
	}
}

// LoadConfig loads configuration from the process arguments.
func LoadConfig() (*Config, error) {
	return Load(os.Args[1:])
}

// Load builds the configuration with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. YAML file given by -config or COVERAGE_CONFIG.
// 5. Default values (lowest priority).
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("coverage-server", flag.ContinueOnError)

	configFile := fs.String("config", "", "Path to YAML config file")
	envFile := fs.String("env-file", ".env", "Path to .env file")
	env := fs.String("env", "", "Environment (development, staging, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (json, pretty)")
	dataPath := fs.String("data-path", "", "Base path for index storage")
	serverPort := fs.String("port", "", "Server port (default: 8080)")
	readTimeout := fs.String("read-timeout", "", "HTTP read timeout (default: 15s)")
	writeTimeout := fs.String("write-timeout", "", "HTTP write timeout (default: none)")
	idleTimeout := fs.String("idle-timeout", "", "HTTP idle timeout (default: 60s)")
	allowedOrigins := fs.String("allowed-origins", "", "Comma-separated CORS origins")
	refreshMode := fs.String("refresh-mode", "", "Aggregate refresh mode (eager, lazy)")
	refreshInterval := fs.String("refresh-interval", "", "Lazy refresh interval (default: 30s)")
	rebuildParallelism := fs.String("rebuild-parallelism", "", "Books rebuilt concurrently (default: 4)")
	reconcileAttempts := fs.String("reconcile-attempts", "", "Retries before a rolled back event is dropped (default: 8)")
	maxFilterValues := fs.String("max-filter-values", "", "Maximum values per multi-value filter (default: 16)")
	catalogPath := fs.String("catalog-path", "", "Path to the Song Catalog SQLite export")
	spoolPath := fs.String("spool-path", "", "Directory watched for event files")
	rateRPS := fs.String("rate-limit-rps", "", "Coverage queries per second per client (0 disables)")
	rateBurst := fs.String("rate-limit-burst", "", "Coverage query burst per client")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Defaults()

	if path := getConfigValue(*configFile, "COVERAGE_CONFIG", ""); path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env files are fine.
	if err := loadEnvFile(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg.App.Environment = getConfigValue(*env, "ENV", cfg.App.Environment)
	cfg.Logger.Level = getConfigValue(*logLevel, "LOG_LEVEL", cfg.Logger.Level)
	cfg.Logger.Format = getConfigValue(*logFormat, "LOG_FORMAT", cfg.Logger.Format)
	cfg.Data.BasePath = getConfigValue(*dataPath, "COVERAGE_DATA_PATH", cfg.Data.BasePath)
	cfg.Server.Port = getConfigValue(*serverPort, "SERVER_PORT", cfg.Server.Port)
	cfg.Server.AllowedOrigins = getListConfigValue(*allowedOrigins, "CORS_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
	cfg.Coverage.RefreshMode = strings.ToLower(getConfigValue(*refreshMode, "COVERAGE_REFRESH_MODE", cfg.Coverage.RefreshMode))
	cfg.Catalog.SQLitePath = getConfigValue(*catalogPath, "COVERAGE_CATALOG_PATH", cfg.Catalog.SQLitePath)
	cfg.Catalog.SpoolPath = getConfigValue(*spoolPath, "COVERAGE_SPOOL_PATH", cfg.Catalog.SpoolPath)

	var errs []error
	setDuration := func(dst *time.Duration, flagValue, envKey string) {
		v, err := getDurationConfigValue(flagValue, envKey, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	setInt := func(dst *int, flagValue, envKey string) {
		v, err := getIntConfigValue(flagValue, envKey, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}

	setDuration(&cfg.Server.ReadTimeout, *readTimeout, "SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, *writeTimeout, "SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.IdleTimeout, *idleTimeout, "SERVER_IDLE_TIMEOUT")
	setDuration(&cfg.Coverage.RefreshInterval, *refreshInterval, "COVERAGE_REFRESH_INTERVAL")
	setInt(&cfg.Coverage.RebuildParallelism, *rebuildParallelism, "COVERAGE_REBUILD_PARALLELISM")
	setInt(&cfg.Coverage.ReconcileAttempts, *reconcileAttempts, "COVERAGE_RECONCILE_ATTEMPTS")
	setInt(&cfg.Coverage.MaxFilterValues, *maxFilterValues, "COVERAGE_MAX_FILTER_VALUES")
	setInt(&cfg.RateLimit.Burst, *rateBurst, "RATE_LIMIT_BURST")

	if raw := getConfigValue(*rateRPS, "RATE_LIMIT_RPS", ""); raw != "" {
		rps, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid rate limit rps %q: %w", raw, err))
		} else {
			cfg.RateLimit.RPS = rps
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	switch c.App.Environment {
	case "development", "staging", "production":
	case "":
		return errors.New("ENV is required")
	default:
		return fmt.Errorf("invalid environment: %s (must be development, staging, or production)", c.App.Environment)
	}

	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	switch c.Logger.Format {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or pretty)", c.Logger.Format)
	}

	if c.Data.BasePath == "" {
		return errors.New("data base path cannot be empty after expansion")
	}
	if c.Server.Port == "" {
		return errors.New("server port cannot be empty")
	}

	switch c.Coverage.RefreshMode {
	case "eager", "lazy":
	default:
		return fmt.Errorf("invalid refresh mode: %s (must be eager or lazy)", c.Coverage.RefreshMode)
	}
	if c.Coverage.RefreshMode == "lazy" && c.Coverage.RefreshInterval <= 0 {
		return errors.New("refresh interval must be positive in lazy mode")
	}
	if c.Coverage.RebuildParallelism < 1 {
		return fmt.Errorf("rebuild parallelism must be at least 1, got %d", c.Coverage.RebuildParallelism)
	}
	if c.Coverage.ReconcileAttempts < 1 {
		return fmt.Errorf("reconcile attempts must be at least 1, got %d", c.Coverage.ReconcileAttempts)
	}
	if c.Coverage.MaxFilterValues < 1 {
		return fmt.Errorf("max filter values must be at least 1, got %d", c.Coverage.MaxFilterValues)
	}

	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate limit rps cannot be negative, got %v", c.RateLimit.RPS)
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate limit burst must be at least 1, got %d", c.RateLimit.Burst)
	}

	return nil
}

// expandPaths resolves ~ and relative paths. The data path defaults to
// ~/.versesung/coverage.
func (c *Config) expandPaths() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	if c.Data.BasePath, err = expandPath(c.Data.BasePath, filepath.Join(homeDir, ".versesung", "coverage")); err != nil {
		return fmt.Errorf("invalid data path: %w", err)
	}
	if c.Catalog.SQLitePath, err = expandPath(c.Catalog.SQLitePath, ""); err != nil {
		return fmt.Errorf("invalid catalog path: %w", err)
	}
	if c.Catalog.SpoolPath, err = expandPath(c.Catalog.SpoolPath, ""); err != nil {
		return fmt.Errorf("invalid spool path: %w", err)
	}
	return nil
}

// expandPath expands ~ and makes the path absolute.
// If path is empty, defaultPath is returned unchanged.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// loadYAMLFile overlays the values present in path onto cfg.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}
	return defaultValue
}

// getListConfigValue splits a comma-separated flag or env value.
func getListConfigValue(flagValue, envKey string, defaultValue []string) []string {
	raw := getConfigValue(flagValue, envKey, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getIntConfigValue(flagValue, envKey string, defaultValue int) (int, error) {
	raw := getConfigValue(flagValue, envKey, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, raw, err)
	}
	return v, nil
}

func getDurationConfigValue(flagValue, envKey string, defaultValue time.Duration) (time.Duration, error) {
	raw := getConfigValue(flagValue, envKey, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, raw, err)
	}
	return v, nil
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		// Real environment variables win over the file.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
