package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	General  GeneralConfig  `toml:"general"`
	API      APIConfig      `toml:"api"`
	Store    StoreConfig    `toml:"store"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Stages   StagesConfig   `toml:"stages"`
	Sweep    SweepConfig    `toml:"sweep"`
	Progress ProgressConfig `toml:"progress"`
	Logging  LoggingConfig  `toml:"logging"`
}

type GeneralConfig struct {
	DataDir    string `toml:"data_dir"`
	InstanceID string `toml:"instance_id"`
}

type APIConfig struct {
	ListenAddr      string        `toml:"listen_addr"`
	TLSCert         string        `toml:"tls_cert"`
	TLSKey          string        `toml:"tls_key"`
	APIKey          string        `toml:"api_key"`
	RateLimitPerMin int           `toml:"rate_limit_per_min"`
	RequestTimeout  string        `toml:"request_timeout"`
	MaxBodyBytes    int64         `toml:"max_body_bytes"`
	RequestTimeoutD time.Duration `toml:"-"`
}

type StoreConfig struct {
	Backend          string        `toml:"backend"`
	SQLitePath       string        `toml:"sqlite_path"`
	DynamoDBTable    string        `toml:"dynamodb_table"`
	DynamoDBRegion   string        `toml:"dynamodb_region"`
	DynamoDBEndpoint string        `toml:"dynamodb_endpoint"`
	RetryMax         int           `toml:"retry_max"`
	RetryInitial     string        `toml:"retry_initial"`
	RetryMaxDelay    string        `toml:"retry_max_delay"`
	// CacheTTL keeps finished runs in memory for reads; "0s" disables it.
	CacheTTL         string        `toml:"cache_ttl"`
	CacheSize        int           `toml:"cache_size"`
	RetryInitialD    time.Duration `toml:"-"`
	RetryMaxDelayD   time.Duration `toml:"-"`
	CacheTTLD        time.Duration `toml:"-"`
}

type PipelineConfig struct {
	// DefinitionFile is a YAML or JSON registry; empty selects Predefined.
	DefinitionFile string        `toml:"definition_file"`
	Predefined     string        `toml:"predefined"`
	RetryBaseDelay string        `toml:"retry_base_delay"`
	RetryMaxDelay  string        `toml:"retry_max_delay"`
	MaxConcurrent  int           `toml:"max_concurrent"`
	RetryBaseD     time.Duration `toml:"-"`
	RetryMaxD      time.Duration `toml:"-"`
}

type StagesConfig struct {
	// EndpointTemplate is expanded per stage, replacing "{stage}".
	EndpointTemplate string            `toml:"endpoint_template"`
	Endpoints        map[string]string `toml:"endpoints"`
	AuthToken        string            `toml:"auth_token"`
}

type SweepConfig struct {
	Enabled     bool          `toml:"enabled"`
	Interval    string        `toml:"interval"`
	Grace       string        `toml:"grace"`
	Concurrency int           `toml:"concurrency"`
	Batch       int           `toml:"batch"`
	IntervalD   time.Duration `toml:"-"`
	GraceD      time.Duration `toml:"-"`
}

type ProgressConfig struct {
	Persist      bool          `toml:"persist"`
	BufferSize   int           `toml:"buffer_size"`
	Workers      int           `toml:"workers"`
	FlushPeriod  string        `toml:"flush_period"`
	FlushPeriodD time.Duration `toml:"-"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".stagepipe")

	return &Config{
		General: GeneralConfig{
			DataDir: dataDir,
		},
		API: APIConfig{
			ListenAddr:      "127.0.0.1:9190",
			RateLimitPerMin: 600,
			RequestTimeout:  "30s",
			MaxBodyBytes:    4 << 20,
		},
		Store: StoreConfig{
			Backend:       BackendSQLite,
			SQLitePath:    filepath.Join(dataDir, "stagepipe.db"),
			RetryMax:      5,
			RetryInitial:  "50ms",
			RetryMaxDelay: "2s",
			CacheTTL:      "30s",
			CacheSize:     1024,
		},
		Pipeline: PipelineConfig{
			Predefined:     "ui-component",
			RetryBaseDelay: "1s",
			RetryMaxDelay:  "30s",
			MaxConcurrent:  16,
		},
		Stages: StagesConfig{
			EndpointTemplate: "http://127.0.0.1:9191/stages/{stage}",
		},
		Sweep: SweepConfig{
			Enabled:     true,
			Interval:    "15s",
			Grace:       "5s",
			Concurrency: 8,
			Batch:       500,
		},
		Progress: ProgressConfig{
			Persist:     true,
			BufferSize:  1000,
			Workers:     4,
			FlushPeriod: "1s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	return cfg, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func (c *Config) postProcess() error {
	durations := []struct {
		field string
		value string
		out   *time.Duration
	}{
		{"api.request_timeout", c.API.RequestTimeout, &c.API.RequestTimeoutD},
		{"store.retry_initial", c.Store.RetryInitial, &c.Store.RetryInitialD},
		{"store.retry_max_delay", c.Store.RetryMaxDelay, &c.Store.RetryMaxDelayD},
		{"store.cache_ttl", c.Store.CacheTTL, &c.Store.CacheTTLD},
		{"pipeline.retry_base_delay", c.Pipeline.RetryBaseDelay, &c.Pipeline.RetryBaseD},
		{"pipeline.retry_max_delay", c.Pipeline.RetryMaxDelay, &c.Pipeline.RetryMaxD},
		{"sweep.interval", c.Sweep.Interval, &c.Sweep.IntervalD},
		{"sweep.grace", c.Sweep.Grace, &c.Sweep.GraceD},
		{"progress.flush_period", c.Progress.FlushPeriod, &c.Progress.FlushPeriodD},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.value)
		if err != nil {
			return err
		}
		*d.out = v
	}

	var err error
	paths := []struct {
		field string
		p     *string
	}{
		{"general.data_dir", &c.General.DataDir},
		{"store.sqlite_path", &c.Store.SQLitePath},
		{"pipeline.definition_file", &c.Pipeline.DefinitionFile},
		{"logging.file", &c.Logging.File},
	}
	for _, p := range paths {
		if *p.p, err = expandPath(*p.p); err != nil {
			return fmt.Errorf("expand %s: %w", p.field, err)
		}
	}

	return nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case BackendDynamoDB:
		if c.Store.DynamoDBTable == "" {
			return fmt.Errorf("store.dynamodb_table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (valid: memory, sqlite, dynamodb)", c.Store.Backend)
	}

	if c.Store.RetryMax < 0 {
		return fmt.Errorf("store.retry_max cannot be negative, got %d", c.Store.RetryMax)
	}
	if c.Store.CacheTTLD < 0 || c.Store.CacheSize < 0 {
		return fmt.Errorf("store.cache_ttl and store.cache_size cannot be negative")
	}

	if c.Pipeline.RetryBaseD <= 0 {
		return fmt.Errorf("pipeline.retry_base_delay must be positive")
	}
	if c.Pipeline.RetryMaxD < c.Pipeline.RetryBaseD {
		return fmt.Errorf("pipeline.retry_max_delay (%s) is shorter than retry_base_delay (%s)",
			c.Pipeline.RetryMaxD, c.Pipeline.RetryBaseD)
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("pipeline.max_concurrent must be at least 1, got %d", c.Pipeline.MaxConcurrent)
	}
	if c.Pipeline.DefinitionFile == "" && c.Pipeline.Predefined == "" {
		return fmt.Errorf("either pipeline.definition_file or pipeline.predefined is required")
	}

	if c.Stages.EndpointTemplate == "" && len(c.Stages.Endpoints) == 0 {
		return fmt.Errorf("stages.endpoint_template or stages.endpoints is required")
	}

	if c.Sweep.Enabled && c.Sweep.IntervalD <= 0 {
		return fmt.Errorf("sweep.interval must be positive when the sweep is enabled")
	}
	if c.Sweep.GraceD < 0 {
		return fmt.Errorf("sweep.grace cannot be negative")
	}
	if c.Sweep.Concurrency < 1 {
		return fmt.Errorf("sweep.concurrency must be at least 1, got %d", c.Sweep.Concurrency)
	}

	if c.API.RateLimitPerMin < 0 {
		return fmt.Errorf("rate_limit_per_min cannot be negative, got %d", c.API.RateLimitPerMin)
	}
	if (c.API.TLSCert == "") != (c.API.TLSKey == "") {
		return fmt.Errorf("api.tls_cert and api.tls_key must be set together")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STAGEPIPE_DATA_DIR"); v != "" {
		cfg.General.DataDir = v
	}
	if v := os.Getenv("STAGEPIPE_INSTANCE_ID"); v != "" {
		cfg.General.InstanceID = v
	}
	if v := os.Getenv("STAGEPIPE_API_LISTEN"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("STAGEPIPE_API_TLS_CERT"); v != "" {
		cfg.API.TLSCert = v
	}
	if v := os.Getenv("STAGEPIPE_API_TLS_KEY"); v != "" {
		cfg.API.TLSKey = v
	}
	if v := os.Getenv("STAGEPIPE_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("STAGEPIPE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("STAGEPIPE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("STAGEPIPE_DYNAMODB_TABLE"); v != "" {
		cfg.Store.DynamoDBTable = v
	}
	if v := os.Getenv("STAGEPIPE_DYNAMODB_ENDPOINT"); v != "" {
		cfg.Store.DynamoDBEndpoint = v
	}
	// AWS_REGION is what the SDK reads too; ours wins when both are set.
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Store.DynamoDBRegion == "" {
		cfg.Store.DynamoDBRegion = v
	}
	if v := os.Getenv("STAGEPIPE_DYNAMODB_REGION"); v != "" {
		cfg.Store.DynamoDBRegion = v
	}
	if v := os.Getenv("STAGEPIPE_PIPELINE_FILE"); v != "" {
		cfg.Pipeline.DefinitionFile = v
	}
	if v := os.Getenv("STAGEPIPE_STAGE_ENDPOINT"); v != "" {
		cfg.Stages.EndpointTemplate = v
	}
	if v := os.Getenv("STAGEPIPE_STAGE_TOKEN"); v != "" {
		cfg.Stages.AuthToken = v
	}
	if v := os.Getenv("STAGEPIPE_SWEEP_ENABLED"); v != "" {
		cfg.Sweep.Enabled = parseBool(v)
	}
	if v := os.Getenv("STAGEPIPE_PROGRESS_PERSIST"); v != "" {
		cfg.Progress.Persist = parseBool(v)
	}
	if v := os.Getenv("STAGEPIPE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxConcurrent = n
		}
	}
	if v := os.Getenv("STAGEPIPE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STAGEPIPE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
