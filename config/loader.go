// Package config loads the Service Configuration: defaults, then an
// optional YAML provider-pools/service file, then environment variables,
// then CLI flags — the precedence spec.md §6 requires, with the Redis
// fields alone getting environment override priority over everything else.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiclient/goproxy/account"
)

// Config is the full Service Configuration (spec.md §3).
type Config struct {
	APIKey  string `yaml:"apiKey" env:"API_KEY"`
	Host    string `yaml:"host" env:"HOST"`
	Port    int    `yaml:"port" env:"PORT"`

	ProxyURL              string                  `yaml:"proxyUrl" env:"-"`
	ProxyEnabledProviders []account.ProviderType  `yaml:"proxyEnabledProviders" env:"-"`

	SystemPromptFile string `yaml:"systemPromptFile" env:"-"`
	SystemPromptMode string `yaml:"systemPromptMode" env:"-"` // "override" | "append"

	DefaultProviders []account.ProviderType `yaml:"defaultProviders" env:"-"`
	ModelProvider    account.ProviderType   `yaml:"modelProvider" env:"-"`

	MaxErrorCount int `yaml:"maxErrorCount" env:"-"`

	Retry   RetryConfig   `yaml:"retry" env:"-"`
	Warmup  WarmupConfig  `yaml:"warmup" env:"-"`
	Refresh RefreshConfig `yaml:"refresh" env:"-"`
	Batch   BatchConfig   `yaml:"batch" env:"-"`

	ProviderPoolsFile string `yaml:"providerPoolsFile" env:"-"`

	Fallback account.FallbackConfiguration `yaml:"fallback" env:"-"`

	HTTPClient HTTPClientConfig `yaml:"httpClient" env:"HTTP"`

	Kiro KiroConfig `yaml:"kiro" env:"KIRO"`

	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	Log LogConfig `yaml:"log" env:"LOG"`

	// LogPrompts controls where request/response bodies are logged:
	// "console" or "file".
	LogPrompts       string `yaml:"logPrompts" env:"-"`
	PromptLogBaseName string `yaml:"promptLogBaseName" env:"-"`

	CronNearMinutes  int  `yaml:"cronNearMinutes" env:"-"`
	CronRefreshToken bool `yaml:"cronRefreshToken" env:"-"`

	GracefulTimeout time.Duration `yaml:"gracefulTimeout" env:"-"`
}

// RetryConfig bounds request retry behaviour shared by C6/C7.
type RetryConfig struct {
	MaxRetries int           `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
}

// WarmupConfig bounds the periodic warmup task (C9).
type WarmupConfig struct {
	Target   int           `yaml:"target"`
	Interval time.Duration `yaml:"interval"`
}

// RefreshConfig bounds the token-refresh pipeline's two stages (C3 §4.3).
type RefreshConfig struct {
	BufferDelay       time.Duration `yaml:"bufferDelay"`
	BypassHealthFloor int           `yaml:"bypassHealthFloor"`
	PerProviderLimit  int           `yaml:"perProviderLimit"`
	GlobalLimit       int           `yaml:"globalLimit"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	// MaxRefreshCount caps how many times a single account may exhaust
	// MaxAttempts before it is moved to UnhealthyImmediate for good (spec
	// §4.3: "Maximum refresh count reached").
	MaxRefreshCount  int           `yaml:"maxRefreshCount"`
	NearExpiryWindow time.Duration `yaml:"nearExpiryWindow"`
}

// BatchConfig bounds the usage-batch auto-adjusting flush interval (C3 §4.3 step 8).
type BatchConfig struct {
	MinInterval      time.Duration `yaml:"minInterval"`
	MaxInterval      time.Duration `yaml:"maxInterval"`
	GrowQueueLen     int           `yaml:"growQueueLen"`
	ShrinkQueueLen   int           `yaml:"shrinkQueueLen"`
}

// HTTPClientConfig bounds outbound HTTP connection pooling (spec §4.7, §5).
type HTTPClientConfig struct {
	MaxConns            int           `yaml:"maxConns" env:"MAX_CONNS"`
	MaxIdleConnsPerHost int           `yaml:"maxIdleConnsPerHost" env:"MAX_IDLE_CONNS_PER_HOST"`
	IdleConnTimeout     time.Duration `yaml:"idleConnTimeout" env:"IDLE_CONN_TIMEOUT"`
}

// KiroConfig bounds the Kiro streaming handler (C7).
type KiroConfig struct {
	APITimeout      time.Duration `yaml:"apiTimeout" env:"API_TIMEOUT"`
	HealthCooldown  time.Duration `yaml:"healthCooldown" env:"HEALTH_COOLDOWN"`
	AccountCacheTTL time.Duration `yaml:"accountCacheTtl" env:"ACCOUNT_CACHE_TTL"`
	MaxRetries      int           `yaml:"maxRetries" env:"MAX_RETRIES"`
	DebugDump       bool          `yaml:"debugDump" env:"DEBUG_DUMP"`
	ErrorDump       bool          `yaml:"errorDump" env:"ERROR_DUMP"`
	DebugDir        string        `yaml:"debugDir" env:"DEBUG_DIR"`
}

// RedisConfig is the only section spec.md grants environment override
// priority over config-file values (spec.md §6).
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	URL       string `yaml:"url" env:"URL"`
	Host      string `yaml:"host" env:"HOST"`
	Port      int    `yaml:"port" env:"PORT"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"keyPrefix" env:"KEY_PREFIX"`
}

// LogConfig governs the zap logger construction (§10 ambient stack).
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// DefaultConfig returns the baseline Service Configuration before any file,
// environment, or CLI overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          3000,
		MaxErrorCount: 5,
		Retry: RetryConfig{
			MaxRetries: 3,
			RetryDelay: 500 * time.Millisecond,
		},
		Warmup: WarmupConfig{
			Target:   3,
			Interval: 30 * time.Minute,
		},
		Refresh: RefreshConfig{
			BufferDelay:       5 * time.Second,
			BypassHealthFloor: 5,
			PerProviderLimit:  1,
			GlobalLimit:       1,
			MaxAttempts:       3,
			MaxRefreshCount:   5,
			NearExpiryWindow:  15 * time.Minute,
		},
		Batch: BatchConfig{
			MinInterval:    10 * time.Millisecond,
			MaxInterval:    100 * time.Millisecond,
			GrowQueueLen:   50,
			ShrinkQueueLen: 10,
		},
		HTTPClient: HTTPClientConfig{
			MaxConns:            1024,
			MaxIdleConnsPerHost: 128,
			IdleConnTimeout:     90 * time.Second,
		},
		Kiro: KiroConfig{
			APITimeout:      300 * time.Second,
			HealthCooldown:  6 * time.Second,
			AccountCacheTTL: 30 * time.Second,
			MaxRetries:      3,
			DebugDir:        "debug",
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			KeyPrefix: "aiclient",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		LogPrompts:        "console",
		PromptLogBaseName: "prompts",
		CronNearMinutes:   15,
		CronRefreshToken:  true,
		GracefulTimeout:   15 * time.Second,
	}
}

// Loader loads a Config following defaults -> YAML file -> environment ->
// CLI-flag overrides (the last applied by the caller via CLIOverrides).
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader with the GO_KIRO environment prefix
// spec.md §6 names.
func NewLoader() *Loader {
	return &Loader{envPrefix: "GO_KIRO"}
}

// WithConfigPath sets the YAML provider-pools/service file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load applies defaults, then the YAML file (if any), then environment
// variables — the Redis section's env vars use the REDIS_ prefix per
// spec.md §6 rather than GO_KIRO_REDIS_, so it is merged separately.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}
	if err := l.setFieldsFromEnv(reflect.ValueOf(&cfg.Redis).Elem(), "REDIS"); err != nil {
		return nil, fmt.Errorf("load redis env: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "-" {
			continue
		}
		envKey := prefix
		if envTag != "" {
			envKey = prefix + "_" + envTag
		}

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// CLIOverrides mirrors the flag set of spec.md §6; zero values leave the
// loaded config untouched. CLI overrides everything except the Redis
// section, which environment variables always win for.
type CLIOverrides struct {
	APIKey            string
	Port              int
	Host              string
	ModelProvider     string
	SystemPromptFile  string
	SystemPromptMode  string
	LogPrompts        string
	PromptLogBaseName string
	CronNearMinutes   int
	CronRefreshToken  *bool
	ProviderPoolsFile string
	MaxErrorCount     int
}

// Apply merges non-zero CLI overrides into cfg.
func (o CLIOverrides) Apply(cfg *Config) {
	if o.APIKey != "" {
		cfg.APIKey = o.APIKey
	}
	if o.Port != 0 {
		cfg.Port = o.Port
	}
	if o.Host != "" {
		cfg.Host = o.Host
	}
	if o.ModelProvider != "" {
		cfg.ModelProvider = account.ProviderType(o.ModelProvider)
	}
	if o.SystemPromptFile != "" {
		cfg.SystemPromptFile = o.SystemPromptFile
	}
	if o.SystemPromptMode != "" {
		cfg.SystemPromptMode = o.SystemPromptMode
	}
	if o.LogPrompts != "" {
		cfg.LogPrompts = o.LogPrompts
	}
	if o.PromptLogBaseName != "" {
		cfg.PromptLogBaseName = o.PromptLogBaseName
	}
	if o.CronNearMinutes != 0 {
		cfg.CronNearMinutes = o.CronNearMinutes
	}
	if o.CronRefreshToken != nil {
		cfg.CronRefreshToken = *o.CronRefreshToken
	}
	if o.ProviderPoolsFile != "" {
		cfg.ProviderPoolsFile = o.ProviderPoolsFile
	}
	if o.MaxErrorCount != 0 {
		cfg.MaxErrorCount = o.MaxErrorCount
	}
}

// Validate checks the loaded config for invariant violations.
func (c *Config) Validate() error {
	var errs []string
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, "invalid port")
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.maxRetries must be >= 0")
	}
	if c.Batch.MinInterval <= 0 || c.Batch.MaxInterval < c.Batch.MinInterval {
		errs = append(errs, "batch interval bounds invalid")
	}
	for from, chain := range c.Fallback.ProviderFallbackChain {
		for _, to := range chain {
			if !to.Valid() {
				errs = append(errs, fmt.Sprintf("fallback chain for %s references unknown provider type %s", from, to))
				continue
			}
			if to.Family() != from.Family() {
				errs = append(errs, fmt.Sprintf("fallback chain for %s includes cross-family entry %s (validate only, not auto-populated)", from, to))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MustLoad loads a config from path, panicking on failure — used only at
// process bootstrap in cmd/.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
