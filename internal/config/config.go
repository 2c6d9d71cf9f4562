// Package config loads proctor configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opencode-ai/proctor/internal/models"
)

// Config is the root configuration for proctor.
type Config struct {
	// DBPath is the SQLite database location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// Log controls logging output.
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Providers lists the governed provider backends.
	Providers []ProviderConfig `mapstructure:"providers" yaml:"providers"`

	// Routing controls provider selection and invocation.
	Routing RoutingConfig `mapstructure:"routing" yaml:"routing"`

	// Admission controls cooldown, concurrency, and budget caps.
	Admission AdmissionConfig `mapstructure:"admission" yaml:"admission"`

	// Exam controls difficulty progression and scoring.
	Exam ExamConfig `mapstructure:"exam" yaml:"exam"`

	// Scheduler controls the periodic test cycle daemon.
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`

	// Redis, when Addr is set, switches the budget ledger to Redis.
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// LogConfig controls logging output.
type LogConfig struct {
	// Level is the minimum level to emit.
	Level string `mapstructure:"level" yaml:"level"`

	// File, when set, writes rotated JSON logs there.
	File string `mapstructure:"file" yaml:"file,omitempty"`

	// MaxSizeMB caps the log file size before rotation.
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb,omitempty"`

	// MaxBackups is how many rotated files to keep.
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups,omitempty"`
}

// ProviderConfig describes one provider backend.
type ProviderConfig struct {
	// Name is the provider identifier (anthropic, openai, google, custom).
	Name string `mapstructure:"name" yaml:"name"`

	// BaseURL is the chat completions endpoint base.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Model is the model identifier sent with invocations.
	Model string `mapstructure:"model" yaml:"model"`

	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string `mapstructure:"api_key_env" yaml:"api_key_env"`

	// MonthlyLimit is the token allowance per billing month.
	MonthlyLimit int64 `mapstructure:"monthly_limit" yaml:"monthly_limit"`

	// RequestsPerMinute paces invocations against this provider.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`

	// MaxOutputTokens bounds a single invocation's generation.
	MaxOutputTokens int `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
}

// RoutingConfig controls provider selection and invocation.
type RoutingConfig struct {
	// Primary is the first-choice provider name.
	Primary string `mapstructure:"primary" yaml:"primary"`

	// Secondary is the fallback provider name.
	Secondary string `mapstructure:"secondary" yaml:"secondary"`

	// FallbackThreshold is the usage fraction at which a provider is
	// considered exhausted for routing.
	FallbackThreshold float64 `mapstructure:"fallback_threshold" yaml:"fallback_threshold"`

	// InvokeTimeout bounds a single provider invocation.
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout" yaml:"invoke_timeout"`
}

// AdmissionConfig controls cooldown, concurrency, and budget caps.
type AdmissionConfig struct {
	// CooldownPeriod is the minimum gap between one agent's admissions.
	CooldownPeriod time.Duration `mapstructure:"cooldown_period" yaml:"cooldown_period"`

	// MaxConcurrent is the global cap on simultaneously held slots.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`

	// MaxHourlyFraction caps hourly usage as a fraction of the monthly limit.
	MaxHourlyFraction float64 `mapstructure:"max_hourly_fraction" yaml:"max_hourly_fraction"`

	// MaxDailyFraction caps daily usage as a fraction of the monthly limit.
	MaxDailyFraction float64 `mapstructure:"max_daily_fraction" yaml:"max_daily_fraction"`

	// MinDailyFraction is the average daily consumption below which the
	// catch-up window relaxes the daily cap.
	MinDailyFraction float64 `mapstructure:"min_daily_fraction" yaml:"min_daily_fraction"`

	// CatchUpEnabled toggles the end-of-period daily cap relaxation.
	CatchUpEnabled bool `mapstructure:"catch_up_enabled" yaml:"catch_up_enabled"`

	// CatchUpDays is how many trailing days of the billing month the
	// relaxation covers.
	CatchUpDays int `mapstructure:"catch_up_days" yaml:"catch_up_days"`
}

// ExamConfig controls difficulty progression and scoring.
type ExamConfig struct {
	// PromotionStreak is the success run required for a difficulty promotion.
	PromotionStreak int `mapstructure:"promotion_streak" yaml:"promotion_streak"`

	// LevelThreshold is the XP required per progression level.
	LevelThreshold int64 `mapstructure:"level_threshold" yaml:"level_threshold"`

	// HistoryLimit bounds attempt history listings.
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`

	// PromptsDir optionally overrides the builtin exam prompt templates.
	PromptsDir string `mapstructure:"prompts_dir" yaml:"prompts_dir,omitempty"`
}

// SchedulerConfig controls the periodic test cycle daemon.
type SchedulerConfig struct {
	// Interval is how often the scheduler considers agents for a cycle.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// HousekeepingInterval is how often resets and pruning run.
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval" yaml:"housekeeping_interval"`

	// MaxConcurrentCycles bounds simultaneously dispatched cycles.
	MaxConcurrentCycles int `mapstructure:"max_concurrent_cycles" yaml:"max_concurrent_cycles"`

	// RetentionMonths is how many billing months of usage rows to keep.
	RetentionMonths int `mapstructure:"retention_months" yaml:"retention_months"`
}

// RedisConfig selects the Redis ledger backend when Addr is set.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `mapstructure:"addr" yaml:"addr,omitempty"`

	// Password is the optional server password.
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// DB is the logical database number.
	DB int `mapstructure:"db" yaml:"db,omitempty"`

	// KeyPrefix namespaces the ledger keys.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DBPath: defaultDBPath(),
		Log: LogConfig{
			Level: "info",
		},
		Providers: []ProviderConfig{
			{
				Name:              string(models.ProviderAnthropic),
				BaseURL:           "https://api.anthropic.com/v1",
				Model:             "claude-sonnet-4-20250514",
				APIKeyEnv:         "ANTHROPIC_API_KEY",
				MonthlyLimit:      140_000_000,
				RequestsPerMinute: 42,
				MaxOutputTokens:   1024,
			},
			{
				Name:              string(models.ProviderOpenAI),
				BaseURL:           "https://api.openai.com/v1",
				Model:             "gpt-4o-mini",
				APIKeyEnv:         "OPENAI_API_KEY",
				MonthlyLimit:      9_000_000,
				RequestsPerMinute: 30,
				MaxOutputTokens:   1024,
			},
		},
		Routing: RoutingConfig{
			Primary:           string(models.ProviderAnthropic),
			Secondary:         string(models.ProviderOpenAI),
			FallbackThreshold: 0.95,
			InvokeTimeout:     45 * time.Second,
		},
		Admission: AdmissionConfig{
			CooldownPeriod:    300 * time.Second,
			MaxConcurrent:     2,
			MaxHourlyFraction: 0.005,
			MaxDailyFraction:  0.08,
			MinDailyFraction:  0.02,
			CatchUpEnabled:    true,
			CatchUpDays:       7,
		},
		Exam: ExamConfig{
			PromotionStreak: 3,
			LevelThreshold:  1000,
			HistoryLimit:    50,
		},
		Scheduler: SchedulerConfig{
			Interval:             60 * time.Second,
			HousekeepingInterval: time.Hour,
			MaxConcurrentCycles:  2,
			RetentionMonths:      2,
		},
		Redis: RedisConfig{
			KeyPrefix: "proctor",
		},
	}
}

// Load reads configuration from the given file (optional) and PROCTOR_*
// environment variables, layered over the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PROCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		for _, dir := range searchPaths() {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if _, err := models.ParseProvider(p.Name); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.MonthlyLimit <= 0 {
			return fmt.Errorf("providers[%d]: monthly_limit must be positive", i)
		}
	}

	if c.Provider(c.Routing.Primary) == nil {
		return fmt.Errorf("routing.primary %q is not a configured provider", c.Routing.Primary)
	}
	if c.Routing.Secondary != "" && c.Provider(c.Routing.Secondary) == nil {
		return fmt.Errorf("routing.secondary %q is not a configured provider", c.Routing.Secondary)
	}
	if c.Routing.FallbackThreshold <= 0 || c.Routing.FallbackThreshold > 1 {
		return fmt.Errorf("routing.fallback_threshold must be within (0, 1]")
	}
	if c.Routing.InvokeTimeout <= 0 {
		return fmt.Errorf("routing.invoke_timeout must be positive")
	}

	adm := c.Admission
	if adm.CooldownPeriod < 0 {
		return fmt.Errorf("admission.cooldown_period must be non-negative")
	}
	if adm.MaxConcurrent < 1 {
		return fmt.Errorf("admission.max_concurrent must be at least 1")
	}
	for name, fraction := range map[string]float64{
		"admission.max_hourly_fraction": adm.MaxHourlyFraction,
		"admission.max_daily_fraction":  adm.MaxDailyFraction,
		"admission.min_daily_fraction":  adm.MinDailyFraction,
	} {
		if fraction <= 0 || fraction > 1 {
			return fmt.Errorf("%s must be within (0, 1]", name)
		}
	}
	if adm.CatchUpDays < 0 {
		return fmt.Errorf("admission.catch_up_days must be non-negative")
	}

	if c.Exam.PromotionStreak < 1 {
		return fmt.Errorf("exam.promotion_streak must be at least 1")
	}
	if c.Exam.LevelThreshold < 1 {
		return fmt.Errorf("exam.level_threshold must be at least 1")
	}

	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Scheduler.MaxConcurrentCycles < 1 {
		return fmt.Errorf("scheduler.max_concurrent_cycles must be at least 1")
	}

	return nil
}

// Provider returns the configuration for the named provider, or nil.
func (c *Config) Provider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// MonthlyLimits returns the configured monthly limit per provider.
func (c *Config) MonthlyLimits() map[models.Provider]int64 {
	limits := make(map[models.Provider]int64, len(c.Providers))
	for i := range c.Providers {
		limits[models.Provider(c.Providers[i].Name)] = c.Providers[i].MonthlyLimit
	}
	return limits
}

// DefaultConfigPath returns where `proctor init` writes its config file.
func DefaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".config", "proctor", "config.yaml")
	}
	return "proctor.yaml"
}

func defaultDBPath() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", "proctor", "proctor.db")
	}
	return "proctor.db"
}

func searchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "proctor"))
	}
	return paths
}

// setDefaults primes viper with the default tree so env overrides bind.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("providers", providerDefaults(cfg.Providers))
	v.SetDefault("routing.primary", cfg.Routing.Primary)
	v.SetDefault("routing.secondary", cfg.Routing.Secondary)
	v.SetDefault("routing.fallback_threshold", cfg.Routing.FallbackThreshold)
	v.SetDefault("routing.invoke_timeout", cfg.Routing.InvokeTimeout)
	v.SetDefault("admission.cooldown_period", cfg.Admission.CooldownPeriod)
	v.SetDefault("admission.max_concurrent", cfg.Admission.MaxConcurrent)
	v.SetDefault("admission.max_hourly_fraction", cfg.Admission.MaxHourlyFraction)
	v.SetDefault("admission.max_daily_fraction", cfg.Admission.MaxDailyFraction)
	v.SetDefault("admission.min_daily_fraction", cfg.Admission.MinDailyFraction)
	v.SetDefault("admission.catch_up_enabled", cfg.Admission.CatchUpEnabled)
	v.SetDefault("admission.catch_up_days", cfg.Admission.CatchUpDays)
	v.SetDefault("exam.promotion_streak", cfg.Exam.PromotionStreak)
	v.SetDefault("exam.level_threshold", cfg.Exam.LevelThreshold)
	v.SetDefault("exam.history_limit", cfg.Exam.HistoryLimit)
	v.SetDefault("exam.prompts_dir", cfg.Exam.PromptsDir)
	v.SetDefault("scheduler.interval", cfg.Scheduler.Interval)
	v.SetDefault("scheduler.housekeeping_interval", cfg.Scheduler.HousekeepingInterval)
	v.SetDefault("scheduler.max_concurrent_cycles", cfg.Scheduler.MaxConcurrentCycles)
	v.SetDefault("scheduler.retention_months", cfg.Scheduler.RetentionMonths)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.key_prefix", cfg.Redis.KeyPrefix)
}

func providerDefaults(providers []ProviderConfig) []map[string]any {
	out := make([]map[string]any, 0, len(providers))
	for _, p := range providers {
		out = append(out, map[string]any{
			"name":                p.Name,
			"base_url":            p.BaseURL,
			"model":               p.Model,
			"api_key_env":         p.APIKeyEnv,
			"monthly_limit":       p.MonthlyLimit,
			"requests_per_minute": p.RequestsPerMinute,
			"max_output_tokens":   p.MaxOutputTokens,
		})
	}
	return out
}
