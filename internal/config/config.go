package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tvl-threshold-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Source    SourceConfig    `mapstructure:"source"`
	Threshold ThresholdConfig `mapstructure:"threshold"`
	State     StateConfig     `mapstructure:"state"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name string `mapstructure:"name"`
}

// SourceConfig points at the protocol listing endpoint.
type SourceConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// ThresholdConfig selects which protocols are alert-worthy.
type ThresholdConfig struct {
	TVL      float64 `mapstructure:"tvl"`
	Category string  `mapstructure:"category"`
}

// StateConfig locates the persisted state files.
type StateConfig struct {
	AlertsFile  string `mapstructure:"alerts_file"`
	HistoryFile string `mapstructure:"history_file"`
}

// TelegramConfig holds bot credentials and recipients.
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatIDs  []string      `mapstructure:"chat_ids"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PublishConfig governs the git push of state files in CI.
type PublishConfig struct {
	CI        bool          `mapstructure:"ci"`
	Branch    string        `mapstructure:"branch"`
	Remote    string        `mapstructure:"remote"`
	RepoDir   string        `mapstructure:"repo_dir"`
	UserName  string        `mapstructure:"user_name"`
	UserEmail string        `mapstructure:"user_email"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig encapsulates the optional PostgreSQL history mirror.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the node_exporter textfile output.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxBars int `mapstructure:"max_bars"`
}

// Load builds configuration from an optional .env file, a config file,
// environment, and defaults.
func Load(path, envFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("TVLWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Telegram.ChatIDs = cleanList(cfg.Telegram.ChatIDs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindLegacyEnv maps the unprefixed variables CI workflows already export.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"telegram.bot_token": {"TVLWATCHER_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN"},
		"telegram.chat_ids":  {"TVLWATCHER_TELEGRAM_CHAT_IDS", "TELEGRAM_CHAT_IDS"},
		"publish.ci":         {"TVLWATCHER_PUBLISH_CI", "GITHUB_ACTIONS"},
		"publish.branch":     {"TVLWATCHER_PUBLISH_BRANCH", "REPO_BRANCH"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tvlwatcher")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("source.url", "https://api.llama.fi/protocols")
	v.SetDefault("source.timeout", "30s")
	v.SetDefault("source.user_agent", "tvlwatcher/1.0")

	v.SetDefault("threshold.tvl", 10_000_000.0)
	v.SetDefault("threshold.category", "Derivatives")

	v.SetDefault("state.alerts_file", "notified_protocols.csv")
	v.SetDefault("state.history_file", "protocol_history.csv")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_ids", []string{})
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", "10s")

	v.SetDefault("publish.ci", false)
	v.SetDefault("publish.branch", "main")
	v.SetDefault("publish.remote", "origin")
	v.SetDefault("publish.repo_dir", ".")
	v.SetDefault("publish.user_name", "github-actions")
	v.SetDefault("publish.user_email", "github-actions@github.com")
	v.SetDefault("publish.timeout", "60s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.timeout", "10s")

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("export.max_bars", 25)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Source.URL) == "" {
		return fmt.Errorf("source.url must be set")
	}
	if c.Source.Timeout <= 0 {
		return fmt.Errorf("source.timeout must be greater than zero")
	}
	if c.Threshold.TVL <= 0 {
		return fmt.Errorf("threshold.tvl must be greater than zero")
	}
	if strings.TrimSpace(c.Threshold.Category) == "" {
		return fmt.Errorf("threshold.category must be set")
	}
	if c.State.AlertsFile == "" || c.State.HistoryFile == "" {
		return fmt.Errorf("state.alerts_file and state.history_file must be set")
	}
	if filepath.Clean(c.State.AlertsFile) == filepath.Clean(c.State.HistoryFile) {
		return fmt.Errorf("state.alerts_file and state.history_file must differ")
	}
	if c.Publish.CI && strings.TrimSpace(c.Publish.Branch) == "" {
		return fmt.Errorf("publish.branch must be set when publishing")
	}
	if c.Export.MaxBars <= 0 {
		return fmt.Errorf("export.max_bars must be greater than zero")
	}
	return nil
}

// NotificationsConfigured reports whether Telegram credentials and at least
// one recipient are present.
func (c *Config) NotificationsConfigured() bool {
	return strings.TrimSpace(c.Telegram.BotToken) != "" && len(c.Telegram.ChatIDs) > 0
}

// StatePaths lists the persisted files in publish order.
func (c *Config) StatePaths() []string {
	return []string{c.State.AlertsFile, c.State.HistoryFile}
}

// ResolveMaxBars returns either the CLI override or config default.
func (c *Config) ResolveMaxBars(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxBars
}
