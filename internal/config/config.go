package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working
// directory.
const ConfigPath = "config.yaml"

// Sync interval bounds for spreadsheet bindings, in minutes.
const (
	MinSyncIntervalMinutes = 5
	MaxSyncIntervalMinutes = 120
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	AMQPURL       string `yaml:"amqpURL"`
	EventExchange string `yaml:"eventExchange"`

	TelegramAPIURL   string `yaml:"telegramApiURL"`
	TelegramBotToken string `yaml:"telegramBotToken"`

	GenerationBaseURL string `yaml:"generationBaseURL"`
	GenerationAPIKey  string `yaml:"generationApiKey"`
	GenerationModel   string `yaml:"generationModel"`

	SheetsCredentialsFile      string `yaml:"sheetsCredentialsFile"`
	SyncDefaultIntervalMinutes int    `yaml:"syncDefaultIntervalMinutes"`

	DefaultTimezone string `yaml:"defaultTimezone"`

	DispatcherTickSeconds int `yaml:"dispatcherTickSeconds"`
	DispatcherBatchSize   int `yaml:"dispatcherBatchSize"`
	SendTimeoutSeconds    int `yaml:"sendTimeoutSeconds"`
	StallThreshold        int `yaml:"stallThreshold"`

	AdminUserIDs []string `yaml:"adminUserIds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("POSTFLOW_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("POSTFLOW_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("POSTFLOW_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_API_URL"); v != "" {
		cfg.TelegramAPIURL = v
	}
	if v := os.Getenv("POSTFLOW_GENERATION_BASE_URL"); v != "" {
		cfg.GenerationBaseURL = v
	}
	if v := os.Getenv("POSTFLOW_GENERATION_API_KEY"); v != "" {
		cfg.GenerationAPIKey = v
	}
	if v := os.Getenv("POSTFLOW_GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("POSTFLOW_SHEETS_CREDENTIALS_FILE"); v != "" {
		cfg.SheetsCredentialsFile = v
	}
	if v := os.Getenv("POSTFLOW_DEFAULT_TIMEZONE"); v != "" {
		cfg.DefaultTimezone = v
	}
	if v := os.Getenv("POSTFLOW_DISPATCHER_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DispatcherTickSeconds = n
		}
	}
	if v := os.Getenv("POSTFLOW_ADMIN_USER_IDS"); v != "" {
		ids := strings.Split(v, ",")
		cfg.AdminUserIDs = cfg.AdminUserIDs[:0]
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				cfg.AdminUserIDs = append(cfg.AdminUserIDs, id)
			}
		}
	}

	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "postflow:generation"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "generators"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueMaxRetries <= 0 {
		cfg.QueueMaxRetries = 3
	}
	if cfg.QueueRetryDelaySeconds <= 0 {
		cfg.QueueRetryDelaySeconds = 30
	}
	if cfg.EventExchange == "" {
		cfg.EventExchange = "postflow.events"
	}
	if cfg.TelegramAPIURL == "" {
		cfg.TelegramAPIURL = "https://api.telegram.org"
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "Europe/Moscow"
	}
	if cfg.SyncDefaultIntervalMinutes == 0 {
		cfg.SyncDefaultIntervalMinutes = 30
	}
	if cfg.DispatcherTickSeconds <= 0 {
		cfg.DispatcherTickSeconds = 30
	}
	if cfg.DispatcherBatchSize <= 0 {
		cfg.DispatcherBatchSize = 50
	}
	if cfg.SendTimeoutSeconds <= 0 {
		cfg.SendTimeoutSeconds = 30
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 5
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.TelegramBotToken == "" {
		return errors.New("config: telegramBotToken is required (set in config.yaml or TELEGRAM_BOT_TOKEN)")
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return fmt.Errorf("config: bad defaultTimezone %q: %w", cfg.DefaultTimezone, err)
	}
	if cfg.SyncDefaultIntervalMinutes < MinSyncIntervalMinutes || cfg.SyncDefaultIntervalMinutes > MaxSyncIntervalMinutes {
		return fmt.Errorf("config: syncDefaultIntervalMinutes must be between %d and %d",
			MinSyncIntervalMinutes, MaxSyncIntervalMinutes)
	}
	if cfg.GenerationBaseURL != "" && strings.TrimSpace(cfg.GenerationModel) == "" {
		return errors.New("config: generationModel is required when generationBaseURL is set")
	}
	return nil
}
