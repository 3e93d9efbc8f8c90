// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"notification-monitor/internal/common/errors"
)

// Load reads configs/config.yaml, merges configs/config.<APP_ENVIRONMENT>.yaml
// over it and lets environment variables override any key
// (monitor.pass_deadline -> MONITOR_PASS_DEADLINE).
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // optional

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideEmptyConfig(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars replaces ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills secrets from conventional env names when the
// config file left them blank.
func overrideEmptyConfig(cfg *Config) {
	setIfEmpty(&cfg.Database.Postgres.User, "DB_USER")
	setIfEmpty(&cfg.Database.Postgres.Password, "DB_PASSWORD")
	setIfEmpty(&cfg.Integrations.SMTP.Password, "SMTP_PASSWORD")
	setIfEmpty(&cfg.Integrations.Gmail.CredentialsJSON, "GMAIL_CREDENTIALS_JSON")
	setIfEmpty(&cfg.Integrations.Gmail.RefreshToken, "GMAIL_REFRESH_TOKEN")
	setIfEmpty(&cfg.Auth.Keycloak.ClientSecret, "KEYCLOAK_CLIENT_SECRET")
	setIfEmpty(&cfg.Integrations.AWS.Region, "AWS_REGION")
}

func setIfEmpty(dst *string, envKey string) {
	if *dst != "" {
		return
	}
	if val := os.Getenv(envKey); val != "" {
		*dst = val
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "notification-monitor"
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	// Monitor defaults
	if cfg.Monitor.Schedule == "" {
		cfg.Monitor.Schedule = "@every 5m"
	}
	if cfg.Monitor.PassDeadline == 0 {
		cfg.Monitor.PassDeadline = 2 * time.Minute
	}
	if cfg.Monitor.ShutdownGrace == 0 {
		cfg.Monitor.ShutdownGrace = 20 * time.Second
	}
	if cfg.Monitor.Workers == 0 {
		cfg.Monitor.Workers = 4
	}
	if cfg.Monitor.LockKey == "" {
		cfg.Monitor.LockKey = "notification-monitor:pass-lock"
	}
	if cfg.Monitor.LockTTL == 0 {
		cfg.Monitor.LockTTL = 5 * time.Minute
	}

	// Ledger defaults
	if cfg.Ledger.MaxAttempts == 0 {
		cfg.Ledger.MaxAttempts = 3
	}
	if cfg.Ledger.RetryBatchSize == 0 {
		cfg.Ledger.RetryBatchSize = 1000
	}
	if cfg.Ledger.BackoffBase == 0 {
		cfg.Ledger.BackoffBase = time.Minute
	}
	if cfg.Ledger.BackoffMax == 0 {
		cfg.Ledger.BackoffMax = 30 * time.Minute
	}
	if cfg.Ledger.ClaimTimeout == 0 {
		cfg.Ledger.ClaimTimeout = 10 * time.Minute
	}

	// Detector defaults
	if cfg.Detector.ReminderWindow == 0 {
		cfg.Detector.ReminderWindow = 14 * 24 * time.Hour
	}
	if cfg.Detector.ContactBatchSize == 0 {
		cfg.Detector.ContactBatchSize = 500
	}
	if cfg.Detector.RecipientSource == "" {
		cfg.Detector.RecipientSource = "postgres"
	}

	// Dispatch defaults
	if cfg.Dispatch.Transport == "" {
		cfg.Dispatch.Transport = "ses"
	}
	if cfg.Dispatch.SendTimeout == 0 {
		cfg.Dispatch.SendTimeout = 15 * time.Second
	}
	if cfg.Dispatch.RatePerSecond == 0 {
		cfg.Dispatch.RatePerSecond = 10
	}
	if cfg.Integrations.SMTP.Port == 0 {
		cfg.Integrations.SMTP.Port = 587
	}
	if cfg.Integrations.AWS.Region == "" {
		cfg.Integrations.AWS.Region = "eu-west-2"
	}

	if cfg.Auth.Keycloak.GroupPrefix == "" {
		cfg.Auth.Keycloak.GroupPrefix = "/organisations/"
	}

	if cfg.Camunda.JobType == "" {
		cfg.Camunda.JobType = "notification.monitor.run"
	}
	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 1
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 5 * time.Minute
	}

	if cfg.Reporting.Elasticsearch.PassIndex == "" {
		cfg.Reporting.Elasticsearch.PassIndex = "notification-passes"
	}
	if cfg.Reporting.Elasticsearch.FailureIndex == "" {
		cfg.Reporting.Elasticsearch.FailureIndex = "notification-failures"
	}

	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = ":8080"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Database.Postgres.Host == "" {
		return errors.NewConfigInvalidError("database.postgres.host", "required")
	}
	if cfg.Database.Postgres.Database == "" {
		return errors.NewConfigInvalidError("database.postgres.database", "required")
	}
	if cfg.Database.Postgres.User == "" {
		return errors.NewConfigInvalidError("database.postgres.user", "required")
	}
	if cfg.Database.Redis.Address == "" {
		return errors.NewConfigInvalidError("database.redis.address", "required")
	}

	if cfg.Ledger.MaxAttempts < 1 {
		return errors.NewConfigInvalidError("ledger.max_attempts", "must be at least 1")
	}
	if cfg.Ledger.RetryBatchSize < 1 {
		return errors.NewConfigInvalidError("ledger.retry_batch_size", "must be at least 1")
	}
	if cfg.Monitor.Workers < 1 {
		return errors.NewConfigInvalidError("monitor.workers", "must be at least 1")
	}
	// A claim must outlive the pass that took it, otherwise the next pass
	// would reclaim an event that is still being sent.
	if cfg.Ledger.ClaimTimeout <= cfg.Monitor.PassDeadline+cfg.Monitor.ShutdownGrace {
		return errors.NewConfigInvalidError("ledger.claim_timeout",
			fmt.Sprintf("must exceed monitor.pass_deadline + monitor.shutdown_grace (%s)",
				cfg.Monitor.PassDeadline+cfg.Monitor.ShutdownGrace))
	}
	if cfg.Monitor.LockTTL < cfg.Monitor.PassDeadline+cfg.Monitor.ShutdownGrace {
		return errors.NewConfigInvalidError("monitor.lock_ttl", "must cover pass_deadline + shutdown_grace")
	}
	if cfg.Detector.ReminderWindow <= 0 {
		return errors.NewConfigInvalidError("detector.reminder_window", "must be positive")
	}

	switch cfg.Detector.RecipientSource {
	case "postgres":
	case "keycloak":
		if cfg.Auth.Keycloak.URL == "" || cfg.Auth.Keycloak.Realm == "" {
			return errors.NewConfigInvalidError("auth.keycloak", "url and realm are required for the keycloak recipient source")
		}
	default:
		return errors.NewConfigInvalidError("detector.recipient_source", cfg.Detector.RecipientSource)
	}

	switch cfg.Dispatch.Transport {
	case "ses", "log":
	case "smtp":
		if cfg.Integrations.SMTP.Host == "" {
			return errors.NewConfigInvalidError("integrations.smtp.host", "required for the smtp transport")
		}
	case "gmail":
		if cfg.Integrations.Gmail.CredentialsJSON == "" && cfg.Integrations.Gmail.RefreshToken == "" {
			return errors.NewConfigInvalidError("integrations.gmail", "credentials_json or refresh_token is required")
		}
	default:
		return errors.NewConfigInvalidError("dispatch.transport", cfg.Dispatch.Transport)
	}
	if cfg.Dispatch.FromEmail == "" {
		return errors.NewConfigInvalidError("dispatch.from_email", "required")
	}

	if cfg.Reporting.Elasticsearch.Enabled && len(cfg.Database.Elasticsearch.GetAddresses()) == 0 {
		return errors.NewConfigInvalidError("database.elasticsearch.addresses", "required when reporting.elasticsearch is enabled")
	}
	if cfg.Reporting.SNS.Enabled && cfg.Reporting.SNS.TopicARN == "" {
		return errors.NewConfigInvalidError("reporting.sns.topic_arn", "required when reporting.sns is enabled")
	}
	if cfg.Camunda.Enabled && cfg.Camunda.BrokerAddress == "" {
		return errors.NewConfigInvalidError("camunda.broker_address", "required when camunda is enabled")
	}

	return nil
}
