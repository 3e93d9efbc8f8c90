// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App          AppConfig         `mapstructure:"app"`
	Database     DatabaseConfig    `mapstructure:"database"`
	Monitor      MonitorConfig     `mapstructure:"monitor"`
	Ledger       LedgerConfig      `mapstructure:"ledger"`
	Detector     DetectorConfig    `mapstructure:"detector"`
	Dispatch     DispatchConfig    `mapstructure:"dispatch"`
	Templates    TemplateConfig    `mapstructure:"templates"`
	Integrations IntegrationConfig `mapstructure:"integrations"`
	Auth         AuthConfig        `mapstructure:"auth"`
	Camunda      CamundaConfig     `mapstructure:"camunda"`
	Reporting    ReportingConfig   `mapstructure:"reporting"`
	HTTP         HTTPConfig        `mapstructure:"http"`
	Logging      LoggingConfig     `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	URL       string   `mapstructure:"url"`
}

// GetAddresses returns Addresses, falling back to the single URL field.
func (e ElasticsearchConfig) GetAddresses() []string {
	if len(e.Addresses) > 0 {
		return e.Addresses
	}
	if e.URL != "" {
		return []string{e.URL}
	}
	return nil
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// --- Pipeline Config ---

// MonitorConfig controls when passes run and how long they may take.
type MonitorConfig struct {
	Schedule      string        `mapstructure:"schedule"`
	Timezone      string        `mapstructure:"timezone"`
	PassDeadline  time.Duration `mapstructure:"pass_deadline"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	Workers       int           `mapstructure:"workers"`
	LockKey       string        `mapstructure:"lock_key"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

// LedgerConfig holds the retry policy enforced through the ledger.
type LedgerConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
	// RetryBatchSize caps how many retry candidates one pass lists.
	RetryBatchSize int `mapstructure:"retry_batch_size"`
}

type DetectorConfig struct {
	ReminderWindow   time.Duration `mapstructure:"reminder_window"`
	ContactBatchSize int           `mapstructure:"contact_batch_size"`
	RecipientSource  string        `mapstructure:"recipient_source"` // postgres | keycloak
	ServiceURL       string        `mapstructure:"service_url"`
}

type DispatchConfig struct {
	Transport     string        `mapstructure:"transport"` // ses | smtp | gmail | log
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	RatePerSecond int           `mapstructure:"rate_per_second"`
	FromEmail     string        `mapstructure:"from_email"`
	FromName      string        `mapstructure:"from_name"`
}

// TemplateConfig points at an on-disk template directory. Empty Dir uses the
// templates embedded in the binary.
type TemplateConfig struct {
	Dir string `mapstructure:"dir"`
}

// IntegrationConfig holds settings for mail transports and AWS.
type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`

	SMTP struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		UseTLS   bool   `mapstructure:"use_tls"`
	} `mapstructure:"smtp"`

	Gmail struct {
		CredentialsJSON string `mapstructure:"credentials_json"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RefreshToken    string `mapstructure:"refresh_token"`
	} `mapstructure:"gmail"`
}

// AuthConfig holds the identity provider used to resolve recipients.
type AuthConfig struct {
	Keycloak struct {
		URL          string `mapstructure:"url"`
		Realm        string `mapstructure:"realm"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		GroupPrefix  string `mapstructure:"group_prefix"`
	} `mapstructure:"keycloak"`
}

type CamundaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BrokerAddress string        `mapstructure:"broker_address"`
	JobType       string        `mapstructure:"job_type"`
	MaxJobsActive int           `mapstructure:"max_jobs_active"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type ReportingConfig struct {
	Elasticsearch struct {
		Enabled      bool   `mapstructure:"enabled"`
		PassIndex    string `mapstructure:"pass_index"`
		FailureIndex string `mapstructure:"failure_index"`
	} `mapstructure:"elasticsearch"`
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
