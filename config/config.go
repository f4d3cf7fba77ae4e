package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Payments PaymentsConfig `yaml:"payments"`
	Email    EmailConfig    `yaml:"email"`
	Worker   WorkerConfig   `yaml:"worker"`

	Secrets Secrets `yaml:"-"`
}

type HTTPConfig struct {
	Address     string `yaml:"address"`
	FrontendURL string `yaml:"frontend_url"`
	SwaggerDir  string `yaml:"swagger_dir"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers"`
	NotificationsTopic string   `yaml:"notifications_topic"`
	GroupID            string   `yaml:"group_id"`
}

type PaymentsConfig struct {
	// Mode is "live" or "sandbox". Sandbox fabricates intents locally so the
	// whole flow works without reaching the provider.
	Mode    string `yaml:"mode"`
	BaseURL string `yaml:"base_url"`
	// AllowUnverifiedWebhooks lets webhooks through when no signing secret is
	// configured. Off by default; never enable on an internet-facing deploy.
	AllowUnverifiedWebhooks bool `yaml:"allow_unverified_webhooks"`
	SummaryCacheTTLSeconds  int  `yaml:"summary_cache_ttl_seconds"`
	EventDedupTTLSeconds    int  `yaml:"event_dedup_ttl_seconds"`
}

func (p PaymentsConfig) Live() bool { return p.Mode == "live" }

type EmailConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	From        string   `yaml:"from"`
	AdminEmails []string `yaml:"admin_emails"`
}

type WorkerConfig struct {
	ResendSweepMinutes int `yaml:"resend_sweep_minutes"`
	ResendBatchSize    int `yaml:"resend_batch_size"`
}

// Secrets are taken from the environment only, never from the yaml file.
type Secrets struct {
	ProviderSecretKey     string `envconfig:"PROVIDER_SECRET_KEY"`
	ProviderWebhookSecret string `envconfig:"PROVIDER_WEBHOOK_SECRET"`
	SMTPUser              string `envconfig:"SMTP_USER"`
	SMTPPassword          string `envconfig:"SMTP_PASSWORD"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := envconfig.Process("", &cfg.Secrets); err != nil {
		return nil, fmt.Errorf("failed to read secrets from env: %w", err)
	}

	// A zero sweep interval would panic the worker's ticker.
	if cfg.Worker.ResendSweepMinutes <= 0 {
		cfg.Worker.ResendSweepMinutes = 5
	}
	if cfg.Worker.ResendBatchSize <= 0 {
		cfg.Worker.ResendBatchSize = 50
	}

	return &cfg, nil
}
