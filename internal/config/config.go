// Package config loads process settings from the environment (and an optional .env file).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
)

// Dedup modes for the reward orchestrator.
const (
	DedupMemory = "memory"
	DedupLedger = "ledger"
	DedupRedis  = "redis"
)

// Config is the settings shared by every binary. Each binary reads only what it needs.
type Config struct {
	RunLocal bool   `mapstructure:"run_local"`
	HTTPAddr string `mapstructure:"http_addr"`

	AMQPHost          string        `mapstructure:"amqp_host"`
	AMQPPort          int           `mapstructure:"amqp_port"`
	AMQPUser          string        `mapstructure:"amqp_user"`
	AMQPPassword      string        `mapstructure:"amqp_password"`
	AMQPMaxRetries    int           `mapstructure:"amqp_max_retries"`
	AMQPRetryInterval time.Duration `mapstructure:"amqp_retry_interval"`
	AMQPPrefetch      int           `mapstructure:"amqp_prefetch"`

	HTTPTimeout              time.Duration `mapstructure:"http_timeout"`
	CartServiceURL           string        `mapstructure:"cart_service_url"`
	PaymentServiceURL        string        `mapstructure:"payment_service_url"`
	ProductServiceURL        string        `mapstructure:"product_service_url"`
	ProfileServiceURL        string        `mapstructure:"profile_service_url"`
	DeliveryServiceURL       string        `mapstructure:"delivery_service_url"`
	WalletServiceURL         string        `mapstructure:"wallet_service_url"`
	MissionServiceURL        string        `mapstructure:"mission_service_url"`
	RecommendationServiceURL string        `mapstructure:"recommendation_service_url"`
	MailerURL                string        `mapstructure:"mailer_url"`
	CheckoutBaseURL          string        `mapstructure:"checkout_base_url"`
	Currency                 string        `mapstructure:"currency"`
	DeliveryAPIKey           string        `mapstructure:"delivery_api_key"`
	DeliveryOriginAddress    string        `mapstructure:"delivery_origin_address"`

	PaymentsTable      string        `mapstructure:"payments_table"`
	IdempotencyTable   string        `mapstructure:"idempotency_table"`
	LedgerTTL          time.Duration `mapstructure:"ledger_ttl"`
	LeaseDuration      time.Duration `mapstructure:"lease_duration"`
	DeadLetterQueueURL string        `mapstructure:"dead_letter_queue_url"`

	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`

	DedupMode     string        `mapstructure:"dedup_mode"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	DedupCapacity int           `mapstructure:"dedup_capacity"`

	MetricsNamespace        string        `mapstructure:"metrics_namespace"`
	CloudWatchFlushInterval time.Duration `mapstructure:"cloudwatch_flush_interval"`
}

var defaults = map[string]any{
	"run_local":                  false,
	"http_addr":                  ":8080",
	"amqp_host":                  "rabbitmq",
	"amqp_port":                  5672,
	"amqp_user":                  "guest",
	"amqp_password":              "guest",
	"amqp_max_retries":           12,
	"amqp_retry_interval":        5 * time.Second,
	"amqp_prefetch":              10,
	"http_timeout":               5 * time.Second,
	"cart_service_url":           "http://cart:5000",
	"payment_service_url":        "http://payment:5000",
	"product_service_url":        "http://product:5000",
	"profile_service_url":        "http://profile:5000",
	"delivery_service_url":       "http://delivery:5000",
	"wallet_service_url":         "http://wallet:5000",
	"mission_service_url":        "http://mission:5000",
	"recommendation_service_url": "",
	"mailer_url":                 "http://send-email:5000",
	"checkout_base_url":          "https://checkout.stripe.com/c/pay",
	"currency":                   "SGD",
	"delivery_api_key":           "",
	"delivery_origin_address":    "81 Victoria Street 188065",
	"payments_table":             "payments",
	"idempotency_table":          "fulfillment-idempotency",
	"ledger_ttl":                 48 * time.Hour,
	"lease_duration":             30 * time.Second,
	"dead_letter_queue_url":      "",
	"postgres_dsn":               "",
	"redis_addr":                 "redis:6379",
	"dedup_mode":                 DedupMemory,
	"dedup_ttl":                  24 * time.Hour,
	"dedup_capacity":             100000,
	"metrics_namespace":          "EcoShop/Fulfillment",
	"cloudwatch_flush_interval":  time.Minute,
}

// Load reads .env (when present) and the process environment. Keys are the
// upper-cased field names, e.g. AMQP_MAX_RETRIES.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.AMQPMaxRetries < 1 {
		return fmt.Errorf("AMQP_MAX_RETRIES must be >= 1, got %d", c.AMQPMaxRetries)
	}
	if c.AMQPRetryInterval < 0 {
		return fmt.Errorf("AMQP_RETRY_INTERVAL must not be negative")
	}
	switch c.DedupMode {
	case DedupMemory, DedupLedger, DedupRedis:
	default:
		return fmt.Errorf("unknown DEDUP_MODE %q", c.DedupMode)
	}
	if c.DedupCapacity < 0 {
		return fmt.Errorf("DEDUP_CAPACITY must not be negative")
	}
	return nil
}

// Broker returns the AMQP client settings.
func (c *Config) Broker() broker.Settings {
	return broker.Settings{
		Host:          c.AMQPHost,
		Port:          c.AMQPPort,
		User:          c.AMQPUser,
		Password:      c.AMQPPassword,
		MaxRetries:    c.AMQPMaxRetries,
		RetryInterval: c.AMQPRetryInterval,
		Prefetch:      c.AMQPPrefetch,
	}
}

// Logger builds the process logger: development output when running locally.
func (c *Config) Logger() (*zap.Logger, error) {
	if c.RunLocal {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
