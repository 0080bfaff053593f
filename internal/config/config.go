package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type Config struct {
	AppEnv   string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Webhook  WebhookConfig
	Admin    AdminConfig
	Tracing  TracingConfig
}

type ServerConfig struct {
	Port            string        `mapstructure:"SERVER_PORT"`
	ReadTimeout     time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SERVER_SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig describes the privileged store connection. It bypasses any
// row-level access control and is only handed to trusted server-side code.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"DB_DRIVER"`
	Host            string        `mapstructure:"DB_HOST"`
	Port            string        `mapstructure:"DB_PORT"`
	User            string        `mapstructure:"DB_USER"`
	Password        string        `mapstructure:"DB_PASSWORD"`
	Name            string        `mapstructure:"DB_NAME"`
	SSLMode         string        `mapstructure:"DB_SSL_MODE"`
	Path            string        `mapstructure:"DB_PATH"`
	MaxOpenConns    int           `mapstructure:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `mapstructure:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `mapstructure:"DB_CONN_MAX_LIFETIME"`
}

type RedisConfig struct {
	Host            string        `mapstructure:"REDIS_HOST"`
	Port            string        `mapstructure:"REDIS_PORT"`
	Password        string        `mapstructure:"REDIS_PASSWORD"`
	DB              int           `mapstructure:"REDIS_DB"`
	BalanceCacheTTL time.Duration `mapstructure:"BALANCE_CACHE_TTL"`
}

func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type WebhookConfig struct {
	PayPalWebhookID    string        `mapstructure:"PAYPAL_WEBHOOK_ID"`
	BypassVerification bool          `mapstructure:"PAYMENT_WEBHOOK_BYPASS_VERIFICATION"`
	CertHosts          []string      `mapstructure:"PAYPAL_CERT_HOSTS"`
	CertCacheTTL       time.Duration `mapstructure:"PAYPAL_CERT_CACHE_TTL"`
	ProcessingTimeout  time.Duration `mapstructure:"WEBHOOK_PROCESSING_TIMEOUT"`
	MaxBodyBytes       int64         `mapstructure:"WEBHOOK_MAX_BODY_BYTES"`
	MaxClockSkew       time.Duration `mapstructure:"WEBHOOK_MAX_CLOCK_SKEW"`
}

type AdminConfig struct {
	APIToken string `mapstructure:"ADMIN_API_TOKEN"`
}

type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`
}

var defaultCertHosts = []string{
	"api.paypal.com",
	"api-m.paypal.com",
	"api.sandbox.paypal.com",
	"api-m.sandbox.paypal.com",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", EnvDevelopment)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", 10*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)

	v.SetDefault("DB_DRIVER", DriverPostgres)
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSL_MODE", "require")
	v.SetDefault("DB_PATH", "creditflow.db")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute)

	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("BALANCE_CACHE_TTL", 5*time.Minute)

	v.SetDefault("PAYMENT_WEBHOOK_BYPASS_VERIFICATION", false)
	v.SetDefault("PAYPAL_CERT_HOSTS", strings.Join(defaultCertHosts, ","))
	v.SetDefault("PAYPAL_CERT_CACHE_TTL", time.Hour)
	v.SetDefault("WEBHOOK_PROCESSING_TIMEOUT", 8*time.Second)
	v.SetDefault("WEBHOOK_MAX_BODY_BYTES", int64(1<<20))
	v.SetDefault("WEBHOOK_MAX_CLOCK_SKEW", time.Duration(0))

	v.SetDefault("OTEL_SERVICE_NAME", "creditflow")
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("could not load .env file: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	var cfg Config

	cfg.AppEnv = strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV")))
	cfg.LogLevel = v.GetString("LOG_LEVEL")

	cfg.Server.Port = v.GetString("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.ShutdownTimeout = v.GetDuration("SERVER_SHUTDOWN_TIMEOUT")

	cfg.Database.Driver = strings.ToLower(v.GetString("DB_DRIVER"))
	cfg.Database.Host = v.GetString("DB_HOST")
	cfg.Database.Port = v.GetString("DB_PORT")
	cfg.Database.User = v.GetString("DB_USER")
	cfg.Database.Password = v.GetString("DB_PASSWORD")
	cfg.Database.Name = v.GetString("DB_NAME")
	cfg.Database.SSLMode = v.GetString("DB_SSL_MODE")
	cfg.Database.Path = v.GetString("DB_PATH")
	cfg.Database.MaxOpenConns = v.GetInt("DB_MAX_OPEN_CONNS")
	cfg.Database.MaxIdleConns = v.GetInt("DB_MAX_IDLE_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DB_CONN_MAX_LIFETIME")

	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetString("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.BalanceCacheTTL = v.GetDuration("BALANCE_CACHE_TTL")

	cfg.Webhook.PayPalWebhookID = strings.TrimSpace(v.GetString("PAYPAL_WEBHOOK_ID"))
	cfg.Webhook.BypassVerification = v.GetBool("PAYMENT_WEBHOOK_BYPASS_VERIFICATION")
	cfg.Webhook.CertHosts = splitList(v.GetString("PAYPAL_CERT_HOSTS"))
	cfg.Webhook.CertCacheTTL = v.GetDuration("PAYPAL_CERT_CACHE_TTL")
	cfg.Webhook.ProcessingTimeout = v.GetDuration("WEBHOOK_PROCESSING_TIMEOUT")
	cfg.Webhook.MaxBodyBytes = v.GetInt64("WEBHOOK_MAX_BODY_BYTES")
	cfg.Webhook.MaxClockSkew = v.GetDuration("WEBHOOK_MAX_CLOCK_SKEW")

	cfg.Admin.APIToken = v.GetString("ADMIN_API_TOKEN")

	cfg.Tracing.OTLPEndpoint = v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.Tracing.ServiceName = v.GetString("OTEL_SERVICE_NAME")

	return &cfg
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

// IsDevelopment is the only environment in which the signature bypass may be
// honoured. Anything else, including unknown values, is treated as deployed.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// Validate rejects configurations that would weaken webhook authentication
// or leave the store unreachable.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
			errs = append(errs, errors.New("DB_HOST, DB_USER and DB_NAME are required for postgres"))
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite3"))
		}
		if c.IsProduction() {
			errs = append(errs, errors.New("sqlite3 is not supported in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver))
	}

	if c.IsProduction() {
		if c.Webhook.PayPalWebhookID == "" {
			errs = append(errs, errors.New("PAYPAL_WEBHOOK_ID is required in production"))
		}
	}
	if c.Webhook.BypassVerification && !c.IsDevelopment() {
		errs = append(errs, fmt.Errorf("PAYMENT_WEBHOOK_BYPASS_VERIFICATION is only allowed when APP_ENV=%s (got %q)", EnvDevelopment, c.AppEnv))
	}

	if len(c.Webhook.CertHosts) == 0 {
		errs = append(errs, errors.New("PAYPAL_CERT_HOSTS must list at least one host"))
	}
	if c.Webhook.ProcessingTimeout <= 0 {
		errs = append(errs, errors.New("WEBHOOK_PROCESSING_TIMEOUT must be positive"))
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_BODY_BYTES must be positive"))
	}

	return errors.Join(errs...)
}
