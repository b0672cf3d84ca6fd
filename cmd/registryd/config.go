package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	tsredis "github.com/LerianStudio/lib-tokenstandard/tokenstandard/redis"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/registry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/zap"
	"github.com/shopspring/decimal"
)

// Config is the registry daemon configuration, read from the environment.
type Config struct {
	EnvName       zap.Environment `env:"ENV_NAME"`
	LogLevel      string          `env:"LOG_LEVEL"`
	ServerAddress string          `env:"SERVER_ADDRESS"`
	Admin         string          `env:"REGISTRY_ADMIN"`

	PrimaryDSN   string `env:"POSTGRES_PRIMARY_DSN"`
	ReplicaDSN   string `env:"POSTGRES_REPLICA_DSN"`
	DatabaseName string `env:"POSTGRES_DB"`

	RedisAddress  string `env:"REDIS_ADDRESS"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisCACert   string `env:"REDIS_CA_CERT_BASE64"`

	// RedisIAMServiceAccount switches Redis auth to short-lived GCP IAM
	// tokens minted with RedisIAMCredentials.
	RedisIAMServiceAccount string `env:"REDIS_IAM_SERVICE_ACCOUNT"`
	RedisIAMCredentials    string `env:"REDIS_IAM_CREDENTIALS_BASE64"`

	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE"`

	OTelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	EnableTelemetry bool   `env:"ENABLE_TELEMETRY"`

	// UpstreamRegistryURL, when set, serves choice contexts fetched from
	// another registry's off-ledger API instead of computing them locally.
	UpstreamRegistryURL string `env:"UPSTREAM_REGISTRY_URL"`

	ContextTTL         time.Duration `env:"CHOICE_CONTEXT_TTL"`
	DispatcherInterval time.Duration `env:"OUTBOX_DISPATCH_INTERVAL"`

	// JanitorEnabled turns on the periodic expiry sweep. Deadlines are
	// enforced when a choice is exercised either way.
	JanitorEnabled  bool          `env:"JANITOR_ENABLED"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL"`

	BootstrapInstrument string `env:"BOOTSTRAP_INSTRUMENT"`
	BootstrapDecimals   int32  `env:"BOOTSTRAP_DECIMALS"`
	TransferFeeRate     string `env:"DEFAULT_TRANSFER_FEE_RATE"`
	HoldingFee          string `env:"DEFAULT_HOLDING_FEE"`
}

// DefaultConfig returns the settings used for anything the environment
// leaves unset.
func DefaultConfig() Config {
	return Config{
		EnvName:            zap.EnvironmentLocal,
		ServerAddress:      ":8080",
		Admin:              "registry-admin",
		DatabaseName:       "tokenstandard",
		RabbitMQExchange:   "tokenstandard.events",
		ContextTTL:         registry.DefaultContextTTL,
		JanitorInterval:    time.Minute,
		DispatcherInterval: 2 * time.Second,
		BootstrapDecimals:  2,
		TransferFeeRate:    "0",
		HoldingFee:         "0",
	}
}

// LoadConfig overlays the environment on DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if err := tokenstandard.SetConfigFromEnvVars(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Admin) == "" {
		errs = append(errs, errors.New("REGISTRY_ADMIN is required"))
	}

	if strings.TrimSpace(c.ServerAddress) == "" {
		errs = append(errs, errors.New("SERVER_ADDRESS is required"))
	}

	if c.ReplicaDSN != "" && c.PrimaryDSN == "" {
		errs = append(errs, errors.New("POSTGRES_REPLICA_DSN requires POSTGRES_PRIMARY_DSN"))
	}

	if c.RedisIAMServiceAccount != "" && c.RedisPassword != "" {
		errs = append(errs, errors.New("REDIS_PASSWORD and REDIS_IAM_SERVICE_ACCOUNT are mutually exclusive"))
	}

	if c.UpstreamRegistryURL != "" {
		if u, err := url.Parse(c.UpstreamRegistryURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, errors.New("UPSTREAM_REGISTRY_URL must be an http or https URL"))
		}
	}

	if c.JanitorEnabled && c.JanitorInterval <= 0 {
		errs = append(errs, errors.New("JANITOR_INTERVAL must be positive when JANITOR_ENABLED is set"))
	}

	if _, _, err := c.Fees(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// RedisConfig maps the Redis settings onto the client configuration.
func (c Config) RedisConfig(logger log.Logger) tsredis.Config {
	cfg := tsredis.Config{
		Addresses:    []string{c.RedisAddress},
		Password:     c.RedisPassword,
		CACertBase64: c.RedisCACert,
		Logger:       logger,
	}

	if c.RedisIAMServiceAccount != "" {
		cfg.GCPIAM = &tsredis.GCPIAMAuth{
			ServiceAccount:    c.RedisIAMServiceAccount,
			CredentialsBase64: c.RedisIAMCredentials,
		}
	}

	return cfg
}

// Fees parses the default fee schedule of bootstrapped instruments.
func (c Config) Fees() (rate, holding decimal.Decimal, err error) {
	if rate, err = decimal.NewFromString(c.TransferFeeRate); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("DEFAULT_TRANSFER_FEE_RATE: %w", err)
	}

	if holding, err = decimal.NewFromString(c.HoldingFee); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("DEFAULT_HOLDING_FEE: %w", err)
	}

	return rate, holding, nil
}
