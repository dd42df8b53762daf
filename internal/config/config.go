// Package config loads the process configuration once at startup. Values come
// from the OS environment, then a .env file, then AWS SSM Parameter Store for
// variables published as NAME_SSM_PARAM pointers.
package config

import (
	"time"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

type SecretString = types.SecretString

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Metrics backends.
const (
	MetricsPrometheus = "prometheus"
	MetricsCloudWatch = "cloudwatch"
	MetricsNone       = "none"
)

// Config is immutable after Load returns. Components receive only the
// section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"sponsorscout-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server        ServerConfig
	Store         StoreConfig
	AWS           AWSConfig
	Billing       BillingConfig
	LLM           LLMConfig
	Observability ObservabilityConfig

	Build BuildInfo
}

type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"20s"`
	// MaxWebhookBytes bounds processor notification bodies.
	MaxWebhookBytes int64    `envconfig:"MAX_WEBHOOK_BYTES" default:"65536" validate:"min=1024"`
	CorsOrigins     []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// StoreConfig selects the persistence backend. DATABASE_URL is required for
// postgres, MONGO_URI for mongo.
type StoreConfig struct {
	Driver          string        `envconfig:"STORE_DRIVER" default:"postgres" validate:"oneof=postgres mongo memory"`
	DatabaseURL     SecretString  `envconfig:"DATABASE_URL" validate:"required_if=Driver postgres"`
	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	MongoURI        SecretString  `envconfig:"MONGO_URI" validate:"required_if=Driver mongo"`
	MongoDatabase   string        `envconfig:"MONGO_DATABASE" default:"sponsorscout"`
	MongoTimeout    time.Duration `envconfig:"MONGO_TIMEOUT" default:"5s"`
}

type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// LedgerReplayQueueURL receives ledger entries whose append failed.
	LedgerReplayQueueURL string `envconfig:"SQS_LEDGER_REPLAY" validate:"omitempty,url"`
	ArchiveBucket        string `envconfig:"ARCHIVE_BUCKET"`
	EndpointURL          string `envconfig:"AWS_ENDPOINT_URL"`
}

type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeBaseURL       string       `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`

	CatalogConfig

	SuccessURL string `envconfig:"CHECKOUT_SUCCESS_URL" validate:"required,url"`
	CancelURL  string `envconfig:"CHECKOUT_CANCEL_URL" validate:"required,url"`
}

// CatalogConfig binds plans to processor prices and sets the recurring
// quotas. Tools that only read the catalog load this section alone.
type CatalogConfig struct {
	PriceOneShot string `envconfig:"STRIPE_PRICE_ONE_SHOT" validate:"required"`
	PriceBasic   string `envconfig:"STRIPE_PRICE_BASIC" validate:"required"`
	PricePro     string `envconfig:"STRIPE_PRICE_PRO" validate:"required"`

	BasicUnits int `envconfig:"BILLING_BASIC_UNITS" default:"3" validate:"min=1"`
	ProUnits   int `envconfig:"BILLING_PRO_UNITS" default:"10" validate:"min=1"`
}

func (b CatalogConfig) CatalogOptions() billing.CatalogOptions {
	return billing.CatalogOptions{
		BasicUnits: b.BasicUnits,
		ProUnits:   b.ProUnits,
		PriceIDs: map[types.PlanID]string{
			types.PlanOneShot: b.PriceOneShot,
			types.PlanBasic:   b.PriceBasic,
			types.PlanPro:     b.PricePro,
		},
	}
}

// LLMConfig points at the completion API that produces sponsor recommendations.
type LLMConfig struct {
	BaseURL string        `envconfig:"LLM_BASE_URL" default:"https://api.openai.com/v1" validate:"url"`
	APIKey  SecretString  `envconfig:"LLM_API_KEY"`
	Model   string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	Timeout time.Duration `envconfig:"LLM_TIMEOUT" default:"45s"`
}

type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"SponsorScout"`
}

// BuildInfo is injected via ldflags, never read from the environment.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes load failures.
type ConfigErrorType string

const (
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)

// Catalog builds the plan catalog for the configured prices and quotas.
func (b CatalogConfig) Catalog() (billing.PlanCatalog, error) {
	return billing.NewPlanCatalog(b.CatalogOptions())
}
