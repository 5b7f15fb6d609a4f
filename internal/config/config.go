package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP relay (optional)
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:""`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@mailgateway.local"`

	// ----------------------------
	// Queues
	// ----------------------------
	SendWorkers     int           `envconfig:"SEND_WORKERS" default:"5"`
	InboundWorkers  int           `envconfig:"INBOUND_WORKERS" default:"5"`
	RateLimit       int           `envconfig:"RATE_LIMIT" default:"10"`
	RetryAttempts   int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBackoff    time.Duration `envconfig:"RETRY_BACKOFF" default:"2s"`
	FailedRetention int           `envconfig:"FAILED_RETENTION" default:"100"`
	QueuePrefix     string        `envconfig:"QUEUE_PREFIX" default:"mailgw"`

	// ----------------------------
	// Token expiry fallbacks for providers that do not report
	// per-mailbox expiry (RFC 3339).
	// ----------------------------
	GmailTokenExpiry   string `envconfig:"GMAIL_TOKEN_EXPIRY" default:""`
	OutlookTokenExpiry string `envconfig:"OUTLOOK_TOKEN_EXPIRY" default:""`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort            string `envconfig:"API_PORT" default:"8080"`
	JWTSecret          string `envconfig:"JWT_SECRET" required:"true"`
	EventsSharedSecret string `envconfig:"EVENTS_SHARED_SECRET" default:""`
	FrontendOrigin     string `envconfig:"FRONTEND_ORIGIN" default:"*"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Storage
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
