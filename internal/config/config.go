package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type DB struct {
	User    string `env:"DB_USER" envDefault:"postgres"`
	Pass    string `env:"DB_PASS" envDefault:"postgres"`
	Host    string `env:"DB_HOST" envDefault:"postgres"`
	Port    string `env:"DB_PORT" envDefault:"5432"`
	Name    string `env:"DB_NAME" envDefault:"harbormail"`
	SSLMode string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConn int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	Migrate bool   `env:"DB_MIGRATE" envDefault:"false"` // Apply embedded migrations on startup
}

type HTTP struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type Auth struct {
	PublicKeyPEM string        `env:"JWT_PUBLIC_KEY"`
	JWKSURL      string        `env:"JWT_JWKS_URL"` // e.g. http://jwks-server:8082/.well-known/jwks.json
	JWKSRefresh  time.Duration `env:"JWT_JWKS_REFRESH_INTERVAL" envDefault:"1h"`
	Issuer       string        `env:"JWT_ISSUER" envDefault:"harbormail"`
	Audience     string        `env:"JWT_AUDIENCE" envDefault:"harbormail-api"`
}

type Worker struct {
	ID           string        `env:"WORKER_ID"` // Lease owner name; generated when empty
	Concurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	Lease        time.Duration `env:"WORKER_LEASE" envDefault:"2m"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"6"`
	BackoffBase  time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffMax   time.Duration `env:"BACKOFF_MAX" envDefault:"10m"`
	JitterPct    float64       `env:"BACKOFF_JITTER_PCT" envDefault:"0.25"`
	HTTPAddr     string        `env:"WORKER_HTTP_ADDR" envDefault:":8083"`
}

type Email struct {
	Mode         string        `env:"EMAIL_MODE" envDefault:"api"` // api | smtp
	BaseURL      string        `env:"EMAIL_BASE_URL" envDefault:"http://fake-mailer:8081"`
	AuthToken    string        `env:"EMAIL_AUTH_TOKEN"`
	Sender       string        `env:"EMAIL_SENDER" envDefault:"newsletter@harbormail.dev"`
	SenderName   string        `env:"EMAIL_SENDER_NAME" envDefault:"Harbor Mail"`
	Timeout      time.Duration `env:"EMAIL_TIMEOUT" envDefault:"10s"`
	SMTPHost     string        `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string        `env:"SMTP_USER"`
	SMTPPassword string        `env:"SMTP_PASSWORD"`
}

type Idempotency struct {
	WaitTimeout   time.Duration `env:"IDEMPOTENCY_WAIT_TIMEOUT" envDefault:"10s"`
	LockTimeout   time.Duration `env:"IDEMPOTENCY_LOCK_TIMEOUT" envDefault:"5s"`
	Retention     time.Duration `env:"IDEMPOTENCY_RETENTION" envDefault:"48h"`
	PruneInterval time.Duration `env:"IDEMPOTENCY_PRUNE_INTERVAL" envDefault:"1h"`
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR"` // Empty disables the idempotency cache
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type NSQ struct {
	NsqdTCPAddr     string `env:"NSQD_TCP_ADDR" envDefault:"nsqd:4150"`
	DeadLetterTopic string `env:"NSQ_DEAD_LETTER_TOPIC" envDefault:"deliveries_failed"`
	PublishDead     bool   `env:"PUBLISH_DEAD_LETTERS" envDefault:"false"`
}

// Tracing configures the OTLP trace exporter shared by every service.
type Tracing struct {
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"tempo:4318"` // host:port, a scheme is tolerated
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1"`
	Version     string  `env:"SERVICE_VERSION" envDefault:"dev"`
	InstanceID  string  `env:"HOSTNAME"` // Falls back to os.Hostname
}

type Config struct {
	AppName     string `env:"APP_NAME" envDefault:"harbormail"`
	DB          DB
	HTTP        HTTP
	Auth        Auth
	Worker      Worker
	Email       Email
	Idempotency Idempotency
	Redis       Redis
	NSQ         NSQ
	Tracing     Tracing
}

// FromEnv loads an optional .env file (ENV_FILE, default ".env") and parses
// the process environment into a Config.
func FromEnv() (Config, error) {
	file := os.Getenv("ENV_FILE")
	if file == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load %s: %w", file, err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Worker.Concurrency <= 0 {
		problems = append(problems, "WORKER_CONCURRENCY must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		problems = append(problems, "MAX_ATTEMPTS must be positive")
	}
	if c.Worker.Lease <= 0 {
		problems = append(problems, "WORKER_LEASE must be positive")
	}
	if c.Worker.JitterPct < 0 || c.Worker.JitterPct > 1 {
		problems = append(problems, "BACKOFF_JITTER_PCT must be within [0,1]")
	}
	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffMax < c.Worker.BackoffBase {
		problems = append(problems, "BACKOFF_BASE must be positive and not exceed BACKOFF_MAX")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		problems = append(problems, "OTEL_TRACES_SAMPLE_RATIO must be within [0,1]")
	}
	switch c.Email.Mode {
	case "api", "smtp":
	default:
		problems = append(problems, fmt.Sprintf("EMAIL_MODE %q must be api or smtp", c.Email.Mode))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Pass),
		Host:     c.DB.Host + ":" + c.DB.Port,
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=" + c.DB.SSLMode,
	}
	return u.String()
}

// MigrateURL is the DSN in the form golang-migrate's pgx/v5 driver expects.
func (c Config) MigrateURL() string {
	return "pgx5" + strings.TrimPrefix(c.DSN(), "postgres")
}
