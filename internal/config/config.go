package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	Enabled  bool          // SUBSCRIPTION_CACHE; false reads the store directly
	Addr     string        // e.g. redis:6379
	Password string        // optional
	DB       int           // logical database
	CacheTTL time.Duration // subscription cache TTL
}

type NSQ struct {
	NsqdTCPAddr       string // e.g. nsqd:4150
	LookupHTTPAddr    string // e.g. http://nsqlookupd:4161
	WakeTopic         string // NSQ topic for new-delivery wake-ups
	DLQTopic          string // Dead letter topic
	SubscriptionTopic string // Subscription change notices
	WorkerChannel     string // NSQ channel name for workers
	PublishDLQ        bool   // Whether to publish failed deliveries to DLQ topic
}

// Delivery holds the delivery engine knobs.
type Delivery struct {
	MaxAttempts          int           // Attempts before a delivery fails
	InitialDelay         time.Duration // Backoff after the first failed attempt
	MaxDelay             time.Duration // Backoff cap
	Multiplier           float64       // Backoff growth factor
	JitterFraction       float64       // Symmetric jitter (0.0-1.0)
	AttemptTimeout       time.Duration // Per-attempt HTTP timeout
	Workers              int           // Concurrent workers
	PerSubscriptionLimit int           // Concurrent attempts per subscription
	SubmitDelay          time.Duration // Delay before a new delivery is due
	PollInterval         time.Duration // Scheduler idle poll
	ClaimLease           time.Duration // How long a claim is held before the reaper releases it
	ReaperSchedule       string        // cron spec for the lease reaper
	ResponseExcerptBytes int           // Cap on the stored response body excerpt
	SignatureHeader      string        // HTTP header carrying the payload signature
}

type Auth struct {
	PublicKeyPEM string // RSA public key; empty disables auth
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	EndpointSecret  string        // Secret for webhook signature verification
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName        string
	HTTPPort       string // :8080
	GRPCPort       string // :50051
	WorkerHTTPPort string // :8083
	DB             DB
	Redis          Redis
	NSQ            NSQ
	Delivery       Delivery
	Auth           Auth
	FakeReceiver   FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// DefaultDelivery returns the delivery defaults used when no env is set.
func DefaultDelivery() Delivery {
	return Delivery{
		MaxAttempts:          5,
		InitialDelay:         time.Second,
		MaxDelay:             30 * time.Second,
		Multiplier:           2,
		JitterFraction:       0.2,
		AttemptTimeout:       10 * time.Second,
		Workers:              8,
		PerSubscriptionLimit: 4,
		SubmitDelay:          0,
		PollInterval:         time.Second,
		ClaimLease:           2 * time.Minute,
		ReaperSchedule:       "@every 30s",
		ResponseExcerptBytes: 1024,
		SignatureHeader:      "X-Relay-Signature",
	}
}

func FromEnv() Config {
	def := DefaultDelivery()
	return Config{
		AppName:        getenv("APP_NAME", "harborrelay"),
		HTTPPort:       getenv("HTTP_PORT", ":8080"),
		GRPCPort:       getenv("GRPC_PORT", ":50051"),
		WorkerHTTPPort: getenv("WORKER_HTTP_PORT", ":8083"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harborrelay"),
		},
		Redis: Redis{
			Enabled:  getenvBool("SUBSCRIPTION_CACHE", true),
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			CacheTTL: getenvDuration("SUBSCRIPTION_CACHE_TTL", 5*time.Minute),
		},
		NSQ: NSQ{
			NsqdTCPAddr:       getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:    getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			WakeTopic:         getenv("NSQ_DELIVERIES_TOPIC", "deliveries"),
			DLQTopic:          getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			SubscriptionTopic: getenv("NSQ_SUBSCRIPTION_TOPIC", "subscription_changes"),
			WorkerChannel:     getenv("NSQ_WORKER_CHANNEL", "workers"),
			PublishDLQ:        getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Delivery: Delivery{
			MaxAttempts:          getenvInt("MAX_ATTEMPTS", def.MaxAttempts),
			InitialDelay:         getenvDuration("RETRY_INITIAL_DELAY", def.InitialDelay),
			MaxDelay:             getenvDuration("RETRY_MAX_DELAY", def.MaxDelay),
			Multiplier:           getenvFloat("RETRY_MULTIPLIER", def.Multiplier),
			JitterFraction:       getenvFloat("RETRY_JITTER", def.JitterFraction),
			AttemptTimeout:       getenvDuration("ATTEMPT_TIMEOUT", def.AttemptTimeout),
			Workers:              getenvInt("WORKER_CONCURRENCY", def.Workers),
			PerSubscriptionLimit: getenvInt("PER_SUBSCRIPTION_CONCURRENCY", def.PerSubscriptionLimit),
			SubmitDelay:          getenvDuration("SUBMIT_DELAY", def.SubmitDelay),
			PollInterval:         getenvDuration("SCHEDULER_POLL_INTERVAL", def.PollInterval),
			ClaimLease:           getenvDuration("CLAIM_LEASE", def.ClaimLease),
			ReaperSchedule:       getenv("REAPER_SCHEDULE", def.ReaperSchedule),
			ResponseExcerptBytes: getenvInt("RESPONSE_EXCERPT_BYTES", def.ResponseExcerptBytes),
			SignatureHeader:      getenv("WEBHOOK_SIGNATURE_HEADER", def.SignatureHeader),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", ""),
			Audience:     getenv("JWT_AUDIENCE", ""),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// Validate checks the delivery knobs against their documented ranges.
func (d Delivery) Validate() error {
	var errs []error
	if d.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", d.MaxAttempts))
	}
	if d.InitialDelay <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_INITIAL_DELAY must be positive, got %s", d.InitialDelay))
	}
	if d.MaxDelay <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY must be positive, got %s", d.MaxDelay))
	}
	if d.MaxDelay < d.InitialDelay {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY (%s) must be >= RETRY_INITIAL_DELAY (%s)", d.MaxDelay, d.InitialDelay))
	}
	if d.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MULTIPLIER must be >= 1, got %g", d.Multiplier))
	}
	if d.JitterFraction < 0 || d.JitterFraction >= 1 {
		errs = append(errs, fmt.Errorf("RETRY_JITTER must be in [0,1), got %g", d.JitterFraction))
	}
	if d.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ATTEMPT_TIMEOUT must be positive, got %s", d.AttemptTimeout))
	}
	if d.Workers <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", d.Workers))
	}
	if d.PerSubscriptionLimit <= 0 {
		errs = append(errs, fmt.Errorf("PER_SUBSCRIPTION_CONCURRENCY must be positive, got %d", d.PerSubscriptionLimit))
	}
	if d.SubmitDelay < 0 {
		errs = append(errs, fmt.Errorf("SUBMIT_DELAY must not be negative, got %s", d.SubmitDelay))
	}
	if d.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive, got %s", d.PollInterval))
	}
	if d.ClaimLease <= d.AttemptTimeout {
		errs = append(errs, fmt.Errorf("CLAIM_LEASE (%s) must exceed ATTEMPT_TIMEOUT (%s)", d.ClaimLease, d.AttemptTimeout))
	}
	if d.ResponseExcerptBytes <= 0 {
		errs = append(errs, fmt.Errorf("RESPONSE_EXCERPT_BYTES must be positive, got %d", d.ResponseExcerptBytes))
	}
	if _, err := cron.ParseStandard(d.ReaperSchedule); err != nil {
		errs = append(errs, fmt.Errorf("REAPER_SCHEDULE %q: %w", d.ReaperSchedule, err))
	}
	return errors.Join(errs...)
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	return c.Delivery.Validate()
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
