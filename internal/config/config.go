package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup: with no Redis,
// Postgres or Kafka configured everything runs in process.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaEventsTopic   string
	RepublishLocations bool

	PGDSN string

	// dispatch
	MaxRadiusKm         float64
	CandidateLimit      int
	Freshness           time.Duration
	SearchTimeout       time.Duration
	SearchRetryInterval time.Duration
	MonitorInterval     time.Duration
	ScheduleLead        time.Duration
	LockWait            time.Duration
	LockTTL             time.Duration
	ConflictRetries     int
	DependencyRetries   int
	RetryBackoff        time.Duration

	SpeedKmh    float64
	MinETA      int
	OSRMURL     string
	ETACacheTTL time.Duration

	EnforceServiceArea bool
	TariffFile         string
	// TariffCacheTTL bounds how stale a node's tariff may get when a Redis
	// invalidation message is missed.
	TariffCacheTTL time.Duration
	TariffChannel  string

	StripeKey string

	PushEndpoint string
	PushKey      string
	PushFCM      bool

	OTLPEndpoint string
	TraceRatio   float64
	ServiceName  string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		KafkaTopic:       "driver-locations",
		KafkaEventsTopic: "ride-events",

		MaxRadiusKm:       50,
		CandidateLimit:    5,
		Freshness:         30 * time.Second,
		SearchTimeout:     3 * time.Second,
		MonitorInterval:   time.Second,
		ScheduleLead:      10 * time.Minute,
		LockWait:          2 * time.Second,
		LockTTL:           10 * time.Second,
		ConflictRetries:   3,
		DependencyRetries: 3,
		RetryBackoff:      50 * time.Millisecond,

		SpeedKmh:    40,
		MinETA:      2,
		ETACacheTTL: 30 * time.Second,

		EnforceServiceArea: true,
		TariffCacheTTL:     30 * time.Second,
		TariffChannel:      "tariff:updated",

		TraceRatio:  1,
		ServiceName: "ride-dispatch",
		LogLevel:    "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setBoolFromEnv(&cfg.RepublishLocations, "KAFKA_REPUBLISH_LOCATIONS", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.MaxRadiusKm, "DISPATCH_MAX_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.Freshness, "DISPATCH_FRESHNESS", &errs)
	setDurationFromEnv(&cfg.SearchTimeout, "DISPATCH_SEARCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SearchRetryInterval, "DISPATCH_SEARCH_RETRY", &errs)
	setDurationFromEnv(&cfg.MonitorInterval, "DISPATCH_MONITOR_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ScheduleLead, "DISPATCH_SCHEDULE_LEAD", &errs)
	setDurationFromEnv(&cfg.LockWait, "LOCK_WAIT", &errs)
	setDurationFromEnv(&cfg.LockTTL, "LOCK_TTL", &errs)
	setIntFromEnv(&cfg.ConflictRetries, "CONFLICT_RETRIES", &errs)
	setIntFromEnv(&cfg.DependencyRetries, "DEPENDENCY_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "RETRY_BACKOFF", &errs)

	setFloatFromEnv(&cfg.SpeedKmh, "ETA_SPEED_KMH", &errs)
	setIntFromEnv(&cfg.MinETA, "ETA_MIN_MINUTES", &errs)
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setBoolFromEnv(&cfg.EnforceServiceArea, "ENFORCE_SERVICE_AREA", &errs)
	setStringFromEnv(&cfg.TariffFile, "TARIFF_FILE")
	setDurationFromEnv(&cfg.TariffCacheTTL, "TARIFF_CACHE_TTL", &errs)
	setStringFromEnv(&cfg.TariffChannel, "TARIFF_CHANNEL")

	cfg.StripeKey = os.Getenv("STRIPE_KEY")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	setBoolFromEnv(&cfg.PushFCM, "PUSH_FCM", &errs)

	setStringFromEnv(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setFloatFromEnv(&cfg.TraceRatio, "OTEL_TRACE_RATIO", &errs)
	setStringFromEnv(&cfg.ServiceName, "OTEL_SERVICE_NAME")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.MaxRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RADIUS_KM must be > 0"))
	}
	if cfg.SearchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_TIMEOUT must be > 0"))
	}
	if cfg.SearchRetryInterval < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RETRY must be >= 0"))
	}
	if cfg.SpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("ETA_SPEED_KMH must be > 0"))
	}
	if cfg.TraceRatio < 0 || cfg.TraceRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACE_RATIO must be within [0,1]"))
	}
	if cfg.RepublishLocations && len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_REPUBLISH_LOCATIONS requires KAFKA_BROKERS"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is parsed by kong from flags, falling back to the same
// environment variables the server reads.
type ConsumerConfig struct {
	Brokers     []string      `name:"brokers" env:"KAFKA_BROKERS" default:"localhost:9092" sep:"," help:"Kafka brokers."`
	Topic       string        `name:"topic" env:"KAFKA_TOPIC" default:"driver-locations" help:"Location topic."`
	Group       string        `name:"group" env:"KAFKA_GROUP" default:"ride-dispatch-consumer" help:"Consumer group id."`
	RedisAddr   string        `name:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" help:"Redis address."`
	RedisPass   string        `name:"redis-password" env:"REDIS_PASSWORD" help:"Redis password."`
	GeoKey      string        `name:"geo-key" env:"REDIS_GEO_KEY" default:"drivers_geo" help:"Redis GEO key."`
	Freshness   time.Duration `name:"freshness" env:"DISPATCH_FRESHNESS" default:"30s" help:"Position freshness window."`
	MetricsAddr string        `name:"metrics-addr" env:"METRICS_ADDR" default:":2112" help:"Address for metrics and health."`
	Attempts    int           `name:"attempts" default:"3" help:"Index update attempts per message."`
	RetryDelay  time.Duration `name:"retry-delay" default:"200ms" help:"First retry delay; doubles per attempt."`
	LogLevel    string        `name:"log-level" env:"LOG_LEVEL" default:"info" help:"Log level."`
}

// Validate is called by kong after parsing.
func (c *ConsumerConfig) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("at least one broker is required"))
	}
	if c.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("attempts must be > 0"))
	}
	return errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
