package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the server process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaGroup         string

	PGDSN string

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	RouteCacheTTL    time.Duration
	DefaultSpeedMps  float64

	MatchBufferMeters float64
	MatchTimeout      time.Duration
	ReindexInterval   time.Duration

	QuadtreeMaxCapacity int
	QuadtreeMinCapacity int
	QuadtreeMaxDepth    int

	DriverConfirmTimeout time.Duration
	RiderConfirmTimeout  time.Duration
	AllowSoloRides       bool

	PushWebhookURL string

	StripeAPIKey  string
	FareCurrency  string
	FareBase      float64
	FarePerKm     float64
	FarePerMinute float64
	FareMinimum   float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisKeyPrefix:       "rideshare:",
		KafkaLocationTopic:   "user-locations",
		KafkaGroup:           "rideshare-locations",
		RouteCacheTTL:        5 * time.Minute,
		DefaultSpeedMps:      10,
		MatchBufferMeters:    1000,
		MatchTimeout:         30 * time.Second,
		ReindexInterval:      10 * time.Second,
		QuadtreeMaxCapacity:  10,
		QuadtreeMinCapacity:  1,
		QuadtreeMaxDepth:     25,
		DriverConfirmTimeout: 120 * time.Second,
		RiderConfirmTimeout:  120 * time.Second,
		AllowSoloRides:       true,
		FareCurrency:         "usd",
		FareBase:             2.50,
		FarePerKm:            1.50,
		FarePerMinute:        0.25,
		FareMinimum:          5.00,
		LogLevel:             "info",
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
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ROUTING_DEFAULT_SPEED_MPS", &errs)

	setFloatFromEnv(&cfg.MatchBufferMeters, "MATCH_BUFFER_METERS", &errs)
	setDurationFromEnv(&cfg.MatchTimeout, "MATCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ReindexInterval, "REINDEX_INTERVAL", &errs)

	setIntFromEnv(&cfg.QuadtreeMaxCapacity, "QUADTREE_MAX_CAPACITY", &errs)
	setIntFromEnv(&cfg.QuadtreeMinCapacity, "QUADTREE_MIN_CAPACITY", &errs)
	setIntFromEnv(&cfg.QuadtreeMaxDepth, "QUADTREE_MAX_DEPTH", &errs)

	setDurationFromEnv(&cfg.DriverConfirmTimeout, "DRIVER_CONFIRM_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RiderConfirmTimeout, "RIDER_CONFIRM_TIMEOUT", &errs)
	setBoolFromEnv(&cfg.AllowSoloRides, "ALLOW_SOLO_RIDES", &errs)

	setStringFromEnv(&cfg.PushWebhookURL, "PUSH_WEBHOOK_URL")

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")
	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.FarePerMinute, "FARE_PER_MINUTE", &errs)
	setFloatFromEnv(&cfg.FareMinimum, "FARE_MINIMUM", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.QuadtreeMaxCapacity <= 0 {
		errs = append(errs, fmt.Errorf("QUADTREE_MAX_CAPACITY must be > 0"))
	}
	if c.QuadtreeMinCapacity < 0 || c.QuadtreeMinCapacity > c.QuadtreeMaxCapacity/4 {
		errs = append(errs, fmt.Errorf("QUADTREE_MIN_CAPACITY must be between 0 and QUADTREE_MAX_CAPACITY/4"))
	}
	if c.QuadtreeMaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("QUADTREE_MAX_DEPTH must be > 0"))
	}
	for key, d := range map[string]time.Duration{
		"MATCH_TIMEOUT":          c.MatchTimeout,
		"REINDEX_INTERVAL":       c.ReindexInterval,
		"DRIVER_CONFIRM_TIMEOUT": c.DriverConfirmTimeout,
		"RIDER_CONFIRM_TIMEOUT":  c.RiderConfirmTimeout,
		"ROUTE_CACHE_TTL":        c.RouteCacheTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.MatchBufferMeters < 0 {
		errs = append(errs, fmt.Errorf("MATCH_BUFFER_METERS must be >= 0"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ROUTING_DEFAULT_SPEED_MPS must be > 0"))
	}
	return errs
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
