package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/truck-booking/internal/models"
)

// ServerConfig captures all tunable parameters for the booking API process.
// Every backing service is optional so the binary runs locally on the
// in-memory store, the in-memory directory and straight-line distances.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaEventsTopic string

	AMQPURL      string
	AMQPExchange string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	FareRates         map[models.TruckType]int64
	FareMinimum       int64
	FareMaxDistanceKm float64

	MatchRadiusKm   float64
	DefaultSpeedMps float64
	MatcherTopN     int

	BookingMaxRetries int

	DispatchQueueSize int
	DispatchWorkers   int
	NotifyWebhookURL  string
	NotifyWebhookKey  string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeCurrency      string

	HostedGatewayURL    string
	HostedGatewayStore  string
	HostedGatewaySecret string
	PaymentReturnURL    string

	OSRMEndpoint      string
	NominatimEndpoint string
	RouteCacheTTL     time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		KafkaEventsTopic: "booking-events",
		AMQPExchange:     "truck.events",
		MigrationsDir:    "migrations",
		FareRates: map[models.TruckType]int64{
			models.TruckMini:   40,
			models.TruckPickup: 50,
			models.TruckLorry:  70,
			models.TruckLarge:  90,
		},
		FareMinimum:       100,
		FareMaxDistanceKm: 1000,
		MatchRadiusKm:     25,
		DefaultSpeedMps:   8,
		MatcherTopN:       10,
		BookingMaxRetries: 3,
		DispatchQueueSize: 1024,
		DispatchWorkers:   4,
		StripeCurrency:    "usd",
		RouteCacheTTL:     10 * time.Minute,
		LogLevel:          "info",
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
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	if v := os.Getenv("FARE_RATES"); v != "" {
		rates, err := ParseFareRates(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.FareRates = rates
		}
	}
	setInt64FromEnv(&cfg.FareMinimum, "FARE_MINIMUM", &errs)
	setFloatFromEnv(&cfg.FareMaxDistanceKm, "FARE_MAX_DISTANCE_KM", &errs)

	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCHER_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	setIntFromEnv(&cfg.BookingMaxRetries, "BOOKING_MAX_RETRIES", &errs)

	setIntFromEnv(&cfg.DispatchQueueSize, "DISPATCH_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.DispatchWorkers, "DISPATCH_WORKERS", &errs)
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")

	cfg.StripeSecretKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	cfg.HostedGatewayURL = strings.TrimSpace(os.Getenv("HOSTED_GATEWAY_URL"))
	cfg.HostedGatewayStore = os.Getenv("HOSTED_GATEWAY_STORE_ID")
	cfg.HostedGatewaySecret = os.Getenv("HOSTED_GATEWAY_SECRET")
	cfg.PaymentReturnURL = strings.TrimSpace(os.Getenv("PAYMENT_RETURN_URL"))

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	cfg.NominatimEndpoint = strings.TrimSpace(os.Getenv("NOMINATIM_ENDPOINT"))
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RADIUS_KM must be > 0"))
	}
	if cfg.FareMinimum < 0 {
		errs = append(errs, fmt.Errorf("FARE_MINIMUM must be >= 0"))
	}
	if cfg.FareMaxDistanceKm <= 0 {
		errs = append(errs, fmt.Errorf("FARE_MAX_DISTANCE_KM must be > 0"))
	}
	if cfg.BookingMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("BOOKING_MAX_RETRIES must be >= 0"))
	}
	if cfg.DispatchWorkers <= 0 || cfg.DispatchQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS and DISPATCH_QUEUE_SIZE must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ParseFareRates reads "MINI_TRUCK=40,PICKUP=50" into a per-km rate table.
func ParseFareRates(v string) (map[models.TruckType]int64, error) {
	out := make(map[models.TruckType]int64)
	for _, pair := range splitAndTrim(v) {
		k, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid FARE_RATES entry %q", pair)
		}
		t := models.TruckType(strings.ToUpper(strings.TrimSpace(k)))
		if !t.Valid() {
			return nil, fmt.Errorf("invalid FARE_RATES truck type %q", k)
		}
		rate, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || rate <= 0 {
			return nil, fmt.Errorf("invalid FARE_RATES rate for %s: %q", t, raw)
		}
		out[t] = rate
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("FARE_RATES is empty")
	}
	return out, nil
}

// ConsumerConfig configures the driver directory sync worker.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	MaxRetries  int
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-updates",
		KafkaGroupID: "driver-directory-sync",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MetricsAddr:  ":9091",
		MaxRetries:   5,
		LogLevel:     "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_DRIVER_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.MaxRetries, "CONSUMER_MAX_RETRIES", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	return cfg, errors.Join(errs...)
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

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
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
