package config

import (
	"strings"
	"testing"
	"time"

	"github.com/example/truck-booking/internal/models"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.FareRates[models.TruckMini] != 40 || cfg.FareMinimum != 100 {
		t.Fatalf("unexpected fare defaults %+v", cfg.FareRates)
	}
	if cfg.BookingMaxRetries != 3 || cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestOverridesFromEnv(t *testing.T) {
	t.Setenv("FARE_RATES", "mini_truck=45, LORRY=80")
	t.Setenv("FARE_MINIMUM", "150")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.FareRates) != 2 || cfg.FareRates[models.TruckMini] != 45 || cfg.FareRates[models.TruckLorry] != 80 {
		t.Fatalf("unexpected rates %+v", cfg.FareRates)
	}
	if cfg.FareMinimum != 150 || cfg.ReadTimeout != 2*time.Second || !cfg.RunMigrations {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestAllErrorsReported(t *testing.T) {
	t.Setenv("HTTP_WRITE_TIMEOUT", "soon")
	t.Setenv("FARE_RATES", "BOAT=10")
	t.Setenv("MATCHER_TOP_N", "0")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"HTTP_WRITE_TIMEOUT", "FARE_RATES", "MATCHER_TOP_N"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err)
		}
	}
}

func TestParseFareRatesRejectsBadRate(t *testing.T) {
	for _, v := range []string{"PICKUP", "PICKUP=abc", "PICKUP=-5", " , "} {
		if _, err := ParseFareRates(v); err == nil {
			t.Fatalf("expected error for %q", v)
		}
	}
}

func TestConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_DRIVER_TOPIC", "drivers")
	t.Setenv("CONSUMER_MAX_RETRIES", "x")
	cfg, err := LoadConsumerConfig()
	if err == nil || !strings.Contains(err.Error(), "CONSUMER_MAX_RETRIES") {
		t.Fatalf("expected retry parse error, got %v", err)
	}
	if cfg.KafkaTopic != "drivers" {
		t.Fatalf("unexpected topic %q", cfg.KafkaTopic)
	}
}
