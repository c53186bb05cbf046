// Command consumer keeps the Redis driver directory in sync with driver
// snapshots published on Kafka by the fleet service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/truck-booking/internal/config"
	"github.com/example/truck-booking/internal/geo"
	"github.com/example/truck-booking/internal/logging"
	"github.com/example/truck-booking/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_sync_messages_consumed_total",
		Help: "Total driver snapshot messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_sync_messages_invalid_total",
		Help: "Total driver snapshots rejected as malformed",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_sync_redis_updates_total",
		Help: "Total successful directory writes",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directory_sync_redis_errors_total",
		Help: "Total directory writes that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel).With("component", "directory-sync")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	updater := &redisAdapter{c: rc}

	go serveHealth(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		d, err := decodeSnapshot(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid driver snapshot", "offset", m.Offset, "partition", m.Partition, "error", err)
			continue
		}
		if err := updateDirectoryWithRetry(ctx, updater, cfg.RedisGeoKey, d, cfg.MaxRetries, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("directory update failed", "driver_id", d.ID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func serveHealth(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// decodeSnapshot rejects snapshots the matcher could not use.
func decodeSnapshot(raw []byte) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(raw, &d); err != nil {
		return models.Driver{}, err
	}
	switch {
	case d.ID == "":
		return models.Driver{}, errors.New("missing driver id")
	case !d.TruckType.Valid():
		return models.Driver{}, fmt.Errorf("unknown truck type %q", d.TruckType)
	case d.Loc.Lat < -90 || d.Loc.Lat > 90 || d.Loc.Lon < -180 || d.Loc.Lon > 180:
		return models.Driver{}, fmt.Errorf("coordinates out of range: %v", d.Loc)
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now().UTC()
	}
	return d, nil
}

// DirectoryUpdater is the subset of redis operations the sync needs.
type DirectoryUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// updateDirectoryWithRetry writes position and metadata using the layout
// geo.RedisGeo reads, backing off between attempts.
func updateDirectoryWithRetry(ctx context.Context, rc DirectoryUpdater, geoKey string, d models.Driver, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}); err != nil {
			continue
		}
		if err = rc.HSet(ctx, geo.MetaKey(d.ID), geo.MetaFields(d)); err != nil {
			continue
		}
		return nil
	}
	return err
}
