package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/truck-booking/internal/booking"
	"github.com/example/truck-booking/internal/config"
	"github.com/example/truck-booking/internal/dispatch"
	"github.com/example/truck-booking/internal/fare"
	"github.com/example/truck-booking/internal/geo"
	httpapi "github.com/example/truck-booking/internal/http"
	"github.com/example/truck-booking/internal/location"
	"github.com/example/truck-booking/internal/logging"
	"github.com/example/truck-booking/internal/matcher"
	"github.com/example/truck-booking/internal/models"
	"github.com/example/truck-booking/internal/payments"
	"github.com/example/truck-booking/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx, cfg.MigrationsDir)
			if err != nil {
				logger.Error("migration failed", "applied", applied, "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var directory geo.Directory
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		closers = append(closers, rg.Close)
		directory = rg
	} else {
		directory = geo.NewIndex()
	}

	var router location.Router = location.Haversine{}
	if cfg.OSRMEndpoint != "" {
		router = location.NewOSRMClient(cfg.OSRMEndpoint, location.NewCache(cfg.RouteCacheTTL), logger)
	}
	var geocoder location.Geocoder
	if cfg.NominatimEndpoint != "" {
		geocoder = location.NewNominatimClient(cfg.NominatimEndpoint)
	}

	wsreg := dispatch.NewWSRegistry()
	sinks := []dispatch.Sink{dispatch.LogSink{Logger: logger}, wsreg}
	if len(cfg.KafkaBrokers) > 0 {
		ks := dispatch.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		closers = append(closers, ks.Close)
		sinks = append(sinks, ks)
	}
	if cfg.AMQPURL != "" {
		as, err := dispatch.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("amqp unavailable", "error", err)
			os.Exit(1)
		}
		closers = append(closers, as.Close)
		sinks = append(sinks, as)
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, dispatch.NewHTTPSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey))
	}
	dispatcher := dispatch.New(logger, dispatch.Options{QueueSize: cfg.DispatchQueueSize, Workers: cfg.DispatchWorkers}, sinks...)

	m := &matcher.Service{Geo: directory, DefaultSpeedMps: cfg.DefaultSpeedMps, TopN: cfg.MatcherTopN}
	calc := fare.NewCalculator(fare.Config{RatePerKm: cfg.FareRates, MinimumFare: cfg.FareMinimum, MaxDistanceKm: cfg.FareMaxDistanceKm})
	bookings := booking.NewService(store, m, calc, store, dispatcher, logger, booking.Options{
		Router:           router,
		MatchRadiusKm:    cfg.MatchRadiusKm,
		MaxRetries:       cfg.BookingMaxRetries,
		CancellationHook: lateCancellation(logger),
	})

	gateways := map[models.PaymentMethod]payments.Gateway{}
	var (
		webhooks  httpapi.WebhookParser
		redirects httpapi.RedirectVerifier
	)
	if cfg.StripeSecretKey != "" {
		sg := payments.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.StripeCurrency)
		gateways[models.MethodCard] = sg
		webhooks = sg
	}
	if cfg.HostedGatewayURL != "" {
		hg := payments.NewHostedGateway(cfg.HostedGatewayURL, cfg.HostedGatewayStore, cfg.HostedGatewaySecret, cfg.PaymentReturnURL)
		gateways[models.MethodMobileBanking] = hg
		redirects = hg
	}
	reconciler := payments.NewReconciler(store, bookings, gateways, dispatcher, logger, cfg.BookingMaxRetries)

	api := httpapi.NewServer(httpapi.Deps{
		Bookings:      bookings,
		Payments:      reconciler,
		Matcher:       m,
		Directory:     directory,
		Geocoder:      geocoder,
		Redirects:     redirects,
		Webhooks:      webhooks,
		WSReg:         wsreg,
		Logger:        logger,
		MatchRadiusKm: cfg.MatchRadiusKm,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("truck-booking listening", "addr", cfg.HTTPAddr, "gateways", len(gateways), "sinks", len(sinks))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("dispatcher did not drain", "error", err)
	}
}

// lateCancellation records cancellations of confirmed bookings so the
// billing job can apply the cancellation fee.
func lateCancellation(logger *slog.Logger) booking.CancellationHook {
	return func(_ context.Context, b models.Booking, actor models.Actor) error {
		logger.Warn("confirmed booking cancelled", "booking_id", b.ID, "fare", b.Fare, "payment_method", b.PaymentMethod,
			"actor_id", actor.ID, "actor_role", actor.Role)
		return nil
	}
}
