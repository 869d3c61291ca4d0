/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ticket engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env, environment, flags, policy YAML)
  2. Initialize logging and the SQLite document store
  3. Build the event transport (Redis Streams or in-process channel)
  4. Wire the domain services and the API handler
  5. Run event router, HTTP server and expiry sweep until a signal arrives

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: tickets.db)
           Use ":memory:" for in-memory database
  -policy  YAML policy file (fees, reservation TTL, retry, refund thresholds)

ENVIRONMENT:
  PORT, DB_PATH, REDIS_ADDR, LOG_LEVEL, LOG_FORMAT, POLICY_FILE,
  PAYMENTS_URL, SWEEP_INTERVAL. A .env file is read when present.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep scheduler and the event router
  4. Close database connection

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
  - events/router.go: Event handlers
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/ticket-engine/api"
	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/config"
	"github.com/warp/ticket-engine/events"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/inventory"
	"github.com/warp/ticket-engine/logging"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/payments"
	"github.com/warp/ticket-engine/pricing"
	"github.com/warp/ticket-engine/promo"
	"github.com/warp/ticket-engine/refund"
	"github.com/warp/ticket-engine/reservation"
	"github.com/warp/ticket-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := logging.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		logrus.WithError(err).Fatal("Failed to initialize logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Fatal("Server failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logrus.StandardLogger()
	wmLogger := logging.NewWatermillLogger(logger)
	clock := generic.SystemClock()

	fees, err := cfg.Policy.FeePolicy()
	if err != nil {
		return err
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()

	runner := generic.NewRunner(store, cfg.Policy.Retry, logger)

	// Event transport
	transport := events.NewGoChannelTransport(wmLogger)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if transport, err = events.NewRedisTransport(rdb, wmLogger); err != nil {
			return err
		}
		logger.WithField("addr", cfg.RedisAddr).Info("Publishing events to Redis Streams")
	}
	bus, err := events.NewBus(transport.Publisher, wmLogger)
	if err != nil {
		return err
	}

	// Domain services
	engine := pricing.NewEngine(fees)
	inv := inventory.NewLedger(runner, clock, logger)
	reservations := reservation.NewManager(runner, clock, cfg.Policy.ReservationTTL, logger)
	promos := promo.NewLedger(runner, engine, clock, logger)
	promoters := promo.NewBook(runner, clock, logger)

	msgRouter, err := events.NewRouter(events.RouterDeps{
		Transport:   transport,
		Conversions: promoters,
		Logger:      wmLogger,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Handler{
		Runner:       runner,
		Clock:        clock,
		Catalog:      catalog.NewService(runner, clock),
		Pricing:      engine,
		Inventory:    inv,
		Reservations: reservations,
		Promos:       promos,
		Promoters:    promoters,
		Orders: order.NewCoordinator(order.Deps{
			Runner:       runner,
			Clock:        clock,
			Pricing:      engine,
			Inventory:    inv,
			Reservations: reservations,
			Promos:       promos,
			Promoters:    promoters,
			Notifier:     bus,
			Logger:       logger,
		}),
		Refunds: refund.NewService(refund.Deps{
			Runner:        runner,
			Clock:         clock,
			Inventory:     inv,
			Gateway:       gateway(cfg, logger),
			Policy:        cfg.Policy.ApprovalPolicy(),
			ApproverRoles: cfg.Policy.ApproverRoles(),
			Notifier:      bus,
			Logger:        logger,
		}),
	})

	sweeper, err := api.NewExpirySweepScheduler(reservations, cfg.SweepInterval, clock, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, logger, nil),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := msgRouter.Run(runCtx); err != nil {
			return fmt.Errorf("running event router: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// Handlers must be subscribed before the first order is published.
		select {
		case <-msgRouter.Running():
		case <-runCtx.Done():
			return nil
		}
		sweeper.Start()

		logger.Infof("Server starting on http://localhost:%d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("starting http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-runCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logger.Info("Shutting down server...")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		if err := sweeper.Stop(); err != nil {
			return err
		}
		return msgRouter.Close()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// gateway talks to the payments service. Without PAYMENTS_URL every
// reversal fails, leaving refunds in failed for a manual retry.
func gateway(cfg *config.Config, logger logrus.FieldLogger) payments.ChargeReverser {
	if cfg.PaymentsURL != "" {
		return payments.NewGatewayClient(cfg.PaymentsURL, nil, logger)
	}
	logger.Warn("PAYMENTS_URL not set, refunds will fail until it is configured")
	return payments.ReverserFunc(func(context.Context, string, generic.Money, string) (string, error) {
		return "", errors.New("payments gateway not configured")
	})
}
