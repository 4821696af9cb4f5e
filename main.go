package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sd0xdev/onekey-balance-kit/bus"
	"github.com/sd0xdev/onekey-balance-kit/cache"
	"github.com/sd0xdev/onekey-balance-kit/snapshot"
	"github.com/sd0xdev/onekey-balance-kit/stream"
	"github.com/sd0xdev/onekey-balance-kit/webhook"
)

// Command-line flags
var (
	redisAddr         = flag.String("redis", "redis://localhost:6379", "Redis server dsn")
	pg                = flag.String("pg", "", "PostgreSQL connection string")
	serverPort        = flag.Int("port", 8085, "Server port")
	metricsAddr       = flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	prefork           = flag.Bool("prefork", false, "Use prefork")
	callbackURL       = flag.String("callback-url", "", "Public callback URL registered with the webhook provider")
	providerAPI       = flag.String("provider-api", "", "Webhook provider API base URL")
	providerToken     = flag.String("provider-token", "", "Webhook provider API token")
	chainsFlag        = flag.String("chains", "ethereum=1,polygon=137,bsc=56", "Monitored chains as name=chainId pairs")
	defaultAddrsFlag  = flag.String("default-addresses", "", "Permanent addresses as chain=address pairs")
	reconcileInterval = flag.Duration("reconcile-interval", 24*time.Hour, "Interval between full reconciliation runs")
	heartbeatInterval = flag.Duration("health-heartbeat", 5*time.Second, "Interval between health heartbeat writes")
	logLevel          = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func parsePairs(raw string) (map[string]string, error) {
	pairs := make(map[string]string)
	if raw == "" {
		return pairs, nil
	}
	for _, item := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(item), "=")
		if !found || key == "" || value == "" {
			return nil, fmt.Errorf("malformed pair %q", item)
		}
		pairs[key] = value
	}
	return pairs, nil
}

func parseChains(raw string) (map[string]int64, []string, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, nil, err
	}
	ids := make(map[string]int64, len(pairs))
	names := make([]string, 0, len(pairs))
	for name, id := range pairs {
		parsed, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid chain id %q for %s", id, name)
		}
		ids[name] = parsed
		names = append(names, name)
	}
	return ids, names, nil
}

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", *logLevel).Warn("Unknown log level, using info")
	}

	chainIDs, chains, err := parseChains(*chainsFlag)
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse -chains")
	}
	defaults, err := parsePairs(*defaultAddrsFlag)
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse -default-addresses")
	}

	// ctx for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// sigterm handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, canceling context...")
		cancel()
	}()

	// Init redis connection
	redisOptions, err := redis.ParseURL(*redisAddr)
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse Redis DSN")
	}
	redisClient := redis.NewClient(redisOptions)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}

	// Init PostgreSQL snapshot store
	if *pg == "" {
		logger.Fatal("PostgreSQL connection string is required")
	}
	store, err := snapshot.NewPgStore(ctx, *pg, 50)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	if err := store.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure snapshot schema")
	}

	caches := cache.NewManager(redisClient)

	// Invalidation bus and streaming service
	eventBus := bus.New(bus.DefaultReplayCapacity, logger)
	streamSvc := stream.NewService(eventBus, logger, stream.Options{})
	go streamSvc.Run(ctx)

	// Webhook management and reconciliation
	provider := webhook.NewHTTPProvider(*providerAPI, *providerToken, logger)
	locks := webhook.NewRedisLockStore(redisClient)
	webhookMgr := webhook.NewManager(provider, locks, caches.Secrets, *callbackURL, defaults, logger)
	if err := webhookMgr.RefreshRegistry(ctx); err != nil {
		logger.WithError(err).Error("Initial webhook registry refresh failed, will retry lazily")
	}
	reconciler := webhook.NewReconciler(webhookMgr, store, chains, *reconcileInterval, logger)
	go reconciler.Run(ctx)

	go heartbeatWriter(ctx, redisClient, *heartbeatInterval, logger)

	// Prometheus metrics on a separate listener
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.WithField("addr", *metricsAddr).Info("Starting metrics server")
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	api := &apiHandlers{
		logger:     logger,
		caches:     caches,
		store:      store,
		stream:     streamSvc,
		webhooks:   webhookMgr,
		reconciler: reconciler,
		chainIDs:   chainIDs,
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:     "Balance Streaming API",
		Prefork:     *prefork,
		ReadTimeout: 5 * time.Second,
		ProxyHeader: fiber.HeaderXForwardedFor,
	})

	// Middleware
	app.Use(fiberlogger.New())

	// Streaming routes
	streaming := app.Group("/api/streaming")
	streaming.Get("/v1/sse", stream.SSEHandler(streamSvc))
	streaming.Use("/v1/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	streaming.Get("/v1/ws", websocket.New(stream.WebSocketHandler(streamSvc)))

	// REST routes
	v1 := app.Group("/api/v1")
	v1.Get("/portfolio/:chain/:address", api.getPortfolio)
	v1.Post("/webhooks/events", api.handleWebhookEvent)

	app.Get("/healthz", healthzHandler(redisClient, store.Pool))

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Error("Error during server shutdown")
		}
	}()

	logger.WithField("port", *serverPort).Info("Starting server")
	if err := app.Listen(fmt.Sprintf(":%d", *serverPort)); err != nil {
		logger.WithError(err).Fatal("Server stopped")
	}

	store.Pool.Close()
	if err := redisClient.Close(); err != nil {
		logger.WithError(err).Error("Error closing Redis client")
	}
	logger.Info("Shutdown complete.")
}
