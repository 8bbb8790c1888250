package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/efreitasn/carbonexchange/internal/config"
	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/engine"
	"github.com/efreitasn/carbonexchange/internal/event"
	"github.com/efreitasn/carbonexchange/internal/handler"
	"github.com/efreitasn/carbonexchange/internal/ledger"
	"github.com/efreitasn/carbonexchange/internal/metrics"
	"github.com/efreitasn/carbonexchange/internal/outbox"
	"github.com/efreitasn/carbonexchange/internal/service"
	"github.com/efreitasn/carbonexchange/internal/store"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("exchange stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

func openLedger(cfg *config.Config) (ledger.Ledger, error) {
	if cfg.StorageDriver == config.DriverMemory {
		return ledger.NewMemory(), nil
	}
	return ledger.Open(cfg.StorageDriver, cfg.DatabaseDSN)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// Persistence.
	led, err := openLedger(cfg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	settlements, err := outbox.Open(cfg.OutboxDir)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer settlements.Close()

	// Credit types.
	registry := domain.NewCreditTypeRegistry()
	creditSvc := service.NewCreditTypeService(registry, led, logger)
	if err := creditSvc.Load(ctx, cfg.CreditTypes); err != nil {
		return err
	}

	// Event publishers. The outbox comes first so a trade is recorded
	// for settlement before anything else hears about it.
	hub := event.NewHub(logger)
	hub.OnDrop = m.WSDrops.Inc

	webhookSvc := service.NewWebhookService(store.NewWebhookStore(), cfg.WebhookTimeout, logger)
	webhookSvc.OnFailure = m.WebhookFailures.Inc

	publishers := event.Fanout{settlements, hub, webhookSvc}

	if len(cfg.KafkaBrokers) > 0 {
		kp := event.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer kp.Close()
		publishers = append(publishers, kp)
		logger.Info("kafka event stream enabled", "topic", cfg.KafkaEventsTopic)
	}
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		publishers = append(publishers, event.NewRedisPublisher(rdb, cfg.RedisChannelPrefix))
		logger.Info("redis pub/sub enabled", "addr", cfg.RedisAddr)
	}

	dispatcher := event.NewDispatcher(publishers, cfg.EventBuffer, logger)
	dispatcher.OnError = func(error) { m.EventFailures.Inc() }
	go dispatcher.Run()

	// Engine and order flow.
	books := engine.NewBookManager()
	expiryMgr := engine.NewExpiryManager(cfg.ExpirationInterval, nil, logger)
	orders := service.NewOrderRouter(books, engine.NewMatcher(), led, registry, expiryMgr, dispatcher, m, logger,
		service.WithLockTimeout(cfg.LockTimeout))
	expiryMgr.SetExpirer(orders)

	restored, err := orders.Restore(ctx)
	if err != nil {
		return err
	}
	logger.Info("order books restored", "resting_orders", restored, "credit_types", len(registry.List()))

	// Expire anything that lapsed while the exchange was down, then keep
	// ticking.
	expiryMgr.Tick(ctx, time.Now())
	loops := []<-chan struct{}{expiryMgr.Start(ctx)}

	// Settlement relay to the chain bridge.
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := outbox.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("settlement producer: %w", err)
		}
		relay := outbox.NewRelay(settlements, producer, cfg.KafkaSettlementTopic, cfg.OutboxInterval, cfg.OutboxMaxRetries, logger)
		relay.OnScan = func(pending, failed int) {
			m.OutboxPending.Set(float64(pending))
			m.OutboxFailed.Set(float64(failed))
		}
		defer relay.Close()
		loops = append(loops, relay.Start(ctx))
	}

	go reportQueueDepth(ctx, dispatcher, m)

	svc := handler.Services{
		Orders:      orders,
		Market:      service.NewMarketService(books, led, registry, cfg.VWAPWindow),
		Portfolios:  service.NewPortfolioService(led, registry, dispatcher),
		CreditTypes: creditSvc,
		Settlements: service.NewSettlementService(settlements, logger),
		Webhooks:    webhookSvc,
		Hub:         hub,
		Metrics:     m,
	}

	// The admin listener carries operator and chain bridge routes; keep
	// it off the public network.
	servers := []*http.Server{
		newServer(cfg, cfg.Port, handler.NewRouter(svc, logger)),
		newServer(cfg, cfg.AdminPort, handler.NewAdminRouter(svc, logger)),
	}

	serverErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("server starting", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}(srv)
	}

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server: %w", err)
	}

	// Graceful shutdown: stop taking requests, stop background loops and
	// wait for their in-flight passes, then drain the event queue before
	// the stores close.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}
	cancel()
	for _, done := range loops {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Error("background loop did not stop before shutdown timeout")
		}
	}

	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("event queue not drained", slog.Int("pending", dispatcher.Pending()), slog.String("error", err.Error()))
	}
	webhookSvc.Wait()
	return nil
}

func newServer(cfg *config.Config, port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// reportQueueDepth samples the dispatcher backlog into the pending gauge.
func reportQueueDepth(ctx context.Context, d *event.Dispatcher, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EventsPending.Set(float64(d.Pending()))
		}
	}
}
