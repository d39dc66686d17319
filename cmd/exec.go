package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"venue-ticket/config"
	"venue-ticket/internal/handlers"
	"venue-ticket/internal/services"
	"venue-ticket/internal/services/gateway"
	"venue-ticket/monitoring"
	"venue-ticket/security"
	"venue-ticket/utils"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go/v7"
	"github.com/redis/go-redis/v9"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	redisClient, err := utils.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		if !cfg.IsDevelopment() {
			return err
		}
		slog.Warn("redis unavailable, grant cache and rate limits run locally", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize the ledger
	ledgerDB, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledgerDB.Close()

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}

	// Initialize PubNub
	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PubNubUserID))
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey
	pn := pubnub.NewPubNub(pnConfig)

	// Change fan-out
	sinks := []services.ChangeSink{services.NewPubNubSink(pn)}
	if cfg.AMQPURL != "" {
		amqpSink := services.NewAMQPSink(cfg.AMQPURL, cfg.NotifyQueue)
		defer amqpSink.Close()
		sinks = append(sinks, amqpSink)
	}

	var ledger *services.LedgerService
	var monitor *monitoring.Monitor
	if cfg.EnableMetrics {
		monitor = monitoring.NewMonitor(capacityFunc(func(ctx context.Context) ([]monitoring.EventCapacity, error) {
			return ledger.CapacitySnapshot(ctx)
		}), 30*time.Second)
	}
	fanOut := services.NewChangeFanOut(256, monitor, sinks...)

	// Initialize services
	ledger = services.NewLedgerService(ledgerDB, codec,
		services.WithAccountResolver(services.NewUserDirectory(app)),
		services.WithChangePublisher(fanOut),
		services.WithMonitor(monitor),
		services.WithTxTimeout(cfg.LedgerTxTimeout),
	)
	grantService := services.NewGrantService(services.NewRecordGrantSource(app), redisClient, cfg.GrantCacheTTL, monitor)
	scanService := services.NewScanService(codec, ledger, grantService, monitor)

	paymentGateway, err := newPaymentGateway(ctx, cfg)
	if err != nil {
		return err
	}
	paymentService := services.NewPaymentService(paymentGateway, ledger)

	// Initialize handlers
	ticketHandler := handlers.NewTicketHandler(ledger, paymentService)
	paymentHandler := handlers.NewPaymentHandler(paymentService)
	scanHandler := handlers.NewScanHandler(scanService)
	bookmarkHandler := handlers.NewBookmarkHandler(ledger)
	adminHandler := handlers.NewAdminHandler(ledger, grantService)

	scanLimiter := security.NewRateLimiter(redisClient, "scan", cfg.ScanRateLimit, cfg.ScanRateWindow)
	purchaseLimiter := security.NewRateLimiter(redisClient, "purchase", 10, time.Minute)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.IsDevelopment(),
	})
	app.RootCmd.AddCommand(newLedgerMigrateCommand(cfg), newCreateEventCommand(cfg))

	// Start background tasks
	go fanOut.Run(ctx)
	go monitor.Run(ctx)
	if cfg.EnableMetrics {
		go serveMetrics(ctx, cfg.MetricsPort)
	}

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		api := e.Router.Group("/api/v1")
		api.Bind(apis.RequireAuth("users"))

		// Payment endpoints
		api.POST("/payments/intents", paymentHandler.CreateIntent).BindFunc(security.AntiBot())
		api.POST("/payments/intents/{intentId}/cancel", paymentHandler.CancelIntent)

		// Ticket endpoints
		api.POST("/tickets/purchase", ticketHandler.Purchase).
			BindFunc(security.AntiBot()).
			BindFunc(purchaseLimiter.Middleware())
		api.GET("/tickets", ticketHandler.List)
		api.GET("/tickets/{ticketId}", ticketHandler.Get)
		api.POST("/tickets/{ticketId}/transfer", ticketHandler.Transfer)

		// Scan endpoint
		api.POST("/scan", scanHandler.Scan).BindFunc(scanLimiter.Middleware())

		// Bookmark endpoints
		api.GET("/bookmarks", bookmarkHandler.List)
		api.POST("/bookmarks", bookmarkHandler.Add)
		api.DELETE("/bookmarks/{eventId}", bookmarkHandler.Remove)

		// Admin endpoints
		api.POST("/admin/events", adminHandler.CreateEvent)
		api.GET("/admin/events/{eventId}", adminHandler.GetEvent)
		api.POST("/admin/tickets/{ticketId}/cancel", adminHandler.CancelTicket)
		api.GET("/admin/tickets/{ticketId}/transfers", adminHandler.TransferHistory)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			checkCtx, cancel := context.WithTimeout(e.Request.Context(), 2*time.Second)
			defer cancel()

			if err := healthCheck(checkCtx, redisClient, ledger); err != nil {
				return e.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		setupGrantHooks(app, grantService)

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

type capacityFunc func(ctx context.Context) ([]monitoring.EventCapacity, error)

func (f capacityFunc) CapacitySnapshot(ctx context.Context) ([]monitoring.EventCapacity, error) {
	return f(ctx)
}

func openLedger(ctx context.Context, cfg *config.Config) (*dbx.DB, error) {
	db, err := services.OpenLedger(cfg.LedgerDriver, cfg.LedgerDSN)
	if err != nil {
		return nil, err
	}
	if err := services.MigrateLedger(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newCodec(cfg *config.Config) (*security.Codec, error) {
	return security.NewCodec(cfg.SigningSecret(),
		security.WithVersion(cfg.QRCodeVersion),
		security.WithLegacyFormat(cfg.QRAcceptLegacy),
	)
}

func newPaymentGateway(ctx context.Context, cfg *config.Config) (services.PaymentGateway, error) {
	if cfg.Gateway.BaseURL == "" {
		if !cfg.IsDevelopment() {
			return nil, errors.New("config: GATEWAY_BASE_URL is required outside development")
		}
		slog.Warn("no payment gateway configured, every charge is approved")
		return services.SimulatedGateway{}, nil
	}

	return gateway.New(ctx, &gateway.Config{
		BaseURL:   cfg.Gateway.BaseURL,
		ClientID:  cfg.Gateway.ClientID,
		ClientKey: cfg.Gateway.ClientKey,
		HMACKey:   cfg.Gateway.HMACKey,
		Timeout:   cfg.Gateway.Timeout,
	})
}

func healthCheck(ctx context.Context, redisClient *redis.Client, ledger *services.LedgerService) error {
	if redisClient != nil {
		if err := utils.RedisHealthCheck(ctx, redisClient); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if err := ledger.Ping(ctx); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

// setupGrantHooks drops cached grants whenever a scanner_grants record
// changes, so revocations apply before the cache ttl runs out.
func setupGrantHooks(app *pocketbase.PocketBase, grants *services.GrantService) {
	invalidate := func(e *core.RecordEvent) error {
		ctx := context.Background()
		grants.Invalidate(ctx, e.Record.GetString("user"))
		if original := e.Record.Original(); original != nil {
			if previous := original.GetString("user"); previous != e.Record.GetString("user") {
				grants.Invalidate(ctx, previous)
			}
		}
		slog.Info("scanner grant changed", "grant_id", e.Record.Id, "user_id", e.Record.GetString("user"))
		return e.Next()
	}

	app.OnRecordAfterCreateSuccess("scanner_grants").BindFunc(invalidate)
	app.OnRecordAfterUpdateSuccess("scanner_grants").BindFunc(invalidate)
	app.OnRecordAfterDeleteSuccess("scanner_grants").BindFunc(invalidate)
}

func serveMetrics(ctx context.Context, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server stopped", "error", err)
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
