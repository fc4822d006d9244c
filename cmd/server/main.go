package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/moneygood/backend/internal/config"
	"github.com/moneygood/backend/internal/database"
	"github.com/moneygood/backend/internal/deal"
	"github.com/moneygood/backend/internal/handlers"
	"github.com/moneygood/backend/internal/services"
	"github.com/moneygood/backend/internal/store"
	"github.com/spf13/viper"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	config.BindEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Storage
	var dealStore store.DealStore
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := database.OpenPostgres(ctx, database.GetConfig())
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer db.Close()
		dealStore = store.NewPostgresStore(db)
	default:
		log.Println("Using in-memory deal store, data will not survive a restart")
		dealStore = store.NewMemoryStore()
	}

	var redisClient *redis.Client
	if rdb := database.InitRedis(ctx); rdb != nil {
		redisClient = rdb
		defer redisClient.Close()
	}
	guard := services.NewRedisGuard(redisClient, cfg.CreateLimit.MaxPerWindow, cfg.CreateLimit.Window)

	// Processor
	var processor services.PaymentProcessor
	if cfg.Processor.BaseURL != "" {
		httpProcessor, err := services.NewHTTPProcessor(services.HTTPProcessorConfig{
			BaseURL:    cfg.Processor.BaseURL,
			APIKey:     cfg.Processor.APIKey,
			HTTPClient: &http.Client{Timeout: cfg.Processor.Timeout},
		})
		if err != nil {
			log.Fatalf("Failed to initialize payment processor: %v", err)
		}
		processor = httpProcessor
	} else {
		log.Println("No payment processor configured, settlement entries will be recorded as failed")
	}

	invites, err := deal.NewInviteIssuer(cfg.Invite.Pepper, cfg.Invite.TTL)
	if err != nil {
		log.Fatalf("Failed to initialize invite issuer: %v", err)
	}

	// Services
	ledgerService := services.NewLedgerService(dealStore, processor)
	dealService := services.NewDealService(services.DealServiceConfig{
		Store:   dealStore,
		Fees:    cfg.Fees,
		Invites: invites,
		Ledger:  ledgerService,
		QR:      services.NewInviteQRService(cfg.Invite.BaseURL),
		Guard:   guard,
	})
	sweepService := services.NewSweepService(dealStore, guard, cfg.Sweep)

	if cfg.Webhook.Secret == "" {
		log.Println("WEBHOOK_SECRET is not set, processor callbacks will be rejected")
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Deals:          handlers.NewDealHandler(dealService, sweepService),
		Webhooks:       handlers.NewWebhookHandler(dealService, cfg.Webhook.Secret, cfg.Webhook.Tolerance),
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	})

	go sweepService.Run(ctx, cfg.SweepInterval)

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
