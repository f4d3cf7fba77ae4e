package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/threedegreeseast/retreatbooking/api"
	"github.com/threedegreeseast/retreatbooking/config"
	"github.com/threedegreeseast/retreatbooking/internal/bootstrap"
	"github.com/threedegreeseast/retreatbooking/internal/cache"
	"github.com/threedegreeseast/retreatbooking/internal/email"
	"github.com/threedegreeseast/retreatbooking/internal/kafka"
	"github.com/threedegreeseast/retreatbooking/internal/payments"
	"github.com/threedegreeseast/retreatbooking/internal/repository"
	"github.com/threedegreeseast/retreatbooking/internal/service/settlement"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	redisCache := cache.NewRedisCache(cfg.Redis,
		time.Duration(cfg.Payments.SummaryCacheTTLSeconds)*time.Second,
		time.Duration(cfg.Payments.EventDedupTTLSeconds)*time.Second)
	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	providerOpts := []payments.ClientOption{}
	if cfg.Payments.BaseURL != "" {
		providerOpts = append(providerOpts, payments.WithBaseURL(cfg.Payments.BaseURL))
	}
	if !cfg.Payments.Live() {
		log.Printf("payment mode is sandbox; intents are fabricated locally")
		providerOpts = append(providerOpts, payments.WithSandbox())
	}
	provider := payments.NewClient(cfg.Secrets.ProviderSecretKey, providerOpts...)

	sender := email.NewSender(cfg.Email, cfg.Secrets.SMTPUser, cfg.Secrets.SMTPPassword)

	bookingRepo := repository.NewBookingRepository(pool)
	opts := []settlement.SettlementServiceOption{
		settlement.WithEventDedup(redisCache),
		settlement.WithSummaryCache(redisCache),
		settlement.WithProducer(producer, cfg.Kafka.NotificationsTopic),
		settlement.WithWebhookSecret(cfg.Secrets.ProviderWebhookSecret),
		settlement.WithReturnURL(cfg.HTTP.FrontendURL + "/booking/confirmation"),
		settlement.WithResendBatchSize(cfg.Worker.ResendBatchSize),
	}
	if cfg.Payments.AllowUnverifiedWebhooks {
		log.Printf("WARNING: accepting unverified webhooks; do not expose this deploy to external traffic")
		opts = append(opts, settlement.WithUnverifiedWebhooks())
	}
	settlementService := settlement.NewSettlementService(bookingRepo, provider, sender, opts...)

	handler := api.NewBookingHandler(settlementService)

	if err := bootstrap.Run(ctx, cfg, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
