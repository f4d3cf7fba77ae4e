package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/threedegreeseast/retreatbooking/config"
	"github.com/threedegreeseast/retreatbooking/internal/email"
	"github.com/threedegreeseast/retreatbooking/internal/kafka"
	"github.com/threedegreeseast/retreatbooking/internal/payments"
	"github.com/threedegreeseast/retreatbooking/internal/repository"
	"github.com/threedegreeseast/retreatbooking/internal/service/settlement"
)

// The worker closes the liveness gap: any succeeded booking whose
// notifications failed gets retried here, and settlement events land in the
// log as an audit trail.
func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	providerOpts := []payments.ClientOption{}
	if cfg.Payments.BaseURL != "" {
		providerOpts = append(providerOpts, payments.WithBaseURL(cfg.Payments.BaseURL))
	}
	if !cfg.Payments.Live() {
		providerOpts = append(providerOpts, payments.WithSandbox())
	}
	provider := payments.NewClient(cfg.Secrets.ProviderSecretKey, providerOpts...)

	sender := email.NewSender(cfg.Email, cfg.Secrets.SMTPUser, cfg.Secrets.SMTPPassword)

	bookingRepo := repository.NewBookingRepository(pool)
	settlementService := settlement.NewSettlementService(
		bookingRepo,
		provider,
		sender,
		settlement.WithResendBatchSize(cfg.Worker.ResendBatchSize),
	)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.NotificationsTopic)
	defer consumer.Close()

	go func() {
		if err := consumer.Consume(ctx, func(ctx context.Context, event kafka.SettlementEvent) error {
			log.Printf("settlement event %s for %s (status=%s, mobile=%v)",
				event.Type, event.PaymentRef, event.Status, event.IsMobile)
			return nil
		}); err != nil {
			log.Printf("consumer stopped: %v", err)
		}
	}()

	resendTicker := time.NewTicker(time.Duration(cfg.Worker.ResendSweepMinutes) * time.Minute)
	defer resendTicker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-resendTicker.C:
			resent, err := settlementService.ResendPending(ctx)
			if err != nil {
				log.Printf("resend sweep error: %v", err)
				continue
			}
			if resent > 0 {
				log.Printf("retried notifications for %d bookings", resent)
			}
		case s := <-sig:
			log.Printf("received signal %v, shutting down", s)
			return
		}
	}
}
