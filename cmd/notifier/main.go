package main

import (
	"context"
	"fmt"
	"time"

	"github.com/evenup/split-settlement/internal/config"
	"github.com/evenup/split-settlement/internal/logger"
	"github.com/evenup/split-settlement/internal/rail"
	"github.com/evenup/split-settlement/internal/repo"
	"github.com/evenup/split-settlement/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// The notifier does two things: drain the notification outbox to the delivery
// topic, and run the hourly reminder sweep. Both are idempotent, so a crashed
// run can simply be restarted.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	bank := rail.NewBankClient(cfg.Rails.Bank.BaseURL, cfg.Rails.Bank.APIKey, log)
	card := rail.NewCardClient(cfg.Rails.Card.BaseURL, cfg.Rails.Card.APIKey, log)
	selector := rail.NewSelector(bank, card, cfg.Rails, log)
	ledger := service.NewLedgerService(repository, cfg.Policy, cfg.Withdrawal, log)
	splits := service.NewSplitService(repository, ledger, selector, cfg.Policy, log)

	drain := time.NewTicker(1 * time.Second)
	defer drain.Stop()
	sweep := time.NewTicker(1 * time.Hour)
	defer sweep.Stop()

	log.Info("notifier started")
	for {
		select {
		case <-drain.C:
			ctx := context.Background()
			ns, err := repository.PollNotifications(ctx, 100)
			if err != nil {
				log.Errorf("poll outbox: %v", err)
				continue
			}
			for _, n := range ns {
				if err := repository.PublishNotification(ctx, n); err != nil {
					log.Errorf("publish id=%d: %v", n.ID, err)
					continue
				}
				if err := repository.MarkNotificationProcessed(ctx, n.ID); err != nil {
					log.Errorf("mark processed id=%d: %v", n.ID, err)
				} else {
					log.Infof("notification %d sent", n.ID)
				}
			}
		case <-sweep.C:
			sent, err := splits.ReminderSweep(context.Background())
			if err != nil {
				log.Errorf("reminder sweep: %v", err)
				continue
			}
			if sent > 0 {
				log.Infof("reminder sweep sent %d reminders", sent)
			}
		}
	}
}
