package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/evenup/split-settlement/internal/config"
	"github.com/evenup/split-settlement/internal/logger"
	"github.com/evenup/split-settlement/internal/model"
	"github.com/evenup/split-settlement/internal/rail"
	"github.com/evenup/split-settlement/internal/repo"
	"github.com/evenup/split-settlement/internal/service"
	httptransport "github.com/evenup/split-settlement/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Wallet{}, &model.Transaction{},
		&model.SplitEvent{}, &model.SplitParticipant{},
		&model.Notification{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo, rails & services
	repository := repo.NewRepository(gdb, rdb, kw, log)
	bank := rail.NewBankClient(cfg.Rails.Bank.BaseURL, cfg.Rails.Bank.APIKey, log)
	card := rail.NewCardClient(cfg.Rails.Card.BaseURL, cfg.Rails.Card.APIKey, log)
	selector := rail.NewSelector(bank, card, cfg.Rails, log)
	ledger := service.NewLedgerService(repository, cfg.Policy, cfg.Withdrawal, log)
	splits := service.NewSplitService(repository, ledger, selector, cfg.Policy, log)

	// 7. gin router
	router := httptransport.NewRouter(ledger, splits, bank, card, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("split-settlement listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
