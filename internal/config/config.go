package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Policy     PolicyConfig     `yaml:"policy"`
	Rails      RailsConfig      `yaml:"rails"`
	Withdrawal WithdrawalConfig `yaml:"withdrawal"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RateLimitConfig is the per-IP token bucket on the HTTP edge. Domain-level
// throttles (split creation, withdrawal caps) live under PolicyConfig.
type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type PolicyConfig struct {
	SplitsPerHour         int `yaml:"splits_per_hour"`
	SplitsPerDay          int `yaml:"splits_per_day"`
	WithdrawalsPerDay     int `yaml:"withdrawals_per_day"`
	DepositHoldHours      int `yaml:"deposit_hold_hours"`
	ReminderCooldownHours int `yaml:"reminder_cooldown_hours"`
}

func (p PolicyConfig) DepositHold() time.Duration {
	return time.Duration(p.DepositHoldHours) * time.Hour
}

func (p PolicyConfig) ReminderCooldown() time.Duration {
	return time.Duration(p.ReminderCooldownHours) * time.Hour
}

type RailsConfig struct {
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	AbsorbFees     bool       `yaml:"absorb_fees"`
	Bank           RailConfig `yaml:"bank"`
	Card           RailConfig `yaml:"card"`
}

func (r RailsConfig) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

type RailConfig struct {
	BaseURL    string  `yaml:"base_url"`
	APIKey     string  `yaml:"api_key"`
	FeePercent float64 `yaml:"fee_percent"`
}

type WithdrawalConfig struct {
	FeePercent   float64 `yaml:"fee_percent"`
	ArrivalHours int     `yaml:"arrival_hours"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override secrets from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if key := os.Getenv("BANK_RAIL_API_KEY"); key != "" {
		cfg.Rails.Bank.APIKey = key
	}
	if key := os.Getenv("CARD_RAIL_API_KEY"); key != "" {
		cfg.Rails.Card.APIKey = key
	}
	return &cfg, nil
}
