// Package config содержит логику чтения конфигурации движка аукционных ставок.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/auction-bidding/internal/auction"
	"github.com/mmeshcher/auction-bidding/internal/bidding"
	"github.com/mmeshcher/auction-bidding/internal/deposit"
	"github.com/mmeshcher/auction-bidding/internal/fraud"
	"github.com/mmeshcher/auction-bidding/internal/sweeper"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress             string        `env:"RUN_ADDRESS"`
	DatabaseURI            string        `env:"DATABASE_URI"`
	RedisAddr              string        `env:"REDIS_ADDR"`
	NatsURL                string        `env:"NATS_URL"`
	PaymentProviderAddress string        `env:"PAYMENT_PROVIDER_ADDRESS"`
	SweepInterval          time.Duration `env:"SWEEP_INTERVAL"`

	AuthSecret string `env:"AUTH_SECRET"`
	SweepToken string `env:"SWEEP_TOKEN"`

	Engine Engine
}

// Engine содержит правила торгов. Задаётся только через окружение.
type Engine struct {
	ExtensionWindow    time.Duration `env:"EXTENSION_WINDOW" envDefault:"2m"`
	ExtensionAmount    time.Duration `env:"EXTENSION_AMOUNT" envDefault:"2m"`
	MaxExtensions      int           `env:"MAX_EXTENSIONS" envDefault:"0"`
	IncrementTiers     string        `env:"INCREMENT_TIERS" envDefault:"0:1"`
	MaxConflictRetries int           `env:"MAX_CONFLICT_RETRIES" envDefault:"3"`
	BidTimeout         time.Duration `env:"BID_TIMEOUT" envDefault:"10s"`

	SweepAuctionTimeout time.Duration `env:"SWEEP_AUCTION_TIMEOUT" envDefault:"10s"`
	SweepEscalateAfter  int           `env:"SWEEP_ESCALATE_AFTER" envDefault:"3"`

	FraudVelocityLimit  int           `env:"FRAUD_VELOCITY_LIMIT" envDefault:"10"`
	FraudVelocityWindow time.Duration `env:"FRAUD_VELOCITY_WINDOW" envDefault:"1m"`
	FraudSharedIPLimit  int           `env:"FRAUD_SHARED_IP_LIMIT" envDefault:"1"`
	FraudSharedIPWindow time.Duration `env:"FRAUD_SHARED_IP_WINDOW" envDefault:"24h"`

	DepositMinHold decimal.Decimal `env:"DEPOSIT_MIN_HOLD" envDefault:"50"`
	DepositPercent decimal.Decimal `env:"DEPOSIT_PERCENT" envDefault:"0.1"`
	DepositMaxHold decimal.Decimal `env:"DEPOSIT_MAX_HOLD" envDefault:"5000"`
}

const (
	defaultRunAddress    = "localhost:8080"
	defaultSweepInterval = time.Minute
)

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddr := cfg.RedisAddr
	envNatsURL := cfg.NatsURL
	envPaymentAddress := cfg.PaymentProviderAddress
	envSweepInterval := cfg.SweepInterval

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for real-time events")
	flag.StringVar(&cfg.NatsURL, "nats", "", "NATS URL for event archive and payouts")
	flag.StringVar(&cfg.PaymentProviderAddress, "r", "", "payment hold provider address")
	flag.DurationVar(&cfg.SweepInterval, "i", defaultSweepInterval, "lifecycle sweep interval, 0 disables the in-process ticker")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddr != "" {
		cfg.RedisAddr = envRedisAddr
	}
	if envNatsURL != "" {
		cfg.NatsURL = envNatsURL
	}
	if envPaymentAddress != "" {
		cfg.PaymentProviderAddress = envPaymentAddress
	}
	if envSweepInterval != 0 {
		cfg.SweepInterval = envSweepInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.Engine.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (e Engine) validate() error {
	var errs []error
	if e.ExtensionWindow < 0 || e.ExtensionAmount < 0 {
		errs = append(errs, errors.New("extension window and amount must not be negative"))
	}
	if e.MaxExtensions < 0 {
		errs = append(errs, errors.New("MAX_EXTENSIONS must not be negative"))
	}
	if e.MaxConflictRetries < 0 {
		errs = append(errs, errors.New("MAX_CONFLICT_RETRIES must not be negative"))
	}
	if e.BidTimeout <= 0 || e.SweepAuctionTimeout <= 0 {
		errs = append(errs, errors.New("BID_TIMEOUT and SWEEP_AUCTION_TIMEOUT must be positive"))
	}
	if e.DepositMinHold.IsNegative() || e.DepositMaxHold.IsNegative() {
		errs = append(errs, errors.New("deposit bounds must not be negative"))
	}
	if e.DepositPercent.IsNegative() || e.DepositPercent.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("DEPOSIT_PERCENT must be within [0, 1]"))
	}
	if _, err := bidding.ParseIncrementTiers(e.IncrementTiers); err != nil {
		errs = append(errs, fmt.Errorf("INCREMENT_TIERS: %w", err))
	}
	return errors.Join(errs...)
}

// ExtensionPolicy возвращает правила продления аукциона.
func (c *Config) ExtensionPolicy() auction.ExtensionPolicy {
	return auction.ExtensionPolicy{
		Window:        c.Engine.ExtensionWindow,
		Amount:        c.Engine.ExtensionAmount,
		MaxExtensions: c.Engine.MaxExtensions,
	}
}

// Bidding возвращает конфигурацию приёма ставок.
func (c *Config) Bidding() (bidding.Config, error) {
	tiers, err := bidding.ParseIncrementTiers(c.Engine.IncrementTiers)
	if err != nil {
		return bidding.Config{}, fmt.Errorf("INCREMENT_TIERS: %w", err)
	}

	return bidding.Config{
		Ledger: bidding.LedgerConfig{
			Extension:          c.ExtensionPolicy(),
			Increment:          bidding.TieredIncrement(tiers),
			MaxConflictRetries: c.Engine.MaxConflictRetries,
			ConflictBackoff:    5 * time.Millisecond,
		},
		BidTimeout: c.Engine.BidTimeout,
	}, nil
}

// Fraud возвращает пороги антифрод-проверки.
func (c *Config) Fraud() fraud.Config {
	return fraud.Config{
		VelocityLimit:  c.Engine.FraudVelocityLimit,
		VelocityWindow: c.Engine.FraudVelocityWindow,
		SharedIPLimit:  c.Engine.FraudSharedIPLimit,
		SharedIPWindow: c.Engine.FraudSharedIPWindow,
	}
}

// Deposit возвращает правила расчёта холда.
func (c *Config) Deposit() deposit.Config {
	return deposit.Config{
		MinimumHold: c.Engine.DepositMinHold,
		Percent:     c.Engine.DepositPercent,
		MaximumHold: c.Engine.DepositMaxHold,
	}
}

// Sweeper возвращает параметры проходов жизненного цикла.
func (c *Config) Sweeper() sweeper.Config {
	return sweeper.Config{
		Interval:       c.SweepInterval,
		AuctionTimeout: c.Engine.SweepAuctionTimeout,
		BatchSize:      sweeper.DefaultConfig.BatchSize,
		EscalateAfter:  c.Engine.SweepEscalateAfter,
	}
}
