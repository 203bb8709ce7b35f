// Package main запускает HTTP-сервер движка аукционных ставок.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/auction-bidding/internal/bidding"
	"github.com/mmeshcher/auction-bidding/internal/clock"
	"github.com/mmeshcher/auction-bidding/internal/config"
	"github.com/mmeshcher/auction-bidding/internal/deposit"
	"github.com/mmeshcher/auction-bidding/internal/fraud"
	"github.com/mmeshcher/auction-bidding/internal/handler"
	"github.com/mmeshcher/auction-bidding/internal/middleware"
	"github.com/mmeshcher/auction-bidding/internal/notify"
	"github.com/mmeshcher/auction-bidding/internal/payment"
	"github.com/mmeshcher/auction-bidding/internal/repository"
	"github.com/mmeshcher/auction-bidding/internal/sweeper"
)

const eventBufferSize = 1024

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	biddingCfg, err := cfg.Bidding()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo repository.Store
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is not set, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}
	defer repo.Close()

	clk := clock.Real()

	sinks := notify.MultiSink{notify.NewLogSink(logger)}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			sugar.Fatalw("redis connection error", "addr", cfg.RedisAddr, "error", err.Error())
		}
		sinks = append(sinks, notify.NewRedisSink(rdb))
	}

	var payouts sweeper.PayoutTrigger
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			sugar.Fatalw("nats connection error", "url", cfg.NatsURL, "error", err.Error())
		}
		defer nc.Close()

		js, err := jetstream.New(nc)
		if err != nil {
			sugar.Fatalw("jetstream initialization error", "error", err.Error())
		}

		streamCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = notify.EnsureStreams(streamCtx, js)
		cancel()
		if err != nil {
			sugar.Fatalw("jetstream streams error", "error", err.Error())
		}

		sinks = append(sinks, notify.NewJetStreamSink(js))
		payouts = notify.NewPayoutPublisher(js)
	} else {
		sugar.Warn("NATS_URL is not set, payouts for sold auctions will stay pending")
	}

	dispatcher := notify.NewDispatcher(sinks, clk, eventBufferSize, logger)

	if cfg.PaymentProviderAddress == "" {
		sugar.Warn("PAYMENT_PROVIDER_ADDRESS is not set, bids will fail with dependency errors")
	}
	guard := deposit.NewGuard(repo, payment.NewClient(cfg.PaymentProviderAddress), clk, cfg.Deposit(), logger)
	gate := fraud.NewGate(repo, clk, cfg.Fraud(), logger)

	svc := bidding.NewService(repo, gate, guard, dispatcher, clk, biddingCfg, logger)
	sw := sweeper.New(repo, guard, payouts, dispatcher, nil, clk, cfg.Sweeper(), logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, sw, guard, clk, logger, authMiddleware, cfg.SweepToken)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	g.Go(func() error {
		return sw.Start(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting auction bidding server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Сначала останавливаем приём запросов, затем дожидаемся фоновых освобождений холдов
	// и только после этого закрываем очередь событий.
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		svc.Close()
		dispatcher.Close()
		if err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
