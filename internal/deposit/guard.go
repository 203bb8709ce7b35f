// Package deposit следит за тем, чтобы у участника торгов был действующий холд
// на платёжном средстве до того, как его ставка попадёт в журнал.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/auction-bidding/internal/clock"
	"github.com/mmeshcher/auction-bidding/internal/model"
	"github.com/mmeshcher/auction-bidding/internal/repository"
)

// Статусы холда у платёжного провайдера.
const (
	HoldSucceeded      = "succeeded"
	HoldRequiresAction = "requires_action"
	HoldFailed         = "failed"
)

// ErrProvider возвращается, если платёжный провайдер недоступен или ответил ошибкой.
var ErrProvider = errors.New("payment provider unavailable")

// HoldRequest описывает запрос на авторизацию холда.
type HoldRequest struct {
	UserID    string          `json:"user_id"`
	AuctionID string          `json:"auction_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	// IdempotencyKey совпадает с идентификатором депозита.
	IdempotencyKey string `json:"idempotency_key"`
}

// HoldResult описывает ответ провайдера на авторизацию.
type HoldResult struct {
	Reference    string `json:"reference"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Provider ставит и снимает холды у платёжного провайдера.
type Provider interface {
	CreateHold(ctx context.Context, req HoldRequest) (*HoldResult, error)
	ReleaseHold(ctx context.Context, reference string) error
}

// Store хранит депозиты. InAuctionTx сериализует снятие холда со ставками на тот же аукцион.
type Store interface {
	InAuctionTx(ctx context.Context, auctionID string, fn func(tx repository.AuctionTx) error) error
	FindActiveDeposit(ctx context.Context, userID, auctionID string) (*model.BidDeposit, error)
	CreateDeposit(ctx context.Context, d model.BidDeposit) error
	GetDepositByReference(ctx context.Context, reference string) (*model.BidDeposit, error)
	UpdateDepositStatus(ctx context.Context, id string, status model.DepositStatus, at time.Time) error
	ListUnreleasedDeposits(ctx context.Context, auctionID string) ([]model.BidDeposit, error)
}

// Config задаёт размер холда.
type Config struct {
	MinimumHold decimal.Decimal
	// Percent задаёт долю суммы ставки, например 0.1 для 10%.
	Percent decimal.Decimal
	// MaximumHold ограничивает холд сверху; ноль снимает ограничение.
	MaximumHold decimal.Decimal
}

// DefaultConfig требует 10% от ставки, но не меньше 50 и не больше 5000.
var DefaultConfig = Config{
	MinimumHold: decimal.NewFromInt(50),
	Percent:     decimal.RequireFromString("0.1"),
	MaximumHold: decimal.NewFromInt(5000),
}

// HoldAmount возвращает размер холда для ставки.
func (c Config) HoldAmount(bid decimal.Decimal) decimal.Decimal {
	amount := decimal.Max(c.MinimumHold, bid.Mul(c.Percent)).Round(2)
	if c.MaximumHold.IsPositive() && amount.GreaterThan(c.MaximumHold) {
		amount = c.MaximumHold
	}
	return amount
}

// Status описывает результат проверки холда.
type Status struct {
	Authorized     bool
	RequiresAction bool
	ClientSecret   string
	Deposit        *model.BidDeposit
}

// Guard проверяет и создаёт холды.
type Guard struct {
	store    Store
	provider Provider
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewGuard создаёт проверку депозитов.
func NewGuard(store Store, provider Provider, clk clock.Clock, cfg Config, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{store: store, provider: provider, clock: clk, cfg: cfg, logger: logger}
}

// Ensure проверяет, что у пользователя есть действующий холд на аукционе, и при необходимости
// создаёт новый. Ошибка означает сбой провайдера или хранилища, а не отказ в ставке.
func (g *Guard) Ensure(ctx context.Context, userID, auctionID string, bid decimal.Decimal, currency string) (*Status, error) {
	existing, err := g.store.FindActiveDeposit(ctx, userID, auctionID)
	switch {
	case err == nil:
		return statusOf(existing), nil
	case !errors.Is(err, repository.ErrDepositNotFound):
		return nil, fmt.Errorf("find deposit: %w", err)
	}

	d := model.BidDeposit{
		ID:        uuid.NewString(),
		UserID:    userID,
		AuctionID: auctionID,
		Amount:    g.cfg.HoldAmount(bid),
		Currency:  currency,
		CreatedAt: g.clock.Now(),
	}

	res, err := g.provider.CreateHold(ctx, HoldRequest{
		UserID:         userID,
		AuctionID:      auctionID,
		Amount:         d.Amount,
		Currency:       currency,
		IdempotencyKey: d.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	d.PaymentReference = res.Reference
	switch res.Status {
	case HoldSucceeded:
		d.Status = model.DepositStatusHeld
		heldAt := g.clock.Now()
		d.HeldAt = &heldAt
	case HoldRequiresAction:
		d.Status = model.DepositStatusPending
		d.ClientSecret = res.ClientSecret
	default:
		d.Status = model.DepositStatusFailed
	}

	if err := g.store.CreateDeposit(ctx, d); err != nil {
		if !errors.Is(err, repository.ErrDepositExists) {
			return nil, fmt.Errorf("save deposit: %w", err)
		}

		// Параллельный запрос того же пользователя успел создать холд первым.
		g.releaseOrphan(ctx, d)
		winner, err := g.store.FindActiveDeposit(ctx, userID, auctionID)
		if err != nil {
			return nil, fmt.Errorf("find deposit: %w", err)
		}
		return statusOf(winner), nil
	}

	g.logger.Info("deposit hold created",
		zap.String("deposit_id", d.ID),
		zap.String("auction_id", auctionID),
		zap.String("user_id", userID),
		zap.String("status", string(d.Status)),
		zap.String("amount", d.Amount.String()),
	)

	return statusOf(&d), nil
}

func (g *Guard) releaseOrphan(ctx context.Context, d model.BidDeposit) {
	if d.PaymentReference == "" || d.Status == model.DepositStatusFailed {
		return
	}
	if err := g.provider.ReleaseHold(ctx, d.PaymentReference); err != nil {
		g.logger.Warn("failed to release duplicate hold",
			zap.String("reference", d.PaymentReference), zap.Error(err))
	}
}

func statusOf(d *model.BidDeposit) *Status {
	st := &Status{
		Authorized:     d.Status == model.DepositStatusHeld,
		RequiresAction: d.Status == model.DepositStatusPending,
		Deposit:        d,
	}
	if st.RequiresAction {
		st.ClientSecret = d.ClientSecret
	}
	return st
}

// Confirm обрабатывает уведомление провайдера о подтверждении холда пользователем.
// Повторное уведомление для уже обработанного холда ничего не меняет.
func (g *Guard) Confirm(ctx context.Context, reference string, succeeded bool) (*model.BidDeposit, error) {
	d, err := g.store.GetDepositByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if d.Status != model.DepositStatusPending {
		return d, nil
	}

	next := model.DepositStatusFailed
	if succeeded {
		next = model.DepositStatusHeld
	}
	if err := g.store.UpdateDepositStatus(ctx, d.ID, next, g.clock.Now()); err != nil {
		return nil, fmt.Errorf("update deposit %s: %w", d.ID, err)
	}
	d.Status = next

	g.logger.Info("deposit hold confirmed",
		zap.String("deposit_id", d.ID), zap.String("status", string(next)))
	return d, nil
}

// Release снимает холд перебитого участника. Проверка лидерства и перевод холда в RELEASING
// выполняются под блокировкой аукциона: если участник успел снова стать лидером, холд остаётся.
// Отсутствие холда не ошибка. Если провайдер не ответил, холд остаётся в RELEASING
// и снимается повторно через ResumeReleases.
func (g *Guard) Release(ctx context.Context, userID, auctionID string) error {
	var target *model.BidDeposit
	err := g.store.InAuctionTx(ctx, auctionID, func(tx repository.AuctionTx) error {
		winning, err := tx.WinningBid(ctx)
		if err != nil {
			return err
		}
		if winning != nil && winning.UserID == userID {
			return nil
		}

		d, err := tx.ActiveDeposit(ctx, userID)
		if errors.Is(err, repository.ErrDepositNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateDepositStatus(ctx, d.ID, model.DepositStatusReleasing, g.clock.Now()); err != nil {
			return err
		}
		target = d
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark deposit releasing: %w", err)
	}
	if target == nil {
		g.logger.Debug("deposit release skipped",
			zap.String("auction_id", auctionID), zap.String("user_id", userID))
		return nil
	}
	return g.release(ctx, *target)
}

// ReleaseAll снимает все холды аукциона, кроме действующего холда keepUserID (пустая строка
// снимает все). Холды в статусе RELEASING снимаются всегда.
// Возвращает число снятых холдов и первую ошибку; ошибка по одному холду не мешает остальным.
func (g *Guard) ReleaseAll(ctx context.Context, auctionID, keepUserID string) (int, error) {
	return g.releaseMatching(ctx, auctionID, func(d model.BidDeposit) bool {
		return d.Status == model.DepositStatusReleasing || keepUserID == "" || d.UserID != keepUserID
	})
}

// ResumeReleases повторяет снятие холдов аукциона, застрявших в статусе RELEASING.
func (g *Guard) ResumeReleases(ctx context.Context, auctionID string) (int, error) {
	return g.releaseMatching(ctx, auctionID, func(d model.BidDeposit) bool {
		return d.Status == model.DepositStatusReleasing
	})
}

func (g *Guard) releaseMatching(ctx context.Context, auctionID string, match func(d model.BidDeposit) bool) (int, error) {
	deposits, err := g.store.ListUnreleasedDeposits(ctx, auctionID)
	if err != nil {
		return 0, fmt.Errorf("list deposits: %w", err)
	}

	var (
		released int
		firstErr error
	)
	for _, d := range deposits {
		if !match(d) {
			continue
		}
		if err := g.release(ctx, d); err != nil {
			g.logger.Warn("failed to release deposit",
				zap.String("deposit_id", d.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		released++
	}
	return released, firstErr
}

func (g *Guard) release(ctx context.Context, d model.BidDeposit) error {
	if d.PaymentReference != "" {
		if err := g.provider.ReleaseHold(ctx, d.PaymentReference); err != nil {
			return fmt.Errorf("%w: release %s: %w", ErrProvider, d.PaymentReference, err)
		}
	}
	if err := g.store.UpdateDepositStatus(ctx, d.ID, model.DepositStatusReleased, g.clock.Now()); err != nil {
		return fmt.Errorf("update deposit %s: %w", d.ID, err)
	}

	g.logger.Debug("deposit released",
		zap.String("deposit_id", d.ID), zap.String("user_id", d.UserID))
	return nil
}
