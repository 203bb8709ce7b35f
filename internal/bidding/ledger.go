// Package bidding реализует приём ставок: журнал ставок с сериализацией по аукциону
// и конвейер проверок перед ним.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/auction-bidding/internal/auction"
	"github.com/mmeshcher/auction-bidding/internal/clock"
	"github.com/mmeshcher/auction-bidding/internal/model"
	"github.com/mmeshcher/auction-bidding/internal/repository"
)

// TxStore открывает атомарную единицу работы над одним аукционом.
type TxStore interface {
	InAuctionTx(ctx context.Context, auctionID string, fn func(tx repository.AuctionTx) error) error
}

// LedgerConfig задаёт правила журнала ставок.
type LedgerConfig struct {
	Extension          auction.ExtensionPolicy
	Increment          IncrementPolicy
	MaxConflictRetries int
	ConflictBackoff    time.Duration
}

// Submission описывает ставку, прошедшую антифрод и проверку холда.
type Submission struct {
	AuctionID     string
	UserID        string
	Amount        decimal.Decimal
	BidderCountry string
	IPAddress     string
	UserAgent     string
	// DepositID задаёт холд, под который принята ставка. Если он задан, журнал проверяет
	// под блокировкой, что у участника всё ещё есть холд в статусе HELD.
	DepositID string
}

// Outcome описывает результат принятой ставки.
type Outcome struct {
	Bid      model.Bid
	Auction  model.Auction
	Extended bool
	// Outbid содержит ставку, которая была выигрывающей до этой, или nil.
	Outbid *model.Bid
}

// Ledger ведёт журнал ставок. Цену аукциона меняет только он.
type Ledger struct {
	store  TxStore
	clock  clock.Clock
	cfg    LedgerConfig
	logger *zap.Logger
}

// NewLedger создаёт журнал ставок.
func NewLedger(store TxStore, clk clock.Clock, cfg LedgerConfig, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Increment == nil {
		cfg.Increment = FlatIncrement(decimal.NewFromInt(1))
	}
	return &Ledger{store: store, clock: clk, cfg: cfg, logger: logger}
}

// Submit атомарно проверяет и принимает ставку. Проверка статуса, шага и самоперебития
// выполняется заново внутри блокировки аукциона; при конфликте с параллельным писателем
// попытка повторяется против актуального состояния.
func (l *Ledger) Submit(ctx context.Context, s Submission) (*Outcome, error) {
	var (
		out *Outcome
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = l.submitOnce(ctx, s)
		if !errors.Is(err, repository.ErrConflict) {
			return out, err
		}
		if attempt >= l.cfg.MaxConflictRetries {
			break
		}

		l.logger.Debug("bid conflicted, retrying",
			zap.String("auction_id", s.AuctionID), zap.Int("attempt", attempt+1))

		if l.cfg.ConflictBackoff > 0 {
			timer := time.NewTimer(l.cfg.ConflictBackoff * time.Duration(attempt+1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrConflict, err)
}

func (l *Ledger) submitOnce(ctx context.Context, s Submission) (*Outcome, error) {
	var out *Outcome
	err := l.store.InAuctionTx(ctx, s.AuctionID, func(tx repository.AuctionTx) error {
		a := tx.Auction()
		now := l.clock.Now()

		if rej := CheckOpen(a, now); rej != nil {
			return rej
		}

		minimum := MinimumBid(a, l.cfg.Increment)
		if s.Amount.LessThan(minimum) {
			return bidTooLow(a, minimum)
		}

		winning, err := tx.WinningBid(ctx)
		if err != nil {
			return err
		}
		if winning != nil && winning.UserID == s.UserID {
			current := winning.Amount
			return &Rejection{
				Reason:       ReasonSelfBid,
				Message:      "you already hold the winning bid",
				Status:       a.Status,
				CurrentPrice: &current,
			}
		}

		if s.DepositID != "" {
			d, err := tx.ActiveDeposit(ctx, s.UserID)
			if err != nil && !errors.Is(err, repository.ErrDepositNotFound) {
				return err
			}
			if d == nil || d.Status != model.DepositStatusHeld {
				return &Rejection{
					Reason:  ReasonInsufficientDeposit,
					Message: "deposit hold was released, place the bid again",
					Status:  a.Status,
				}
			}
		}

		number, err := tx.BidderNumber(ctx, s.UserID)
		if err != nil {
			return err
		}

		createdAt := now
		if winning != nil {
			if !createdAt.After(winning.CreatedAt) {
				createdAt = winning.CreatedAt.Add(time.Microsecond)
			}
			if err := tx.MarkOutbid(ctx, winning.ID); err != nil {
				return err
			}
		}

		bid := model.Bid{
			ID:            uuid.NewString(),
			AuctionID:     a.ID,
			UserID:        s.UserID,
			Amount:        s.Amount,
			Sequence:      a.BidCount + 1,
			BidderNumber:  number,
			BidderCountry: s.BidderCountry,
			IsWinning:     true,
			IPAddress:     s.IPAddress,
			UserAgent:     s.UserAgent,
			CreatedAt:     createdAt,
		}
		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}

		amount := s.Amount
		a.CurrentBid = &amount
		a.BidCount++
		if !a.ReserveMet && (a.ReservePrice == nil || amount.GreaterThanOrEqual(*a.ReservePrice)) {
			a.ReserveMet = true
		}
		a.UpdatedAt = now

		extended, err := l.cfg.Extension.Extend(a, now)
		if err != nil {
			return err
		}

		if err := checkInvariants(a); err != nil {
			return err
		}
		if err := tx.SaveAuction(ctx); err != nil {
			return err
		}

		out = &Outcome{Bid: bid, Auction: *a, Extended: extended, Outbid: winning}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CheckOpen возвращает отказ, если аукцион не принимает ставки в момент now.
func CheckOpen(a *model.Auction, now time.Time) *Rejection {
	switch a.Status {
	case model.AuctionStatusScheduled:
		return &Rejection{Reason: ReasonAuctionNotStarted, Message: "auction has not started", Status: a.Status}
	case model.AuctionStatusEnded, model.AuctionStatusSold, model.AuctionStatusNoSale:
		return &Rejection{Reason: ReasonAuctionEnded, Message: "auction has ended", Status: a.Status}
	case model.AuctionStatusCancelled:
		return &Rejection{Reason: ReasonAuctionNotActive, Message: "auction is cancelled", Status: a.Status}
	}
	if !auction.IsOpenAt(a, now) {
		return &Rejection{Reason: ReasonAuctionEnded, Message: "auction deadline has passed", Status: a.Status}
	}
	return nil
}

func bidTooLow(a *model.Auction, minimum decimal.Decimal) *Rejection {
	current := CurrentPrice(a)
	return &Rejection{
		Reason:       ReasonBidTooLow,
		Message:      fmt.Sprintf("minimum bid is %s %s", minimum.StringFixed(2), a.Currency),
		Status:       a.Status,
		CurrentPrice: &current,
		MinimumBid:   &minimum,
	}
}

// ErrInvariantViolation означает нарушение инварианта аукциона, то есть ошибку программы.
var ErrInvariantViolation = errors.New("auction invariant violated")

func checkInvariants(a *model.Auction) error {
	if (a.CurrentBid == nil) != (a.BidCount == 0) {
		return fmt.Errorf("%w: auction %s current bid/bid count mismatch", ErrInvariantViolation, a.ID)
	}
	if a.CurrentEndTime.Before(a.OriginalEndTime) {
		return fmt.Errorf("%w: auction %s end time before original", ErrInvariantViolation, a.ID)
	}
	return nil
}
