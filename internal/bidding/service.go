package bidding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/auction-bidding/internal/auction"
	"github.com/mmeshcher/auction-bidding/internal/clock"
	"github.com/mmeshcher/auction-bidding/internal/deposit"
	"github.com/mmeshcher/auction-bidding/internal/fraud"
	"github.com/mmeshcher/auction-bidding/internal/model"
	"github.com/mmeshcher/auction-bidding/internal/repository"
)

// FraudGate проверяет ставку на признаки мошенничества.
type FraudGate interface {
	Check(ctx context.Context, c fraud.Candidate) (*fraud.Result, error)
}

// DepositGuard управляет платёжными холдами участников.
type DepositGuard interface {
	Ensure(ctx context.Context, userID, auctionID string, bid decimal.Decimal, currency string) (*deposit.Status, error)
	// Release снимает холд участника, если к этому моменту он не лидирует на аукционе.
	Release(ctx context.Context, userID, auctionID string) error
	ReleaseAll(ctx context.Context, auctionID, keepUserID string) (int, error)
}

// Notifier принимает события без блокировки.
type Notifier interface {
	Publish(topic string, e model.Event)
}

// Repository определяет хранилище аукционов и ставок.
type Repository interface {
	TxStore
	CreateAuction(ctx context.Context, a model.Auction) error
	GetAuction(ctx context.Context, id string) (*model.Auction, error)
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)
}

// Config задаёт правила приёма ставок.
type Config struct {
	Ledger LedgerConfig
	// BidTimeout ограничивает приём одной ставки целиком, включая внешние вызовы.
	BidTimeout time.Duration
	// ReleaseTimeout ограничивает фоновое снятие холда перебитого участника.
	ReleaseTimeout time.Duration
}

// Service принимает ставки и управляет аукционами.
type Service struct {
	repo     Repository
	ledger   *Ledger
	fraud    FraudGate
	deposits DepositGuard
	notifier Notifier
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger

	background sync.WaitGroup
}

// NewService создаёт сервис приёма ставок.
func NewService(repo Repository, gate FraudGate, guard DepositGuard, notifier Notifier, clk clock.Clock, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 10 * time.Second
	}
	return &Service{
		repo:     repo,
		ledger:   NewLedger(repo, clk, cfg.Ledger, logger),
		fraud:    gate,
		deposits: guard,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
}

// Close дожидается фоновых задач (снятие холдов перебитых участников).
func (s *Service) Close() {
	s.background.Wait()
}

// BidRequest описывает входящую ставку.
type BidRequest struct {
	AuctionID     string
	UserID        string
	Amount        decimal.Decimal
	BidderCountry string
	IPAddress     string
	UserAgent     string
}

// PlaceBid проводит ставку через антифрод и проверку холда и атомарно принимает её.
// Отказ возвращается как *Rejection; временные сбои оборачивают ErrConflict,
// ErrDependencyUnavailable или ErrTimeout.
func (s *Service) PlaceBid(ctx context.Context, req BidRequest) (*Outcome, error) {
	if rej := validateBid(req); rej != nil {
		return nil, rej
	}

	if s.cfg.BidTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BidTimeout)
		defer cancel()
	}

	a, err := s.repo.GetAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, s.wrapFailure(ctx, "load auction", err)
	}
	if rej := s.preFilter(a, req.Amount); rej != nil {
		return nil, rej
	}

	res, err := s.fraud.Check(ctx, fraud.Candidate{
		UserID:    req.UserID,
		AuctionID: req.AuctionID,
		Amount:    req.Amount,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return nil, s.dependencyFailure(ctx, "fraud check", err)
	}
	if !res.Passed {
		s.logger.Info("bid blocked by fraud gate",
			zap.String("auction_id", req.AuctionID),
			zap.String("user_id", req.UserID),
			zap.Strings("alerts", res.AlertTypes()),
		)
		return nil, &Rejection{
			Reason:     ReasonFraudDetected,
			Message:    "bid blocked by fraud checks",
			Status:     a.Status,
			AlertTypes: res.AlertTypes(),
		}
	}

	st, err := s.deposits.Ensure(ctx, req.UserID, req.AuctionID, req.Amount, a.Currency)
	if err != nil {
		return nil, s.dependencyFailure(ctx, "deposit guard", err)
	}
	if !st.Authorized {
		rej := &Rejection{
			Reason:         ReasonInsufficientDeposit,
			Message:        "an authorized deposit hold is required to bid",
			Status:         a.Status,
			RequiresAction: st.RequiresAction,
			ClientSecret:   st.ClientSecret,
		}
		if st.RequiresAction {
			rej.Message = "deposit hold requires confirmation"
		}
		return nil, rej
	}

	sub := Submission{
		AuctionID:     req.AuctionID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		BidderCountry: req.BidderCountry,
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
	}
	if st.Deposit != nil {
		sub.DepositID = st.Deposit.ID
	}

	out, err := s.ledger.Submit(ctx, sub)
	if err != nil {
		return nil, s.wrapFailure(ctx, "submit bid", err)
	}

	s.logger.Info("bid accepted",
		zap.String("auction_id", out.Auction.ID),
		zap.String("bid_id", out.Bid.ID),
		zap.String("amount", out.Bid.Amount.String()),
		zap.Int("bid_count", out.Auction.BidCount),
		zap.Bool("extended", out.Extended),
	)

	s.publishAccepted(out)
	if out.Outbid != nil && out.Outbid.UserID != req.UserID {
		s.releaseOutbid(out.Outbid.UserID, out.Auction.ID)
	}

	return out, nil
}

func validateBid(req BidRequest) *Rejection {
	switch {
	case strings.TrimSpace(req.AuctionID) == "":
		return validationError("auction_id", "auction id is required")
	case strings.TrimSpace(req.UserID) == "":
		return validationError("user_id", "user id is required")
	case !req.Amount.IsPositive():
		return validationError("amount", "amount must be positive")
	case !req.Amount.Equal(req.Amount.Round(2)):
		return validationError("amount", "amount must have at most two decimal places")
	}
	return nil
}

// preFilter отсекает заведомо недопустимые ставки до создания холда. Окончательное
// решение принимает журнал под блокировкой аукциона.
func (s *Service) preFilter(a *model.Auction, amount decimal.Decimal) *Rejection {
	if rej := CheckOpen(a, s.clock.Now()); rej != nil {
		return rej
	}
	minimum := MinimumBid(a, s.ledger.cfg.Increment)
	if amount.LessThan(minimum) {
		return bidTooLow(a, minimum)
	}
	return nil
}

func (s *Service) publishAccepted(out *Outcome) {
	if s.notifier == nil {
		return
	}

	s.notifier.Publish(model.TopicNewBid, model.NewBidEvent{
		AuctionID:     out.Auction.ID,
		BidID:         out.Bid.ID,
		Amount:        out.Bid.Amount,
		Currency:      out.Auction.Currency,
		BidderNumber:  out.Bid.BidderNumber,
		BidderCountry: out.Bid.BidderCountry,
		BidCount:      out.Auction.BidCount,
		ReserveMet:    out.Auction.ReserveMet,
		Timestamp:     out.Bid.CreatedAt,
	})

	if out.Extended {
		s.notifier.Publish(model.TopicAuctionExtended, model.AuctionExtendedEvent{
			AuctionID:      out.Auction.ID,
			NewEndTime:     out.Auction.CurrentEndTime,
			ExtensionCount: out.Auction.ExtensionCount,
		})
	}
}

func (s *Service) releaseOutbid(userID, auctionID string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReleaseTimeout)
		defer cancel()

		if err := s.deposits.Release(ctx, userID, auctionID); err != nil {
			s.logger.Warn("failed to release outbid deposit",
				zap.String("auction_id", auctionID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}()
}

// wrapFailure превращает ошибку хранилища или истёкший срок в ошибку с понятной клиенту семантикой.
func (s *Service) wrapFailure(ctx context.Context, op string, err error) error {
	if _, ok := AsRejection(err); ok {
		return err
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, repository.ErrAuctionNotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) dependencyFailure(ctx context.Context, op string, err error) error {
	if errors.Is(err, repository.ErrAuctionNotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}

	s.logger.Warn("bid dependency failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, op, err)
}

// NewAuction содержит параметры нового аукциона.
type NewAuction struct {
	ListingID     string
	SellerID      string
	SellerIP      string
	StartingPrice decimal.Decimal
	ReservePrice  *decimal.Decimal
	Currency      string
	StartTime     time.Time
	EndTime       time.Time
}

// CreateAuction создаёт аукцион в статусе SCHEDULED.
func (s *Service) CreateAuction(ctx context.Context, in NewAuction) (*model.Auction, error) {
	switch {
	case strings.TrimSpace(in.ListingID) == "":
		return nil, validationError("listing_id", "listing id is required")
	case strings.TrimSpace(in.SellerID) == "":
		return nil, validationError("seller_id", "seller id is required")
	case in.StartingPrice.IsNegative():
		return nil, validationError("starting_price", "starting price must not be negative")
	case in.ReservePrice != nil && in.ReservePrice.LessThan(in.StartingPrice):
		return nil, validationError("reserve_price", "reserve price must not be below starting price")
	case len(in.Currency) != 3:
		return nil, validationError("currency", "currency must be an ISO 4217 code")
	case !in.EndTime.After(in.StartTime):
		return nil, validationError("end_time", "end time must be after start time")
	}

	now := s.clock.Now()
	a := model.Auction{
		ID:              uuid.NewString(),
		ListingID:       in.ListingID,
		SellerID:        in.SellerID,
		SellerIP:        in.SellerIP,
		Status:          model.AuctionStatusScheduled,
		StartingPrice:   in.StartingPrice,
		ReservePrice:    in.ReservePrice,
		Currency:        strings.ToUpper(in.Currency),
		StartTime:       in.StartTime.UTC(),
		OriginalEndTime: in.EndTime.UTC(),
		CurrentEndTime:  in.EndTime.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateAuction(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("auction created",
		zap.String("auction_id", a.ID), zap.String("listing_id", a.ListingID))
	return &a, nil
}

// CancelAuction отменяет аукцион и снимает все холды участников.
func (s *Service) CancelAuction(ctx context.Context, id string) (*model.Auction, error) {
	var (
		cancelled model.Auction
		changed   bool
	)
	err := s.repo.InAuctionTx(ctx, id, func(tx repository.AuctionTx) error {
		a := tx.Auction()
		ok, err := auction.Cancel(a, s.clock.Now())
		if err != nil {
			return err
		}
		changed = ok
		cancelled = *a
		if !ok {
			return nil
		}
		return tx.SaveAuction(ctx)
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return &cancelled, nil
	}

	s.logger.Info("auction cancelled", zap.String("auction_id", id))

	if s.notifier != nil {
		s.notifier.Publish(model.TopicAuctionEnded, model.AuctionEndedEvent{
			AuctionID: id,
			Status:    model.AuctionStatusCancelled,
		})
	}

	if n, err := s.deposits.ReleaseAll(ctx, id, ""); err != nil {
		s.logger.Warn("failed to release deposits of cancelled auction",
			zap.String("auction_id", id), zap.Int("released", n), zap.Error(err))
	}

	return &cancelled, nil
}

// GetAuction возвращает аукцион.
func (s *Service) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	return s.repo.GetAuction(ctx, id)
}

// ListBids возвращает историю ставок аукциона в порядке принятия.
func (s *Service) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, err := s.repo.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	return s.repo.ListBids(ctx, auctionID)
}
