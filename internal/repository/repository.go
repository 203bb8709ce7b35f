// Package repository содержит реализации хранилища аукционов, ставок, холдов и антифрод-сигналов.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

var (
	// ErrAuctionNotFound возвращается, если аукцион не найден.
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrAuctionExists возвращается при повторном создании аукциона для того же лота.
	ErrAuctionExists = errors.New("auction already exists for listing")
	// ErrDepositNotFound возвращается, если подходящий холд не найден.
	ErrDepositNotFound = errors.New("deposit not found")
	// ErrDepositExists возвращается, если у пары (пользователь, аукцион) уже есть активный холд.
	ErrDepositExists = errors.New("active deposit already exists")
	// ErrConflict сигнализирует о конкурентной записи; операцию можно повторить.
	ErrConflict = errors.New("concurrent modification conflict")
)

// AuctionTx представляет атомарную работу над одним аукционом. Пока она открыта,
// другие писатели того же аукциона ждут.
type AuctionTx interface {
	// Auction возвращает рабочую копию заблокированного аукциона; изменения сохраняет SaveAuction.
	Auction() *model.Auction
	// WinningBid возвращает текущую выигрывающую ставку или nil.
	WinningBid(ctx context.Context) (*model.Bid, error)
	// BidderNumber возвращает номер участника в аукционе, выдавая следующий для нового участника.
	BidderNumber(ctx context.Context, userID string) (int, error)
	InsertBid(ctx context.Context, bid model.Bid) error
	MarkOutbid(ctx context.Context, bidID string) error
	SaveAuction(ctx context.Context) error

	// ActiveDeposit возвращает холд участника на этом аукционе в статусе PENDING или HELD.
	ActiveDeposit(ctx context.Context, userID string) (*model.BidDeposit, error)
	// UpdateDepositStatus меняет статус холда вместе с остальными изменениями транзакции.
	UpdateDepositStatus(ctx context.Context, id string, status model.DepositStatus, at time.Time) error
}

// Store объединяет все операции хранилища. Его реализуют PostgresRepository и MemoryRepository.
type Store interface {
	InAuctionTx(ctx context.Context, auctionID string, fn func(tx AuctionTx) error) error

	CreateAuction(ctx context.Context, a model.Auction) error
	GetAuction(ctx context.Context, id string) (*model.Auction, error)
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)

	DueForActivation(ctx context.Context, now time.Time, limit int) ([]string, error)
	DueForEnding(ctx context.Context, now time.Time, limit int) ([]string, error)
	PendingPayouts(ctx context.Context, limit int) ([]string, error)
	MarkPayoutDispatched(ctx context.Context, id string) error

	FindActiveDeposit(ctx context.Context, userID, auctionID string) (*model.BidDeposit, error)
	CreateDeposit(ctx context.Context, d model.BidDeposit) error
	GetDepositByReference(ctx context.Context, reference string) (*model.BidDeposit, error)
	UpdateDepositStatus(ctx context.Context, id string, status model.DepositStatus, at time.Time) error
	ListUnreleasedDeposits(ctx context.Context, auctionID string) ([]model.BidDeposit, error)
	PendingReleases(ctx context.Context, limit int) ([]string, error)

	CountUserBidsSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountOtherBiddersFromIP(ctx context.Context, auctionID, ip, excludeUserID string, since time.Time) (int, error)
	SaveFraudAlerts(ctx context.Context, alerts []model.FraudAlert) error

	Close() error
}

var (
	_ Store = (*PostgresRepository)(nil)
	_ Store = (*MemoryRepository)(nil)
)
