// Package model содержит доменные сущности движка аукционных ставок.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus описывает этап жизненного цикла аукциона.
type AuctionStatus string

const (
	AuctionStatusScheduled AuctionStatus = "SCHEDULED"
	AuctionStatusActive    AuctionStatus = "ACTIVE"
	AuctionStatusExtended  AuctionStatus = "EXTENDED"
	AuctionStatusEnded     AuctionStatus = "ENDED"
	AuctionStatusSold      AuctionStatus = "SOLD"
	AuctionStatusNoSale    AuctionStatus = "NO_SALE"
	AuctionStatusCancelled AuctionStatus = "CANCELLED"
)

// IsTerminal сообщает, что аукцион больше не изменит статус.
func (s AuctionStatus) IsTerminal() bool {
	return s == AuctionStatusSold || s == AuctionStatusNoSale || s == AuctionStatusCancelled
}

// Auction описывает аукцион по одному лоту.
type Auction struct {
	ID        string
	ListingID string
	SellerID  string
	// SellerIP фиксируется при публикации лота и используется антифрод-проверкой.
	SellerIP string

	Status        AuctionStatus
	StartingPrice decimal.Decimal
	ReservePrice  *decimal.Decimal
	Currency      string

	CurrentBid *decimal.Decimal
	BidCount   int
	ReserveMet bool

	StartTime       time.Time
	OriginalEndTime time.Time
	CurrentEndTime  time.Time
	ExtensionCount  int

	WinnerID         *string
	FinalPrice       *decimal.Decimal
	PayoutDispatched bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasReserve сообщает, задана ли резервная цена.
func (a *Auction) HasReserve() bool {
	return a.ReservePrice != nil
}

// Bid описывает принятую ставку. После создания меняется только флаг IsWinning.
type Bid struct {
	ID            string
	AuctionID     string
	UserID        string
	Amount        decimal.Decimal
	Sequence      int
	BidderNumber  int
	BidderCountry string
	IsWinning     bool
	IPAddress     string
	UserAgent     string
	CreatedAt     time.Time
}

// DepositStatus описывает состояние платёжного холда.
type DepositStatus string

const (
	DepositStatusPending   DepositStatus = "PENDING"
	DepositStatusHeld      DepositStatus = "HELD"
	DepositStatusFailed    DepositStatus = "FAILED"
	// DepositStatusReleasing означает, что холд решено снять, но провайдер ещё не подтвердил снятие.
	DepositStatusReleasing DepositStatus = "RELEASING"
	DepositStatusReleased  DepositStatus = "RELEASED"
)

// BidDeposit описывает холд на платёжном средстве участника для конкретного аукциона.
type BidDeposit struct {
	ID               string
	UserID           string
	AuctionID        string
	Status           DepositStatus
	Amount           decimal.Decimal
	Currency         string
	PaymentReference string
	// ClientSecret нужен клиенту для подтверждения холда в статусе PENDING.
	ClientSecret     string
	HeldAt           *time.Time
	ReleasedAt       *time.Time
	CreatedAt        time.Time
}

// AlertSeverity описывает уровень серьёзности антифрод-сигнала.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertStatus описывает состояние разбора сигнала модератором.
type AlertStatus string

const (
	AlertStatusOpen          AlertStatus = "OPEN"
	AlertStatusInvestigating AlertStatus = "INVESTIGATING"
	AlertStatusResolved      AlertStatus = "RESOLVED"
	AlertStatusFalsePositive AlertStatus = "FALSE_POSITIVE"
)

// FraudAlert описывает сработавшую антифрод-эвристику.
type FraudAlert struct {
	ID        string
	UserID    string
	AuctionID string
	AlertType string
	Severity  AlertSeverity
	Details   map[string]any
	Status    AlertStatus
	CreatedAt time.Time
}
