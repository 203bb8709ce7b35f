package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Топики событий для NotificationSink.
const (
	TopicNewBid          = "bid.new"
	TopicAuctionExtended = "auction.extended"
	TopicAuctionEnded    = "auction.ended"
)

// Event объединяет события, публикуемые после фиксации изменений.
type Event interface {
	EventAuctionID() string
}

// NewBidEvent публикуется после принятия ставки.
type NewBidEvent struct {
	AuctionID     string          `json:"auction_id"`
	BidID         string          `json:"bid_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	BidderNumber  int             `json:"bidder_number"`
	BidderCountry string          `json:"bidder_country,omitempty"`
	BidCount      int             `json:"bid_count"`
	ReserveMet    bool            `json:"reserve_met"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (e NewBidEvent) EventAuctionID() string { return e.AuctionID }

// AuctionExtendedEvent публикуется, когда ставка продлила аукцион.
type AuctionExtendedEvent struct {
	AuctionID      string    `json:"auction_id"`
	NewEndTime     time.Time `json:"new_end_time"`
	ExtensionCount int       `json:"extension_count"`
}

func (e AuctionExtendedEvent) EventAuctionID() string { return e.AuctionID }

// AuctionEndedEvent публикуется при переходе аукциона в терминальный статус.
type AuctionEndedEvent struct {
	AuctionID  string           `json:"auction_id"`
	Status     AuctionStatus    `json:"status"`
	FinalPrice *decimal.Decimal `json:"final_price,omitempty"`
	WinnerID   *string          `json:"winner_id,omitempty"`
}

func (e AuctionEndedEvent) EventAuctionID() string { return e.AuctionID }
