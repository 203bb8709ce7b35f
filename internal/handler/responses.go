package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/mmeshcher/auction-bidding/internal/auction"
	"github.com/mmeshcher/auction-bidding/internal/bidding"
	"github.com/mmeshcher/auction-bidding/internal/model"
	"github.com/mmeshcher/auction-bidding/internal/repository"
	"github.com/mmeshcher/auction-bidding/internal/sweeper"
)

type errorResponse struct {
	Error          string   `json:"error"`
	Message        string   `json:"message,omitempty"`
	Status         string   `json:"auction_status,omitempty"`
	CurrentPrice   string   `json:"current_price,omitempty"`
	MinimumBid     string   `json:"minimum_bid,omitempty"`
	AlertTypes     []string `json:"alert_types,omitempty"`
	RequiresAction bool     `json:"requires_action,omitempty"`
	ClientSecret   string   `json:"client_secret,omitempty"`
	Field          string   `json:"field,omitempty"`
}

func rejectionStatus(reason bidding.Reason) int {
	switch reason {
	case bidding.ReasonValidation:
		return http.StatusBadRequest
	case bidding.ReasonFraudDetected:
		return http.StatusForbidden
	case bidding.ReasonInsufficientDeposit:
		return http.StatusPaymentRequired
	default:
		return http.StatusConflict
	}
}

func statusOf(err error) int {
	switch {
	case bidding.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, repository.ErrAuctionNotFound), errors.Is(err, repository.ErrDepositNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrAuctionExists), errors.Is(err, auction.ErrIllegalTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type auctionResponse struct {
	ID              string  `json:"id"`
	ListingID       string  `json:"listing_id"`
	Status          string  `json:"status"`
	Currency        string  `json:"currency"`
	StartingPrice   string  `json:"starting_price"`
	CurrentBid      *string `json:"current_bid,omitempty"`
	BidCount        int     `json:"bid_count"`
	HasReserve      bool    `json:"has_reserve"`
	ReserveMet      bool    `json:"reserve_met"`
	StartTime       string  `json:"start_time"`
	OriginalEndTime string  `json:"original_end_time"`
	CurrentEndTime  string  `json:"current_end_time"`
	ExtensionCount  int     `json:"extension_count"`
	FinalPrice      *string `json:"final_price,omitempty"`
}

func newAuctionResponse(a *model.Auction) auctionResponse {
	resp := auctionResponse{
		ID:              a.ID,
		ListingID:       a.ListingID,
		Status:          string(a.Status),
		Currency:        a.Currency,
		StartingPrice:   a.StartingPrice.StringFixed(2),
		BidCount:        a.BidCount,
		HasReserve:      a.HasReserve(),
		ReserveMet:      a.ReserveMet,
		StartTime:       a.StartTime.Format(time.RFC3339),
		OriginalEndTime: a.OriginalEndTime.Format(time.RFC3339),
		CurrentEndTime:  a.CurrentEndTime.Format(time.RFC3339),
		ExtensionCount:  a.ExtensionCount,
	}
	if a.CurrentBid != nil {
		v := a.CurrentBid.StringFixed(2)
		resp.CurrentBid = &v
	}
	if a.FinalPrice != nil {
		v := a.FinalPrice.StringFixed(2)
		resp.FinalPrice = &v
	}
	return resp
}

// bidResponse не раскрывает личность участника: только номер участника на аукционе и страну.
type bidResponse struct {
	ID            string `json:"id"`
	Sequence      int    `json:"sequence"`
	Amount        string `json:"amount"`
	BidderNumber  int    `json:"bidder_number"`
	BidderCountry string `json:"bidder_country,omitempty"`
	IsWinning     bool   `json:"is_winning"`
	CreatedAt     string `json:"created_at"`
}

func newBidResponse(b model.Bid) bidResponse {
	return bidResponse{
		ID:            b.ID,
		Sequence:      b.Sequence,
		Amount:        b.Amount.StringFixed(2),
		BidderNumber:  b.BidderNumber,
		BidderCountry: b.BidderCountry,
		IsWinning:     b.IsWinning,
		CreatedAt:     b.CreatedAt.Format(time.RFC3339Nano),
	}
}

type placeBidResponse struct {
	Bid      bidResponse     `json:"bid"`
	Auction  auctionResponse `json:"auction"`
	Extended bool            `json:"extended"`
}

type sweepError struct {
	AuctionID string `json:"auction_id"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

type sweepResponse struct {
	Activated         int          `json:"activated"`
	Ended             int          `json:"ended"`
	Sold              int          `json:"sold"`
	NoSale            int          `json:"no_sale"`
	PayoutsDispatched int          `json:"payouts_dispatched"`
	DepositsReleased  int          `json:"deposits_released"`
	Errors            []sweepError `json:"errors"`
}

func newSweepResponse(r *sweeper.Report) sweepResponse {
	resp := sweepResponse{
		Activated:         r.Activated,
		Ended:             r.Ended,
		Sold:              r.Sold,
		NoSale:            r.NoSale,
		PayoutsDispatched: r.PayoutsDispatched,
		DepositsReleased:  r.DepositsReleased,
		Errors:            make([]sweepError, 0, len(r.Errors)),
	}
	for _, e := range r.Errors {
		resp.Errors = append(resp.Errors, sweepError{AuctionID: e.AuctionID, Stage: e.Stage, Error: e.Err.Error()})
	}
	return resp
}

type depositResponse struct {
	ID        string `json:"id"`
	AuctionID string `json:"auction_id"`
	Status    string `json:"status"`
}
