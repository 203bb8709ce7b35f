// Package handler содержит HTTP-обработчики API движка аукционных ставок.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/auction-bidding/internal/bidding"
	"github.com/mmeshcher/auction-bidding/internal/clock"
	"github.com/mmeshcher/auction-bidding/internal/middleware"
	"github.com/mmeshcher/auction-bidding/internal/model"
	"github.com/mmeshcher/auction-bidding/internal/sweeper"
	"github.com/mmeshcher/auction-bidding/internal/validation"
)

// Service определяет контракт приёма ставок, используемый HTTP-обработчиками.
type Service interface {
	PlaceBid(ctx context.Context, req bidding.BidRequest) (*bidding.Outcome, error)
	CreateAuction(ctx context.Context, in bidding.NewAuction) (*model.Auction, error)
	CancelAuction(ctx context.Context, id string) (*model.Auction, error)
	GetAuction(ctx context.Context, id string) (*model.Auction, error)
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)
}

// Sweeper запускает проход жизненного цикла по запросу внешнего планировщика.
type Sweeper interface {
	Run(ctx context.Context, now time.Time) (*sweeper.Report, error)
}

// HoldConfirmer обрабатывает уведомления платёжного провайдера.
type HoldConfirmer interface {
	Confirm(ctx context.Context, reference string, succeeded bool) (*model.BidDeposit, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	sweeper        Sweeper
	holds          HoldConfirmer
	clock          clock.Clock
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	operatorToken  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, sw Sweeper, holds HoldConfirmer, clk clock.Clock, logger *zap.Logger, auth *middleware.AuthMiddleware, operatorToken string) *Handler {
	return &Handler{
		service:        s,
		sweeper:        sw,
		holds:          holds,
		clock:          clk,
		logger:         logger,
		authMiddleware: auth,
		operatorToken:  operatorToken,
	}
}

type placeBidRequest struct {
	Amount json.Number `json:"amount"`
}

// PlaceBid принимает ставку текущего пользователя.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	auctionID := chi.URLParam(r, "auctionID")
	if !validation.IsValidID(auctionID) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRejection(w, &bidding.Rejection{Reason: bidding.ReasonValidation, Field: "body", Message: "malformed JSON"})
		return
	}

	amount, err := validation.ParseAmount(req.Amount.String())
	if err != nil {
		writeRejection(w, &bidding.Rejection{Reason: bidding.ReasonValidation, Field: "amount", Message: err.Error()})
		return
	}

	country := strings.ToUpper(strings.TrimSpace(r.Header.Get("X-Country")))
	if !validation.IsValidCountry(country) {
		country = ""
	}

	out, err := h.service.PlaceBid(r.Context(), bidding.BidRequest{
		AuctionID:     auctionID,
		UserID:        userID,
		Amount:        amount,
		BidderCountry: country,
		IPAddress:     validation.NormalizeIP(r.RemoteAddr),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, "place bid", err, zap.String("auction_id", auctionID), zap.String("user_id", userID))
		return
	}

	writeJSON(w, http.StatusCreated, placeBidResponse{
		Bid:      newBidResponse(out.Bid),
		Auction:  newAuctionResponse(&out.Auction),
		Extended: out.Extended,
	})
}

// GetAuction возвращает публичное состояние аукциона.
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")
	if !validation.IsValidID(auctionID) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	a, err := h.service.GetAuction(r.Context(), auctionID)
	if err != nil {
		h.writeError(w, "get auction", err, zap.String("auction_id", auctionID))
		return
	}

	writeJSON(w, http.StatusOK, newAuctionResponse(a))
}

// ListBids возвращает обезличенную историю ставок аукциона.
func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")
	if !validation.IsValidID(auctionID) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	bids, err := h.service.ListBids(r.Context(), auctionID)
	if err != nil {
		h.writeError(w, "list bids", err, zap.String("auction_id", auctionID))
		return
	}

	if len(bids) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		resp = append(resp, newBidResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

type createAuctionRequest struct {
	ListingID     string      `json:"listing_id"`
	SellerID      string      `json:"seller_id"`
	SellerIP      string      `json:"seller_ip"`
	StartingPrice json.Number `json:"starting_price"`
	ReservePrice  json.Number `json:"reserve_price"`
	Currency      string      `json:"currency"`
	StartTime     time.Time   `json:"start_time"`
	EndTime       time.Time   `json:"end_time"`
}

// CreateAuction создаёт аукцион по одобренному лоту.
func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRejection(w, &bidding.Rejection{Reason: bidding.ReasonValidation, Field: "body", Message: "malformed JSON"})
		return
	}

	starting, err := decimal.NewFromString(req.StartingPrice.String())
	if err != nil {
		writeRejection(w, &bidding.Rejection{Reason: bidding.ReasonValidation, Field: "starting_price", Message: "starting price is not a number"})
		return
	}

	in := bidding.NewAuction{
		ListingID:     req.ListingID,
		SellerID:      req.SellerID,
		SellerIP:      validation.NormalizeIP(req.SellerIP),
		StartingPrice: starting,
		Currency:      req.Currency,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
	}
	if req.ReservePrice != "" {
		reserve, err := validation.ParseAmount(req.ReservePrice.String())
		if err != nil {
			writeRejection(w, &bidding.Rejection{Reason: bidding.ReasonValidation, Field: "reserve_price", Message: err.Error()})
			return
		}
		in.ReservePrice = &reserve
	}
	if !validation.IsValidCurrency(strings.ToUpper(req.Currency)) {
		writeRejection(w, &bidding.Rejection{Reason: bidding.ReasonValidation, Field: "currency", Message: "currency must be an ISO 4217 code"})
		return
	}

	a, err := h.service.CreateAuction(r.Context(), in)
	if err != nil {
		h.writeError(w, "create auction", err, zap.String("listing_id", req.ListingID))
		return
	}

	writeJSON(w, http.StatusCreated, newAuctionResponse(a))
}

// CancelAuction отменяет аукцион.
func (h *Handler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")
	if !validation.IsValidID(auctionID) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	a, err := h.service.CancelAuction(r.Context(), auctionID)
	if err != nil {
		h.writeError(w, "cancel auction", err, zap.String("auction_id", auctionID))
		return
	}

	writeJSON(w, http.StatusOK, newAuctionResponse(a))
}

// RunSweep выполняет проход жизненного цикла по запросу внешнего планировщика.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Run(r.Context(), h.clock.Now())
	if err != nil {
		h.writeError(w, "run sweep", err)
		return
	}

	writeJSON(w, http.StatusOK, newSweepResponse(report))
}

type webhookRequest struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// PaymentWebhook принимает уведомление провайдера о результате подтверждения холда.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var succeeded bool
	switch req.Status {
	case "succeeded":
		succeeded = true
	case "failed":
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.holds.Confirm(r.Context(), req.Reference, succeeded)
	if err != nil {
		h.writeError(w, "confirm hold", err, zap.String("reference", req.Reference))
		return
	}

	writeJSON(w, http.StatusOK, depositResponse{
		ID:        d.ID,
		AuctionID: d.AuctionID,
		Status:    string(d.Status),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError отображает ошибку сервиса в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	if rej, ok := bidding.AsRejection(err); ok {
		writeRejection(w, rej)
		return
	}

	status := statusOf(err)
	switch {
	case status == http.StatusServiceUnavailable:
		h.logger.Warn(op+" temporarily failed", append(fields, zap.Error(err))...)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, status, errorResponse{Error: "RETRY", Message: retryMessage(err)})
	case status == http.StatusInternalServerError:
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(status), status)
	default:
		http.Error(w, http.StatusText(status), status)
	}
}

func retryMessage(err error) string {
	switch {
	case errors.Is(err, bidding.ErrTimeout):
		return bidding.ErrTimeout.Error()
	case errors.Is(err, bidding.ErrConflict):
		return bidding.ErrConflict.Error()
	default:
		return bidding.ErrDependencyUnavailable.Error()
	}
}

func writeRejection(w http.ResponseWriter, rej *bidding.Rejection) {
	resp := errorResponse{
		Error:          string(rej.Reason),
		Message:        rej.Message,
		Status:         string(rej.Status),
		AlertTypes:     rej.AlertTypes,
		RequiresAction: rej.RequiresAction,
		ClientSecret:   rej.ClientSecret,
		Field:          rej.Field,
	}
	if rej.CurrentPrice != nil {
		resp.CurrentPrice = rej.CurrentPrice.StringFixed(2)
	}
	if rej.MinimumBid != nil {
		resp.MinimumBid = rej.MinimumBid.StringFixed(2)
	}
	writeJSON(w, rejectionStatus(rej.Reason), resp)
}
