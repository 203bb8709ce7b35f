package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/auction-bidding/internal/auction"
	"github.com/mmeshcher/auction-bidding/internal/bidding"
	"github.com/mmeshcher/auction-bidding/internal/clock"
	"github.com/mmeshcher/auction-bidding/internal/middleware"
	"github.com/mmeshcher/auction-bidding/internal/model"
	"github.com/mmeshcher/auction-bidding/internal/repository"
	"github.com/mmeshcher/auction-bidding/internal/sweeper"
)

const (
	testAuctionID = "6f1c1a52-7c1e-4c1b-9d43-2b0f7c9f1a10"
	testUserID    = "user-1"
	testOperator  = "op-token"
)

type stubService struct {
	bidReq  bidding.BidRequest
	bidResp *bidding.Outcome
	bidErr  error

	created   bidding.NewAuction
	createErr error

	auctionResp *model.Auction
	auctionErr  error

	bidsResp []model.Bid
	bidsErr  error
}

func (s *stubService) PlaceBid(_ context.Context, req bidding.BidRequest) (*bidding.Outcome, error) {
	s.bidReq = req
	return s.bidResp, s.bidErr
}

func (s *stubService) CreateAuction(_ context.Context, in bidding.NewAuction) (*model.Auction, error) {
	s.created = in
	if s.createErr != nil {
		return nil, s.createErr
	}
	return testAuction(), nil
}

func (s *stubService) CancelAuction(_ context.Context, _ string) (*model.Auction, error) {
	return s.auctionResp, s.auctionErr
}

func (s *stubService) GetAuction(_ context.Context, _ string) (*model.Auction, error) {
	return s.auctionResp, s.auctionErr
}

func (s *stubService) ListBids(_ context.Context, _ string) ([]model.Bid, error) {
	return s.bidsResp, s.bidsErr
}

type stubSweeper struct {
	report *sweeper.Report
	err    error
	ranAt  time.Time
}

func (s *stubSweeper) Run(_ context.Context, now time.Time) (*sweeper.Report, error) {
	s.ranAt = now
	return s.report, s.err
}

type stubHolds struct {
	reference string
	succeeded bool
	err       error
}

func (s *stubHolds) Confirm(_ context.Context, reference string, succeeded bool) (*model.BidDeposit, error) {
	s.reference, s.succeeded = reference, succeeded
	if s.err != nil {
		return nil, s.err
	}
	status := model.DepositStatusFailed
	if succeeded {
		status = model.DepositStatusHeld
	}
	return &model.BidDeposit{ID: "d1", AuctionID: testAuctionID, Status: status}, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testAuction() *model.Auction {
	current := decimal.RequireFromString("1100")
	return &model.Auction{
		ID:              testAuctionID,
		ListingID:       "listing-1",
		SellerID:        "seller-1",
		Status:          model.AuctionStatusActive,
		StartingPrice:   decimal.RequireFromString("1000"),
		Currency:        "EUR",
		CurrentBid:      &current,
		BidCount:        1,
		ReserveMet:      true,
		StartTime:       testNow.Add(-time.Hour),
		OriginalEndTime: testNow.Add(time.Hour),
		CurrentEndTime:  testNow.Add(time.Hour),
	}
}

type testEnv struct {
	svc     *stubService
	sweeper *stubSweeper
	holds   *stubHolds
	handler *Handler
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	env := &testEnv{
		svc:     &stubService{},
		sweeper: &stubSweeper{report: &sweeper.Report{}},
		holds:   &stubHolds{},
	}
	auth := middleware.NewAuthMiddleware("test-secret")
	env.handler = NewHandler(env.svc, env.sweeper, env.holds, clock.NewFake(testNow), logger, auth, testOperator)
	env.router = env.handler.SetupRouter()
	return env
}

func (e *testEnv) do(req *http.Request) *http.Response {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec.Result()
}

func (e *testEnv) bidRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/auctions/"+testAuctionID+"/bids", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+e.handler.authMiddleware.SignToken(testUserID))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, res *http.Response) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestPlaceBid_Accepted(t *testing.T) {
	env := newTestEnv(t)
	a := testAuction()
	env.svc.bidResp = &bidding.Outcome{
		Bid: model.Bid{
			ID:            "b1",
			AuctionID:     testAuctionID,
			UserID:        testUserID,
			Amount:        decimal.RequireFromString("1100"),
			Sequence:      1,
			BidderNumber:  1,
			BidderCountry: "DE",
			IsWinning:     true,
			CreatedAt:     testNow,
		},
		Auction: *a,
	}

	req := env.bidRequest(`{"amount":"1100.00"}`)
	req.Header.Set("X-Country", "de")
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "203.0.113.7:5555"

	res := env.do(req)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var body placeBidResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Bid.Amount != "1100.00" || body.Bid.BidderNumber != 1 {
		t.Fatalf("unexpected bid body: %+v", body.Bid)
	}
	if body.Auction.CurrentBid == nil || *body.Auction.CurrentBid != "1100.00" {
		t.Fatalf("unexpected auction body: %+v", body.Auction)
	}

	got := env.svc.bidReq
	if got.UserID != testUserID || got.AuctionID != testAuctionID {
		t.Fatalf("request ids = %q/%q", got.UserID, got.AuctionID)
	}
	if !got.Amount.Equal(decimal.RequireFromString("1100")) {
		t.Fatalf("amount = %s", got.Amount)
	}
	if got.BidderCountry != "DE" || got.IPAddress != "203.0.113.7" || got.UserAgent != "test-agent" {
		t.Fatalf("request metadata = %+v", got)
	}
}

func TestPlaceBid_NumericAmount(t *testing.T) {
	env := newTestEnv(t)
	env.svc.bidResp = &bidding.Outcome{Auction: *testAuction()}

	res := env.do(env.bidRequest(`{"amount":1250.5}`))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if !env.svc.bidReq.Amount.Equal(decimal.RequireFromString("1250.50")) {
		t.Fatalf("amount = %s", env.svc.bidReq.Amount)
	}
}

func TestPlaceBid_Unauthorized(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auctions/"+testAuctionID+"/bids", bytes.NewBufferString(`{"amount":"10"}`))
	res := env.do(req)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestPlaceBid_BadInput(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "malformed json", body: `{"amount":`, field: "body"},
		{name: "negative", body: `{"amount":"-5"}`, field: "amount"},
		{name: "too precise", body: `{"amount":"10.001"}`, field: "amount"},
		{name: "missing", body: `{}`, field: "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			res := env.do(env.bidRequest(tt.body))
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
			}
			body := decodeError(t, res)
			if body.Error != string(bidding.ReasonValidation) || body.Field != tt.field {
				t.Fatalf("body = %+v", body)
			}
			if env.svc.bidReq.UserID != "" {
				t.Fatal("service must not be called on invalid input")
			}
		})
	}
}

func TestPlaceBid_Rejections(t *testing.T) {
	current := decimal.RequireFromString("1100")
	minimum := decimal.RequireFromString("1101")

	tests := []struct {
		name   string
		err    error
		status int
		check  func(t *testing.T, body errorResponse)
	}{
		{
			name:   "too low",
			err:    &bidding.Rejection{Reason: bidding.ReasonBidTooLow, CurrentPrice: &current, MinimumBid: &minimum},
			status: http.StatusConflict,
			check: func(t *testing.T, body errorResponse) {
				if body.CurrentPrice != "1100.00" || body.MinimumBid != "1101.00" {
					t.Fatalf("body = %+v", body)
				}
			},
		},
		{
			name:   "ended",
			err:    &bidding.Rejection{Reason: bidding.ReasonAuctionEnded, Status: model.AuctionStatusSold},
			status: http.StatusConflict,
			check: func(t *testing.T, body errorResponse) {
				if body.Status != string(model.AuctionStatusSold) {
					t.Fatalf("body = %+v", body)
				}
			},
		},
		{
			name:   "self bid",
			err:    &bidding.Rejection{Reason: bidding.ReasonSelfBid},
			status: http.StatusConflict,
		},
		{
			name:   "fraud",
			err:    &bidding.Rejection{Reason: bidding.ReasonFraudDetected, AlertTypes: []string{"SELF_BIDDING"}},
			status: http.StatusForbidden,
			check: func(t *testing.T, body errorResponse) {
				if len(body.AlertTypes) != 1 || body.AlertTypes[0] != "SELF_BIDDING" {
					t.Fatalf("body = %+v", body)
				}
			},
		},
		{
			name:   "deposit requires action",
			err:    &bidding.Rejection{Reason: bidding.ReasonInsufficientDeposit, RequiresAction: true, ClientSecret: "cs_1"},
			status: http.StatusPaymentRequired,
			check: func(t *testing.T, body errorResponse) {
				if !body.RequiresAction || body.ClientSecret != "cs_1" {
					t.Fatalf("body = %+v", body)
				}
			},
		},
		{
			name:   "wrapped rejection",
			err:    fmt.Errorf("place bid: %w", &bidding.Rejection{Reason: bidding.ReasonAuctionNotStarted}),
			status: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.svc.bidErr = tt.err

			res := env.do(env.bidRequest(`{"amount":"1100"}`))
			if res.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.status)
			}
			body := decodeError(t, res)
			rej, _ := bidding.AsRejection(tt.err)
			if body.Error != string(rej.Reason) {
				t.Fatalf("error = %q, want %q", body.Error, rej.Reason)
			}
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestPlaceBid_Retryable(t *testing.T) {
	for _, err := range []error{bidding.ErrConflict, bidding.ErrTimeout, bidding.ErrDependencyUnavailable} {
		t.Run(err.Error(), func(t *testing.T) {
			env := newTestEnv(t)
			env.svc.bidErr = fmt.Errorf("place bid: %w", err)

			res := env.do(env.bidRequest(`{"amount":"1100"}`))
			if res.StatusCode != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
			}
			if res.Header.Get("Retry-After") == "" {
				t.Fatal("Retry-After header must be set")
			}
			if body := decodeError(t, res); body.Message != err.Error() {
				t.Fatalf("message = %q, want %q", body.Message, err.Error())
			}
		})
	}
}

func TestPlaceBid_InternalError(t *testing.T) {
	env := newTestEnv(t)
	env.svc.bidErr = errors.New("boom")

	res := env.do(env.bidRequest(`{"amount":"1100"}`))
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
}

func TestGetAuction(t *testing.T) {
	env := newTestEnv(t)
	env.svc.auctionResp = testAuction()

	res := env.do(httptest.NewRequest(http.MethodGet, "/api/auctions/"+testAuctionID, nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(model.AuctionStatusActive) || body["current_bid"] != "1100.00" {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["seller_id"]; ok {
		t.Fatal("seller id must not be exposed")
	}
}

func TestGetAuction_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.svc.auctionErr = fmt.Errorf("get auction: %w", repository.ErrAuctionNotFound)

	res := env.do(httptest.NewRequest(http.MethodGet, "/api/auctions/"+testAuctionID, nil))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	res = env.do(httptest.NewRequest(http.MethodGet, "/api/auctions/not-a-uuid", nil))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestListBids_Anonymized(t *testing.T) {
	env := newTestEnv(t)
	env.svc.bidsResp = []model.Bid{
		{ID: "b2", UserID: "user-2", Amount: decimal.RequireFromString("1200"), Sequence: 2, BidderNumber: 2, IsWinning: true, IPAddress: "10.0.0.2", CreatedAt: testNow},
		{ID: "b1", UserID: "user-1", Amount: decimal.RequireFromString("1100"), Sequence: 1, BidderNumber: 1, IPAddress: "10.0.0.1", CreatedAt: testNow.Add(-time.Second)},
	}

	res := env.do(httptest.NewRequest(http.MethodGet, "/api/auctions/"+testAuctionID+"/bids", nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var body []map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 2 {
		t.Fatalf("got %d bids, want 2", len(body))
	}
	for _, b := range body {
		for _, key := range []string{"user_id", "ip_address", "user_agent"} {
			if _, ok := b[key]; ok {
				t.Fatalf("bid exposes %s: %v", key, b)
			}
		}
	}
	if body[0]["bidder_number"] != float64(2) {
		t.Fatalf("first bid = %v", body[0])
	}
}

func TestListBids_NoContent(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(httptest.NewRequest(http.MethodGet, "/api/auctions/"+testAuctionID+"/bids", nil))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func operatorRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set(middleware.OperatorTokenHeader, testOperator)
	return req
}

func TestCreateAuction(t *testing.T) {
	env := newTestEnv(t)

	body := `{"listing_id":"listing-1","seller_id":"seller-1","seller_ip":"198.51.100.4",` +
		`"starting_price":"1000","reserve_price":"1500.50","currency":"eur",` +
		`"start_time":"2026-03-01T12:00:00Z","end_time":"2026-03-08T12:00:00Z"}`

	res := env.do(operatorRequest(http.MethodPost, "/api/auctions", body))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	in := env.svc.created
	if in.ListingID != "listing-1" || in.SellerIP != "198.51.100.4" {
		t.Fatalf("created = %+v", in)
	}
	if in.ReservePrice == nil || !in.ReservePrice.Equal(decimal.RequireFromString("1500.5")) {
		t.Fatalf("reserve = %v", in.ReservePrice)
	}
	if !in.EndTime.Equal(testNow.Add(7 * 24 * time.Hour)) {
		t.Fatalf("end time = %s", in.EndTime)
	}
}

func TestCreateAuction_RequiresOperator(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auctions", bytes.NewBufferString(`{}`))
	res := env.do(req)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestCreateAuction_Conflict(t *testing.T) {
	env := newTestEnv(t)
	env.svc.createErr = repository.ErrAuctionExists

	body := `{"listing_id":"listing-1","seller_id":"seller-1","starting_price":"1000","currency":"EUR",` +
		`"start_time":"2026-03-01T12:00:00Z","end_time":"2026-03-08T12:00:00Z"}`

	res := env.do(operatorRequest(http.MethodPost, "/api/auctions", body))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestCreateAuction_BadCurrency(t *testing.T) {
	env := newTestEnv(t)

	body := `{"listing_id":"listing-1","seller_id":"seller-1","starting_price":"1000","currency":"EURO"}`

	res := env.do(operatorRequest(http.MethodPost, "/api/auctions", body))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if got := decodeError(t, res); got.Field != "currency" {
		t.Fatalf("field = %q, want currency", got.Field)
	}
}

func TestCancelAuction(t *testing.T) {
	env := newTestEnv(t)
	a := testAuction()
	a.Status = model.AuctionStatusCancelled
	env.svc.auctionResp = a

	res := env.do(operatorRequest(http.MethodPost, "/api/auctions/"+testAuctionID+"/cancel", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestCancelAuction_Illegal(t *testing.T) {
	env := newTestEnv(t)
	env.svc.auctionErr = fmt.Errorf("cancel: %w", auction.ErrIllegalTransition)

	res := env.do(operatorRequest(http.MethodPost, "/api/auctions/"+testAuctionID+"/cancel", ""))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestRunSweep(t *testing.T) {
	env := newTestEnv(t)
	env.sweeper.report = &sweeper.Report{
		Ended:            2,
		Sold:             1,
		NoSale:           1,
		DepositsReleased: 3,
		Errors:           []sweeper.AuctionError{{AuctionID: "a9", Stage: sweeper.StageEnd, Err: errors.New("db down")}},
	}

	res := env.do(operatorRequest(http.MethodPost, "/api/internal/sweep", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if !env.sweeper.ranAt.Equal(testNow) {
		t.Fatalf("sweep ran at %s, want %s", env.sweeper.ranAt, testNow)
	}

	var body sweepResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Ended != 2 || body.Sold != 1 || body.DepositsReleased != 3 || len(body.Errors) != 1 || body.Errors[0].Error != "db down" {
		t.Fatalf("body = %+v", body)
	}
}

func TestPaymentWebhook(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(operatorRequest(http.MethodPost, "/api/payments/webhook", `{"reference":"hold_1","status":"succeeded"}`))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if env.holds.reference != "hold_1" || !env.holds.succeeded {
		t.Fatalf("confirm called with %q/%v", env.holds.reference, env.holds.succeeded)
	}

	var body depositResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != string(model.DepositStatusHeld) {
		t.Fatalf("status = %q", body.Status)
	}
}

func TestPaymentWebhook_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "unknown status", body: `{"reference":"hold_1","status":"maybe"}`, status: http.StatusBadRequest},
		{name: "missing reference", body: `{"status":"failed"}`, status: http.StatusBadRequest},
		{name: "unknown hold", body: `{"reference":"hold_x","status":"failed"}`, err: repository.ErrDepositNotFound, status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.holds.err = tt.err

			res := env.do(operatorRequest(http.MethodPost, "/api/payments/webhook", tt.body))
			if res.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.status)
			}
		})
	}
}
