package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/auction-bidding/internal/deposit"
)

func TestCreateHold_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/holds" {
			t.Fatalf("path = %s, want /api/holds", r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "dep-1" {
			t.Fatalf("Idempotency-Key = %q, want dep-1", got)
		}

		var req deposit.HoldRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !req.Amount.Equal(decimal.NewFromInt(110)) || req.Currency != "EUR" {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(deposit.HoldResult{Reference: "pi_1", Status: deposit.HoldSucceeded})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := client.CreateHold(ctx, deposit.HoldRequest{
		UserID:         "alice",
		AuctionID:      "a1",
		Amount:         decimal.NewFromInt(110),
		Currency:       "EUR",
		IdempotencyKey: "dep-1",
	})
	if err != nil {
		t.Fatalf("CreateHold error: %v", err)
	}
	if res.Reference != "pi_1" || res.Status != deposit.HoldSucceeded {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCreateHold_RequiresAction(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(deposit.HoldResult{
			Reference:    "pi_2",
			Status:       deposit.HoldRequiresAction,
			ClientSecret: "secret",
		})
	}))
	defer ts.Close()

	res, err := NewClient(ts.URL).CreateHold(context.Background(), deposit.HoldRequest{IdempotencyKey: "dep-2"})
	if err != nil {
		t.Fatalf("CreateHold error: %v", err)
	}
	if res.Status != deposit.HoldRequiresAction || res.ClientSecret != "secret" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCreateHold_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).CreateHold(context.Background(), deposit.HoldRequest{IdempotencyKey: "dep-3"})

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rl.RetryAfter != 5*time.Second {
		t.Fatalf("RetryAfter = %v, want 5s", rl.RetryAfter)
	}
}

func TestCreateHold_UnknownStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(deposit.HoldResult{Reference: "pi_4", Status: "weird"})
	}))
	defer ts.Close()

	if _, err := NewClient(ts.URL).CreateHold(context.Background(), deposit.HoldRequest{}); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestCreateHold_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	if _, err := NewClient(ts.URL).CreateHold(context.Background(), deposit.HoldRequest{}); err == nil {
		t.Fatalf("expected error for 500")
	}
}

func TestReleaseHold(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "released", status: http.StatusNoContent},
		{name: "already gone", status: http.StatusNotFound},
		{name: "server error", status: http.StatusBadGateway, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete {
					t.Fatalf("method = %s, want DELETE", r.Method)
				}
				if r.URL.Path != "/api/holds/pi_1" {
					t.Fatalf("path = %s, want /api/holds/pi_1", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			err := NewClient(ts.URL).ReleaseHold(context.Background(), "pi_1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReleaseHold error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientNotConfigured(t *testing.T) {
	client := NewClient("")

	if _, err := client.CreateHold(context.Background(), deposit.HoldRequest{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("CreateHold error = %v, want ErrNotConfigured", err)
	}
	if err := client.ReleaseHold(context.Background(), "pi_1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ReleaseHold error = %v, want ErrNotConfigured", err)
	}
}
