package bidding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/auction-bidding/internal/auction"
	"github.com/mmeshcher/auction-bidding/internal/clock"
	"github.com/mmeshcher/auction-bidding/internal/model"
	"github.com/mmeshcher/auction-bidding/internal/repository"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedAuction(t *testing.T, repo *repository.MemoryRepository, mutate func(a *model.Auction)) model.Auction {
	t.Helper()

	a := model.Auction{
		ID:              "a1",
		ListingID:       "l1",
		SellerID:        "seller",
		Status:          model.AuctionStatusActive,
		StartingPrice:   dec("1000"),
		Currency:        "EUR",
		StartTime:       base.Add(-time.Hour),
		OriginalEndTime: base.Add(time.Hour),
		CurrentEndTime:  base.Add(time.Hour),
		CreatedAt:       base.Add(-2 * time.Hour),
	}
	if mutate != nil {
		mutate(&a)
	}
	require.NoError(t, repo.CreateAuction(context.Background(), a))
	return a
}

func newLedger(repo TxStore, clk clock.Clock) *Ledger {
	return NewLedger(repo, clk, LedgerConfig{
		Extension:          auction.ExtensionPolicy{Window: 120 * time.Second, Amount: 60 * time.Second},
		Increment:          FlatIncrement(dec("1")),
		MaxConflictRetries: 3,
	}, nil)
}

func submission(user, amount string) Submission {
	return Submission{AuctionID: "a1", UserID: user, Amount: dec(amount), IPAddress: "10.0.0.2"}
}

func TestSubmitAcceptsAndRejectsTooLow(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedAuction(t, repo, nil)
	l := newLedger(repo, clock.NewFake(base))
	ctx := context.Background()

	out, err := l.Submit(ctx, submission("alice", "1100"))
	require.NoError(t, err)
	assert.True(t, out.Auction.CurrentBid.Equal(dec("1100")))
	assert.Equal(t, 1, out.Auction.BidCount)
	assert.True(t, out.Auction.ReserveMet, "no reserve is met by the first bid")
	assert.False(t, out.Extended)
	assert.Nil(t, out.Outbid)
	assert.Equal(t, 1, out.Bid.Sequence)
	assert.Equal(t, 1, out.Bid.BidderNumber)

	_, err = l.Submit(ctx, submission("bob", "1050"))
	rej, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	assert.Equal(t, ReasonBidTooLow, rej.Reason)
	assert.True(t, rej.CurrentPrice.Equal(dec("1100")))
	assert.True(t, rej.MinimumBid.Equal(dec("1101")))

	stored, err := repo.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.BidCount)
	assert.True(t, stored.CurrentBid.Equal(dec("1100")))
}

func TestSubmitMinimumBidIsInclusive(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedAuction(t, repo, nil)
	l := newLedger(repo, clock.NewFake(base))

	_, err := l.Submit(context.Background(), submission("alice", "1000"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonBidTooLow, rej.Reason)

	_, err = l.Submit(context.Background(), submission("alice", "1001"))
	require.NoError(t, err)
}

func TestSubmitReserve(t *testing.T) {
	repo := repository.NewMemoryRepository()
	reserve := dec("1500")
	seedAuction(t, repo, func(a *model.Auction) { a.ReservePrice = &reserve })
	l := newLedger(repo, clock.NewFake(base))
	ctx := context.Background()

	out, err := l.Submit(ctx, submission("alice", "1100"))
	require.NoError(t, err)
	assert.False(t, out.Auction.ReserveMet)

	out, err = l.Submit(ctx, submission("bob", "1500"))
	require.NoError(t, err)
	assert.True(t, out.Auction.ReserveMet)
}

func TestSubmitExtendsNearDeadline(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedAuction(t, repo, func(a *model.Auction) {
		a.OriginalEndTime = base.Add(90 * time.Second)
		a.CurrentEndTime = base.Add(90 * time.Second)
	})
	l := newLedger(repo, clock.NewFake(base))

	out, err := l.Submit(context.Background(), submission("alice", "1100"))
	require.NoError(t, err)
	assert.True(t, out.Extended)
	assert.Equal(t, model.AuctionStatusExtended, out.Auction.Status)
	assert.Equal(t, 1, out.Auction.ExtensionCount)
	assert.Equal(t, base.Add(120*time.Second+60*time.Second), out.Auction.CurrentEndTime)
	assert.Equal(t, base.Add(90*time.Second), out.Auction.OriginalEndTime)
}

func TestSubmitSelfBid(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedAuction(t, repo, nil)
	l := newLedger(repo, clock.NewFake(base))
	ctx := context.Background()

	_, err := l.Submit(ctx, submission("alice", "1100"))
	require.NoError(t, err)

	_, err = l.Submit(ctx, submission("alice", "1200"))
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonSelfBid, rej.Reason)

	out, err := l.Submit(ctx, submission("bob", "1200"))
	require.NoError(t, err)
	require.NotNil(t, out.Outbid)
	assert.Equal(t, "alice", out.Outbid.UserID)
	assert.Equal(t, 2, out.Bid.BidderNumber)

	// Участник сохраняет свой номер на аукционе.
	out, err = l.Submit(ctx, submission("alice", "1300"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Bid.BidderNumber)
	assert.Equal(t, 3, out.Bid.Sequence)
}

func TestSubmitRequiresHeldDeposit(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedAuction(t, repo, nil)
	l := newLedger(repo, clock.NewFake(base))
	ctx := context.Background()

	require.NoError(t, repo.CreateDeposit(ctx, model.BidDeposit{
		ID:               "dep-alice",
		UserID:           "alice",
		AuctionID:        "a1",
		Status:           model.DepositStatusHeld,
		PaymentReference: "ref-alice",
		CreatedAt:        base,
	}))

	s := submission("alice", "1100")
	s.DepositID = "dep-alice"

	// Холд сняли между проверкой депозита и входом в журнал.
	require.NoError(t, repo.UpdateDepositStatus(ctx, "dep-alice", model.DepositStatusReleasing, base))
	_, err := l.Submit(ctx, s)
	rej, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	assert.Equal(t, ReasonInsufficientDeposit, rej.Reason)

	bids, err := repo.ListBids(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, bids)

	require.NoError(t, repo.UpdateDepositStatus(ctx, "dep-alice", model.DepositStatusHeld, base))
	out, err := l.Submit(ctx, s)
	require.NoError(t, err)
	assert.True(t, out.Auction.CurrentBid.Equal(dec("1100")))
}

func TestSubmitRejectsClosedAuctions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *model.Auction)
		want   Reason
	}{
		{
			name:   "scheduled",
			mutate: func(a *model.Auction) { a.Status = model.AuctionStatusScheduled },
			want:   ReasonAuctionNotStarted,
		},
		{
			name:   "cancelled",
			mutate: func(a *model.Auction) { a.Status = model.AuctionStatusCancelled },
			want:   ReasonAuctionNotActive,
		},
		{
			name:   "sold",
			mutate: func(a *model.Auction) { a.Status = model.AuctionStatusSold },
			want:   ReasonAuctionEnded,
		},
		{
			name: "deadline passed before the sweeper ran",
			mutate: func(a *model.Auction) {
				a.OriginalEndTime = base
				a.CurrentEndTime = base
			},
			want: ReasonAuctionEnded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewMemoryRepository()
			seedAuction(t, repo, tt.mutate)
			l := newLedger(repo, clock.NewFake(base))

			_, err := l.Submit(context.Background(), submission("alice", "1100"))
			rej, ok := AsRejection(err)
			require.True(t, ok, "want rejection, got %v", err)
			assert.Equal(t, tt.want, rej.Reason)

			bids, err := repo.ListBids(context.Background(), "a1")
			require.NoError(t, err)
			assert.Empty(t, bids)
		})
	}
}

func TestSubmitUnknownAuction(t *testing.T) {
	l := newLedger(repository.NewMemoryRepository(), clock.NewFake(base))

	_, err := l.Submit(context.Background(), submission("alice", "1100"))
	assert.ErrorIs(t, err, repository.ErrAuctionNotFound)
}

func TestSubmitConcurrentTie(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedAuction(t, repo, nil)
	l := newLedger(repo, clock.NewFake(base))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		tooLow   int
	)
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := l.Submit(context.Background(), submission(user, "1200"))

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			if rej, ok := AsRejection(err); ok && rej.Reason == ReasonBidTooLow {
				tooLow++
			}
		}(user)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, tooLow)
}

func TestSubmitConcurrentProperties(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedAuction(t, repo, nil)
	l := newLedger(repo, clock.NewFake(base))

	const bidders = 20
	const rounds = 10

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			for r := 0; r < rounds; r++ {
				amount := decimal.NewFromInt(int64(1001 + r*bidders + i))
				_, err := l.Submit(context.Background(), Submission{AuctionID: "a1", UserID: user, Amount: amount})
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
					continue
				}
				if _, ok := AsRejection(err); !ok {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	ctx := context.Background()
	a, err := repo.GetAuction(ctx, "a1")
	require.NoError(t, err)
	bids, err := repo.ListBids(ctx, "a1")
	require.NoError(t, err)

	require.Equal(t, accepted, a.BidCount)
	require.Len(t, bids, accepted)

	winning := 0
	for i, b := range bids {
		assert.Equal(t, i+1, b.Sequence)
		if b.IsWinning {
			winning++
			assert.Equal(t, len(bids)-1, i, "winning bid must be the last accepted one")
		}
		if i > 0 {
			assert.True(t, b.Amount.GreaterThan(bids[i-1].Amount), "accepted amounts must strictly increase")
			assert.True(t, b.CreatedAt.After(bids[i-1].CreatedAt), "acceptance times must strictly increase")
			assert.NotEqual(t, bids[i-1].UserID, b.UserID, "nobody outbids themself")
		}
	}
	assert.Equal(t, 1, winning)
	assert.True(t, a.CurrentBid.Equal(bids[len(bids)-1].Amount))
}

type conflictingStore struct {
	TxStore
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (s *conflictingStore) InAuctionTx(ctx context.Context, id string, fn func(tx repository.AuctionTx) error) error {
	s.mu.Lock()
	s.calls++
	conflict := s.calls <= s.conflicts
	s.mu.Unlock()

	if conflict {
		return fmt.Errorf("commit: %w", repository.ErrConflict)
	}
	return s.TxStore.InAuctionTx(ctx, id, fn)
}

func TestSubmitRetriesConflicts(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedAuction(t, repo, nil)

	store := &conflictingStore{TxStore: repo, conflicts: 2}
	out, err := newLedger(store, clock.NewFake(base)).Submit(context.Background(), submission("alice", "1100"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Auction.BidCount)
	assert.Equal(t, 3, store.calls)

	store = &conflictingStore{TxStore: repo, conflicts: 10}
	_, err = newLedger(store, clock.NewFake(base)).Submit(context.Background(), submission("bob", "1200"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 4, store.calls)
}

func TestIncrementPolicies(t *testing.T) {
	tiers, err := ParseIncrementTiers("0:1, 100:5,1000:10")
	require.NoError(t, err)
	inc := TieredIncrement(tiers)

	assert.True(t, inc(dec("50")).Equal(dec("1")))
	assert.True(t, inc(dec("100")).Equal(dec("5")))
	assert.True(t, inc(dec("999.99")).Equal(dec("5")))
	assert.True(t, inc(dec("1000")).Equal(dec("10")))

	a := &model.Auction{StartingPrice: dec("1000")}
	assert.True(t, MinimumBid(a, inc).Equal(dec("1010")))
	current := dec("120")
	a.CurrentBid = &current
	assert.True(t, MinimumBid(a, inc).Equal(dec("125")))

	for _, bad := range []string{"", "abc", "0:0", "-1:5", "10:x"} {
		_, err := ParseIncrementTiers(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
