package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

const selectAuction = `SELECT id, listing_id, seller_id, seller_ip, status, starting_price, reserve_price,
	currency, current_bid, bid_count, reserve_met, start_time, original_end_time, current_end_time,
	extension_count, winner_id, final_price, payout_dispatched, created_at, updated_at
	FROM auctions`

const selectBid = `SELECT id, auction_id, user_id, amount, sequence, bidder_number, bidder_country,
	is_winning, ip_address, user_agent, created_at
	FROM bids`

func scanAuction(row pgx.Row) (*model.Auction, error) {
	var (
		a                model.Auction
		status           string
		reserve, current decimal.NullDecimal
		final            decimal.NullDecimal
	)
	err := row.Scan(
		&a.ID, &a.ListingID, &a.SellerID, &a.SellerIP, &status, &a.StartingPrice, &reserve,
		&a.Currency, &current, &a.BidCount, &a.ReserveMet, &a.StartTime, &a.OriginalEndTime, &a.CurrentEndTime,
		&a.ExtensionCount, &a.WinnerID, &final, &a.PayoutDispatched, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = model.AuctionStatus(status)
	a.ReservePrice = nullToPtr(reserve)
	a.CurrentBid = nullToPtr(current)
	a.FinalPrice = nullToPtr(final)
	return &a, nil
}

func scanBid(row pgx.Row) (*model.Bid, error) {
	var b model.Bid
	err := row.Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.Sequence, &b.BidderNumber,
		&b.BidderCountry, &b.IsWinning, &b.IPAddress, &b.UserAgent, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func nullToPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func ptrToNull(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// CreateAuction сохраняет новый аукцион.
func (r *PostgresRepository) CreateAuction(ctx context.Context, a model.Auction) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO auctions (id, listing_id, seller_id, seller_ip, status, starting_price, reserve_price,
			currency, bid_count, reserve_met, start_time, original_end_time, current_end_time,
			extension_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, FALSE, $9, $10, $11, 0, $12, $12)`,
		a.ID, a.ListingID, a.SellerID, a.SellerIP, string(a.Status), a.StartingPrice, ptrToNull(a.ReservePrice),
		a.Currency, a.StartTime, a.OriginalEndTime, a.CurrentEndTime, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAuctionExists, a.ListingID)
		}
		return fmt.Errorf("insert auction: %w", err)
	}
	return nil
}

// GetAuction возвращает аукцион по идентификатору.
func (r *PostgresRepository) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	var a *model.Auction
	err := r.withRetry(ctx, func() error {
		var err error
		a, err = scanAuction(r.pool.QueryRow(ctx, selectAuction+` WHERE id = $1`, id))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("get auction: %w", err)
	}
	return a, nil
}

// ListBids возвращает ставки аукциона в порядке принятия.
func (r *PostgresRepository) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	rows, err := r.pool.Query(ctx, selectBid+` WHERE auction_id = $1 ORDER BY sequence`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("select bids: %w", err)
	}
	defer rows.Close()

	var res []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		res = append(res, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (r *PostgresRepository) selectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	var ids []string
	err := r.withRetry(ctx, func() error {
		ids = ids[:0]
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// DueForActivation возвращает запланированные аукционы, время старта которых наступило.
func (r *PostgresRepository) DueForActivation(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := r.selectIDs(ctx,
		`SELECT id FROM auctions WHERE status = $1 AND start_time <= $2 ORDER BY start_time LIMIT $3`,
		string(model.AuctionStatusScheduled), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select auctions for activation: %w", err)
	}
	return ids, nil
}

// DueForEnding возвращает идущие аукционы с истёкшим дедлайном.
func (r *PostgresRepository) DueForEnding(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := r.selectIDs(ctx,
		`SELECT id FROM auctions WHERE status IN ($1, $2) AND current_end_time <= $3
		 ORDER BY current_end_time LIMIT $4`,
		string(model.AuctionStatusActive), string(model.AuctionStatusExtended), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select auctions for ending: %w", err)
	}
	return ids, nil
}

// PendingPayouts возвращает проданные аукционы, выплата по которым ещё не передана.
func (r *PostgresRepository) PendingPayouts(ctx context.Context, limit int) ([]string, error) {
	ids, err := r.selectIDs(ctx,
		`SELECT id FROM auctions WHERE status = $1 AND NOT payout_dispatched ORDER BY updated_at LIMIT $2`,
		string(model.AuctionStatusSold), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending payouts: %w", err)
	}
	return ids, nil
}

// MarkPayoutDispatched отмечает, что выплата по аукциону передана.
func (r *PostgresRepository) MarkPayoutDispatched(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE auctions SET payout_dispatched = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark payout dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAuctionNotFound
	}
	return nil
}

type pgAuctionTx struct {
	tx      pgx.Tx
	auction *model.Auction
}

func (t *pgAuctionTx) Auction() *model.Auction {
	return t.auction
}

func (t *pgAuctionTx) WinningBid(ctx context.Context) (*model.Bid, error) {
	b, err := scanBid(t.tx.QueryRow(ctx, selectBid+` WHERE auction_id = $1 AND is_winning`, t.auction.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select winning bid: %w", err)
	}
	return b, nil
}

func (t *pgAuctionTx) BidderNumber(ctx context.Context, userID string) (int, error) {
	var number int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(
			(SELECT bidder_number FROM bids WHERE auction_id = $1 AND user_id = $2 LIMIT 1),
			(SELECT COALESCE(MAX(bidder_number), 0) + 1 FROM bids WHERE auction_id = $1)
		)`,
		t.auction.ID, userID,
	).Scan(&number)
	if err != nil {
		return 0, fmt.Errorf("select bidder number: %w", err)
	}
	return number, nil
}

func (t *pgAuctionTx) InsertBid(ctx context.Context, b model.Bid) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bids (id, auction_id, user_id, amount, sequence, bidder_number, bidder_country,
			is_winning, ip_address, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.AuctionID, b.UserID, b.Amount, b.Sequence, b.BidderNumber, b.BidderCountry,
		b.IsWinning, b.IPAddress, b.UserAgent, b.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: bid sequence %d", ErrConflict, b.Sequence)
		}
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

func (t *pgAuctionTx) MarkOutbid(ctx context.Context, bidID string) error {
	_, err := t.tx.Exec(ctx, `UPDATE bids SET is_winning = FALSE WHERE id = $1`, bidID)
	if err != nil {
		return fmt.Errorf("mark bid outbid: %w", err)
	}
	return nil
}

func (t *pgAuctionTx) SaveAuction(ctx context.Context) error {
	a := t.auction
	_, err := t.tx.Exec(ctx,
		`UPDATE auctions SET status = $2, current_bid = $3, bid_count = $4, reserve_met = $5,
			current_end_time = $6, extension_count = $7, winner_id = $8, final_price = $9, updated_at = $10
		 WHERE id = $1`,
		a.ID, string(a.Status), ptrToNull(a.CurrentBid), a.BidCount, a.ReserveMet,
		a.CurrentEndTime, a.ExtensionCount, a.WinnerID, ptrToNull(a.FinalPrice), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update auction: %w", err)
	}
	return nil
}
