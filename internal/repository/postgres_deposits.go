package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

const selectDeposit = `SELECT id, user_id, auction_id, status, amount, currency, payment_reference,
	client_secret, held_at, released_at, created_at
	FROM bid_deposits`

func scanDeposit(row pgx.Row) (*model.BidDeposit, error) {
	var (
		d      model.BidDeposit
		status string
	)
	err := row.Scan(&d.ID, &d.UserID, &d.AuctionID, &status, &d.Amount, &d.Currency, &d.PaymentReference,
		&d.ClientSecret, &d.HeldAt, &d.ReleasedAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = model.DepositStatus(status)
	return &d, nil
}

// FindActiveDeposit возвращает холд в статусе PENDING или HELD для пары (пользователь, аукцион).
func (r *PostgresRepository) FindActiveDeposit(ctx context.Context, userID, auctionID string) (*model.BidDeposit, error) {
	d, err := scanDeposit(r.pool.QueryRow(ctx,
		selectDeposit+` WHERE user_id = $1 AND auction_id = $2 AND status IN ($3, $4)
		 ORDER BY created_at DESC LIMIT 1`,
		userID, auctionID, string(model.DepositStatusPending), string(model.DepositStatusHeld),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, fmt.Errorf("select active deposit: %w", err)
	}
	return d, nil
}

// CreateDeposit сохраняет новый холд. Для пары (пользователь, аукцион) допустим один активный холд.
func (r *PostgresRepository) CreateDeposit(ctx context.Context, d model.BidDeposit) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO bid_deposits (id, user_id, auction_id, status, amount, currency, payment_reference,
			client_secret, held_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.UserID, d.AuctionID, string(d.Status), d.Amount, d.Currency, d.PaymentReference,
		d.ClientSecret, d.HeldAt, d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s auction %s", ErrDepositExists, d.UserID, d.AuctionID)
		}
		return fmt.Errorf("insert deposit: %w", err)
	}
	return nil
}

// GetDepositByReference возвращает холд по ссылке платёжного провайдера.
func (r *PostgresRepository) GetDepositByReference(ctx context.Context, reference string) (*model.BidDeposit, error) {
	d, err := scanDeposit(r.pool.QueryRow(ctx, selectDeposit+` WHERE payment_reference = $1`, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, fmt.Errorf("select deposit by reference: %w", err)
	}
	return d, nil
}

// UpdateDepositStatus меняет статус холда и проставляет соответствующую отметку времени.
func (r *PostgresRepository) UpdateDepositStatus(ctx context.Context, id string, status model.DepositStatus, at time.Time) error {
	return updateDepositStatus(ctx, r.pool, id, status, at)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateDepositStatus(ctx context.Context, db execer, id string, status model.DepositStatus, at time.Time) error {
	query := `UPDATE bid_deposits SET status = $2 WHERE id = $1`
	args := []any{id, string(status)}
	switch status {
	case model.DepositStatusHeld:
		query = `UPDATE bid_deposits SET status = $2, held_at = $3 WHERE id = $1`
		args = append(args, at)
	case model.DepositStatusReleased:
		query = `UPDATE bid_deposits SET status = $2, released_at = $3 WHERE id = $1`
		args = append(args, at)
	}

	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDepositNotFound
	}
	return nil
}

// ListUnreleasedDeposits возвращает холды аукциона, ещё не снятые у провайдера.
func (r *PostgresRepository) ListUnreleasedDeposits(ctx context.Context, auctionID string) ([]model.BidDeposit, error) {
	rows, err := r.pool.Query(ctx,
		selectDeposit+` WHERE auction_id = $1 AND status IN ($2, $3, $4) ORDER BY created_at`,
		auctionID, string(model.DepositStatusPending), string(model.DepositStatusHeld),
		string(model.DepositStatusReleasing),
	)
	if err != nil {
		return nil, fmt.Errorf("select unreleased deposits: %w", err)
	}
	defer rows.Close()

	var res []model.BidDeposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		res = append(res, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// PendingReleases возвращает аукционы, где остались холды для снятия: холды в статусе RELEASING
// и действующие холды проигравших на завершённых аукционах.
func (r *PostgresRepository) PendingReleases(ctx context.Context, limit int) ([]string, error) {
	ids, err := r.selectIDs(ctx,
		`SELECT d.auction_id FROM bid_deposits d JOIN auctions a ON a.id = d.auction_id
		 WHERE d.status = $1
		    OR (a.status IN ($2, $3, $4) AND d.status IN ($5, $6) AND d.user_id IS DISTINCT FROM a.winner_id)
		 GROUP BY d.auction_id
		 ORDER BY MIN(d.created_at), d.auction_id
		 LIMIT $7`,
		string(model.DepositStatusReleasing),
		string(model.AuctionStatusSold), string(model.AuctionStatusNoSale), string(model.AuctionStatusCancelled),
		string(model.DepositStatusPending), string(model.DepositStatusHeld),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending releases: %w", err)
	}
	return ids, nil
}

func (t *pgAuctionTx) ActiveDeposit(ctx context.Context, userID string) (*model.BidDeposit, error) {
	d, err := scanDeposit(t.tx.QueryRow(ctx,
		selectDeposit+` WHERE user_id = $1 AND auction_id = $2 AND status IN ($3, $4)
		 ORDER BY created_at DESC LIMIT 1`,
		userID, t.auction.ID, string(model.DepositStatusPending), string(model.DepositStatusHeld),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, fmt.Errorf("select active deposit: %w", err)
	}
	return d, nil
}

func (t *pgAuctionTx) UpdateDepositStatus(ctx context.Context, id string, status model.DepositStatus, at time.Time) error {
	return updateDepositStatus(ctx, t.tx, id, status, at)
}
