package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

// CountUserBidsSince возвращает число ставок пользователя по всем аукционам начиная с since.
func (r *PostgresRepository) CountUserBidsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bids WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user bids: %w", err)
	}
	return n, nil
}

// CountOtherBiddersFromIP возвращает число других пользователей, ставивших на аукцион с того же IP.
func (r *PostgresRepository) CountOtherBiddersFromIP(ctx context.Context, auctionID, ip, excludeUserID string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM bids
		 WHERE auction_id = $1 AND ip_address = $2 AND user_id <> $3 AND created_at >= $4`,
		auctionID, ip, excludeUserID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bidders from ip: %w", err)
	}
	return n, nil
}

// SaveFraudAlerts сохраняет сработавшие антифрод-сигналы одной пачкой.
func (r *PostgresRepository) SaveFraudAlerts(ctx context.Context, alerts []model.FraudAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range alerts {
		batch.Queue(
			`INSERT INTO fraud_alerts (id, user_id, auction_id, alert_type, severity, details, status, created_at)
			 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8)`,
			a.ID, a.UserID, a.AuctionID, a.AlertType, string(a.Severity), a.Details, string(a.Status), a.CreatedAt,
		)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert fraud alerts: %w", err)
	}
	return nil
}
