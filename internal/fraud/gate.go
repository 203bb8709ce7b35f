// Package fraud реализует антифрод-проверку ставки перед её приёмом.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/auction-bidding/internal/clock"
	"github.com/mmeshcher/auction-bidding/internal/model"
)

// Типы сигналов.
const (
	AlertSelfBidding   = "SELF_BIDDING"
	AlertSellerIPMatch = "SELLER_IP_MATCH"
	AlertBidVelocity   = "BID_VELOCITY"
	AlertSharedIP      = "SHARED_IP_BIDDERS"
)

// Store описывает данные, нужные эвристикам.
type Store interface {
	GetAuction(ctx context.Context, id string) (*model.Auction, error)
	CountUserBidsSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountOtherBiddersFromIP(ctx context.Context, auctionID, ip, excludeUserID string, since time.Time) (int, error)
	SaveFraudAlerts(ctx context.Context, alerts []model.FraudAlert) error
}

// Config содержит пороги эвристик.
type Config struct {
	// VelocityLimit задаёт допустимое число ставок пользователя за VelocityWindow. 0 отключает проверку.
	VelocityLimit  int
	VelocityWindow time.Duration
	// SharedIPLimit задаёт допустимое число других аккаунтов с того же IP на аукционе за SharedIPWindow.
	SharedIPLimit  int
	SharedIPWindow time.Duration
}

// DefaultConfig содержит пороги по умолчанию.
var DefaultConfig = Config{
	VelocityLimit:  10,
	VelocityWindow: time.Minute,
	SharedIPLimit:  1,
	SharedIPWindow: 24 * time.Hour,
}

// Candidate описывает проверяемую ставку.
type Candidate struct {
	UserID    string
	AuctionID string
	Amount    decimal.Decimal
	IPAddress string
	UserAgent string
}

// Result содержит итог проверки. Passed=false означает, что сработал сигнал уровня CRITICAL.
type Result struct {
	Passed bool
	Alerts []model.FraudAlert
}

// AlertTypes возвращает типы сработавших сигналов.
func (r *Result) AlertTypes() []string {
	types := make([]string, 0, len(r.Alerts))
	for _, a := range r.Alerts {
		types = append(types, a.AlertType)
	}
	return types
}

type heuristic func(ctx context.Context, c Candidate, a *model.Auction) (*model.FraudAlert, error)

// Gate прогоняет ставку через набор эвристик.
type Gate struct {
	store      Store
	clock      clock.Clock
	cfg        Config
	logger     *zap.Logger
	heuristics []heuristic
}

// NewGate создаёт антифрод-проверку.
func NewGate(store Store, clk clock.Clock, cfg Config, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{store: store, clock: clk, cfg: cfg, logger: logger}
	g.heuristics = []heuristic{g.selfBidding, g.sellerIPMatch, g.velocity, g.sharedIP}
	return g
}

// Check прогоняет все эвристики. Если сработала хотя бы одна, сигналы сохраняются
// для ручного разбора независимо от итога. Ошибка означает, что проверку выполнить не удалось.
func (g *Gate) Check(ctx context.Context, c Candidate) (*Result, error) {
	a, err := g.store.GetAuction(ctx, c.AuctionID)
	if err != nil {
		return nil, fmt.Errorf("load auction: %w", err)
	}

	res := &Result{Passed: true}
	for _, h := range g.heuristics {
		alert, err := h(ctx, c, a)
		if err != nil {
			return nil, err
		}
		if alert == nil {
			continue
		}

		alert.ID = uuid.NewString()
		alert.UserID = c.UserID
		alert.AuctionID = c.AuctionID
		alert.Status = model.AlertStatusOpen
		alert.CreatedAt = g.clock.Now()
		if alert.Details == nil {
			alert.Details = map[string]any{}
		}
		alert.Details["amount"] = c.Amount.String()
		alert.Details["ip_address"] = c.IPAddress
		alert.Details["user_agent"] = c.UserAgent

		if alert.Severity == model.SeverityCritical {
			res.Passed = false
		}
		res.Alerts = append(res.Alerts, *alert)
	}

	if len(res.Alerts) == 0 {
		return res, nil
	}

	if err := g.store.SaveFraudAlerts(ctx, res.Alerts); err != nil {
		return nil, fmt.Errorf("save fraud alerts: %w", err)
	}

	g.logger.Info("fraud heuristics fired",
		zap.String("auction_id", c.AuctionID),
		zap.String("user_id", c.UserID),
		zap.Strings("alerts", res.AlertTypes()),
		zap.Bool("passed", res.Passed),
	)

	return res, nil
}

func (g *Gate) selfBidding(_ context.Context, c Candidate, a *model.Auction) (*model.FraudAlert, error) {
	if a.SellerID == "" || a.SellerID != c.UserID {
		return nil, nil
	}
	return &model.FraudAlert{
		AlertType: AlertSelfBidding,
		Severity:  model.SeverityCritical,
		Details:   map[string]any{"seller_id": a.SellerID},
	}, nil
}

func (g *Gate) sellerIPMatch(_ context.Context, c Candidate, a *model.Auction) (*model.FraudAlert, error) {
	if c.IPAddress == "" || a.SellerIP == "" || c.IPAddress != a.SellerIP || c.UserID == a.SellerID {
		return nil, nil
	}
	return &model.FraudAlert{
		AlertType: AlertSellerIPMatch,
		Severity:  model.SeverityHigh,
		Details:   map[string]any{"seller_id": a.SellerID},
	}, nil
}

// velocity считает принятые ставки пользователя: отклонённые попытки нигде не сохраняются.
func (g *Gate) velocity(ctx context.Context, c Candidate, _ *model.Auction) (*model.FraudAlert, error) {
	if g.cfg.VelocityLimit <= 0 {
		return nil, nil
	}

	since := g.clock.Now().Add(-g.cfg.VelocityWindow)
	n, err := g.store.CountUserBidsSince(ctx, c.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("velocity check: %w", err)
	}

	// Текущая попытка тоже считается.
	n++
	if n <= g.cfg.VelocityLimit {
		return nil, nil
	}

	severity := model.SeverityHigh
	if n > 2*g.cfg.VelocityLimit {
		severity = model.SeverityCritical
	}
	return &model.FraudAlert{
		AlertType: AlertBidVelocity,
		Severity:  severity,
		Details: map[string]any{
			"bids":   n,
			"limit":  g.cfg.VelocityLimit,
			"window": g.cfg.VelocityWindow.String(),
		},
	}, nil
}

func (g *Gate) sharedIP(ctx context.Context, c Candidate, _ *model.Auction) (*model.FraudAlert, error) {
	if g.cfg.SharedIPLimit <= 0 || c.IPAddress == "" {
		return nil, nil
	}

	since := g.clock.Now().Add(-g.cfg.SharedIPWindow)
	n, err := g.store.CountOtherBiddersFromIP(ctx, c.AuctionID, c.IPAddress, c.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("shared ip check: %w", err)
	}
	if n < g.cfg.SharedIPLimit {
		return nil, nil
	}

	severity := model.SeverityMedium
	if n >= 2*g.cfg.SharedIPLimit+1 {
		severity = model.SeverityCritical
	}
	return &model.FraudAlert{
		AlertType: AlertSharedIP,
		Severity:  severity,
		Details: map[string]any{
			"other_accounts": n,
			"limit":          g.cfg.SharedIPLimit,
		},
	}, nil
}
