package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

// Потоки JetStream.
const (
	EventsStream  = "AUCTION_EVENTS"
	PayoutsStream = "AUCTION_PAYOUTS"
)

// JetStream описывает часть API JetStream, нужную транспортам.
type JetStream interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// EnsureStreams создаёт или обновляет потоки событий и выплат.
func EnsureStreams(ctx context.Context, js JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        EventsStream,
		Description: "Auction events archive",
		Subjects:    []string{"auction.events.*"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", EventsStream, err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        PayoutsStream,
		Description: "Payout triggers for sold auctions",
		Subjects:    []string{"auction.payout.*"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		Duplicates:  24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", PayoutsStream, err)
	}
	return nil
}

// JetStreamSink архивирует события в поток AUCTION_EVENTS.
type JetStreamSink struct {
	js JetStream
}

// NewJetStreamSink создаёт архивный транспорт.
func NewJetStreamSink(js JetStream) *JetStreamSink {
	return &JetStreamSink{js: js}
}

func (s *JetStreamSink) Publish(ctx context.Context, msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("auction.events.%s", msg.AuctionID)
	if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.ID)); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", subject, err)
	}
	return nil
}

// PayoutRequest описывает задание на выплату продавцу по проданному аукциону.
type PayoutRequest struct {
	AuctionID  string          `json:"auction_id"`
	SellerID   string          `json:"seller_id"`
	WinnerID   string          `json:"winner_id"`
	FinalPrice decimal.Decimal `json:"final_price"`
	Currency   string          `json:"currency"`
	SoldAt     time.Time       `json:"sold_at"`
}

// PayoutPublisher передаёт выплаты в поток AUCTION_PAYOUTS. Идентификатор сообщения
// равен идентификатору аукциона, поэтому повторная передача в окне дедупликации не создаёт дубль.
type PayoutPublisher struct {
	js JetStream
}

// NewPayoutPublisher создаёт публикатор выплат.
func NewPayoutPublisher(js JetStream) *PayoutPublisher {
	return &PayoutPublisher{js: js}
}

// TriggerPayout публикует задание на выплату по проданному аукциону.
func (p *PayoutPublisher) TriggerPayout(ctx context.Context, a *model.Auction) error {
	if a.Status != model.AuctionStatusSold || a.WinnerID == nil || a.FinalPrice == nil {
		return fmt.Errorf("auction %s is not sold", a.ID)
	}

	data, err := json.Marshal(PayoutRequest{
		AuctionID:  a.ID,
		SellerID:   a.SellerID,
		WinnerID:   *a.WinnerID,
		FinalPrice: *a.FinalPrice,
		Currency:   a.Currency,
		SoldAt:     a.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal payout: %w", err)
	}

	subject := fmt.Sprintf("auction.payout.%s", a.ID)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID("payout-"+a.ID)); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", subject, err)
	}
	return nil
}
