// Package notify доставляет события аукциона подписчикам. Доставка best-effort:
// ошибка транспорта логируется и никогда не откатывает уже зафиксированную ставку.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

// Message содержит событие и его метаданные. Формат общий для всех транспортов.
type Message struct {
	ID         string      `json:"id"`
	Topic      string      `json:"topic"`
	AuctionID  string      `json:"auction_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    model.Event `json:"payload"`
}

// Encode сериализует конверт в JSON.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", m.Topic, err)
	}
	return data, nil
}

// Sink доставляет события во внешний транспорт.
type Sink interface {
	Publish(ctx context.Context, msg Message) error
}

// MultiSink рассылает событие во все транспорты и собирает их ошибки.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink пишет события в лог. Используется, когда внешние транспорты не настроены.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink создаёт транспорт в лог.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, msg Message) error {
	s.logger.Info("auction event",
		zap.String("event_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("auction_id", msg.AuctionID),
		zap.Any("payload", msg.Payload),
	)
	return nil
}
