package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher описывает часть клиента Redis, нужную для pub/sub.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink публикует события в канал auction_events:{auctionID} для real-time подписчиков.
type RedisSink struct {
	client RedisPublisher
}

// NewRedisSink создаёт транспорт поверх клиента Redis.
func NewRedisSink(client RedisPublisher) *RedisSink {
	return &RedisSink{client: client}
}

// RedisChannel возвращает канал событий аукциона.
func RedisChannel(auctionID string) string {
	return fmt.Sprintf("auction_events:%s", auctionID)
}

func (s *RedisSink) Publish(ctx context.Context, msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, RedisChannel(msg.AuctionID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
