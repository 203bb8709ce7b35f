package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/auction-bidding/internal/clock"
	"github.com/mmeshcher/auction-bidding/internal/model"
)

const (
	defaultBufferSize     = 1024
	defaultDeliverTimeout = 5 * time.Second
)

// Dispatcher принимает события без блокировки вызывающего и доставляет их в Sink
// одним воркером, так что события одного аукциона уходят в порядке публикации.
// При переполненной очереди событие отбрасывается с предупреждением.
type Dispatcher struct {
	sink    Sink
	clock   clock.Clock
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Message
}

// NewDispatcher создаёт диспетчер с очередью на bufferSize событий.
func NewDispatcher(sink Sink, clk clock.Clock, bufferSize int, logger *zap.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sink:    sink,
		clock:   clk,
		logger:  logger,
		timeout: defaultDeliverTimeout,
		queue:   make(chan Message, bufferSize),
	}
}

// Publish ставит событие в очередь.
func (d *Dispatcher) Publish(topic string, e model.Event) {
	msg := Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		AuctionID:  e.EventAuctionID(),
		OccurredAt: d.clock.Now(),
		Payload:    e,
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("dispatcher closed, event dropped",
			zap.String("topic", topic), zap.String("auction_id", msg.AuctionID))
		return
	}

	select {
	case d.queue <- msg:
	default:
		d.logger.Warn("notification queue full, event dropped",
			zap.String("topic", topic), zap.String("auction_id", msg.AuctionID))
	}
}

// Run доставляет события, пока не будет вызван Close, и дочищает очередь перед выходом.
// Отмена ctx не прерывает доставку уже принятых событий.
func (d *Dispatcher) Run(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	for msg := range d.queue {
		d.deliver(base, msg)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.sink.Publish(ctx, msg); err != nil {
		d.logger.Warn("failed to deliver event",
			zap.String("event_id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("auction_id", msg.AuctionID),
			zap.Error(err),
		)
	}
}

// Close перестаёт принимать события. Run завершится после доставки остатка очереди.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}
