// Package events publishes committed ledger entries to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/xtrntr/twallet/internal/logger"
	"github.com/xtrntr/twallet/internal/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// TransactionEvent is the message value written for each trade
type TransactionEvent struct {
	Type        string             `json:"type"`
	Transaction models.Transaction `json:"transaction"`
	PublishedAt time.Time          `json:"published_at"`
}

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	queueSize      = 1024
	publishTimeout = 10 * time.Second
)

var errQueueFull = errors.New("event queue full, dropping transactions")

// Publisher writes trade events to a Kafka topic. MarketChanged only queues
// the trades; a single goroutine publishes them in commit order.
type Publisher struct {
	writer messageWriter
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan []models.Transaction
	done   chan struct{}
}

// NewPublisher creates a publisher writing to topic on brokers
func NewPublisher(brokers []string, topic string) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error(fmt.Errorf("failed to deliver %d transaction events: %w", len(messages), err),
					zap.String("topic", topic))
			}
		},
	})
}

func newPublisher(w messageWriter) *Publisher {
	p := &Publisher{
		writer: w,
		now:    time.Now,
		queue:  make(chan []models.Transaction, queueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer close(p.done)
	for trades := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.Publish(ctx, trades); err != nil {
			logger.Error(err, zap.Int("transactions", len(trades)))
		}
		cancel()
	}
}

// Publish writes one message per transaction, keyed by buyer so a user's
// purchases stay ordered within a partition
func (p *Publisher) Publish(ctx context.Context, trades []models.Transaction) error {
	if len(trades) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(trades))
	for _, t := range trades {
		value, err := json.Marshal(TransactionEvent{
			Type:        "transaction.executed",
			Transaction: t,
			PublishedAt: p.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal transaction %d: %w", t.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(t.BuyerUsername),
			Value: value,
			Headers: []kafka.Header{
				{Key: "transaction_id", Value: []byte(strconv.Itoa(t.ID))},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d transactions: %w", len(msgs), err)
	}
	return nil
}

// MarketChanged queues the trades of a committed match. The ledger is the
// source of truth, so trades that cannot be queued or published are only
// logged.
func (p *Publisher) MarketChanged(ctx context.Context, trades []models.Transaction) {
	if len(trades) == 0 {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- trades:
	default:
		logger.ErrorCtx(ctx, errQueueFull, zap.Int("transactions", len(trades)))
	}
}

// Close publishes what is still queued, then flushes and closes the writer
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return p.writer.Close()
}
