package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/exchange/exchangetest"
	"github.com/xtrntr/twallet/internal/models"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
	// release, when set, holds every write until it is closed
	release chan struct{}
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestPublisher_Publish(t *testing.T) {
	w := &recordingWriter{}
	p := newPublisher(w)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	trades := []models.Transaction{
		{ID: 7, BuyerUsername: "alice", SellerUsername: "bob", TransactionType: models.SideBuy, Quantity: 5,
			PricePerToken: decimal.NewFromInt(1000), TotalAmount: decimal.NewFromInt(5000)},
		{ID: 8, BuyerUsername: "carol", SellerUsername: "bob", TransactionType: models.SideSell, Quantity: 2,
			PricePerToken: decimal.NewFromInt(1000), TotalAmount: decimal.NewFromInt(2000)},
	}
	require.NoError(t, p.Publish(context.Background(), trades))
	require.Len(t, w.msgs, 2)

	assert.Equal(t, "alice", string(w.msgs[0].Key))
	assert.Equal(t, "transaction_id", w.msgs[0].Headers[0].Key)
	assert.Equal(t, "7", string(w.msgs[0].Headers[0].Value))

	var event TransactionEvent
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &event))
	assert.Equal(t, "transaction.executed", event.Type)
	assert.Equal(t, 8, event.Transaction.ID)
	assert.Equal(t, models.SideSell, event.Transaction.TransactionType)
	assert.True(t, event.Transaction.TotalAmount.Equal(decimal.NewFromInt(2000)))
	assert.True(t, event.PublishedAt.Equal(fixed))
}

func TestPublisher_PublishNothing(t *testing.T) {
	w := &recordingWriter{err: errors.New("must not be called")}
	p := newPublisher(w)
	assert.NoError(t, p.Publish(context.Background(), nil))
}

func TestPublisher_MarketChangedSwallowsErrors(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	p := newPublisher(w)

	assert.NotPanics(t, func() {
		p.MarketChanged(context.Background(), []models.Transaction{{ID: 1, BuyerUsername: "a"}})
	})
	assert.Error(t, p.Publish(context.Background(), []models.Transaction{{ID: 1}}))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisher_CloseFlushesQueue(t *testing.T) {
	w := &recordingWriter{}
	p := newPublisher(w)

	p.MarketChanged(context.Background(), []models.Transaction{{ID: 1, BuyerUsername: "a"}})
	p.MarketChanged(context.Background(), nil)
	p.MarketChanged(context.Background(), []models.Transaction{{ID: 2, BuyerUsername: "b"}})
	require.NoError(t, p.Close())

	msgs := w.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Key))
	assert.Equal(t, "b", string(msgs[1].Key))

	assert.NotPanics(t, func() {
		p.MarketChanged(context.Background(), []models.Transaction{{ID: 3}})
	})
	assert.Len(t, w.messages(), 2)
}

// A stalled broker must not hold up the order that produced the trades.
func TestPublisher_SlowBrokerDoesNotDelayOrders(t *testing.T) {
	ctx := context.Background()
	w := &recordingWriter{release: make(chan struct{})}
	p := newPublisher(w)

	store := exchangetest.NewMemoryStore()
	store.AddUser("seller")
	store.AddUser("buyer")
	ex := exchange.NewExchange(store, exchange.DefaultConfig())
	ex.Subscribe(p)

	_, err := ex.GrantTokens(ctx, "seller", 2)
	require.NoError(t, err)
	_, err = ex.PlaceSellOrder(ctx, exchange.OrderRequest{Username: "seller", Quantity: 1})
	require.NoError(t, err)
	_, err = ex.PlaceSellOrder(ctx, exchange.OrderRequest{Username: "seller", Quantity: 1})
	require.NoError(t, err)

	placed := make(chan error, 1)
	go func() {
		// the first trade occupies the writer, the second waits in the queue
		for i := 0; i < 2; i++ {
			if _, err := ex.PlaceBuyOrder(ctx, exchange.OrderRequest{Username: "buyer", Quantity: 1}); err != nil {
				placed <- err
				return
			}
		}
		placed <- nil
	}()

	select {
	case err := <-placed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("order placement waited on the broker")
	}
	assert.Empty(t, w.messages())

	close(w.release)
	require.NoError(t, p.Close())
	msgs := w.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "buyer", string(msgs[0].Key))
}
