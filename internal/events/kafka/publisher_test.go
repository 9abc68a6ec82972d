package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("writes keyed JSON to the default topic", func(t *testing.T) {
		w := &fakeWriter{}
		p := newPublisher(w, nil, zap.NewNop())

		event := events.TransactionPosted{
			TransactionID:  "txn-1",
			ClientLedgerID: "ledger-1",
			Amount:         decimal.RequireFromString("12.50"),
		}
		require.NoError(t, p.Publish(ctx, events.TopicTransactionPosted, "ledger-1", event))

		require.Len(t, w.msgs, 1)
		msg := w.msgs[0]
		assert.Equal(t, events.TopicTransactionPosted, msg.Topic)
		assert.Equal(t, []byte("ledger-1"), msg.Key)
		assert.False(t, msg.Time.IsZero())

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(msg.Value, &decoded))
		assert.Equal(t, "txn-1", decoded["transaction_id"])
		assert.Equal(t, "12.5", decoded["amount"])
	})

	t.Run("renames mapped topics", func(t *testing.T) {
		w := &fakeWriter{}
		p := newPublisher(w, map[string]string{
			events.TopicTransactionPosted: "firm-a.postings",
		}, zap.NewNop())

		require.NoError(t, p.Publish(ctx, events.TopicTransactionPosted, "k", struct{}{}))
		require.NoError(t, p.Publish(ctx, events.TopicReconciliationDiscrepancy, "k", struct{}{}))

		assert.Equal(t, "firm-a.postings", w.msgs[0].Topic)
		assert.Equal(t, events.TopicReconciliationDiscrepancy, w.msgs[1].Topic)
	})

	t.Run("surfaces writer failures", func(t *testing.T) {
		w := &fakeWriter{err: errors.New("leader not available")}
		p := newPublisher(w, nil, zap.NewNop())

		err := p.Publish(ctx, events.TopicTransactionPosted, "k", struct{}{})
		assert.ErrorContains(t, err, "leader not available")
	})

	t.Run("unencodable event", func(t *testing.T) {
		p := newPublisher(&fakeWriter{}, nil, zap.NewNop())
		err := p.Publish(ctx, "t", "k", make(chan int))
		assert.Error(t, err)
	})
}

func TestNewPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewPublisher(nil, nil, nil)
	assert.Error(t, err)
}

func TestPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, newPublisher(w, nil, zap.NewNop()).Close())
	assert.True(t, w.closed)
}
