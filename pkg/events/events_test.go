package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	deadline bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, w.deadline = ctx.Deadline()
	w.messages = append(w.messages, msgs...)
	return w.err
}

func (w *recordingWriter) Close() error { return nil }

func sampleEvent() OrderEvent {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	order := &models.Order{
		ID:      primitive.NewObjectID(),
		UserID:  primitive.NewObjectID(),
		Status:  models.StatusCancelled,
		Total:   130000,
		Payment: models.Payment{Method: models.PaymentWallet, Status: models.PaymentPaid},
	}
	return NewOrderEvent(order, models.StatusConfirmed, models.StatusLogEntry{
		Status: models.StatusCancelled, Note: "customer cancelled", Actor: "u1", CreatedAt: at,
	})
}

func TestKafkaPublisherWritesKeyedMessage(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w, timeout: time.Second}
	ev := sampleEvent()

	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, w.messages, 1)
	assert.True(t, w.deadline, "writes must be time-bounded")

	msg := w.messages[0]
	assert.Equal(t, ev.OrderID, string(msg.Key))

	var decoded OrderEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, TypeOrderStatusChanged, decoded.Type)
	assert.Equal(t, models.StatusConfirmed, decoded.From)
	assert.Equal(t, models.StatusCancelled, decoded.To)
	assert.Equal(t, int64(130000), decoded.Total)
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &recordingWriter{err: errors.New("broker down")}, timeout: time.Second}
	err := p.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish order event")
}

func TestMultiJoinsErrors(t *testing.T) {
	var delivered int
	ok := PublisherFunc(func(context.Context, OrderEvent) error { delivered++; return nil })
	failing := PublisherFunc(func(context.Context, OrderEvent) error { return errors.New("cache down") })

	err := Multi{ok, failing, ok}.Publish(context.Background(), sampleEvent())
	assert.Equal(t, 2, delivered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache down")

	assert.NoError(t, Multi{Nop{}}.Publish(context.Background(), sampleEvent()))
}
