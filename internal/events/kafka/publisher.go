package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes ledger events as JSON. Messages are keyed so every event
// of one client ledger (or trust account) lands on the same partition.
type Publisher struct {
	writer       messageWriter
	topicByEvent map[string]string
	log          *zap.Logger
}

// NewPublisher connects to brokers. topicByEvent renames the default topic of
// an event; unmapped topics are used as is.
func NewPublisher(brokers []string, topicByEvent map[string]string, log *zap.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn(fmt.Sprintf(msg, args...), zap.String("component", "kafka"))
		}),
	}
	return newPublisher(w, topicByEvent, log), nil
}

func newPublisher(w messageWriter, topicByEvent map[string]string, log *zap.Logger) *Publisher {
	return &Publisher{
		writer:       w,
		topicByEvent: topicByEvent,
		log:          log,
	}
}

func (p *Publisher) Publish(ctx context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	if mapped, ok := p.topicByEvent[topic]; ok && mapped != "" {
		topic = mapped
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.log.Debug("event published", zap.String("topic", topic), zap.String("key", key))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
