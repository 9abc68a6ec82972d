package memory

import (
	"context"
	"sync"

	interfaces "github.com/sheikh-saqib/iolta-trust-ledger/internal/interfaces"
)

// Event is one recorded publication.
type Event struct {
	Topic string
	Key   string
	Body  any
}

// Publisher keeps published events in memory. It backs the server when
// Kafka is disabled and doubles as a test spy.
type Publisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) Publish(ctx context.Context, topic, key string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, Event{Topic: topic, Key: key, Body: event})
	return nil
}

// FailWith makes every later Publish return err; nil restores normal behavior.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Events returns a copy of what was published, optionally filtered by topic.
func (p *Publisher) Events(topic string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, 0, len(p.events))
	for _, e := range p.events {
		if topic == "" || e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
