// Package kafka publishes hand-off notifications to Kafka.
package kafka

import (
	"context"
	"fmt"
	"sort"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/vnenv/envcrawler/internal/publisher"
)

// Writer is the subset of *kafkago.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes one message per notification. The topic is chosen per
// message, so the underlying writer must not pin one.
type Publisher struct {
	writer Writer
}

// New builds a publisher writing to brokers with full acknowledgement.
func New(brokers []string) *Publisher {
	return NewWithWriter(&kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	})
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w Writer) *Publisher {
	return &Publisher{writer: w}
}

// Publish writes payload to topic. Keyed payloads hash to a stable
// partition, so notifications for one job stay ordered.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	env, err := publisher.Encode(payload)
	if err != nil {
		return "", err
	}
	msg := toMessage(topic, env)
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write to %s: %w", topic, err)
	}
	return fmt.Sprintf("%s/%s", topic, env.Key), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func toMessage(topic string, env publisher.Envelope) kafkago.Message {
	keys := make([]string, 0, len(env.Attributes))
	for k := range env.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]kafkago.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(env.Attributes[k])})
	}
	msg := kafkago.Message{Topic: topic, Value: env.Data, Headers: headers}
	if env.Key != "" {
		msg.Key = []byte(env.Key)
	}
	return msg
}
