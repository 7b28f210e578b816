package relay

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaTransport publishes envelopes to a topic. The broker ack
// (RequireOne) plays the role of the HTTP 2xx.
type KafkaTransport struct {
	writer *kafka.Writer
}

func NewKafkaTransport(brokers []string, topic string) (*KafkaTransport, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if topic == "" {
		return nil, errors.New("kafka topic not configured")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    1,
	}

	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("kafka transport initialized")
	return &KafkaTransport{writer: w}, nil
}

func (t *KafkaTransport) Deliver(ctx context.Context, body []byte) error {
	return t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(uuid.NewString()),
		Value: body,
	})
}

func (t *KafkaTransport) Close() error {
	log.Info().Msg("closing kafka transport")
	return t.writer.Close()
}
