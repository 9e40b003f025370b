package action

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Notifier hands a materialised action to the notification collaborator.
type Notifier interface {
	Dispatch(ctx context.Context, i *Instance) error
}

// KafkaNotifier publishes action payloads to the notification topic. The
// fan-out to email/SMS/chat happens downstream.
type KafkaNotifier struct {
	writer *kafka.Writer
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (n *KafkaNotifier) Dispatch(ctx context.Context, i *Instance) error {
	payload, err := i.Encode()
	if err != nil {
		return fmt.Errorf("encode action %s: %w", i.ID, err)
	}
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(i.ConvergeKey),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publish action %s: %w", i.ID, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error { return n.writer.Close() }
