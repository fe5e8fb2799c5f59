package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"distressguard/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes alerts to a topic for downstream delivery services.
type Kafka struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	if logger != nil {
		logger.Info("kafka alert publisher initialized", "brokers", brokers, "topic", topic)
	}
	return &Kafka{writer: writer, topic: topic, logger: logger}
}

func (k *Kafka) Notify(ctx context.Context, alert model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return wrap("kafka", err)
	}
	msg := kafka.Message{
		Key:   []byte(alert.ID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("safety.alert")},
			{Key: "cause", Value: []byte(alert.Cause)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return wrap("kafka", err)
	}
	if k.logger != nil {
		k.logger.Debug("alert published", "topic", k.topic, "alert_id", alert.ID)
	}
	return nil
}

func (k *Kafka) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
