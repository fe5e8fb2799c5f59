package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"distressguard/internal/transcribe"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	GroupID      string
}

// Kafka consumes transcript events that an upstream speech service publishes
// to separate partial and final topics. A read error ends the session so the
// engine can restart it.
type Kafka struct {
	cfg       KafkaConfig
	logger    *slog.Logger
	newReader func(topic string) messageReader
}

func NewKafka(cfg KafkaConfig, logger *slog.Logger) *Kafka {
	k := &Kafka{cfg: cfg, logger: logger}
	k.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.LastOffset,
		})
	}
	return k
}

func (k *Kafka) Available() bool {
	return len(k.cfg.Brokers) > 0 && (k.cfg.TopicPartial != "" || k.cfg.TopicFinal != "")
}

func (k *Kafka) Start(ctx context.Context, _ transcribe.Options, cb transcribe.Callback) (transcribe.Session, error) {
	if !k.Available() {
		return nil, transcribe.ErrUnsupportedCapability
	}
	sess, sctx := newSession(ctx)
	var wg sync.WaitGroup
	var cbMu sync.Mutex
	for _, t := range []struct {
		topic string
		final bool
	}{{k.cfg.TopicPartial, false}, {k.cfg.TopicFinal, true}} {
		if t.topic == "" {
			continue
		}
		reader := k.newReader(t.topic)
		wg.Add(1)
		go func(topic string, final bool) {
			defer wg.Done()
			defer reader.Close()
			k.consume(sctx, reader, topic, final, &cbMu, cb)
			// One topic failing ends the session for both.
			sess.cancel()
		}(t.topic, t.final)
	}
	if k.logger != nil {
		k.logger.Info("kafka transcript consumer started",
			"brokers", k.cfg.Brokers,
			"topic_partial", k.cfg.TopicPartial,
			"topic_final", k.cfg.TopicFinal,
			"group_id", k.cfg.GroupID,
		)
	}
	go func() {
		wg.Wait()
		sess.end(cb)
	}()
	return sess, nil
}

func (k *Kafka) consume(ctx context.Context, reader messageReader, topic string, final bool, mu *sync.Mutex, cb transcribe.Callback) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			mu.Lock()
			cb.OnError(fmt.Errorf("kafka read %s: %w", topic, err))
			mu.Unlock()
			return
		}
		var ev TranscriptEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			if k.logger != nil {
				k.logger.Warn("kafka transcript decode error", "topic", topic, "err", err)
			}
			continue
		}
		if ev.Text == "" {
			continue
		}
		mu.Lock()
		cb.OnResult(ev.Text, final)
		mu.Unlock()
	}
}
