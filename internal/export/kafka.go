package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ppiankov/nadag/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Kafka publishes one message per method execution and per sample row.
type Kafka struct {
	writer    messageWriter
	batchSize int
	logger    *slog.Logger
}

// NewKafka creates a producer for the configured topic.
func NewKafka(cfg model.KafkaConfig, logger *slog.Logger) *Kafka {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	return newKafka(w, cfg.BatchSize, logger)
}

func newKafka(w messageWriter, batchSize int, logger *slog.Logger) *Kafka {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Kafka{writer: w, batchSize: batchSize, logger: logger}
}

// Write publishes the soundings and samples of result in batches.
func (k *Kafka) Write(ctx context.Context, result *model.Result) error {
	msgs := make([]kafkago.Message, 0, len(result.Soundings)+len(result.Samples))
	for i := range result.Soundings {
		msg, err := serializeExecution(result, &result.Soundings[i])
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	for i := range result.Samples {
		msg, err := serializeSample(result, &result.Samples[i])
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	for start := 0; start < len(msgs); start += k.batchSize {
		end := min(start+k.batchSize, len(msgs))
		if err := k.writer.WriteMessages(ctx, msgs[start:end]...); err != nil {
			return fmt.Errorf("publish batch %d-%d: %w", start, end, err)
		}
	}
	k.logger.Info("published to kafka", "query_id", result.QueryID, "messages", len(msgs))
	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// serializeExecution keys a method execution by investigation so every
// sounding of one borehole lands on the same partition.
func serializeExecution(result *model.Result, m *model.MethodExecution) (kafkago.Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize %s execution %s: %w", m.MethodType, m.MethodID, err)
	}
	return kafkago.Message{
		Key:     []byte(m.InvestigationID),
		Value:   data,
		Headers: headers(result, m.MethodType),
	}, nil
}

func serializeSample(result *model.Result, s *model.SampleRow) (kafkago.Message, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize sample %s: %w", s.MethodID, err)
	}
	return kafkago.Message{
		Key:     []byte(s.InvestigationID),
		Value:   data,
		Headers: headers(result, s.MethodType),
	}, nil
}

func headers(result *model.Result, method model.MethodType) []kafkago.Header {
	return []kafkago.Header{
		{Key: "method_type", Value: []byte(method)},
		{Key: "query_id", Value: []byte(result.QueryID)},
		{Key: "fetched_at", Value: []byte(result.FetchedAt.Format(time.RFC3339))},
	}
}
