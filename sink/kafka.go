package sink

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"coinflow/config"
	"coinflow/logger"
	"coinflow/models"
)

const kafkaName = "kafka"

// kafkaEnvelope is the published message format. Exactly one of Event or
// Gap is set, matching Type.
type kafkaEnvelope struct {
	Type    string              `json:"type"`
	BatchID string              `json:"batch_id"`
	Event   *models.MarketEvent `json:"event,omitempty"`
	Gap     *models.GapRecord   `json:"gap,omitempty"`
}

// Kafka publishes one message per event and per gap, keyed by channel id so
// a partition preserves per-channel order. Redelivered batches repeat
// messages; consumers deduplicate on the natural key.
type Kafka struct {
	writer *kafka.Writer
	topic  string
	log    *logger.Log
}

func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	k := &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		topic: cfg.Topic,
		log:   logger.GetLogger(),
	}

	k.log.WithComponent("sink_kafka").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka sink initialized")

	return k, nil
}

func (k *Kafka) Name() string { return kafkaName }

func (k *Kafka) Upsert(ctx context.Context, batch *models.Batch) error {
	messages := make([]kafka.Message, 0, len(batch.Events)+len(batch.Gaps))

	for _, event := range batch.Events {
		value, err := json.Marshal(kafkaEnvelope{Type: "market_event", BatchID: batch.ID, Event: event})
		if err != nil {
			return Permanent(kafkaName, "encode event", err)
		}
		messages = append(messages, kafka.Message{Key: []byte(event.ChannelID), Value: value})
	}
	for _, gap := range batch.Gaps {
		value, err := json.Marshal(kafkaEnvelope{Type: "sequence_gap", BatchID: batch.ID, Gap: gap})
		if err != nil {
			return Permanent(kafkaName, "encode gap", err)
		}
		messages = append(messages, kafka.Message{Key: []byte(gap.ChannelID), Value: value})
	}

	if len(messages) == 0 {
		return nil
	}
	if err := k.writer.WriteMessages(ctx, messages...); err != nil {
		return Transient(kafkaName, "write messages", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
