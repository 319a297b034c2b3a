package main

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// kafkaReceipts publishes receipts keyed by channel, so every receipt of a
// conversation lands on the same partition.
type kafkaReceipts struct {
	producer *kafka.Writer
}

func newKafkaReceipts(brokers []string, topic string, logger zerolog.Logger) *kafkaReceipts {
	return &kafkaReceipts{producer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		// the hub loop must not wait on the broker
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error().Err(err).Int("count", len(messages)).Msg("failed to write receipts to Kafka")
			}
		},
	}}
}

func (k *kafkaReceipts) Publish(ctx context.Context, r model.Receipt) error {
	value, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal receipt")
	}
	return k.producer.WriteMessages(ctx, kafka.Message{Key: []byte(r.ChannelID), Value: value})
}

func (k *kafkaReceipts) Close() error {
	return k.producer.Close()
}
