package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// errPoison marks receipts that can never be applied; they are committed
// and skipped.
var errPoison = errors.New("unusable receipt")

// StatusStore applies receipts to stored messages.
type StatusStore interface {
	AdvanceStatus(ctx context.Context, channelID, readerID string, ids []string, status model.Status) (int, error)
}

// Consumer persists delivery receipts published by the gateway.
type Consumer struct {
	reader     *kafka.Reader
	store      StatusStore
	log        zerolog.Logger
	newBackoff func() backoff.BackOff
}

func NewConsumer(brokers []string, topic, groupID string, store StatusStore, logger zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
	return newConsumer(r, store, logger)
}

func newConsumer(r *kafka.Reader, store StatusStore, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader: r,
		store:  store,
		log:    logger.With().Str("component", "receipts").Logger(),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return backoff.WithMaxRetries(b, 5)
		},
	}
}

// Run consumes until ctx is done. Offsets are committed only after a
// receipt was applied or judged unusable.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("error reading receipt, retrying in 1s")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.handle(ctx, m.Value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Int64("offset", m.Offset).Str("key", string(m.Key)).Msg("skipping receipt")
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Int64("offset", m.Offset).Msg("commit failed")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var r model.Receipt
	if err := json.Unmarshal(value, &r); err != nil {
		return errors.Wrap(errPoison, err.Error())
	}
	if !strings.HasPrefix(r.ChannelID, "dm:") || len(r.MessageIDs) == 0 {
		return errors.Wrapf(errPoison, "channel %q with %d ids", r.ChannelID, len(r.MessageIDs))
	}
	if r.ReaderID == "" || !strings.Contains(r.ChannelID+":", ":"+r.ReaderID+":") {
		return errors.Wrapf(errPoison, "reader %q is not in %s", r.ReaderID, r.ChannelID)
	}
	if r.Status != model.StatusDelivered && r.Status != model.StatusSeen {
		return errors.Wrapf(errPoison, "status %q", r.Status)
	}

	var changed int
	op := func() error {
		n, err := c.store.AdvanceStatus(ctx, r.ChannelID, r.ReaderID, r.MessageIDs, r.Status)
		changed = n
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("wait", wait).Str("channel_id", r.ChannelID).Msg("status update failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackoff(), ctx), notify); err != nil {
		return errors.Wrapf(err, "advance %s to %s", r.ChannelID, r.Status)
	}
	c.log.Debug().
		Str("channel_id", r.ChannelID).
		Str("status", string(r.Status)).
		Int("ids", len(r.MessageIDs)).
		Int("changed", changed).
		Msg("receipt applied")
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
