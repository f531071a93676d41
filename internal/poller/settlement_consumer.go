// Package poller consumes order events published from the checkout outbox.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	d "github.com/d1gallar/forest/internal/domain"
	r "github.com/d1gallar/forest/internal/repository"
	"github.com/d1gallar/forest/internal/sessions"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const consumerGroup = "storefront-settlement"

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type cartClearer interface {
	ClearIfUnmodifiedSince(ctx context.Context, userID string, since time.Time) (bool, error)
}

// SettlementConsumer empties a buyer's cart once their order has settled.
// Carts changed after the settlement are left alone.
type SettlementConsumer struct {
	reader messageReader
	carts  cartClearer
	log    zerolog.Logger
}

func NewSettlementConsumer(carts cartClearer, topic string, logger zerolog.Logger, brokers ...string) *SettlementConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  consumerGroup,
		MaxBytes: 10e6, // 10MB
	})
	return &SettlementConsumer{
		reader: reader,
		carts:  carts,
		log:    logger.With().Str("component", "settlement_consumer").Logger(),
	}
}

func (c *SettlementConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.consumeOne(ctx)
	}
}

func (c *SettlementConsumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.Error().Err(err).Msg("error closing reader")
	}
}

func (c *SettlementConsumer) consumeOne(ctx context.Context) {
	m, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error().Err(err).Msg("error reading message")
		}
		return
	}

	if t := eventType(m); t != "" && t != sessions.EventOrderSettled {
		return
	}

	var event d.OrderEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		c.log.Warn().Err(err).Int64("offset", m.Offset).Msg("error parsing message")
		return
	}
	if event.Type != sessions.EventOrderSettled {
		return
	}
	if event.UserID == "" {
		c.log.Warn().Str("order_id", event.OrderID).Msg("settled event without user id")
		return
	}

	cleared, err := c.carts.ClearIfUnmodifiedSince(ctx, event.UserID, event.OccurredAt)
	if err != nil && !errors.Is(err, r.ErrCartNotFound) {
		c.log.Error().Err(err).Str("user_id", event.UserID).Msg("failed to clear cart")
		return
	}
	c.log.Debug().
		Str("user_id", event.UserID).
		Str("order_id", event.OrderID).
		Bool("cleared", cleared).
		Msg("settlement consumed")
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "event_type" {
			return string(h.Value)
		}
	}
	return ""
}
