// Package publisher relays the checkout outbox to Kafka.
package publisher

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

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// orderLookup finds the order a stuck session's payment already produced.
type orderLookup interface {
	GetOrderByPaymentID(ctx context.Context, paymentID string) (*d.Order, error)
}

type OutboxPoller struct {
	timeout      time.Duration
	eventTick    time.Duration
	recoveryTick time.Duration
	stuckAfter   time.Duration
	repo         sessions.RepoInterface
	orders       orderLookup
	writer       messageWriter
	log          zerolog.Logger
}

func NewOutboxPoller(repo sessions.RepoInterface, orders orderLookup, topic string, stuckAfter time.Duration, logger zerolog.Logger, brokers ...string) *OutboxPoller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &OutboxPoller{
		timeout:      time.Second * 5,
		eventTick:    time.Second,
		recoveryTick: time.Second * 30,
		stuckAfter:   stuckAfter,
		repo:         repo,
		orders:       orders,
		writer:       w,
		log:          logger.With().Str("component", "outbox_poller").Logger(),
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.recoverStuckSessions(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, 100)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to fetch outbox events")
		return
	}

	for _, event := range events {
		if err := p.publishToKafka(ctx, event); err != nil {
			p.log.Error().Err(err).Int("event_id", event.ID).Msg("failed to publish outbox event")
			continue
		}
		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.log.Error().Err(err).Int("event_id", event.ID).Msg("failed to mark outbox event processed")
		}
	}
}

// recoverStuckSessions settles sessions left at PaymentAuthorized whose order
// exists, which happens when the webhook created the order but failed before
// settling. Sessions without an order are still waiting for their webhook.
func (p *OutboxPoller) recoverStuckSessions(ctx context.Context) {
	stuck, err := p.repo.GetStuckSessions(ctx, time.Now().UTC().Add(-p.stuckAfter))
	if err != nil {
		p.log.Error().Err(err).Msg("failed to get stuck sessions")
		return
	}
	for _, session := range stuck {
		logger := p.log.With().Str("checkout_id", session.ID).Str("payment_id", session.PaymentID).Logger()

		order, err := p.orders.GetOrderByPaymentID(ctx, session.PaymentID)
		if errors.Is(err, r.ErrOrderNotFound) {
			logger.Debug().Msg("stuck session has no order yet")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to look up order for stuck session")
			continue
		}

		// stamped like the webhook's event so later cart changes survive
		payload, err := json.Marshal(d.NewOrderEvent(sessions.EventOrderSettled, order, order.CreatedAt))
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode settlement event")
			continue
		}
		err = p.repo.SettleCheckoutSession(ctx, session.PaymentID, order.ID, payload)
		if err != nil && !errors.Is(err, sessions.ErrAlreadySettled) {
			logger.Error().Err(err).Msg("failed to settle stuck session")
			continue
		}
		logger.Info().Str("order_id", order.ID).Msg("stuck session recovered")
	}
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *sessions.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.AggregateId), // one aggregate per partition key
		Value: event.Payload,             // Already JSON from database
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
