// Package outbox implements the remaining half of the Outbox & Event
// Pipeline (C6) not owned by pkg/events: a background publisher that
// polls PENDING rows in (created_at, id) order and drains them to the
// broker with exponential backoff past a retry budget, and a subscriber
// that derives HistoryEntry/AuditLogEntry projections idempotently.
// Grounded on the teacher's pkg/reconciler ticker loop for the publisher
// shape, and on oms-monolith's event-consumer handler-dispatch table for
// the subscriber.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/warren/pkg/errs"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

const (
	publishInterval = 2 * time.Second
	maxAttempts     = 6
	pollBatchSize   = 50
)

// Publisher drains PENDING outbox rows to the broker.
type Publisher struct {
	store  storage.Store
	broker *events.Broker
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewPublisher constructs a Publisher.
func NewPublisher(store storage.Store, broker *events.Broker, log zerolog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		broker: broker,
		log:    log.With().Str("component", "outbox-publisher").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start begins the publish loop.
func (p *Publisher) Start() {
	go p.run()
}

// Stop stops the publish loop.
func (p *Publisher) Stop() {
	close(p.stopCh)
}

func (p *Publisher) run() {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	p.log.Info().Msg("outbox publisher started")
	for {
		select {
		case <-ticker.C:
			if err := p.drainOnce(); err != nil {
				p.log.Error().Err(err).Msg("outbox drain cycle failed")
			}
		case <-p.stopCh:
			p.log.Info().Msg("outbox publisher stopped")
			return
		}
	}
}

func (p *Publisher) drainOnce() error {
	rows, err := p.store.ListPendingOutbox(pollBatchSize)
	if err != nil {
		return fmt.Errorf("outbox: list pending: %w", err)
	}
	for _, row := range rows {
		p.publishRow(row)
	}
	return nil
}

func (p *Publisher) publishRow(row *types.OutboxRow) {
	env, err := envelopeFromRow(row)
	if err != nil {
		p.log.Error().Err(err).Str("outbox_id", row.ID).Msg("malformed outbox row, moving to dead letter")
		p.deadLetter(row, err)
		return
	}

	p.broker.Publish(env)
	if err := p.store.MarkOutboxPublished(row.ID, time.Now().UTC().UnixNano()); err != nil {
		p.log.Error().Err(err).Str("outbox_id", row.ID).Msg("failed to mark outbox row published")
	}
}

func (p *Publisher) deadLetter(row *types.OutboxRow, cause error) {
	attempts := row.Attempts + 1
	if attempts < maxAttempts {
		backoff(attempts)
		if err := p.store.MarkOutboxFailed(row.ID, cause.Error()); err != nil {
			p.log.Error().Err(err).Str("outbox_id", row.ID).Msg("failed to mark outbox row failed")
		}
		return
	}
	if err := p.store.MoveOutboxToDead(row.ID, cause.Error()); err != nil {
		p.log.Error().Err(err).Str("outbox_id", row.ID).Msg("failed to move outbox row to dead letter")
		return
	}
	entry := &types.DLQEntry{
		ID:              row.ID,
		Source:          "outbox-publisher",
		OriginalPayload: row.Payload,
		Error:           cause.Error(),
		FirstFailedAt:   row.CreatedAt,
		Attempts:        attempts,
	}
	if err := p.store.PutDLQEntry(entry); err != nil {
		p.log.Error().Err(err).Str("outbox_id", row.ID).Msg("failed to persist dead-letter entry")
	}
}

// backoff sleeps an exponentially increasing delay capped at 30s, inline
// on the publisher tick after a failed publish; the row stays PENDING and
// is retried on a later tick.
func backoff(attempt int) {
	delay := time.Duration(math.Min(float64(30*time.Second), float64(time.Second)*math.Pow(2, float64(attempt))))
	time.Sleep(delay)
}

func envelopeFromRow(row *types.OutboxRow) (*events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(row.Payload, &env); err != nil {
		return nil, fmt.Errorf("outbox: row %s payload is not a CloudEvents envelope: %w", row.ID, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// HandlerResult is what a typed subscriber handler derives from an event.
type HandlerResult struct {
	History *types.HistoryEntry
	Audit   *types.AuditLogEntry
}

// Handler derives projections from one envelope.
type Handler func(env *events.Envelope) (*HandlerResult, error)

// Subscriber consumes envelopes from a broker subscription, validates
// them, dispatches to a typed handler per event type, and persists
// derived projections idempotently.
type Subscriber struct {
	store       storage.Store
	sub         events.Subscriber
	log         zerolog.Logger
	handlers    map[string]Handler
	ingestedTTL time.Duration
}

// NewSubscriber constructs a Subscriber bound to a broker subscription.
func NewSubscriber(store storage.Store, sub events.Subscriber, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		store:       store,
		sub:         sub,
		log:         log.With().Str("component", "outbox-subscriber").Logger(),
		handlers:    map[string]Handler{},
		ingestedTTL: 24 * time.Hour,
	}
}

// RegisterHandler binds a typed handler to an event type.
func (s *Subscriber) RegisterHandler(eventType events.EventType, h Handler) {
	s.handlers[string(eventType)] = h
}

// Run consumes envelopes until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	s.log.Info().Msg("outbox subscriber started")
	for {
		select {
		case env, ok := <-s.sub:
			if !ok {
				s.log.Info().Msg("outbox subscriber channel closed")
				return
			}
			s.handle(env)
		case <-ctx.Done():
			s.log.Info().Msg("outbox subscriber stopped")
			return
		}
	}
}

func (s *Subscriber) handle(env *events.Envelope) {
	if err := env.Validate(); err != nil {
		s.log.Warn().Err(err).Msg("malformed envelope sent to parse dead-letter")
		s.parseDeadLetter(env, err)
		return
	}

	ingested, err := s.store.IsIngested(env.ID)
	if err != nil {
		s.log.Error().Err(err).Str("event_id", env.ID).Msg("failed to check ingestion idempotency set")
		return
	}
	if ingested {
		return
	}

	handler, ok := s.handlers[env.Type]
	if !ok {
		s.log.Debug().Str("event_type", env.Type).Msg("no handler registered for event type")
		return
	}

	result, err := handler(env)
	if err != nil {
		s.log.Error().Err(err).Str("event_id", env.ID).Str("event_type", env.Type).Msg("handler failed, moving to processing dead-letter")
		s.processingDeadLetter(env, err)
		return
	}

	if result != nil {
		if result.History != nil {
			if err := s.store.PutHistoryEntry(result.History); err != nil {
				s.log.Error().Err(err).Str("event_id", env.ID).Msg("failed to persist history entry")
				return
			}
		}
		if result.Audit != nil {
			if err := s.store.PutAuditLogEntry(result.Audit); err != nil {
				s.log.Error().Err(err).Str("event_id", env.ID).Msg("failed to persist audit log entry")
				return
			}
		}
	}

	if err := s.store.MarkIngested(env.ID, time.Now().Add(s.ingestedTTL).UnixNano()); err != nil {
		s.log.Error().Err(err).Str("event_id", env.ID).Msg("failed to record ingestion idempotency key")
	}
}

func (s *Subscriber) parseDeadLetter(env *events.Envelope, cause error) {
	raw, _ := json.Marshal(env)
	entry := &types.DLQEntry{
		ID:            fallbackID(env),
		Source:        "outbox-subscriber-parse",
		OriginalPayload: raw,
		Error:         cause.Error(),
		FirstFailedAt: time.Now().UTC(),
		Attempts:      1,
	}
	if err := s.store.PutDLQEntry(entry); err != nil {
		s.log.Error().Err(err).Msg("failed to persist parse dead-letter entry")
	}
}

func (s *Subscriber) processingDeadLetter(env *events.Envelope, cause error) {
	raw, _ := json.Marshal(env)
	entry := &types.DLQEntry{
		ID:            env.ID,
		Source:        "outbox-subscriber-processing",
		OriginalPayload: raw,
		Error:         cause.Error(),
		FirstFailedAt: time.Now().UTC(),
		Attempts:      1,
	}
	if err := s.store.PutDLQEntry(entry); err != nil {
		s.log.Error().Err(err).Msg("failed to persist processing dead-letter entry")
	}
}

func fallbackID(env *events.Envelope) string {
	if env != nil && env.ID != "" {
		return env.ID
	}
	return fmt.Sprintf("unknown-%d", time.Now().UnixNano())
}

// ErrNoHandler describes an event type with no registered handler. The
// subscriber does not return it: handle logs such events and skips them.
var ErrNoHandler = errs.New(errs.Validation, "outbox.Subscriber", "no handler registered")
