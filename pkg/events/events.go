// Package events implements the CloudEvents v1.0 envelope and the
// in-process broker that the Outbox & Event Pipeline (C6) publishes to
// and the subscriber consumes from. The broker's subscribe/publish
// structure is adapted directly from the teacher's fan-out broker
// (non-blocking per-subscriber send on a full buffer); what changes is
// the event shape, which becomes a CloudEvents envelope instead of a
// flat {Type, Message, Metadata} struct.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is one of the canonical outbox event types named in §4.6.
type EventType string

const (
	EventSchemaChanged    EventType = "schema.changed"
	EventSchemaReverted   EventType = "schema.reverted"
	EventBranchCreated    EventType = "branch.created"
	EventMergeCompleted   EventType = "merge.completed"
	EventIndexSwitched    EventType = "index.switched"
	EventLockAcquired     EventType = "lock.acquired"
	EventLockReleased     EventType = "lock.released"
	EventLockAutoReleased EventType = "lock.auto_released"
)

// Envelope is a CloudEvents v1.0 JSON envelope: required fields
// {specversion, id, source, type, time}; domain data in Data.
type Envelope struct {
	SpecVersion string          `json:"specversion"`
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Type        string          `json:"type"`
	Time        time.Time       `json:"time"`
	Data        json.RawMessage `json:"data"`
}

// NewEnvelope builds a CloudEvents envelope. data MUST include at least
// branch and commit_hash per §6, which is the caller's responsibility to
// set on the marshaled payload.
func NewEnvelope(source string, eventType EventType, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		SpecVersion: "1.0",
		ID:          uuid.NewString(),
		Source:      source,
		Type:        string(eventType),
		Time:        time.Now().UTC(),
		Data:        raw,
	}, nil
}

// Validate checks the envelope carries the CloudEvents-required fields;
// a malformed message is NAKed to the parse-DLQ per §4.6.
func (e *Envelope) Validate() error {
	if e.SpecVersion != "1.0" {
		return errInvalidEnvelope("specversion")
	}
	if e.ID == "" {
		return errInvalidEnvelope("id")
	}
	if e.Source == "" {
		return errInvalidEnvelope("source")
	}
	if e.Type == "" {
		return errInvalidEnvelope("type")
	}
	if e.Time.IsZero() {
		return errInvalidEnvelope("time")
	}
	return nil
}

type envelopeError struct{ field string }

func (e *envelopeError) Error() string { return "events: envelope missing required field " + e.field }

func errInvalidEnvelope(field string) error { return &envelopeError{field: field} }

// Subscriber is a channel that receives published envelopes.
type Subscriber chan *Envelope

// Broker fans out published envelopes to every active subscriber,
// following the teacher's non-blocking broadcast pattern: a subscriber
// whose buffer is full misses the event rather than stalling the
// publisher, which is acceptable here because durability lives in the
// outbox row, not the broker delivery.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Envelope
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Envelope, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an envelope to all subscribers.
func (b *Broker) Publish(env *Envelope) {
	select {
	case b.eventCh <- env:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case env := <-b.eventCh:
			b.broadcast(env)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(env *Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- env:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
