/*
Package events provides an in-memory CloudEvents broker for the outbox
publisher and subscriber.

The events package implements a lightweight event bus broadcasting
CloudEvents v1.0 envelopes to interested subscribers, with non-blocking
buffered delivery so a slow or absent subscriber never stalls the
publisher. Durability lives in the outbox row (pkg/outbox), not in this
broker: a dropped broadcast is recovered the next time the publisher
polls PENDING rows.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  Publisher ──Publish(envelope)──▶ eventCh (buffered 100)  │
	│                                        │                  │
	│                                        ▼                  │
	│                                    broadcast()            │
	│                                   ╱     │     ╲            │
	│                            subscriber subscriber subscriber│
	│                            (buffered 50 each, drop on full)│
	└────────────────────────────────────────────────────────────┘

# Envelope

Envelope is the CloudEvents v1.0 JSON shape required by §6: specversion,
id, source, type, time, and a data payload specific to the event type
(schema.changed, branch.created, merge.completed, index.switched,
lock.acquired, lock.released, lock.auto_released, schema.reverted).
*/
package events
