// Package outbox delivers the events committed by ledger units of work.
//
// Events are written to the outbox in the same commit as the contracts that
// produced them. A Dispatcher then claims them in batches, hands each one to
// the handler registered for its type and records the result. Delivery is
// at-least-once: an event whose PUBLISHED state fails to persist is
// published again on a later cycle, so consumers must be idempotent.
package outbox
