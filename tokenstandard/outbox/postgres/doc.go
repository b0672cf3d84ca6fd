// Package postgres implements outbox.Repository over the outbox_events table
// written by the ledger's Postgres store. Claims use SELECT ... FOR UPDATE
// SKIP LOCKED, so several dispatchers can share one table.
package postgres
