// Package postgres manages the primary and replica connections backing the
// persistent ledger and outbox, and applies the embedded schema migrations.
package postgres
