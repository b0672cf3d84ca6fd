// Package http provides the Fiber helpers shared by the off-ledger API:
// response rendering, business error mapping, opaque cursor pagination,
// body validation and access logging.
package http
