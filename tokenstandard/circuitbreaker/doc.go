// Package circuitbreaker keeps one breaker per downstream service so callers
// that reach the same off-ledger endpoint share its failure history.
//
// Breakers are created lazily with GetOrCreate and exercised through
// Manager.Execute. An open breaker fails fast with ErrOpen.
package circuitbreaker
