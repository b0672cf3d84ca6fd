// Package runtime provides panic recovery for goroutines and handlers.
//
// Recovered panics are logged, recorded as span events and counted through
// the panic metric so background workers never die silently.
package runtime
