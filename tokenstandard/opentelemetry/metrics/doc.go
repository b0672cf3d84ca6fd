// Package metrics provides a cached OpenTelemetry instrument factory and the
// domain recorders for transfers, commands, allocations and settlements.
package metrics
