// Package zap adapts go.uber.org/zap to the tokenstandard log.Logger interface.
//
// Every entry is teed into the OpenTelemetry log bridge and carries the
// active trace and span identifiers when the context holds a span.
package zap
