// Package opentelemetry bootstraps tracing, metrics and log export and
// provides span helpers and trace-context propagation for HTTP and AMQP.
package opentelemetry
