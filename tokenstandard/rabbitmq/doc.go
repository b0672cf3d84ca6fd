// Package rabbitmq publishes settlement events to a topic exchange with
// publisher confirms. A Publisher is registered as an outbox handler so each
// committed event reaches the broker at least once.
package rabbitmq
