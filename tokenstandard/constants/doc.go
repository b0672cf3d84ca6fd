// Package constant holds the shared error codes, limits and telemetry keys
// used across the token standard packages.
package constant
