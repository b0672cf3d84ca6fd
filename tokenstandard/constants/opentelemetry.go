package constant

// TelemetrySDKName identifies this library in OTEL telemetry resource attributes.
const TelemetrySDKName = "lib-tokenstandard/opentelemetry"

// MaxMetricLabelLength is the maximum length for metric labels to prevent cardinality explosion.
const MaxMetricLabelLength = 64

// Telemetry attribute keys.
const (
	AttrPrefixAppRequest = "app.request."
	AttrPrefixAssertion  = "assertion."
	AttrPrefixPanic      = "panic."

	AttrDBSystem   = "db.system"
	AttrDBName     = "db.name"
	AttrContractID = "tokenstandard.contract_id"
	AttrTemplateID = "tokenstandard.template_id"
	AttrParty      = "tokenstandard.party"
	AttrOutcome    = "tokenstandard.outcome"
)

// Database system identifiers used as values for AttrDBSystem.
const (
	DBSystemPostgreSQL = "postgresql"
	DBSystemRedis      = "redis"
	DBSystemRabbitMQ   = "rabbitmq"
)

// Telemetry metric names.
const (
	MetricPanicRecoveredTotal  = "panic_recovered_total"
	MetricAssertionFailedTotal = "assertion_failed_total"
)

// Telemetry event names.
const (
	EventAssertionFailed = "assertion.failed"
	EventPanicRecovered  = "panic.recovered"
)

// SanitizeMetricLabel truncates a label value to MaxMetricLabelLength
// to prevent metric cardinality explosion in OTEL backends.
func SanitizeMetricLabel(value string) string {
	if len(value) > MaxMetricLabelLength {
		return value[:MaxMetricLabelLength]
	}

	return value
}
