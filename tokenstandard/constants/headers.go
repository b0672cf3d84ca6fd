package constant

const (
	// HeaderUserAgent is the HTTP User-Agent header key.
	HeaderUserAgent = "User-Agent"
	// HeaderID is the request identifier header key.
	HeaderID = "X-Request-Id"
	// HeaderParty carries the submitting party on off-ledger factory requests.
	HeaderParty = "X-Party"
	// HeaderContentType is the HTTP Content-Type header key.
	HeaderContentType = "Content-Type"
	// DefaultErrorTitle is used when a transport error carries no title.
	DefaultErrorTitle = "request_failed"
)
