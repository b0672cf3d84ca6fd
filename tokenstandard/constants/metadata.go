package constant

// Metadata limits. Exceeding either is a rejected operation, never a truncation.
const (
	// MaxMetadataEntries is the maximum number of key/value pairs in one metadata object.
	MaxMetadataEntries = 128
	// MaxMetadataChars is the maximum total length of all keys and values combined.
	MaxMetadataChars = 8192
)

// Well-known metadata keys written by the state machines.
const (
	MetadataReason = "tokenstandard/reason"
	MetadataTxKind = "tokenstandard/tx-kind"
	MetadataSender = "tokenstandard/sender"
	MetadataBurned = "tokenstandard/burned"
)
