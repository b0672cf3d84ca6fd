// Package offledger serves the registry's off-ledger API: registry metadata,
// instrument listings and the choice contexts wallets and apps attach to
// their ledger submissions.
package offledger
