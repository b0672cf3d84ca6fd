// Package tokenstandard holds the process-level plumbing shared by every
// service built on the token standard packages: the app launcher, request
// context helpers, environment configuration and business error mapping.
//
// The domain lives in subpackages: ledger, token, transfer, command,
// allocation, settlement, choicecontext and registry.
package tokenstandard
