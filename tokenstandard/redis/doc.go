// Package redis wraps go-redis with lazy reconnection and offers a redsync
// based distributed lock. The registry uses the client to cache choice
// contexts and the lock to elect the single janitor that sweeps expired
// instructions.
//
// Connections authenticate with a static password or, when GCPIAM is set,
// with short-lived access tokens for a GCP service account. Tokens are
// renewed in the background and a replacement client is swapped in only
// after it answers a ping.
package redis
