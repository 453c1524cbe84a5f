// Package wallet holds the wallet context threaded between flow steps and
// the providers that snapshot it from a Solana JSON-RPC endpoint.
package wallet
