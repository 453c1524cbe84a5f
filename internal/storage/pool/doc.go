// Package pool provides a bounded pool of exclusive database connections
// over SQLite or MySQL.
//
// A Pool grows lazily up to MaxConnections. The schema initializer passed via
// WithSchema runs exactly once per Pool, on its first connection, even when
// many callers acquire concurrently. Callers that find the pool at capacity
// wait until a connection is released or the acquire timeout expires, which
// yields a POOL_EXHAUSTED error.
package pool
