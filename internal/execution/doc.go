// Package execution queues flow plans and runs them in the background.
// Executions are persisted in a Store, handed out through a Queue (memory,
// Redis or RabbitMQ) and run by a Processor that retries retryable failures
// under a fresh run id.
package execution
