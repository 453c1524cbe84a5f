package execution

import "context"

// Handler processes one execution id taken from a queue.
type Handler func(ctx context.Context, executionID string) error

// Producer publishes execution ids.
type Producer interface {
	Publish(ctx context.Context, executionID string) error
	Close() error
}

// Consumer delivers execution ids to a handler.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends of an execution queue.
type Queue interface {
	Producer
	Consumer
}
