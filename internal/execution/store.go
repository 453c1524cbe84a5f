package execution

import "context"

// Store persists execution state across attempts.
type Store interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// Claim moves a pending or retryable execution to running and counts the attempt.
	Claim(ctx context.Context, id string) (*Execution, error)
	MarkSucceeded(ctx context.Context, id string, summary Summary) error
	// MarkFailed records a failed attempt. A terminal failure exhausts the retries.
	MarkFailed(ctx context.Context, id string, failure Failure) error
	List(ctx context.Context, opts ListOptions) ([]*Execution, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
