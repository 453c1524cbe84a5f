package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "reev-harness/internal/errors"
	"reev-harness/pkg/logger"
)

const executionMessageType = "reev.flow_execution"

// RabbitMQConfig describes the RabbitMQ queue carrying execution ids.
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool

	// DeadLetterExchange receives executions whose handler failed for good.
	DeadLetterExchange string
}

// RabbitMQQueue publishes execution ids and consumes them with manual ack.
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	now   func() time.Time
}

// NewRabbitMQQueue dials the broker and declares the execution queue.
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "rabbitmq url is empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "reev.executions"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "connect rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "open rabbitmq channel")
	}
	fail := func(err error, msg string) (*RabbitMQQueue, error) {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, msg)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail(err, "set rabbitmq qos")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, queueArgs(cfg)); err != nil {
		return fail(err, "declare rabbitmq queue")
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, now: time.Now}, nil
}

func queueArgs(cfg RabbitMQConfig) amqp.Table {
	if cfg.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": cfg.DeadLetterExchange}
}

// Publish sends executionID as a persistent message.
func (q *RabbitMQQueue) Publish(ctx context.Context, executionID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "rabbitmq queue not initialized")
	}
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, executionMessage(executionID, q.now()))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish execution",
			xerrors.WithMetadata(logger.KeyExecutionID, executionID))
	}
	return nil
}

func executionMessage(executionID string, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    executionID,
		Type:         executionMessageType,
		Timestamp:    now.UTC(),
		Body:         []byte(executionID),
	}
}

// deliveryAction is what a consumer does with a message after its handler ran.
type deliveryAction int

const (
	deliveryAck deliveryAction = iota
	deliveryRequeue
	deliveryReject
)

// settle decides the fate of a delivery. A retryable failure goes back to the
// queue once; any other failure, or a second one, is rejected to the dead
// letter exchange. The execution row keeps the failure either way.
func settle(handlerErr error, redelivered bool) deliveryAction {
	switch {
	case handlerErr == nil:
		return deliveryAck
	case xerrors.RetryableError(handlerErr) && !redelivered:
		return deliveryRequeue
	default:
		return deliveryReject
	}
}

// Consume delivers messages to workerCount workers until ctx is done.
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "rabbitmq queue not initialized")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "subscribe rabbitmq queue")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.deliver(ctx, msg, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	executionID := msg.MessageId
	if executionID == "" {
		executionID = string(msg.Body)
	}
	err := handler(ctx, executionID)
	switch settle(err, msg.Redelivered) {
	case deliveryAck:
		_ = msg.Ack(false)
	case deliveryRequeue:
		logger.L().Warn("requeueing execution", slog.String(logger.KeyExecutionID, executionID), slog.Any("error", err))
		_ = msg.Nack(false, true)
	case deliveryReject:
		logger.L().Error("rejecting execution", slog.String(logger.KeyExecutionID, executionID),
			slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
		_ = msg.Nack(false, false)
	}
}

// Close closes the channel and the connection.
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
