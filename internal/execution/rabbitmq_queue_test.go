package execution

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	xerrors "reev-harness/internal/errors"
)

func TestSettleDelivery(t *testing.T) {
	storage := xerrors.New(xerrors.CodeStorageFailure, "mark execution failed")
	cases := []struct {
		name        string
		err         error
		redelivered bool
		want        deliveryAction
	}{
		{"handled", nil, false, deliveryAck},
		{"handled after redelivery", nil, true, deliveryAck},
		{"retryable first delivery", storage, false, deliveryRequeue},
		{"retryable redelivery", storage, true, deliveryReject},
		{"permanent", xerrors.New(xerrors.CodeNoSessionsFound, "no sessions"), false, deliveryReject},
		{"uncoded", errors.New("boom"), false, deliveryReject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, settle(tc.err, tc.redelivered))
		})
	}
}

func TestExecutionMessage(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	msg := executionMessage("exec_swap_then_lend_1761359959000", now)
	require.Equal(t, "exec_swap_then_lend_1761359959000", msg.MessageId)
	require.Equal(t, []byte(msg.MessageId), msg.Body)
	require.Equal(t, executionMessageType, msg.Type)
	require.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	require.Equal(t, now.UTC(), msg.Timestamp)
}

func TestQueueArgsDeadLetter(t *testing.T) {
	require.Nil(t, queueArgs(RabbitMQConfig{}))
	require.Equal(t, amqp.Table{"x-dead-letter-exchange": "reev.dead"}, queueArgs(RabbitMQConfig{DeadLetterExchange: "reev.dead"}))
}
