package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
)

// DeclareWorkQueue declares a durable, shared queue. Declaring an existing
// queue with the same arguments is a no-op on the broker.
func DeclareWorkQueue(ch Channel, name string) (amqp.Queue, error) {
	if name == "" {
		return amqp.Queue{}, errspkg.ErrQueueRequired
	}
	q, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, &errspkg.ConnectionError{Err: fmt.Errorf("declare queue %q: %w", name, err)}
	}
	return q, nil
}

// DeclareReplyQueue declares a broker-named, exclusive, auto-delete queue.
func DeclareReplyQueue(ch Channel) (amqp.Queue, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return amqp.Queue{}, &errspkg.ConnectionError{Err: fmt.Errorf("declare reply queue: %w", err)}
	}
	return q, nil
}
