package producer

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrRetriesExhausted is the terminal failure of a message whose
	// every transmission attempt hit a transient error. The caller
	// observes exactly 1 + MaxRetries attempts before it.
	ErrRetriesExhausted = errors.New("producer: retries exhausted")

	// ErrNoPartitions is returned while a topic exists but has no
	// partitions to route to. It is transient: a metadata refresh may
	// reveal newly created partitions.
	ErrNoPartitions = errors.New("producer: topic has no partitions")

	// ErrProducerClosed is returned by Send after Close has been
	// called, and attached to messages abandoned by a timed-out close.
	ErrProducerClosed = errors.New("producer: producer is closed")
)

// ConfigurationError is a fatal error raised at construction when the
// configuration is invalid.
type ConfigurationError string

func (e ConfigurationError) Error() string {
	return "producer: invalid configuration: " + string(e)
}

// MessageTooLargeError is a fatal per-message error: the encoded
// message exceeds MaxMessageBytes and is never retried.
type MessageTooLargeError struct {
	Size  int
	Limit int
}

func (e MessageTooLargeError) Error() string {
	return fmt.Sprintf("producer: message of %d bytes exceeds the %d byte limit", e.Size, e.Limit)
}

// SerializationError is a fatal per-message error: the key or body
// could not be encoded.
type SerializationError struct {
	Err error
}

func (e SerializationError) Error() string {
	return "producer: failed to encode message: " + e.Err.Error()
}

func (e SerializationError) Unwrap() error { return e.Err }

// DeliveryError is the error reported when a message could not be
// delivered. It carries the original message so asynchronous callers
// can tell which send failed.
type DeliveryError struct {
	Msg *Message
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("producer: failed to deliver message to topic %s: %s", e.Msg.Topic, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DeliveryErrors wraps the delivery failures left over when a producer
// is closed without its Errors channel having been drained.
type DeliveryErrors []*DeliveryError

func (e DeliveryErrors) Error() string {
	return fmt.Sprintf("producer: failed to deliver %d messages", len(e))
}
