package producer

import (
	"time"

	retry "gopkg.in/retry.v1"

	"github.com/quillmq/quill/codec"
	"github.com/quillmq/quill/transport"
)

// Acknowledgement levels, re-exported so callers don't need to import
// the transport package.
const (
	// NoResponse considers a message delivered as soon as it is written
	// to the connection.
	NoResponse = transport.NoResponse
	// WaitForLeader waits for the partition leader to append the
	// message to its log.
	WaitForLeader = transport.WaitForLeader
	// WaitForAll waits for every in-sync replica to replicate the
	// message.
	WaitForAll = transport.WaitForAll
)

// Compression codecs, re-exported from the transport package.
const (
	CompressionNone   = transport.CompressionNone
	CompressionGzip   = transport.CompressionGzip
	CompressionSnappy = transport.CompressionSnappy
)

// Config is used to configure the Producer.
type Config struct {
	// Brokers is the bootstrap address list.
	Brokers []string

	// ClientID identifies this producer to the brokers.
	ClientID string

	// Dialer establishes broker connections. Required.
	Dialer transport.Dialer

	// Sync makes Send block until the message is acknowledged or has
	// terminally failed. Batching is bypassed: each message is
	// transmitted as soon as it is routed.
	Sync bool

	// RequiredAcks is the acknowledgement level requested from the
	// brokers. Defaults to WaitForAll.
	RequiredAcks transport.RequiredAcks

	// Compression applied to record sets on the wire.
	Compression transport.Compression

	// BatchSize is the number of messages that triggers a flush.
	// Defaults to 16.
	BatchSize int

	// MaxBatchBytes is the total encoded payload size that triggers a
	// flush. Defaults to 1 MB.
	MaxBatchBytes int

	// Linger is how long an incomplete batch may wait for company
	// before being flushed anyway. Defaults to 100ms.
	Linger time.Duration

	// MaxRetries is how many times a transiently failed message is
	// retried before it is failed for good, so a message is attempted
	// at most 1+MaxRetries times. Defaults to 3.
	MaxRetries int

	// Backoff is the wait strategy between attempts for a message.
	// Defaults to exponential backoff with jitter.
	Backoff retry.Strategy

	// MaxMessageBytes is the largest encoded message (key, body and
	// headers) the producer accepts. Defaults to 1000000.
	MaxMessageBytes int

	// AckTimeout bounds a single produce round-trip. A request still
	// unanswered after this long counts as a failed attempt.
	// Defaults to 10 seconds.
	AckTimeout time.Duration

	// DialTimeout bounds a single connection attempt.
	// Defaults to 30 seconds.
	DialTimeout time.Duration

	// CloseTimeout bounds how long Close waits for buffered messages
	// to drain before failing them. Defaults to 30 seconds.
	CloseTimeout time.Duration

	// ChannelBufferSize is the depth of the internal pipeline
	// channels. Defaults to 256.
	ChannelBufferSize int

	// Codec used to encode message bodies that don't implement
	// codec.Encoder themselves. Defaults to codec.JSON().
	Codec codec.Codec

	// NewPartitioner builds the partitioner used for each topic.
	// Defaults to NewPartitioner: keyed messages are hashed, keyless
	// ones are spread round-robin.
	NewPartitioner PartitionerConstructor

	// OnDeliveryError, when set, is called from the producer's
	// internal goroutines with each delivery failure instead of the
	// failure being published on the Errors channel.
	OnDeliveryError func(*DeliveryError)
}

// NewConfig creates a config with sane defaults.
func NewConfig(clientID string, addrs ...string) Config {
	return Config{
		Brokers:           addrs,
		ClientID:          clientID,
		RequiredAcks:      transport.WaitForAll, // wait for all in-sync replicas to ack the message
		Compression:       transport.CompressionNone,
		BatchSize:         16,
		MaxBatchBytes:     1 << 20,
		Linger:            100 * time.Millisecond,
		MaxRetries:        3, // retry up to 3 times to produce the message
		MaxMessageBytes:   1000000,
		AckTimeout:        10 * time.Second,
		DialTimeout:       30 * time.Second,
		CloseTimeout:      30 * time.Second,
		ChannelBufferSize: 256,
		Codec:             codec.JSON(),
		NewPartitioner:    NewPartitioner,
		Backoff: retry.Exponential{
			Initial:  250 * time.Millisecond,
			Factor:   2,
			MaxDelay: 5 * time.Second,
			Jitter:   true,
		},
	}
}

// Validate returns a ConfigurationError describing the first invalid
// field it finds, if any.
func (c *Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return ConfigurationError("at least one broker address is required")
	case c.Dialer == nil:
		return ConfigurationError("a transport dialer is required")
	}
	return c.validatePipeline()
}

// validatePipeline checks the fields that matter even when the broker
// connections are managed by a shared cluster client.
func (c *Config) validatePipeline() error {
	switch {
	case c.ClientID == "":
		return ConfigurationError("a client id is required")
	case c.BatchSize <= 0:
		return ConfigurationError("BatchSize must be at least 1")
	case c.MaxBatchBytes <= 0:
		return ConfigurationError("MaxBatchBytes must be positive")
	case c.Linger < 0:
		return ConfigurationError("Linger must not be negative")
	case c.MaxRetries < 0:
		return ConfigurationError("MaxRetries must not be negative")
	case c.MaxMessageBytes <= 0:
		return ConfigurationError("MaxMessageBytes must be positive")
	case c.AckTimeout <= 0:
		return ConfigurationError("AckTimeout must be positive")
	case c.ChannelBufferSize <= 0:
		return ConfigurationError("ChannelBufferSize must be positive")
	case c.Codec == nil:
		return ConfigurationError("a body codec is required")
	case c.NewPartitioner == nil:
		return ConfigurationError("a partitioner constructor is required")
	case c.Backoff == nil:
		return ConfigurationError("a backoff strategy is required")
	}

	switch c.RequiredAcks {
	case transport.NoResponse, transport.WaitForLeader, transport.WaitForAll:
	default:
		return ConfigurationError("RequiredAcks must be one of NoResponse, WaitForLeader or WaitForAll")
	}

	switch c.Compression {
	case transport.CompressionNone, transport.CompressionGzip, transport.CompressionSnappy:
	default:
		return ConfigurationError("unsupported compression codec")
	}

	return nil
}
