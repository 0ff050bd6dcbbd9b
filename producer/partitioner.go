package producer

import (
	"hash"

	"github.com/pkg/errors"
)

// Partitioner picks the partition a message is routed to. The index
// returned must be in [0, numPartitions).
type Partitioner interface {
	// Partition returns the index of the partition msg should go to,
	// given that the topic currently has numPartitions partitions.
	Partition(msg *Message, numPartitions int32) (int32, error)

	// RequiresConsistency reports whether the mapping of key to
	// partition is stable. A consistent partitioner sends messages
	// carrying the same key to the same partition as long as the
	// partition count does not change.
	RequiresConsistency() bool
}

// PartitionerConstructor builds a Partitioner for the given topic.
type PartitionerConstructor func(topic string) Partitioner

type roundRobinPartitioner struct {
	next int32
}

// NewRoundRobinPartitioner creates a Partitioner that cycles through
// the partitions of a topic, ignoring message keys.
func NewRoundRobinPartitioner(topic string) Partitioner {
	return new(roundRobinPartitioner)
}

func (p *roundRobinPartitioner) Partition(msg *Message, numPartitions int32) (int32, error) {
	if numPartitions <= 0 {
		return -1, errors.WithStack(ErrNoPartitions)
	}
	if p.next >= numPartitions {
		p.next = 0
	}
	choice := p.next
	p.next++
	return choice, nil
}

func (p *roundRobinPartitioner) RequiresConsistency() bool { return false }

type hashPartitioner struct {
	hasher     hash.Hash32
	roundRobin Partitioner
}

// NewHashPartitioner creates a Partitioner that routes keyed messages
// by the murmur2 hash of their encoded key, matching the placement of
// JVM Kafka clients, and falls back to round-robin for keyless
// messages.
func NewHashPartitioner(topic string) Partitioner {
	return &hashPartitioner{
		hasher:     MurmurHasher(),
		roundRobin: NewRoundRobinPartitioner(topic),
	}
}

func (p *hashPartitioner) Partition(msg *Message, numPartitions int32) (int32, error) {
	if numPartitions <= 0 {
		return -1, errors.WithStack(ErrNoPartitions)
	}
	if msg.Key == nil {
		return p.roundRobin.Partition(msg, numPartitions)
	}

	key, err := msg.Key.Encode()
	if err != nil {
		return -1, errors.Wrap(err, "failed to encode message key")
	}
	p.hasher.Reset()
	if _, err := p.hasher.Write(key); err != nil {
		return -1, errors.Wrap(err, "failed to hash message key")
	}
	return int32(p.hasher.Sum32()) % numPartitions, nil
}

func (p *hashPartitioner) RequiresConsistency() bool { return true }

// NewPartitioner is the default PartitionerConstructor.
var NewPartitioner PartitionerConstructor = NewHashPartitioner
