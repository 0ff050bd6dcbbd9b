package producer

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinPartitioner(t *testing.T) {
	p := NewRoundRobinPartitioner("events")

	var got []int32
	for i := 0; i < 7; i++ {
		idx, err := p.Partition(&Message{Topic: "events"}, 3)
		require.NoError(t, err)
		got = append(got, idx)
	}
	require.Equal(t, []int32{0, 1, 2, 0, 1, 2, 0}, got)
	require.False(t, p.RequiresConsistency())
}

func TestRoundRobinPartitionerShrinkingTopic(t *testing.T) {
	p := NewRoundRobinPartitioner("events")

	for i := 0; i < 5; i++ {
		_, err := p.Partition(&Message{Topic: "events"}, 6)
		require.NoError(t, err)
	}

	// partition count went down, the cursor must wrap instead of
	// pointing past the end
	idx, err := p.Partition(&Message{Topic: "events"}, 2)
	require.NoError(t, err)
	require.True(t, idx >= 0 && idx < 2)
}

func TestHashPartitionerConsistency(t *testing.T) {
	p := NewHashPartitioner("events")
	require.True(t, p.RequiresConsistency())

	msg := &Message{Topic: "events"}
	StrKey("rider-42")(msg)

	first, err := p.Partition(msg, 12)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		idx, err := p.Partition(msg, 12)
		require.NoError(t, err)
		require.Equal(t, first, idx)
	}
}

func TestHashPartitionerMatchesJVMPlacement(t *testing.T) {
	// Expected placements generated offline using the JVM Kafka
	// client: partition = toPositive(murmur2(key)) % numPartitions.
	cases := []struct {
		key       string
		partition int32
	}{
		{"21", 1173551340 % 12},
		{"foobar", 1357151166 % 12},
		{"a-little-bit-long-string", 1161502112 % 12},
		{"a-little-bit-longer-string", 661178819 % 12},
	}

	p := NewHashPartitioner("events")
	for _, c := range cases {
		msg := &Message{Topic: "events"}
		StrKey(c.key)(msg)

		idx, err := p.Partition(msg, 12)
		require.NoError(t, err)
		require.Equal(t, c.partition, idx, "key %q", c.key)
	}
}

func TestHashPartitionerKeylessFallsBackToRoundRobin(t *testing.T) {
	p := NewHashPartitioner("events")

	var got []int32
	for i := 0; i < 4; i++ {
		idx, err := p.Partition(&Message{Topic: "events"}, 2)
		require.NoError(t, err)
		got = append(got, idx)
	}
	require.Equal(t, []int32{0, 1, 0, 1}, got)
}

func TestPartitionerNoPartitions(t *testing.T) {
	for name, p := range map[string]Partitioner{
		"hash":       NewHashPartitioner("events"),
		"roundRobin": NewRoundRobinPartitioner("events"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Partition(&Message{Topic: "events"}, 0)
			require.Equal(t, ErrNoPartitions, errors.Cause(err))
		})
	}
}
