package transport

import (
	"context"
	"time"
)

// Dialer establishes connections to brokers. Implementations provide
// the wire protocol; the producer and cluster packages only ever talk
// to brokers through this interface.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Conn is a single connection to one broker. Implementations need not
// be safe for concurrent use: callers serialize access to a Conn, as
// interleaved partial writes would corrupt the wire framing.
type Conn interface {
	// Metadata returns the cluster topology known to the broker.
	Metadata(ctx context.Context, req *MetadataRequest) (*MetadataResponse, error)

	// Produce appends the record sets carried by the request and reports
	// a per-partition result. When the request asks for no
	// acknowledgement the response carries no results and the call
	// returns as soon as the request has been written.
	Produce(ctx context.Context, req *ProduceRequest) (*ProduceResponse, error)

	Close() error
}

// RequiredAcks is the level of acknowledgement the broker must reach
// before answering a produce request.
type RequiredAcks int16

const (
	// NoResponse doesn't wait for any broker acknowledgement.
	NoResponse RequiredAcks = 0
	// WaitForLeader waits for the leader's local write only.
	WaitForLeader RequiredAcks = 1
	// WaitForAll waits until every in-sync replica has the write.
	WaitForAll RequiredAcks = -1
)

// MetadataRequest asks a broker for the leadership map of the given
// topics. An empty topic list requests every known topic.
type MetadataRequest struct {
	ClientID string
	Topics   []string
}

// BrokerMetadata identifies one broker of the cluster.
type BrokerMetadata struct {
	ID   int32
	Addr string
}

// PartitionMetadata describes one partition of a topic. Leader is -1
// when the partition currently has no leader.
type PartitionMetadata struct {
	ID       int32
	Leader   int32
	Replicas []int32
	ISR      []int32
}

// TopicMetadata describes one topic. Err is set when the broker could
// not serve metadata for the topic.
type TopicMetadata struct {
	Name       string
	Err        Code
	Partitions []PartitionMetadata
}

// MetadataResponse is the broker's view of the cluster.
type MetadataResponse struct {
	Brokers []BrokerMetadata
	Topics  []TopicMetadata
}

// ProduceRequest carries one or more record sets to a broker.
type ProduceRequest struct {
	ClientID     string
	RequiredAcks RequiredAcks
	Timeout      time.Duration
	Sets         []*RecordSet
}

// PartitionResult is the broker's verdict for one record set.
type PartitionResult struct {
	Topic      string
	Partition  int32
	Err        Code
	BaseOffset int64
}

// ProduceResponse answers a ProduceRequest. Requests sent with
// NoResponse acks produce an empty response.
type ProduceResponse struct {
	Results []PartitionResult
}

// Result returns the result for the given topic-partition, or nil if
// the response is missing it.
func (r *ProduceResponse) Result(topic string, partition int32) *PartitionResult {
	for i := range r.Results {
		res := &r.Results[i]
		if res.Topic == topic && res.Partition == partition {
			return res
		}
	}
	return nil
}
