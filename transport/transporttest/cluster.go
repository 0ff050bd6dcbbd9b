// Package transporttest provides an in-memory broker cluster
// implementing the transport boundary, intended for running producer
// tests without a real broker. The cluster keeps a per-partition record
// log, checks leadership the way a real broker would, and can be
// scripted to fail produce attempts, move partition leadership or hold
// back replication acknowledgements.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/quillmq/quill/transport"
)

// Cluster is a fake broker cluster. All methods are safe for
// concurrent use.
type Cluster struct {
	mu      sync.Mutex
	brokers []transport.BrokerMetadata
	byAddr  map[string]int32
	topics  map[string][]*partition

	dialErrs map[string]error
	metaErrs []error

	openConns int
	dials     int
}

type partition struct {
	id       int32
	leader   int32
	log      []transport.Record
	failures []transport.Code
	attempts int
	repl     *replicationHold
}

type replicationHold struct {
	released chan struct{}
}

// NewCluster creates a cluster of n brokers hosting the given topics,
// each with the given number of partitions. Leadership is spread
// round-robin across the brokers.
func NewCluster(n int, topics map[string]int32) *Cluster {
	c := &Cluster{
		byAddr:   make(map[string]int32),
		topics:   make(map[string][]*partition),
		dialErrs: make(map[string]error),
	}
	for i := 0; i < n; i++ {
		id := int32(i + 1)
		addr := fmt.Sprintf("broker-%d.test:9092", id)
		c.brokers = append(c.brokers, transport.BrokerMetadata{ID: id, Addr: addr})
		c.byAddr[addr] = id
	}
	for name, count := range topics {
		c.addTopicLocked(name, count)
	}
	return c
}

func (c *Cluster) addTopicLocked(name string, count int32) {
	parts := make([]*partition, count)
	for i := int32(0); i < count; i++ {
		parts[i] = &partition{
			id:     i,
			leader: c.brokers[int(i)%len(c.brokers)].ID,
		}
	}
	c.topics[name] = parts
}

// AddTopic registers a topic after cluster creation. Zero partitions
// is allowed, to exercise the no-partitions path.
func (c *Cluster) AddTopic(name string, partitions int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addTopicLocked(name, partitions)
}

// Addrs returns the bootstrap address list of the cluster.
func (c *Cluster) Addrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]string, len(c.brokers))
	for i, b := range c.brokers {
		addrs[i] = b.Addr
	}
	return addrs
}

// Dialer returns a transport.Dialer connecting to this cluster.
func (c *Cluster) Dialer() transport.Dialer {
	return dialer{c}
}

// OpenConns reports the number of currently open connections.
func (c *Cluster) OpenConns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openConns
}

// Dials reports how many connections have ever been established.
func (c *Cluster) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Records returns a copy of the record log of a partition, in the
// order the broker accepted the records.
func (c *Cluster) Records(topic string, part int32) []transport.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.topics[topic][part]
	out := make([]transport.Record, len(p.log))
	copy(out, p.log)
	return out
}

// ProduceAttempts reports how many produce attempts a partition has
// seen, including failed ones.
func (c *Cluster) ProduceAttempts(topic string, part int32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic][part].attempts
}

// FailProduce scripts the next times produce attempts against the
// partition to fail with the given code.
func (c *Cluster) FailProduce(topic string, part int32, code transport.Code, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.topics[topic][part]
	for i := 0; i < times; i++ {
		p.failures = append(p.failures, code)
	}
}

// FailDial makes connection attempts to addr fail with err until
// cleared with a nil err.
func (c *Cluster) FailDial(addr string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.dialErrs, addr)
		return
	}
	c.dialErrs[addr] = err
}

// FailMetadata scripts the next metadata request to fail with err.
func (c *Cluster) FailMetadata(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metaErrs = append(c.metaErrs, err)
}

// Leader returns the current leader broker id of a partition.
func (c *Cluster) Leader(topic string, part int32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic][part].leader
}

// MoveLeader reassigns partition leadership to the next broker.
// Produce requests reaching the old leader fail with CodeNotLeader
// until the producer refreshes its metadata.
func (c *Cluster) MoveLeader(topic string, part int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.topics[topic][part]
	for i, b := range c.brokers {
		if b.ID == p.leader {
			p.leader = c.brokers[(i+1)%len(c.brokers)].ID
			return
		}
	}
}

// HoldReplication makes produce requests that ask for WaitForAll acks
// block until ReleaseReplication is called, simulating a leader that
// has accepted a write locally but not yet replicated it.
func (c *Cluster) HoldReplication(topic string, part int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic][part].repl = &replicationHold{released: make(chan struct{})}
}

// ReleaseReplication unblocks produce requests held by
// HoldReplication.
func (c *Cluster) ReleaseReplication(topic string, part int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.topics[topic][part]
	if p.repl != nil {
		close(p.repl.released)
		p.repl = nil
	}
}

type dialer struct {
	c *Cluster
}

func (d dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dialErrs[addr]; err != nil {
		return nil, err
	}
	id, ok := c.byAddr[addr]
	if !ok {
		return nil, errors.Errorf("no broker at %s", addr)
	}
	c.openConns++
	c.dials++
	return &conn{cluster: c, brokerID: id}, nil
}

type conn struct {
	cluster  *Cluster
	brokerID int32
	mu       sync.Mutex
	closed   bool
}

func (cn *conn) Close() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return nil
	}
	cn.closed = true
	cn.cluster.mu.Lock()
	cn.cluster.openConns--
	cn.cluster.mu.Unlock()
	return nil
}

func (cn *conn) Metadata(ctx context.Context, req *transport.MetadataRequest) (*transport.MetadataResponse, error) {
	c := cn.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.metaErrs) > 0 {
		err := c.metaErrs[0]
		c.metaErrs = c.metaErrs[1:]
		return nil, err
	}

	names := req.Topics
	if len(names) == 0 {
		for name := range c.topics {
			names = append(names, name)
		}
	}

	resp := &transport.MetadataResponse{Brokers: append([]transport.BrokerMetadata(nil), c.brokers...)}
	for _, name := range names {
		parts, ok := c.topics[name]
		if !ok {
			resp.Topics = append(resp.Topics, transport.TopicMetadata{Name: name, Err: transport.CodeUnknownTopic})
			continue
		}
		tm := transport.TopicMetadata{Name: name}
		for _, p := range parts {
			var replicas []int32
			for _, b := range c.brokers {
				replicas = append(replicas, b.ID)
			}
			tm.Partitions = append(tm.Partitions, transport.PartitionMetadata{
				ID:       p.id,
				Leader:   p.leader,
				Replicas: replicas,
				ISR:      replicas,
			})
		}
		resp.Topics = append(resp.Topics, tm)
	}
	return resp, nil
}

func (cn *conn) Produce(ctx context.Context, req *transport.ProduceRequest) (*transport.ProduceResponse, error) {
	resp := &transport.ProduceResponse{}
	for _, set := range req.Sets {
		res, hold := cn.produceSet(req, set)
		if hold != nil {
			// Simulated replication lag: the write is accepted locally but
			// the acknowledgement must wait for the in-sync set.
			select {
			case <-hold.released:
			case <-ctx.Done():
				res.Err = transport.CodeRequestTimedOut
			}
		}
		if req.RequiredAcks != transport.NoResponse {
			resp.Results = append(resp.Results, res)
		}
	}
	return resp, nil
}

func (cn *conn) produceSet(req *transport.ProduceRequest, set *transport.RecordSet) (transport.PartitionResult, *replicationHold) {
	c := cn.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	res := transport.PartitionResult{Topic: set.Topic, Partition: set.Partition}

	parts, ok := c.topics[set.Topic]
	if !ok || set.Partition < 0 || int(set.Partition) >= len(parts) {
		res.Err = transport.CodeUnknownTopic
		return res, nil
	}
	p := parts[set.Partition]
	p.attempts++

	if len(p.failures) > 0 {
		res.Err = p.failures[0]
		p.failures = p.failures[1:]
		return res, nil
	}
	if p.leader != cn.brokerID {
		res.Err = transport.CodeNotLeader
		return res, nil
	}

	recs, err := transport.UnmarshalRecords(set.Records, set.Compression)
	if err != nil {
		res.Err = transport.CodeInvalidRequest
		return res, nil
	}

	res.BaseOffset = int64(len(p.log))
	p.log = append(p.log, recs...)

	if req.RequiredAcks == transport.WaitForAll && p.repl != nil {
		return res, p.repl
	}
	return res, nil
}
