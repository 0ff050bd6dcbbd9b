package transporttest_test

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/pkg/errors"

	"github.com/quillmq/quill/transport"
	"github.com/quillmq/quill/transport/transporttest"
)

func dialBroker(c *qt.C, tc *transporttest.Cluster, addr string) transport.Conn {
	conn, err := tc.Dialer().Dial(context.Background(), addr)
	c.Assert(err, qt.IsNil)
	return conn
}

func produceRequest(c *qt.C, topic string, partition int32, acks transport.RequiredAcks, values ...string) *transport.ProduceRequest {
	recs := make([]transport.Record, len(values))
	for i, v := range values {
		recs[i] = transport.Record{Value: []byte(v)}
	}
	data, err := transport.MarshalRecords(recs, transport.CompressionNone)
	c.Assert(err, qt.IsNil)

	return &transport.ProduceRequest{
		ClientID:     "tester",
		RequiredAcks: acks,
		Sets: []*transport.RecordSet{{
			Topic:     topic,
			Partition: partition,
			Count:     len(recs),
			Records:   data,
		}},
	}
}

func TestClusterMetadata(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(3, map[string]int32{"events": 6})

	conn := dialBroker(c, tc, tc.Addrs()[0])
	defer conn.Close()

	resp, err := conn.Metadata(context.Background(), &transport.MetadataRequest{ClientID: "tester"})
	c.Assert(err, qt.IsNil)
	c.Assert(resp.Brokers, qt.HasLen, 3)
	c.Assert(resp.Topics, qt.HasLen, 1)
	c.Assert(resp.Topics[0].Partitions, qt.HasLen, 6)

	// leadership is assigned round-robin
	for _, p := range resp.Topics[0].Partitions {
		c.Assert(p.Leader, qt.Equals, tc.Leader("events", p.ID))
	}

	resp, err = conn.Metadata(context.Background(), &transport.MetadataRequest{Topics: []string{"nope"}})
	c.Assert(err, qt.IsNil)
	c.Assert(resp.Topics[0].Err, qt.Equals, transport.CodeUnknownTopic)
}

func TestClusterProduce(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(2, map[string]int32{"events": 1})

	leader := tc.Leader("events", 0)
	conn := dialBroker(c, tc, tc.Addrs()[leader-1])
	defer conn.Close()

	resp, err := conn.Produce(context.Background(), produceRequest(c, "events", 0, transport.WaitForAll, "one", "two"))
	c.Assert(err, qt.IsNil)

	res := resp.Result("events", 0)
	c.Assert(res, qt.Not(qt.IsNil))
	c.Assert(res.Err, qt.Equals, transport.CodeNone)
	c.Assert(res.BaseOffset, qt.Equals, int64(0))

	resp, err = conn.Produce(context.Background(), produceRequest(c, "events", 0, transport.WaitForAll, "three"))
	c.Assert(err, qt.IsNil)
	c.Assert(resp.Result("events", 0).BaseOffset, qt.Equals, int64(2))

	recs := tc.Records("events", 0)
	c.Assert(recs, qt.HasLen, 3)
	c.Assert(string(recs[2].Value), qt.Equals, "three")
	c.Assert(tc.ProduceAttempts("events", 0), qt.Equals, 2)
}

func TestClusterProduceNotLeader(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(2, map[string]int32{"events": 1})

	leader := tc.Leader("events", 0)
	var follower string
	for i, addr := range tc.Addrs() {
		if int32(i+1) != leader {
			follower = addr
		}
	}
	conn := dialBroker(c, tc, follower)
	defer conn.Close()

	resp, err := conn.Produce(context.Background(), produceRequest(c, "events", 0, transport.WaitForLeader, "lost"))
	c.Assert(err, qt.IsNil)
	c.Assert(resp.Result("events", 0).Err, qt.Equals, transport.CodeNotLeader)
	c.Assert(tc.Records("events", 0), qt.HasLen, 0)
}

func TestClusterScriptedFailures(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(1, map[string]int32{"events": 1})
	tc.FailProduce("events", 0, transport.CodeNotEnoughReplicas, 1)

	conn := dialBroker(c, tc, tc.Addrs()[0])
	defer conn.Close()

	resp, err := conn.Produce(context.Background(), produceRequest(c, "events", 0, transport.WaitForAll, "one"))
	c.Assert(err, qt.IsNil)
	c.Assert(resp.Result("events", 0).Err, qt.Equals, transport.CodeNotEnoughReplicas)

	// the script is consumed, the next attempt succeeds
	resp, err = conn.Produce(context.Background(), produceRequest(c, "events", 0, transport.WaitForAll, "one"))
	c.Assert(err, qt.IsNil)
	c.Assert(resp.Result("events", 0).Err, qt.Equals, transport.CodeNone)
}

func TestClusterNoResponseAcks(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(1, map[string]int32{"events": 1})

	conn := dialBroker(c, tc, tc.Addrs()[0])
	defer conn.Close()

	resp, err := conn.Produce(context.Background(), produceRequest(c, "events", 0, transport.NoResponse, "one"))
	c.Assert(err, qt.IsNil)
	c.Assert(resp.Results, qt.HasLen, 0)
	c.Assert(tc.Records("events", 0), qt.HasLen, 1)
}

func TestClusterFailDial(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(1, nil)
	addr := tc.Addrs()[0]

	boom := errors.New("connection refused")
	tc.FailDial(addr, boom)
	_, err := tc.Dialer().Dial(context.Background(), addr)
	c.Assert(err, qt.Equals, boom)

	tc.FailDial(addr, nil)
	conn, err := tc.Dialer().Dial(context.Background(), addr)
	c.Assert(err, qt.IsNil)
	c.Assert(conn.Close(), qt.IsNil)
	c.Assert(tc.OpenConns(), qt.Equals, 0)
}

func TestClusterReplicationHold(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(1, map[string]int32{"events": 1})
	tc.HoldReplication("events", 0)

	conn := dialBroker(c, tc, tc.Addrs()[0])
	defer conn.Close()

	done := make(chan transport.Code, 1)
	go func() {
		resp, err := conn.Produce(context.Background(), produceRequest(c, "events", 0, transport.WaitForAll, "held"))
		if err != nil {
			done <- transport.CodeUnknown
			return
		}
		done <- resp.Result("events", 0).Err
	}()

	select {
	case <-done:
		c.Fatal("produce returned before replication was released")
	case <-time.After(50 * time.Millisecond):
	}

	tc.ReleaseReplication("events", 0)
	c.Assert(<-done, qt.Equals, transport.CodeNone)
}
