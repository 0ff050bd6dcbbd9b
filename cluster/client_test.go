package cluster_test

import (
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/pkg/errors"

	"github.com/quillmq/quill/cluster"
	"github.com/quillmq/quill/common"
	"github.com/quillmq/quill/transport"
	"github.com/quillmq/quill/transport/transporttest"
)

func newTestClient(c *qt.C, tc *transporttest.Cluster) *cluster.Client {
	client, err := cluster.New(cluster.Config{
		Brokers:  tc.Addrs(),
		ClientID: "tester",
		Dialer:   tc.Dialer(),
	})
	c.Assert(err, qt.IsNil)
	return client
}

func TestNewValidation(t *testing.T) {
	c := qt.New(t)

	_, err := cluster.New(cluster.Config{})
	c.Assert(err, qt.ErrorMatches, ".*broker address.*")

	_, err = cluster.New(cluster.Config{Brokers: []string{"broker-1.test:9092"}})
	c.Assert(err, qt.ErrorMatches, ".*dialer.*")
}

func TestClientPartitions(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(3, map[string]int32{"events": 4})
	client := newTestClient(c, tc)
	defer client.Close()

	parts, err := client.Partitions("events")
	c.Assert(err, qt.IsNil)
	c.Assert(parts, qt.DeepEquals, []int32{0, 1, 2, 3})

	// metadata came from a seed connection that is no longer held open
	c.Assert(tc.OpenConns(), qt.Equals, 0)

	// a second lookup answers from the cache
	dials := tc.Dials()
	_, err = client.Partitions("events")
	c.Assert(err, qt.IsNil)
	c.Assert(tc.Dials(), qt.Equals, dials)
}

func TestClientUnknownTopic(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(1, map[string]int32{"events": 1})
	client := newTestClient(c, tc)
	defer client.Close()

	_, err := client.Partitions("nope")
	c.Assert(errors.Cause(err), qt.Equals, transport.CodeUnknownTopic)

	_, err = client.Leader("nope", 0)
	c.Assert(errors.Cause(err), qt.Equals, transport.CodeUnknownTopic)
}

func TestClientLeader(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(3, map[string]int32{"events": 3})
	client := newTestClient(c, tc)
	defer client.Close()

	// leadership is spread round-robin by the fixture
	for part := int32(0); part < 3; part++ {
		leader, err := client.Leader("events", part)
		c.Assert(err, qt.IsNil)
		c.Assert(leader, qt.Equals, tc.Leader("events", part))
	}

	_, err := client.Leader("events", 9)
	c.Assert(errors.Cause(err), qt.Equals, transport.CodeUnknownTopic)
}

func TestClientStaleLeadershipNeedsInvalidation(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(2, map[string]int32{"events": 1})
	client := newTestClient(c, tc)
	defer client.Close()

	before, err := client.Leader("events", 0)
	c.Assert(err, qt.IsNil)

	tc.MoveLeader("events", 0)

	// the cached answer is stale until the topic is invalidated
	leader, err := client.Leader("events", 0)
	c.Assert(err, qt.IsNil)
	c.Assert(leader, qt.Equals, before)

	client.InvalidateMetadata("events")
	leader, err = client.Leader("events", 0)
	c.Assert(err, qt.IsNil)
	c.Assert(leader, qt.Equals, tc.Leader("events", 0))
	c.Assert(leader, qt.Not(qt.Equals), before)
}

func TestClientBrokerPool(t *testing.T) {
	c := qt.New(t)
	tl := common.NewTestLogger(t)
	defer tl.TearDown()

	tc := transporttest.NewCluster(2, map[string]int32{"events": 1})
	client := newTestClient(c, tc)
	defer client.Close()

	_, err := client.Partitions("events")
	c.Assert(err, qt.IsNil)

	b1, err := client.Broker(1)
	c.Assert(err, qt.IsNil)
	c.Assert(b1.ID(), qt.Equals, int32(1))
	tl.LogLineMatches("cluster: connected to broker 1 .*")

	// the connection is pooled, not re-dialled
	dials := tc.Dials()
	again, err := client.Broker(1)
	c.Assert(err, qt.IsNil)
	c.Assert(again, qt.Equals, b1)
	c.Assert(tc.Dials(), qt.Equals, dials)

	// dropping the connection forces the next call to re-dial
	client.InvalidateBroker(1)
	c.Assert(tc.OpenConns(), qt.Equals, 0)
	_, err = client.Broker(1)
	c.Assert(err, qt.IsNil)
	c.Assert(tc.Dials(), qt.Equals, dials+1)

	_, err = client.Broker(99)
	c.Assert(errors.Cause(err), qt.Equals, cluster.ErrMetadataUnavailable)
}

func TestClientRefreshBreaker(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(1, map[string]int32{"events": 1})
	client := newTestClient(c, tc)
	defer client.Close()

	for i := 0; i < 3; i++ {
		tc.FailMetadata(errors.New("boom"))
		err := client.RefreshMetadata("events")
		c.Assert(errors.Cause(err), qt.Equals, cluster.ErrMetadataUnavailable)
	}

	// three failures in a row open the breaker, the cluster is left alone
	err := client.RefreshMetadata("events")
	c.Assert(errors.Cause(err), qt.Equals, cluster.ErrMetadataUnavailable)
	c.Assert(err, qt.ErrorMatches, ".*suspended.*")
}

func TestClientConcurrentReaders(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(3, map[string]int32{"events": 6})
	client := newTestClient(c, tc)
	defer client.Close()

	// lookups race against snapshot swaps without ever observing a
	// half-updated view
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				parts, err := client.Partitions("events")
				c.Check(err, qt.IsNil)
				c.Check(parts, qt.HasLen, 6)
				_, err = client.Leader("events", int32(j%6))
				c.Check(err, qt.IsNil)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		tc.MoveLeader("events", int32(i%6))
		client.InvalidateMetadata("events")
	}
	wg.Wait()
}

func TestClientClose(t *testing.T) {
	c := qt.New(t)
	tc := transporttest.NewCluster(1, map[string]int32{"events": 1})
	client := newTestClient(c, tc)

	_, err := client.Partitions("events")
	c.Assert(err, qt.IsNil)
	_, err = client.Broker(1)
	c.Assert(err, qt.IsNil)

	c.Assert(client.Close(), qt.IsNil)
	c.Assert(client.Close(), qt.IsNil)
	c.Assert(tc.OpenConns(), qt.Equals, 0)

	_, err = client.Partitions("events")
	c.Assert(err, qt.Equals, cluster.ErrClosed)
	_, err = client.Broker(1)
	c.Assert(err, qt.Equals, cluster.ErrClosed)
	c.Assert(client.RefreshMetadata(), qt.Equals, cluster.ErrClosed)
}
