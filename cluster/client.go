package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"github.com/pkg/errors"

	"github.com/quillmq/quill/common"
	"github.com/quillmq/quill/transport"
)

var (
	// ErrMetadataUnavailable is returned when no broker could serve a
	// metadata request. It is a transient condition.
	ErrMetadataUnavailable = errors.New("cluster: metadata unavailable")

	// ErrLeaderUnavailable is returned when a partition currently has
	// no leader. A later metadata refresh may resolve it.
	ErrLeaderUnavailable = errors.New("cluster: partition has no leader")

	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("cluster: client is closed")
)

// Config configures a Client.
type Config struct {
	// Brokers is the bootstrap address list. At least one entry is
	// required.
	Brokers []string

	// ClientID is sent with every request so brokers can attribute
	// traffic.
	ClientID string

	// Dialer establishes broker connections.
	Dialer transport.Dialer

	// DialTimeout bounds a single connection attempt.
	// Defaults to 30 seconds.
	DialTimeout time.Duration

	// MetadataTimeout bounds a single metadata request.
	// Defaults to 10 seconds.
	MetadataTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.MetadataTimeout == 0 {
		c.MetadataTimeout = 10 * time.Second
	}
}

// snapshot is an immutable view of the cluster topology. Lookups read
// the current snapshot without locking; refreshes build a new one and
// swap it in atomically so readers never observe a half-updated map.
type snapshot struct {
	brokers map[int32]string
	topics  map[string][]transport.PartitionMetadata
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		brokers: make(map[int32]string, len(s.brokers)),
		topics:  make(map[string][]transport.PartitionMetadata, len(s.topics)),
	}
	for id, addr := range s.brokers {
		next.brokers[id] = addr
	}
	for topic, parts := range s.topics {
		next.topics[topic] = parts
	}
	return next
}

// Client caches cluster metadata and pools broker connections.
type Client struct {
	cfg Config

	meta      atomic.Value // *snapshot
	refreshMu sync.Mutex
	breaker   *breaker.Breaker

	conns  *csmap.CsMap[int32, *Broker]
	dialMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Client. No connection is established until the first
// lookup needs one.
func New(cfg Config) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("cluster: at least one broker address is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("cluster: a transport dialer is required")
	}
	cfg.setDefaults()

	c := &Client{
		cfg:     cfg,
		breaker: breaker.New(3, 1, 10*time.Second),
		conns:   csmap.Create[int32, *Broker](),
		closed:  make(chan struct{}),
	}
	c.meta.Store(&snapshot{
		brokers: map[int32]string{},
		topics:  map[string][]transport.PartitionMetadata{},
	})
	return c, nil
}

func (c *Client) snapshot() *snapshot {
	return c.meta.Load().(*snapshot)
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Partitions returns the partition ids of a topic, refreshing metadata
// if the topic is unknown. A known topic with zero partitions returns
// an empty slice and no error.
func (c *Client) Partitions(topic string) ([]int32, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	parts, ok := c.snapshot().topics[topic]
	if !ok {
		if err := c.RefreshMetadata(topic); err != nil {
			return nil, err
		}
		if parts, ok = c.snapshot().topics[topic]; !ok {
			return nil, errors.Wrapf(transport.CodeUnknownTopic, "topic %q", topic)
		}
	}

	ids := make([]int32, len(parts))
	for i, p := range parts {
		ids[i] = p.ID
	}
	return ids, nil
}

// Leader returns the id of the broker currently leading the given
// topic-partition.
func (c *Client) Leader(topic string, partition int32) (int32, error) {
	if c.isClosed() {
		return -1, ErrClosed
	}

	parts, ok := c.snapshot().topics[topic]
	if !ok {
		if err := c.RefreshMetadata(topic); err != nil {
			return -1, err
		}
		if parts, ok = c.snapshot().topics[topic]; !ok {
			return -1, errors.Wrapf(transport.CodeUnknownTopic, "topic %q", topic)
		}
	}

	for _, p := range parts {
		if p.ID == partition {
			if p.Leader < 0 {
				return -1, errors.WithStack(ErrLeaderUnavailable)
			}
			return p.Leader, nil
		}
	}
	return -1, errors.Wrapf(transport.CodeUnknownTopic, "partition %d of topic %q", partition, topic)
}

// Broker returns the pooled connection to the given broker, dialling
// it if needed.
func (c *Client) Broker(id int32) (*Broker, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	if b, ok := c.conns.Load(id); ok {
		return b, nil
	}

	addr, ok := c.snapshot().brokers[id]
	if !ok {
		return nil, errors.Wrapf(ErrMetadataUnavailable, "unknown broker id %d", id)
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	// another caller may have dialled while we waited for the lock
	if b, ok := c.conns.Load(id); ok {
		return b, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	conn, err := c.cfg.Dialer.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to broker %d at %s", id, addr)
	}

	b := &Broker{id: id, addr: addr, conn: conn}
	c.conns.Store(id, b)
	common.Logger.Printf("cluster: connected to broker %d at %s", id, addr)
	return b, nil
}

// InvalidateBroker drops the pooled connection to a broker after an
// I/O failure. The next Broker call re-dials.
func (c *Client) InvalidateBroker(id int32) {
	if b, ok := c.conns.Load(id); ok {
		c.conns.Delete(id)
		if err := b.Close(); err != nil {
			common.Logger.Printf("cluster: error closing connection to broker %d: %v", id, err)
		}
	}
}

// InvalidateMetadata marks a topic stale by removing it from the
// current snapshot. The next lookup for the topic triggers a refresh.
func (c *Client) InvalidateMetadata(topic string) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	snap := c.snapshot()
	if _, ok := snap.topics[topic]; !ok {
		return
	}
	next := snap.clone()
	delete(next.topics, topic)
	c.meta.Store(next)
}

// RefreshMetadata fetches fresh metadata for the given topics (or for
// every topic when none are given) from the first broker that answers,
// and atomically swaps in a new snapshot. Repeated failures open a
// circuit breaker so a flapping cluster isn't hammered.
func (c *Client) RefreshMetadata(topics ...string) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	err := c.breaker.Run(func() error {
		return c.refresh(topics)
	})
	if err == breaker.ErrBreakerOpen {
		return errors.Wrap(ErrMetadataUnavailable, "refresh suspended after repeated failures")
	}
	return err
}

func (c *Client) refresh(topics []string) error {
	req := &transport.MetadataRequest{ClientID: c.cfg.ClientID, Topics: topics}

	var lastErr error
	resp, lastErr := c.refreshFromPool(req)
	if resp == nil {
		resp, lastErr = c.refreshFromSeeds(req, lastErr)
	}
	if resp == nil {
		return errors.Wrapf(ErrMetadataUnavailable, "every broker failed, last error: %v", lastErr)
	}

	snap := c.snapshot().clone()
	snap.brokers = make(map[int32]string, len(resp.Brokers))
	for _, b := range resp.Brokers {
		snap.brokers[b.ID] = b.Addr
	}
	for _, t := range resp.Topics {
		if t.Err != transport.CodeNone {
			common.Logger.Printf("cluster: metadata for topic %q: %v", t.Name, t.Err)
			delete(snap.topics, t.Name)
			continue
		}
		parts := make([]transport.PartitionMetadata, len(t.Partitions))
		copy(parts, t.Partitions)
		snap.topics[t.Name] = parts
	}
	c.meta.Store(snap)
	return nil
}

func (c *Client) refreshFromPool(req *transport.MetadataRequest) (*transport.MetadataResponse, error) {
	var (
		resp    *transport.MetadataResponse
		lastErr error
	)
	c.conns.Range(func(id int32, b *Broker) bool {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.MetadataTimeout)
		defer cancel()

		r, err := b.Metadata(ctx, req)
		if err != nil {
			lastErr = err
			c.InvalidateBroker(id)
			return false
		}
		resp = r
		return true
	})
	return resp, lastErr
}

func (c *Client) refreshFromSeeds(req *transport.MetadataRequest, lastErr error) (*transport.MetadataResponse, error) {
	for _, addr := range c.cfg.Brokers {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout+c.cfg.MetadataTimeout)
		conn, err := c.cfg.Dialer.Dial(ctx, addr)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}

		resp, err := conn.Metadata(ctx, req)
		conn.Close()
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// Close releases every pooled connection. It is idempotent and safe to
// call from any goroutine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conns.Range(func(id int32, b *Broker) bool {
			if err := b.Close(); err != nil {
				common.Logger.Printf("cluster: error closing connection to broker %d: %v", id, err)
			}
			c.conns.Delete(id)
			return false
		})
	})
	return nil
}
