package cluster

import (
	"context"
	"sync"

	"github.com/quillmq/quill/transport"
)

// Broker is a pooled connection to one broker. Requests on a Broker
// are serialized: interleaved writes from multiple goroutines would
// corrupt the wire framing, so a mutex enforces one request at a time.
type Broker struct {
	id   int32
	addr string

	mu   sync.Mutex
	conn transport.Conn
}

// ID returns the broker id this connection belongs to.
func (b *Broker) ID() int32 { return b.id }

// Addr returns the address the connection was dialled to.
func (b *Broker) Addr() string { return b.addr }

// Produce sends a produce request over the connection.
func (b *Broker) Produce(ctx context.Context, req *transport.ProduceRequest) (*transport.ProduceResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Produce(ctx, req)
}

// Metadata sends a metadata request over the connection.
func (b *Broker) Metadata(ctx context.Context, req *transport.MetadataRequest) (*transport.MetadataResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Metadata(ctx, req)
}

// Close closes the underlying connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Close()
}
