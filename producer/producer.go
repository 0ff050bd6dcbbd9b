package producer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/quillmq/quill/cluster"
	"github.com/quillmq/quill/codec"
	"github.com/quillmq/quill/common"
)

// Producer sends messages to a broker cluster. Messages are routed to
// a partition, batched per leading broker and transmitted in the
// background; transient failures are retried with backoff. When the
// Sync option is set, Send instead blocks until its message is
// settled.
type Producer struct {
	cfg       Config
	client    *cluster.Client
	ownClient bool

	// partitioners is only touched by the dispatcher goroutine.
	partitioners map[string]Partitioner

	input   chan *pendingMessage
	retries chan *pendingMessage
	errIn   chan *DeliveryError
	errors  chan *DeliveryError

	bwMu          sync.Mutex
	brokerWorkers map[int32]*brokerWorker

	inFlight          sync.WaitGroup
	dispatcherDone    sync.WaitGroup
	workersDone       sync.WaitGroup
	brokerWorkersDone sync.WaitGroup
	retryDone         sync.WaitGroup
	pumpDone          chan struct{}

	sendMu     sync.RWMutex
	sendClosed bool
	closing    chan struct{}
	forceFail  atomic.Bool
	leftover   []*DeliveryError

	closeOnce sync.Once
	closeErr  error
}

// New creates a Producer with its own cluster client.
func New(cfg Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := cluster.New(cluster.Config{
		Brokers:     cfg.Brokers,
		ClientID:    cfg.ClientID,
		Dialer:      cfg.Dialer,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create a producer")
	}

	p := newProducer(client, cfg)
	p.ownClient = true
	return p, nil
}

// NewFrom creates a producer using the given cluster client. Useful
// when wanting to create multiple producers with different
// configurations but sharing the same underlying connections. The
// client is not closed when the producer is.
func NewFrom(client *cluster.Client, cfg Config) (*Producer, error) {
	if err := cfg.validatePipeline(); err != nil {
		return nil, err
	}
	return newProducer(client, cfg), nil
}

func newProducer(client *cluster.Client, cfg Config) *Producer {
	p := &Producer{
		cfg:           cfg,
		client:        client,
		partitioners:  make(map[string]Partitioner),
		input:         make(chan *pendingMessage, cfg.ChannelBufferSize),
		retries:       make(chan *pendingMessage),
		errIn:         make(chan *DeliveryError),
		errors:        make(chan *DeliveryError, cfg.ChannelBufferSize),
		brokerWorkers: make(map[int32]*brokerWorker),
		pumpDone:      make(chan struct{}),
		closing:       make(chan struct{}),
	}

	p.dispatcherDone.Add(1)
	go p.dispatcher()
	p.retryDone.Add(1)
	go p.retryHandler()
	go p.errorPump()

	return p
}

// Send creates and sends a message to the configured cluster. In
// synchronous mode it blocks until the message is acknowledged,
// otherwise it returns as soon as the message is accepted into the
// pipeline. It returns the message it built so asynchronous callers
// can correlate delivery errors.
func (p *Producer) Send(topic string, body interface{}, opts ...Option) (*Message, error) {
	msg := NewMessage(topic, body)
	for _, opt := range opts {
		opt(msg)
	}
	return msg, p.SendMessage(msg)
}

// SendMessage sends the given message. Encoding and size-limit errors
// are reported synchronously in both modes; they are never retried.
func (p *Producer) SendMessage(msg *Message) error {
	if msg.Topic == "" {
		return ConfigurationError("a message needs a topic")
	}
	msg.prepare()

	pm := &pendingMessage{
		msg:       msg,
		topic:     msg.Topic,
		partition: -1,
	}

	var err error
	if msg.Key != nil {
		if pm.key, err = msg.Key.Encode(); err != nil {
			return SerializationError{Err: err}
		}
	}
	if enc, ok := msg.Body.(codec.Encoder); ok {
		pm.value, err = enc.Encode()
	} else {
		pm.value, err = p.cfg.Codec.Encode(msg.Body)
	}
	if err != nil {
		return SerializationError{Err: err}
	}

	pm.size = len(pm.key) + len(pm.value) + recordOverhead
	for k, v := range msg.Headers {
		pm.size += len(k) + len(v)
	}
	if pm.size > p.cfg.MaxMessageBytes {
		return MessageTooLargeError{Size: pm.size, Limit: p.cfg.MaxMessageBytes}
	}

	if p.cfg.Sync {
		pm.done = make(chan error, 1)
	}

	// the read lock pairs with Close: once the closing flag is set no
	// new message can slip past the drain
	p.sendMu.RLock()
	if p.sendClosed {
		p.sendMu.RUnlock()
		return errors.WithStack(ErrProducerClosed)
	}
	p.inFlight.Add(1)
	p.input <- pm
	p.sendMu.RUnlock()

	if pm.done != nil {
		return errors.Wrap(<-pm.done, "failed to send message")
	}
	return nil
}

// Errors returns the channel on which delivery failures of
// asynchronous sends are published. The channel is closed by Close;
// until then it should be consumed, or an OnDeliveryError callback
// configured, to avoid errors accumulating in memory.
func (p *Producer) Errors() <-chan *DeliveryError {
	return p.errors
}

// Client returns the underlying cluster client.
func (p *Producer) Client() *cluster.Client {
	return p.client
}

// Close drains the pipeline and releases its resources. Messages that
// cannot be settled within CloseTimeout are failed with
// ErrProducerClosed. It is idempotent; every call returns the result
// of the first. If delivery errors were never consumed from Errors,
// the leftovers are returned as a DeliveryErrors.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.sendMu.Lock()
		p.sendClosed = true
		p.sendMu.Unlock()

		// wake the broker workers so lingering batches go out now
		close(p.closing)

		if waitTimeout(&p.inFlight, p.cfg.CloseTimeout) {
			common.Logger.Printf("producer: close timed out after %v, failing the remaining messages", p.cfg.CloseTimeout)
			p.forceFail.Store(true)
			p.inFlight.Wait()
		}

		close(p.input)
		p.dispatcherDone.Wait()
		p.workersDone.Wait()

		p.bwMu.Lock()
		for _, bw := range p.brokerWorkers {
			close(bw.input)
		}
		p.bwMu.Unlock()
		p.brokerWorkersDone.Wait()

		close(p.retries)
		p.retryDone.Wait()

		close(p.errIn)
		<-p.pumpDone

		if p.ownClient {
			if err := p.client.Close(); err != nil {
				p.closeErr = errors.Wrap(err, "failed to close the cluster client")
			}
		}
		if len(p.leftover) > 0 && p.closeErr == nil {
			p.closeErr = DeliveryErrors(p.leftover)
		}
	})
	return p.closeErr
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return false
	case <-time.After(d):
		return true
	}
}
