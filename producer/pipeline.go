package producer

import (
	"context"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"github.com/eapache/queue"
	"github.com/pkg/errors"
	retry "gopkg.in/retry.v1"

	"github.com/quillmq/quill/common"
	"github.com/quillmq/quill/transport"
)

// pendingMessage is a message travelling through the pipeline, with
// its payload encoded once at submission.
type pendingMessage struct {
	msg *Message

	key   []byte
	value []byte
	size  int

	topic     string
	partition int32
	assigned  bool

	// retries is how many retransmissions this message has consumed.
	// The first attempt is free. It doubles as the message's retry
	// level: the partition worker only lets the current level through
	// and parks everything below it until the level has drained.
	retries int

	// fin marks a drain marker rather than a data message. The
	// partition worker sends one behind a failed level's messages; it
	// loops through the broker worker and the retry queue after
	// everything that was queued ahead of it, so its return proves the
	// level has fully drained back.
	fin bool

	// attempt spaces out retransmissions of this message.
	attempt *retry.Attempt

	// done receives the delivery outcome in synchronous mode.
	done chan error
}

// backoff sleeps for however long the retry strategy wants before the
// next attempt of this message.
func (pm *pendingMessage) backoff(strategy retry.Strategy) {
	if pm.attempt == nil {
		pm.attempt = retry.Start(strategy, nil)
		pm.attempt.Next() // the first attempt is immediate
	}
	pm.attempt.Next()
}

// dispatcher routes submitted messages to a per-partition worker,
// assigning a partition on first sight.
func (p *Producer) dispatcher() {
	defer p.dispatcherDone.Done()

	workers := make(map[string]map[int32]*partitionWorker)
	breakers := make(map[string]*breaker.Breaker)

	for pm := range p.input {
		if !pm.assigned {
			if err := p.assignPartition(pm, breakers); err != nil {
				common.Logger.Printf("producer: failed to pick a partition for topic %s: %v", pm.topic, err)
				p.retryMessage(pm, err)
				continue
			}
		}

		partitions := workers[pm.topic]
		if partitions == nil {
			partitions = make(map[int32]*partitionWorker)
			workers[pm.topic] = partitions
		}
		pw := partitions[pm.partition]
		if pw == nil {
			pw = p.newPartitionWorker(pm.topic, pm.partition)
			partitions[pm.partition] = pw
		}
		pw.input <- pm
	}

	for _, partitions := range workers {
		for _, pw := range partitions {
			close(pw.input)
		}
	}
}

// assignPartition resolves the topic's partition list and lets the
// topic's partitioner pick one. Repeated metadata failures open a
// per-topic circuit breaker.
func (p *Producer) assignPartition(pm *pendingMessage, breakers map[string]*breaker.Breaker) error {
	br := breakers[pm.topic]
	if br == nil {
		br = breaker.New(3, 1, 10*time.Second)
		breakers[pm.topic] = br
	}

	return br.Run(func() error {
		partitions, err := p.client.Partitions(pm.topic)
		if err != nil {
			return err
		}
		if len(partitions) == 0 {
			p.client.InvalidateMetadata(pm.topic)
			return errors.WithStack(ErrNoPartitions)
		}

		partitioner := p.partitioners[pm.topic]
		if partitioner == nil {
			partitioner = p.cfg.NewPartitioner(pm.topic)
			p.partitioners[pm.topic] = partitioner
		}
		idx, err := partitioner.Partition(pm.msg, int32(len(partitions)))
		if err != nil {
			return err
		}
		if idx < 0 || idx >= int32(len(partitions)) {
			return errors.Errorf("partitioner returned index %d out of range for %d partitions", idx, len(partitions))
		}

		pm.partition = partitions[idx]
		pm.assigned = true
		return nil
	})
}

// partitionWorker owns the routing of a single topic-partition. It
// resolves the partition leader, forwards messages to that broker's
// worker, and tracks retry levels so retried messages can never be
// overtaken by younger ones.
type partitionWorker struct {
	parent    *Producer
	topic     string
	partition int32
	input     chan *pendingMessage

	// highWatermark is the retry level currently allowed through. All
	// messages of a lower level are parked in retryState until every
	// level above theirs has fully drained, preserving partition order.
	highWatermark int
	retryState    []pwRetryLevel

	worker *brokerWorker
}

type pwRetryLevel struct {
	parked []*pendingMessage

	// expectFin is set while the level's drain marker is still looping
	// through the pipeline; the level below must not flow until it is
	// back.
	expectFin bool
}

func (p *Producer) newPartitionWorker(topic string, partition int32) *partitionWorker {
	pw := &partitionWorker{
		parent:     p,
		topic:      topic,
		partition:  partition,
		input:      make(chan *pendingMessage, p.cfg.ChannelBufferSize),
		retryState: make([]pwRetryLevel, p.cfg.MaxRetries+1),
	}
	p.workersDone.Add(1)
	go pw.run()
	return pw
}

func (pw *partitionWorker) run() {
	defer pw.parent.workersDone.Done()

	for pm := range pw.input {
		if pm.retries > pw.highWatermark {
			// a new, higher retry level; seal off the old one, then
			// back off before retransmitting
			pw.beginRetryLevel(pm.retries)
			pm.backoff(pw.parent.cfg.Backoff)
		} else if pw.highWatermark > 0 {
			// mid-retry: only the current level may flow
			if pm.retries < pw.highWatermark {
				if pm.fin {
					// marker of an already superseded level
					pw.retryState[pm.retries].expectFin = false
					pw.parent.inFlight.Done()
				} else {
					pw.retryState[pm.retries].parked = append(pw.retryState[pm.retries].parked, pm)
				}
				continue
			} else if pm.fin {
				// our marker came back: everything that was queued
				// ahead of it has drained, lower levels can flow again
				pw.retryState[pw.highWatermark].expectFin = false
				pw.flushParked()
				pw.parent.inFlight.Done()
				continue
			}
		}

		pw.dispatch(pm)
	}
}

// beginRetryLevel raises the watermark to the given level and sends a
// drain marker chasing whatever the broker worker still holds for this
// partition. The marker also lifts the broker worker's bounce state on
// its way through.
func (pw *partitionWorker) beginRetryLevel(level int) {
	common.Logger.Printf("producer: partition %s/%d entering retry level %d", pw.topic, pw.partition, level)
	pw.highWatermark = level
	pw.retryState[level].expectFin = true
	pw.parent.inFlight.Add(1)

	fin := &pendingMessage{fin: true, topic: pw.topic, partition: pw.partition, assigned: true, retries: level}
	if pw.worker != nil {
		pw.worker.input <- fin
		// leadership is suspect now, the next dispatch re-resolves it
		pw.worker = nil
	} else {
		// nothing is queued downstream, loop the marker straight home
		pw.parent.retries <- fin
	}
}

// flushParked unwinds drained retry levels, redispatching the messages
// parked at each one, until it hits a level whose marker is still out
// or the bottom.
func (pw *partitionWorker) flushParked() {
	for {
		pw.highWatermark--
		level := pw.highWatermark

		parked := pw.retryState[level].parked
		pw.retryState[level].parked = nil
		for i, pm := range parked {
			pw.dispatch(pm)
			if pw.highWatermark > level {
				// the dispatch failed and opened a new retry level;
				// the rest of this level has to keep waiting
				pw.retryState[level].parked = append(pw.retryState[level].parked, parked[i+1:]...)
				return
			}
		}

		if pw.retryState[level].expectFin || level == 0 {
			return
		}
	}
}

// dispatch forwards a message to the worker of the partition's leader,
// resolving leadership first when the binding was dropped.
func (pw *partitionWorker) dispatch(pm *pendingMessage) {
	p := pw.parent

	if pw.worker == nil {
		leader, err := p.client.Leader(pw.topic, pw.partition)
		if err != nil {
			// the message must come back at a higher level before
			// anything younger is allowed through
			if pm.retries < p.cfg.MaxRetries && !p.forceFail.Load() {
				pw.beginRetryLevel(pm.retries + 1)
				pm.backoff(p.cfg.Backoff)
			}
			p.retryMessage(pm, err)
			return
		}
		pw.worker = p.brokerWorker(leader)
	}

	pw.worker.input <- pm
}

// brokerWorker batches the messages of every partition a broker leads
// and flushes them as produce requests.
type brokerWorker struct {
	parent   *Producer
	brokerID int32
	input    chan *pendingMessage

	buffer *produceSet

	// bounce records partitions whose last batch failed transiently.
	// Messages arriving for a bounced partition go straight to the
	// retry queue behind their predecessors, keeping partition order.
	// The partition worker's drain marker clears the entry.
	bounce map[topicPartition]error

	timer    *time.Timer
	timerC   <-chan time.Time
	draining bool
}

type topicPartition struct {
	topic     string
	partition int32
}

// brokerWorker returns the worker in charge of the given broker,
// starting one if needed. Called from partition worker goroutines.
func (p *Producer) brokerWorker(brokerID int32) *brokerWorker {
	p.bwMu.Lock()
	defer p.bwMu.Unlock()

	if bw, ok := p.brokerWorkers[brokerID]; ok {
		return bw
	}
	bw := &brokerWorker{
		parent:   p,
		brokerID: brokerID,
		input:    make(chan *pendingMessage, p.cfg.ChannelBufferSize),
		buffer:   newProduceSet(&p.cfg),
		bounce:   make(map[topicPartition]error),
	}
	p.brokerWorkers[brokerID] = bw
	p.brokerWorkersDone.Add(1)
	go bw.run()
	return bw
}

func (bw *brokerWorker) run() {
	defer bw.parent.brokerWorkersDone.Done()

	closing := bw.parent.closing
	for {
		select {
		case pm, ok := <-bw.input:
			if !ok {
				bw.flush()
				return
			}
			bw.handle(pm)
		case <-bw.timerC:
			bw.stopTimer()
			bw.flush()
		case <-closing:
			// flush whatever is lingering and stop batching from here on
			closing = nil
			bw.draining = true
			bw.stopTimer()
			bw.flush()
		}
	}
}

func (bw *brokerWorker) handle(pm *pendingMessage) {
	p := bw.parent
	tp := topicPartition{pm.topic, pm.partition}

	if pm.fin {
		// every message that was queued ahead of the marker has been
		// flushed or bounced by now; lift the retry state and send the
		// marker home through the retry queue
		delete(bw.bounce, tp)
		p.retries <- pm
		return
	}
	if reason, ok := bw.bounce[tp]; ok {
		p.retryMessage(pm, reason)
		return
	}

	if bw.buffer.wouldOverflow(pm) {
		bw.stopTimer()
		bw.flush()
	}
	bw.buffer.add(pm)

	if p.cfg.Sync || bw.draining || bw.buffer.readyToFlush() {
		bw.stopTimer()
		bw.flush()
	} else if bw.timer == nil && p.cfg.Linger > 0 {
		bw.timer = time.NewTimer(p.cfg.Linger)
		bw.timerC = bw.timer.C
	}
}

func (bw *brokerWorker) stopTimer() {
	if bw.timer != nil {
		bw.timer.Stop()
		bw.timer = nil
		bw.timerC = nil
	}
}

// flush transmits the buffered batch and settles every message in it.
func (bw *brokerWorker) flush() {
	if bw.buffer.empty() {
		return
	}
	p := bw.parent
	set := bw.buffer
	bw.buffer = newProduceSet(&p.cfg)

	req, err := set.buildRequest()
	if err != nil {
		// nothing a retransmission can fix
		set.eachPartition(func(topic string, partition int32, ps *partitionSet) {
			for _, pm := range ps.msgs {
				p.finish(pm, errors.Wrap(err, "failed to encode record set"))
			}
		})
		return
	}

	broker, err := p.client.Broker(bw.brokerID)
	if err != nil {
		bw.retrySet(set, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AckTimeout)
	resp, err := broker.Produce(ctx, req)
	cancel()
	if err != nil {
		// the connection can't be trusted any more, and neither can
		// our idea of who leads these partitions
		p.client.InvalidateBroker(bw.brokerID)
		bw.retrySet(set, err)
		return
	}

	if p.cfg.RequiredAcks == transport.NoResponse {
		set.eachPartition(func(topic string, partition int32, ps *partitionSet) {
			for _, pm := range ps.msgs {
				pm.msg.Partition = partition
				pm.msg.Offset = -1
				p.finish(pm, nil)
			}
		})
		return
	}

	set.eachPartition(func(topic string, partition int32, ps *partitionSet) {
		res := resp.Result(topic, partition)
		switch {
		case res == nil:
			for _, pm := range ps.msgs {
				p.finish(pm, errors.Errorf("broker %d returned an incomplete produce response", bw.brokerID))
			}
		case res.Err == transport.CodeNone:
			for i, pm := range ps.msgs {
				pm.msg.Partition = partition
				pm.msg.Offset = res.BaseOffset + int64(i)
				p.finish(pm, nil)
			}
		case res.Err.Retryable():
			common.Logger.Printf("producer: broker %d failed %d messages for %s/%d: %v", bw.brokerID, len(ps.msgs), topic, partition, res.Err)
			bw.retryPartition(topic, partition, ps, res.Err)
		default:
			for _, pm := range ps.msgs {
				p.finish(pm, errors.Wrapf(res.Err, "broker %d rejected messages for %s/%d", bw.brokerID, topic, partition))
			}
		}
	})
}

func (bw *brokerWorker) retrySet(set *produceSet, cause error) {
	set.eachPartition(func(topic string, partition int32, ps *partitionSet) {
		bw.retryPartition(topic, partition, ps, cause)
	})
}

func (bw *brokerWorker) retryPartition(topic string, partition int32, ps *partitionSet, cause error) {
	p := bw.parent
	p.client.InvalidateMetadata(topic)
	bw.bounce[topicPartition{topic, partition}] = cause
	for _, pm := range ps.msgs {
		p.retryMessage(pm, cause)
	}
}

// retryMessage requeues a transiently failed message, or settles it
// when its retry budget is spent or the producer is being torn down.
func (p *Producer) retryMessage(pm *pendingMessage, cause error) {
	if p.forceFail.Load() {
		p.finish(pm, errors.WithMessage(ErrProducerClosed, cause.Error()))
		return
	}
	if pm.retries >= p.cfg.MaxRetries {
		p.finish(pm, errors.WithMessagef(ErrRetriesExhausted, "%d attempts failed, last error: %v", pm.retries+1, cause))
		return
	}
	pm.retries++
	if !pm.assigned {
		// partition assignment failed, so there is no partition worker
		// to pace this message; space the attempts out here instead
		go func() {
			pm.backoff(p.cfg.Backoff)
			p.retries <- pm
		}()
		return
	}
	p.retries <- pm
}

// retryHandler buffers retried messages off the hot path and feeds
// them back into the dispatcher without ever blocking the workers that
// failed them.
func (p *Producer) retryHandler() {
	defer p.retryDone.Done()

	buf := queue.New()
	for {
		var input chan *pendingMessage
		var head *pendingMessage
		if buf.Length() > 0 {
			input = p.input
			head = buf.Peek().(*pendingMessage)
		}

		select {
		case pm, ok := <-p.retries:
			if !ok {
				return
			}
			buf.Add(pm)
		case input <- head:
			buf.Remove()
		}
	}
}

// finish settles a message: exactly one call per accepted message.
func (p *Producer) finish(pm *pendingMessage, err error) {
	if pm.done != nil {
		pm.done <- err
	} else if err != nil {
		de := &DeliveryError{Msg: pm.msg, Err: err}
		if p.cfg.OnDeliveryError != nil {
			p.cfg.OnDeliveryError(de)
		} else {
			p.errIn <- de
		}
	}
	p.inFlight.Done()
}

// errorPump moves delivery errors onto the public Errors channel,
// buffering without bound so the pipeline never blocks on a slow (or
// absent) consumer. Whatever the consumer hasn't taken by close time
// is handed back for Close to return.
func (p *Producer) errorPump() {
	defer close(p.pumpDone)

	buf := queue.New()
loop:
	for {
		var out chan *DeliveryError
		var head *DeliveryError
		if buf.Length() > 0 {
			out = p.errors
			head = buf.Peek().(*DeliveryError)
		}

		select {
		case de, ok := <-p.errIn:
			if !ok {
				break loop
			}
			buf.Add(de)
		case out <- head:
			buf.Remove()
		}
	}

	for buf.Length() > 0 {
		select {
		case p.errors <- buf.Peek().(*DeliveryError):
			buf.Remove()
		default:
			p.leftover = append(p.leftover, buf.Remove().(*DeliveryError))
		}
	}
	close(p.errors)
}
