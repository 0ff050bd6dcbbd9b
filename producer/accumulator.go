package producer

import (
	"sort"
	"time"

	"github.com/quillmq/quill/transport"
)

// recordOverhead approximates the per-record framing cost, so byte
// accounting tracks the wire size rather than just the payloads.
const recordOverhead = 16

// partitionSet is the slice of a produceSet belonging to a single
// topic-partition. msgs and recs are kept index-aligned so a broker
// response can be mapped back to the messages it acknowledges.
type partitionSet struct {
	msgs []*pendingMessage
	recs []transport.Record
}

// produceSet accumulates routed messages for one broker until the
// batch thresholds are met, then turns into a single produce request.
type produceSet struct {
	cfg *Config

	sets        map[string]map[int32]*partitionSet
	bufferBytes int
	bufferCount int
}

func newProduceSet(cfg *Config) *produceSet {
	return &produceSet{
		cfg:  cfg,
		sets: make(map[string]map[int32]*partitionSet),
	}
}

func (ps *produceSet) add(pm *pendingMessage) {
	partitions := ps.sets[pm.topic]
	if partitions == nil {
		partitions = make(map[int32]*partitionSet)
		ps.sets[pm.topic] = partitions
	}
	set := partitions[pm.partition]
	if set == nil {
		set = &partitionSet{}
		partitions[pm.partition] = set
	}

	if pm.msg.ProducedAt.IsZero() {
		pm.msg.ProducedAt = time.Now()
	}
	set.msgs = append(set.msgs, pm)
	set.recs = append(set.recs, transport.Record{
		Key:     pm.key,
		Value:   pm.value,
		Headers: recordHeaders(pm.msg.Headers),
	})

	ps.bufferBytes += pm.size
	ps.bufferCount++
}

// wouldOverflow reports whether adding pm would push the set past its
// limits, meaning the current content should be flushed first.
func (ps *produceSet) wouldOverflow(pm *pendingMessage) bool {
	if ps.empty() {
		return false
	}
	return ps.bufferCount+1 > ps.cfg.BatchSize ||
		ps.bufferBytes+pm.size > ps.cfg.MaxBatchBytes
}

// readyToFlush reports whether the set has reached a flush threshold
// on its own.
func (ps *produceSet) readyToFlush() bool {
	if ps.empty() {
		return false
	}
	if ps.cfg.Sync {
		return true
	}
	return ps.bufferCount >= ps.cfg.BatchSize ||
		ps.bufferBytes >= ps.cfg.MaxBatchBytes
}

func (ps *produceSet) empty() bool {
	return ps.bufferCount == 0
}

func (ps *produceSet) eachPartition(fn func(topic string, partition int32, set *partitionSet)) {
	for topic, partitions := range ps.sets {
		for partition, set := range partitions {
			fn(topic, partition, set)
		}
	}
}

// buildRequest encodes the accumulated messages into one produce
// request, one record set per topic-partition.
func (ps *produceSet) buildRequest() (*transport.ProduceRequest, error) {
	req := &transport.ProduceRequest{
		ClientID:     ps.cfg.ClientID,
		RequiredAcks: ps.cfg.RequiredAcks,
		Timeout:      ps.cfg.AckTimeout,
	}

	var err error
	ps.eachPartition(func(topic string, partition int32, set *partitionSet) {
		if err != nil {
			return
		}
		var records []byte
		records, err = transport.MarshalRecords(set.recs, ps.cfg.Compression)
		if err != nil {
			return
		}
		req.Sets = append(req.Sets, &transport.RecordSet{
			Topic:       topic,
			Partition:   partition,
			Compression: ps.cfg.Compression,
			Count:       len(set.recs),
			Records:     records,
		})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func recordHeaders(headers map[string]string) []transport.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]transport.RecordHeader, len(keys))
	for i, k := range keys {
		out[i] = transport.RecordHeader{Key: k, Value: []byte(headers[k])}
	}
	return out
}
