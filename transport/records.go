package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"

	snappy "github.com/eapache/go-xerial-snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Compression identifies the codec applied to an encoded record set.
type Compression int8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionSnappy
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	}
	return "unknown"
}

// Record is a single key/value pair inside a record set. A nil key is
// preserved across the wire so keyless messages stay keyless.
type Record struct {
	Key     []byte
	Value   []byte
	Headers []RecordHeader
}

// RecordHeader is one message header carried alongside a record.
type RecordHeader struct {
	Key   string
	Value []byte
}

// RecordSet is the unit of transmission of a produce request: the
// records of one topic-partition, encoded and optionally compressed.
type RecordSet struct {
	Topic       string
	Partition   int32
	Compression Compression
	Count       int
	Records     []byte
}

// MarshalRecords encodes records into the record-set framing and
// applies the given compression codec.
func MarshalRecords(recs []Record, c Compression) ([]byte, error) {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(recs)))
	for _, r := range recs {
		writeBytes(&buf, r.Key)
		writeBytes(&buf, r.Value)
		writeUvarint(&buf, uint64(len(r.Headers)))
		for _, h := range r.Headers {
			writeBytes(&buf, []byte(h.Key))
			writeBytes(&buf, h.Value)
		}
	}
	return compress(buf.Bytes(), c)
}

// UnmarshalRecords reverses MarshalRecords.
func UnmarshalRecords(data []byte, c Compression) ([]Record, error) {
	raw, err := decompress(data, c)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewReader(raw)
	n, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, errors.Wrap(err, "corrupt record set")
	}

	recs := make([]Record, 0, n)
	for i := uint64(0); i < n; i++ {
		var r Record
		if r.Key, err = readBytes(buf); err != nil {
			return nil, errors.Wrap(err, "corrupt record key")
		}
		if r.Value, err = readBytes(buf); err != nil {
			return nil, errors.Wrap(err, "corrupt record value")
		}
		hn, err := binary.ReadUvarint(buf)
		if err != nil {
			return nil, errors.Wrap(err, "corrupt record headers")
		}
		for j := uint64(0); j < hn; j++ {
			var h RecordHeader
			k, err := readBytes(buf)
			if err != nil {
				return nil, errors.Wrap(err, "corrupt header key")
			}
			h.Key = string(k)
			if h.Value, err = readBytes(buf); err != nil {
				return nil, errors.Wrap(err, "corrupt header value")
			}
			r.Headers = append(r.Headers, h)
		}
		recs = append(recs, r)
	}
	return recs, nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "gzip compression failed")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "gzip compression failed")
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return snappy.Encode(data), nil
	}
	return nil, errors.Errorf("unsupported compression codec %d", c)
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "gzip decompression failed")
		}
		defer r.Close()
		raw, err := ioutil.ReadAll(r)
		return raw, errors.Wrap(err, "gzip decompression failed")
	case CompressionSnappy:
		raw, err := snappy.Decode(data)
		return raw, errors.Wrap(err, "snappy decompression failed")
	}
	return nil, errors.Errorf("unsupported compression codec %d", c)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// writeBytes writes a varint-length-prefixed byte slice; nil is
// encoded as length -1 so it round-trips distinctly from empty.
func writeBytes(buf *bytes.Buffer, b []byte) {
	var tmp [binary.MaxVarintLen64]byte
	if b == nil {
		n := binary.PutVarint(tmp[:], -1)
		buf.Write(tmp[:n])
		return
	}
	n := binary.PutVarint(tmp[:], int64(len(b)))
	buf.Write(tmp[:n])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	l, err := binary.ReadVarint(r)
	if err != nil {
		return nil, err
	}
	if l < 0 {
		return nil, nil
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
