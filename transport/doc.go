// Package transport defines the wire boundary between the producer and
// a broker cluster. Quill does not implement a broker protocol itself:
// it drives whatever Dialer it is given, sending metadata and produce
// requests and interpreting the per-partition result codes. The
// transporttest subpackage provides an in-memory cluster implementing
// this boundary for tests.
package transport
