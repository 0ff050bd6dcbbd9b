// Package producer provides types for producing messages to a broker
// cluster. Quill provides a generic way of defining messages that is
// not tied to the way a message ends up on the wire: a message
// contains a body and may contain a key and headers, and how the body
// is encoded is a function of the codec.Codec (or per-message Encoder)
// used. This allows business logic to be decoupled from the format
// convention, so the format can change without changing much code.
//
// By default a producer is asynchronous: Send accepts a message into a
// background pipeline that routes it to a partition, batches it with
// other messages headed to the same broker, and retries transient
// failures with backoff. Delivery failures are published on the Errors
// channel. Setting Config.Sync instead makes Send block until its
// message is acknowledged or has terminally failed.
//
// Producers require a valid configuration to be able to run properly.
// The Config type defines the client id, codec, batching and retry
// behaviour; NewConfig fills in sane defaults.
package producer
