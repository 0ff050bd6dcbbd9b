// Package cluster tracks the topology of a broker cluster and owns the
// connections to it. The Client answers leadership questions from an
// immutable metadata snapshot that is refreshed on demand, and hands
// out lazily-dialled, cached broker connections. It is the layer the
// producer relies on to find out where a topic-partition lives.
package cluster
