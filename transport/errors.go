package transport

import "fmt"

// Code is a protocol-level error reported by a broker in a response.
// It implements error so it can travel through regular error returns.
type Code int16

const (
	CodeNone Code = iota
	CodeUnknownTopic
	CodeNotLeader
	CodeLeaderNotAvailable
	CodeRequestTimedOut
	CodeNotEnoughReplicas
	CodeMessageTooLarge
	CodeInvalidRequest
	CodeUnknown
)

var codeNames = map[Code]string{
	CodeNone:               "no error",
	CodeUnknownTopic:       "unknown topic or partition",
	CodeNotLeader:          "broker is not the leader for this partition",
	CodeLeaderNotAvailable: "partition leader not available",
	CodeRequestTimedOut:    "request timed out waiting for acknowledgement",
	CodeNotEnoughReplicas:  "not enough in-sync replicas",
	CodeMessageTooLarge:    "record set exceeds the broker limit",
	CodeInvalidRequest:     "invalid request",
	CodeUnknown:            "unknown broker error",
}

func (c Code) Error() string {
	if s, ok := codeNames[c]; ok {
		return "broker: " + s
	}
	return fmt.Sprintf("broker: unknown error code %d", int16(c))
}

// Retryable reports whether a produce attempt that failed with this
// code may succeed on a later attempt, typically after a metadata
// refresh has located the new leader.
func (c Code) Retryable() bool {
	switch c {
	case CodeUnknownTopic, CodeNotLeader, CodeLeaderNotAvailable,
		CodeRequestTimedOut, CodeNotEnoughReplicas:
		return true
	}
	return false
}
