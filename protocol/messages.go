package protocol

import (
	"encoding/json"
	"fmt"
)

// EmptyQueueSentinel is the single reserved byte the server sends as a
// binary frame when a conversational request finds the response queue
// empty. Client-side helpers turn it into a descriptive test failure.
const EmptyQueueSentinel byte = 0x65

// IsEmptyQueueSentinel reports whether a binary frame is the sentinel.
func IsEmptyQueueSentinel(data []byte) bool {
	return len(data) == 1 && data[0] == EmptyQueueSentinel
}

// BroadcastTrigger asks the server to flush queued fire-and-forget
// responses to the wire. It is sent by the protocol client itself, not by
// the test harness.
type BroadcastTrigger struct {
	// BatchSize caps how many broadcasts one trigger releases. Nil means
	// "as many as the queue holds right now".
	BatchSize *int `json:"batchSize,omitempty"`
	// SignalPosition names the original queue index at which the
	// registered synchronization channel fires. Requires a channel to have
	// been registered on the server.
	SignalPosition *int `json:"signalPosition,omitempty"`
}

// Body wraps the trigger in a fire-and-forget envelope.
func (t BroadcastTrigger) Body() MessageBody {
	return NewFireAndForget(OpcodeBroadcastTrigger, t)
}

// ParseBroadcastTrigger extracts a trigger from an inbound envelope.
func ParseBroadcastTrigger(body MessageBody) (BroadcastTrigger, error) {
	if body.Opcode != OpcodeBroadcastTrigger {
		return BroadcastTrigger{}, fmt.Errorf("protocol: %q is not a broadcast trigger", body.Opcode)
	}
	var trigger BroadcastTrigger
	if len(body.Payload) > 0 {
		if err := json.Unmarshal(body.Payload, &trigger); err != nil {
			return BroadcastTrigger{}, fmt.Errorf("protocol: broadcast trigger payload: %w", err)
		}
	}
	return trigger, nil
}

// UnmarshalError is the payload of the reply synthesized for inbound text
// the server could not decode. It carries the offending text back to the
// peer for diagnostics.
type UnmarshalError struct {
	Message string `json:"message"`
	BadData string `json:"badData"`
}

// NewUnmarshalError builds the synthesized reply for undecodable inbound
// text, addressed with context id 0.
func NewUnmarshalError(raw, reason string) MessageBody {
	return NewConversation(OpcodeUnmarshalError, 0, UnmarshalError{
		Message: raw,
		BadData: reason,
	})
}

// NewDispatchError builds an error envelope addressed to the opcode and
// context of the request that could not be served from the queue.
func NewDispatchError(opcode string, contextID uint64, message string) MessageBody {
	return MessageBody{
		Opcode:    opcode,
		ContextID: &contextID,
		Error:     &ErrorInfo{Code: 0, Message: message},
	}
}
