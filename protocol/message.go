package protocol

import (
	"encoding/json"
	"fmt"
)

// DefaultProtocol is the sub-protocol name offered during the websocket
// handshake when the test author does not override it.
const DefaultProtocol = "ui-gateway-v2"

// Opcodes the mock server treats specially.
const (
	OpcodeBroadcastTrigger = "broadcastTrigger"
	OpcodeUnmarshalError   = "unmarshalError"
)

// ErrorInfo is the error object an envelope may carry instead of a payload.
type ErrorInfo struct {
	Code    uint64 `json:"code"`
	Message string `json:"message"`
}

// MessageBody is one decoded protocol envelope. A message is conversational
// when ContextID is set: the peer expects exactly one correlated reply.
// Without a context id the message is fire-and-forget.
type MessageBody struct {
	Opcode    string
	ContextID *uint64
	Payload   json.RawMessage
	Error     *ErrorInfo
}

// Conversational reports whether the message expects a correlated reply.
func (b MessageBody) Conversational() bool {
	return b.ContextID != nil
}

type envelope struct {
	Opcode    string          `json:"opcode"`
	ContextID *uint64         `json:"contextId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

// Marshal renders a message body as a wire-format text frame.
func Marshal(body MessageBody) (string, error) {
	if body.Opcode == "" {
		return "", fmt.Errorf("protocol: message has no opcode")
	}
	data, err := json.Marshal(envelope{
		Opcode:    body.Opcode,
		ContextID: body.ContextID,
		Payload:   body.Payload,
		Error:     body.Error,
	})
	if err != nil {
		return "", fmt.Errorf("protocol: marshal %q message: %w", body.Opcode, err)
	}
	return string(data), nil
}

// MustMarshal is Marshal for messages built by the harness itself, where a
// marshal failure is test-setup breakage rather than a condition to handle.
func MustMarshal(body MessageBody) string {
	text, err := Marshal(body)
	if err != nil {
		panic(err)
	}
	return text
}

// Unmarshal decodes a wire-format text frame into a message body.
func Unmarshal(text string) (MessageBody, error) {
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return MessageBody{}, fmt.Errorf("protocol: couldn't parse text as JSON: %w", err)
	}
	if env.Opcode == "" {
		return MessageBody{}, fmt.Errorf("protocol: envelope carries no opcode")
	}
	return MessageBody{
		Opcode:    env.Opcode,
		ContextID: env.ContextID,
		Payload:   env.Payload,
		Error:     env.Error,
	}, nil
}

// NewConversation builds a conversational message. The payload must be
// JSON-marshalable; anything else is a bug in the test itself.
func NewConversation(opcode string, contextID uint64, payload any) MessageBody {
	return MessageBody{
		Opcode:    opcode,
		ContextID: &contextID,
		Payload:   mustRaw(opcode, payload),
	}
}

// NewFireAndForget builds a one-way message with no context id.
func NewFireAndForget(opcode string, payload any) MessageBody {
	return MessageBody{
		Opcode:  opcode,
		Payload: mustRaw(opcode, payload),
	}
}

func mustRaw(opcode string, payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: payload for %q message is not marshalable: %v", opcode, err))
	}
	return data
}
