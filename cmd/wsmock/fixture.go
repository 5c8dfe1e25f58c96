package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"wsmock/protocol"
	"wsmock/server"
)

// Fixture is the on-disk shape of a canned-response file.
type Fixture struct {
	// Protocol optionally overrides the sub-protocol name.
	Protocol string `json:"protocol,omitempty"`
	// Responses are queued in file order.
	Responses []FixtureResponse `json:"responses"`
}

// FixtureResponse is one queued frame: exactly one of Text, Binary or
// Close should be set.
type FixtureResponse struct {
	Text   string `json:"text,omitempty"`
	Binary string `json:"binary,omitempty"` // base64
	Close  bool   `json:"close,omitempty"`
}

func (r FixtureResponse) frame() (server.Frame, error) {
	switch {
	case r.Close:
		return server.CloseFrame(), nil
	case r.Binary != "":
		data, err := base64.StdEncoding.DecodeString(r.Binary)
		if err != nil {
			return server.Frame{}, fmt.Errorf("binary response is not valid base64: %w", err)
		}
		return server.BinaryFrame(data), nil
	case r.Text != "":
		return server.TextFrame(r.Text), nil
	default:
		return server.Frame{}, fmt.Errorf("response sets none of text, binary, close")
	}
}

func loadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fix Fixture
	if err := json.Unmarshal(data, &fix); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if fix.Protocol == "" {
		fix.Protocol = protocol.DefaultProtocol
	}
	return &fix, nil
}

// apply queues every fixture response onto a fresh builder.
func (f *Fixture) apply(mock *server.MockServer) error {
	for i, r := range f.Responses {
		frame, err := r.frame()
		if err != nil {
			return fmt.Errorf("response %d: %w", i, err)
		}
		mock.QueueFrame(frame)
	}
	return nil
}
