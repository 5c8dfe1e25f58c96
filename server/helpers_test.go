package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"wsmock/client"
	"wsmock/netutil"
	"wsmock/protocol"
)

// receiveWindow keeps the "nothing should arrive" assertions from dragging
// the suite out; the 50ms worker tick leaves plenty of headroom.
const receiveWindow = 500 * time.Millisecond

// newMock builds a mock on a fresh port with diagnostics routed to the
// test log.
func newMock(t *testing.T) *MockServer {
	t.Helper()
	return New(netutil.FindFreePort()).WithLogger(zaptest.NewLogger(t))
}

// dialMock connects a real client to a started mock. The connection is
// closed on cleanup, after the test has stopped the mock.
func dialMock(t *testing.T, port uint16) *client.Connection {
	t.Helper()
	conn, err := client.Dial(port, protocol.DefaultProtocol)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReceiveTimeout(receiveWindow)
	return conn
}

func conversation(opcode string, contextID uint64) protocol.MessageBody {
	return protocol.NewConversation(opcode, contextID, map[string]string{"stimulus": opcode})
}

func broadcast(opcode string, tag string) protocol.MessageBody {
	return protocol.NewFireAndForget(opcode, map[string]string{"tag": tag})
}

func trigger(batchSize, signalPosition *int) protocol.MessageBody {
	return protocol.BroadcastTrigger{BatchSize: batchSize, SignalPosition: signalPosition}.Body()
}

func intPtr(v int) *int {
	return &v
}

// tagOf digs the identifying tag back out of a received broadcast.
func tagOf(t *testing.T, body protocol.MessageBody) string {
	t.Helper()
	var payload struct {
		Tag string `json:"tag"`
	}
	require.NoError(t, json.Unmarshal(body.Payload, &payload))
	return payload.Tag
}
