package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsmock/client"
	"wsmock/protocol"
)

// Mirrors the queue walk across its corner cases: triggers release leading
// broadcasts only, never jumping over a pending conversational response.
func TestConversationalAndBroadcastMessagesWorkTogether(t *testing.T) {
	mock := newMock(t).
		QueueResponse(protocol.NewConversation("checkPassword", 1, map[string]bool{"matches": false})).
		QueueResponse(protocol.NewConversation("checkPassword", 2, map[string]bool{"matches": true})).
		QueueResponse(broadcast("configurationChanged", "b1")).
		QueueResponse(broadcast("crashed", "b2")).
		QueueResponse(broadcast("newPassword", "b3")).
		QueueResponse(broadcast("newPassword", "b4")).
		QueueResponse(broadcast("newPassword", "b5")).
		QueueResponse(protocol.NewConversation("descriptor", 3, map[string]string{"nodeDescriptor": "ae15fe6"})).
		QueueResponse(broadcast("crashed", "b6"))
	handle := mock.Start()
	conn := dialMock(t, mock.Port())

	// Two conversations drain the conversational front of the queue.
	first, err := conn.Transact(conversation("checkPassword", 1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, *first.ContextID)
	second, err := conn.Transact(conversation("checkPassword", 2))
	require.NoError(t, err)
	assert.EqualValues(t, 2, *second.ContextID)

	// A trigger limited to a batch of two releases exactly b1 and b2.
	require.NoError(t, conn.Send(trigger(intPtr(2), nil)))
	released, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "b1", tagOf(t, released))
	released, err = conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "b2", tagOf(t, released))
	_, err = conn.Receive()
	assert.ErrorIs(t, err, client.ErrTimeout)

	// A conversational request now finds a broadcast at the front: it is
	// answered with an error envelope and the queue stays intact.
	hopeless, err := conn.Transact(conversation("descriptor", 10000))
	require.NoError(t, err)
	require.NotNil(t, hopeless.Error)
	assert.Contains(t, hopeless.Error.Message, "fire-and-forget")

	// An unlimited trigger releases b3..b5 and stops at the pending
	// conversational response instead of jumping over it to b6.
	require.NoError(t, conn.Send(trigger(nil, nil)))
	for _, want := range []string{"b3", "b4", "b5"} {
		released, err = conn.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, tagOf(t, released))
	}
	_, err = conn.Receive()
	assert.ErrorIs(t, err, client.ErrTimeout)

	third, err := conn.Transact(conversation("descriptor", 3))
	require.NoError(t, err)
	assert.EqualValues(t, 3, *third.ContextID)

	// The last broadcast is reachable now.
	require.NoError(t, conn.Send(trigger(nil, nil)))
	released, err = conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "b6", tagOf(t, released))

	_, err = conn.Transact(conversation("descriptor", 0))
	assert.ErrorIs(t, err, client.ErrEmptyQueue)

	requests := handle.Stop()
	assert.Len(t, requests, 8)
}

func TestBroadcastTriggerSignalsAtRequestedPosition(t *testing.T) {
	signal := make(chan struct{}, 4)
	mock := newMock(t).
		QueueResponse(broadcast("newPassword", "b1")).
		QueueResponse(broadcast("newPassword", "b2")).
		QueueResponse(broadcast("newPassword", "b3")).
		InjectSignal(signal)
	handle := mock.Start()
	conn := dialMock(t, mock.Port())

	require.NoError(t, conn.Send(trigger(nil, intPtr(1))))
	for _, want := range []string{"b1", "b2", "b3"} {
		released, err := conn.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, tagOf(t, released))
	}

	// The flush has finished by the time the worker is joined.
	handle.Stop()
	assert.Len(t, signal, 1)
}

func TestBroadcastFlushStopsAtUndecodableQueuedItem(t *testing.T) {
	mock := newMock(t).
		QueueResponse(broadcast("newPassword", "b1")).
		QueueString("not a protocol message").
		QueueResponse(broadcast("newPassword", "b2"))
	handle := mock.Start()
	conn := dialMock(t, mock.Port())

	require.NoError(t, conn.Send(trigger(nil, nil)))

	released, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "b1", tagOf(t, released))

	_, err = conn.Receive()
	assert.ErrorIs(t, err, client.ErrTimeout)
	assert.Len(t, handle.Stop(), 1)
}

func TestBroadcastTriggerOnEmptyQueueIsSilent(t *testing.T) {
	mock := newMock(t)
	handle := mock.Start()
	conn := dialMock(t, mock.Port())

	require.NoError(t, conn.Send(trigger(nil, nil)))

	_, err := conn.Receive()
	assert.ErrorIs(t, err, client.ErrTimeout)

	requests := handle.Stop()
	require.Len(t, requests, 1)
	assert.Equal(t, protocol.OpcodeBroadcastTrigger, requests[0].Body.Opcode)
}
