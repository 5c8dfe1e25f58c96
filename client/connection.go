// Package client is the test-side counterpart of the mock server: a small
// websocket connection wrapper that speaks the message envelope and turns
// wire-level oddities into descriptive test failures.
package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"wsmock/netutil"
	"wsmock/protocol"
)

// ErrEmptyQueue reports the mock server's reserved sentinel reply: a
// conversational request arrived while its response queue was empty.
var ErrEmptyQueue = errors.New("the mock server's response queue is empty; " +
	"expected a corresponding response pulled out from the queue")

// ErrTimeout reports that nothing arrived within the receive window.
var ErrTimeout = errors.New("timed out waiting for a frame from the mock server")

const defaultReceiveTimeout = time.Second

// rawFrame is what the background reader delivers: a message or the read
// error that ended the connection.
type rawFrame struct {
	messageType int
	data        []byte
	err         error
}

// Connection is one client connection to a mock server run.
type Connection struct {
	conn    *websocket.Conn
	frames  chan rawFrame
	timeout time.Duration
}

// Dial connects to a mock run on the given localhost port, offering the
// given sub-protocol name.
func Dial(port uint16, subprotocol string) (*Connection, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(netutil.Localhost(), strconv.Itoa(int(port))),
		Path:   "/",
	}
	dialer := websocket.Dialer{
		Subprotocols:     []string{subprotocol},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", u.Host, err)
	}

	c := &Connection{
		conn:    conn,
		frames:  make(chan rawFrame, 16),
		timeout: defaultReceiveTimeout,
	}
	// Reads happen on a dedicated goroutine so that a receive timeout is a
	// plain channel timeout and never poisons the websocket read state.
	go func() {
		defer close(c.frames)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				c.frames <- rawFrame{err: err}
				return
			}
			c.frames <- rawFrame{messageType: messageType, data: data}
		}
	}()
	return c, nil
}

// SetReceiveTimeout changes the window Receive and Transact wait for a
// frame before reporting ErrTimeout.
func (c *Connection) SetReceiveTimeout(d time.Duration) {
	c.timeout = d
}

// Send marshals and sends a protocol message.
func (c *Connection) Send(body protocol.MessageBody) error {
	text, err := protocol.Marshal(body)
	if err != nil {
		return err
	}
	return c.SendText(text)
}

// SendText sends a raw text frame, marshaled or not.
func (c *Connection) SendText(text string) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	return nil
}

// Receive waits for the next text frame and decodes it. The empty-queue
// sentinel surfaces as ErrEmptyQueue, silence as ErrTimeout.
func (c *Connection) Receive() (protocol.MessageBody, error) {
	messageType, data, err := c.ReceiveFrame()
	if err != nil {
		return protocol.MessageBody{}, err
	}
	switch messageType {
	case websocket.BinaryMessage:
		if protocol.IsEmptyQueueSentinel(data) {
			return protocol.MessageBody{}, ErrEmptyQueue
		}
		return protocol.MessageBody{}, fmt.Errorf("client: expected a text frame, got binary % x", data)
	case websocket.TextMessage:
		body, err := protocol.Unmarshal(string(data))
		if err != nil {
			return protocol.MessageBody{}, fmt.Errorf("client: undecodable frame %q: %w", string(data), err)
		}
		return body, nil
	default:
		return protocol.MessageBody{}, fmt.Errorf("client: unexpected frame type %d", messageType)
	}
}

// ReceiveFrame waits for the next frame without interpreting it. A read
// error that ended the connection (including a Close frame from the
// server) is returned as-is.
func (c *Connection) ReceiveFrame() (int, []byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, errors.New("client: connection already ended")
		}
		if f.err != nil {
			return 0, nil, f.err
		}
		return f.messageType, f.data, nil
	case <-time.After(c.timeout):
		return 0, nil, ErrTimeout
	}
}

// Transact sends a conversational message and waits for its reply.
func (c *Connection) Transact(body protocol.MessageBody) (protocol.MessageBody, error) {
	if err := c.Send(body); err != nil {
		return protocol.MessageBody{}, err
	}
	return c.Receive()
}

// Close tears the connection down without a closing handshake.
func (c *Connection) Close() error {
	return c.conn.Close()
}
