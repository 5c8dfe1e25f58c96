package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wsmock/protocol"
)

const (
	// pollInterval bounds how late the worker can observe inbound data or
	// a termination order.
	pollInterval  = 50 * time.Millisecond
	inboundBuffer = 16
)

// inboundFrame is one websocket message read off the connection.
type inboundFrame struct {
	messageType int
	data        []byte
}

// accepted carries the upgraded connection and the sub-protocols the
// client offered, out of the HTTP handler and into the worker.
type accepted struct {
	conn     *websocket.Conn
	offered  []string
	selected string
}

// worker owns the listening socket and runs the whole protocol state
// machine on a single goroutine: AwaitingHandshake -> Looping ->
// Terminated. It is the only toucher of the queue and the log after start.
type worker struct {
	log      *zap.SugaredLogger
	subproto string
	listener net.Listener
	queue    *responseQueue
	record   *recording
	signal   chan<- struct{}
	ready    chan<- struct{}
	looping  chan<- struct{}
	orders   <-chan bool
	done     chan struct{}
}

func (w *worker) run() {
	defer close(w.done)

	connCh := make(chan accepted, 1)
	upgrader := websocket.Upgrader{}
	httpSrv := &http.Server{Handler: http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		offered := websocket.Subprotocols(r)
		header := http.Header{}
		selected := ""
		for _, p := range offered {
			if p == w.subproto {
				header.Set("Sec-WebSocket-Protocol", p)
				selected = p
				break
			}
		}
		conn, err := upgrader.Upgrade(rw, r, header)
		if err != nil {
			w.log.Debugw("upgrade failed", "err", err)
			return
		}
		select {
		case connCh <- accepted{conn: conn, offered: offered, selected: selected}:
		default:
			// only one connection per run
			conn.Close()
		}
	})}
	go func() { _ = httpSrv.Serve(w.listener) }()
	defer httpSrv.Close()

	w.ready <- struct{}{}
	w.log.Debug("waiting for handshake")
	acc := <-connCh
	if acc.selected == "" {
		panic(fmt.Sprintf("wsmock: unrecognized sub-protocol(s) %v, want %q", acc.offered, w.subproto))
	}
	conn := acc.conn
	defer conn.Close()
	w.looping <- struct{}{}

	inbound := make(chan inboundFrame, inboundBuffer)
	go readFrames(conn, inbound, w.log)

	w.log.Debug("entering background loop")
	for {
		// Inbound processing always precedes the termination check, so a
		// message arriving in the same tick as a stop order is still
		// recorded and answered before the loop exits.
		select {
		case in, ok := <-inbound:
			if !ok {
				inbound = nil
			} else if w.handleInbound(conn, in) {
				w.log.Debug("executed disconnect directive")
				return
			}
		default:
		}

		select {
		case kill := <-w.orders:
			w.log.Debugw("received termination order", "kill", kill)
			if !kill {
				w.writeClose(conn)
			}
			return
		default:
		}
		time.Sleep(pollInterval)
	}
}

// readFrames feeds inbound messages to the worker loop. It ends silently
// when the peer goes away; any messages already read stay deliverable.
func readFrames(conn *websocket.Conn, inbound chan<- inboundFrame, log *zap.SugaredLogger) {
	defer close(inbound)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				log.Debugw("read failed", "err", err)
			}
			return
		}
		inbound <- inboundFrame{messageType: messageType, data: data}
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) ||
		errors.Is(err, net.ErrClosed)
}

// handleInbound classifies one inbound frame, appends it to the request
// log and dispatches a reply where the protocol calls for one. It returns
// true when the worker must terminate (the "disconnect" directive).
func (w *worker) handleInbound(conn *websocket.Conn, in inboundFrame) bool {
	if in.messageType != websocket.TextMessage {
		raw := fmt.Sprintf("non-text frame (type %d): %x", in.messageType, in.data)
		w.log.Debugw("recording undecodable frame", "raw", raw)
		w.record.append(LogEntry{Raw: raw})
		w.writeText(conn, protocol.MustMarshal(
			protocol.NewUnmarshalError(raw, "only text frames carry protocol messages")))
		return false
	}

	text := string(in.data)
	body, err := protocol.Unmarshal(text)
	if err != nil {
		w.log.Debugw("recording undecodable text", "raw", text)
		w.record.append(LogEntry{Raw: text})
		w.writeText(conn, protocol.MustMarshal(protocol.NewUnmarshalError(text, err.Error())))
		return false
	}

	w.log.Debugw("recording incoming message", "opcode", body.Opcode)
	w.record.append(LogEntry{Body: &body})
	switch {
	case body.Conversational():
		return w.answerConversation(conn, body)
	case body.Opcode == protocol.OpcodeBroadcastTrigger:
		w.flushBroadcasts(conn, body)
	default:
		w.log.Debugw("responding to fire-and-forget message by forgetting", "opcode", body.Opcode)
	}
	return false
}

// answerConversation serves a conversational request from the front of the
// queue. Returns true when the popped frame is the "disconnect" directive.
func (w *worker) answerConversation(conn *websocket.Conn, body protocol.MessageBody) bool {
	frame, ok := w.queue.popFront()
	if !ok {
		w.log.Debug("queue is empty, sending sentinel")
		w.write(conn, websocket.BinaryMessage, []byte{protocol.EmptyQueueSentinel})
		return false
	}

	switch frame.Kind {
	case FrameText:
		switch frame.Text {
		case "disconnect":
			return true
		case "close":
			w.writeClose(conn)
			return false
		}
		queued, err := protocol.Unmarshal(frame.Text)
		if err == nil && !queued.Conversational() {
			// The front of the queue holds a broadcast. Restore it and
			// complain instead of answering out of order.
			w.queue.pushFront(frame)
			w.log.Debugw("queue front is fire-and-forget, not answering", "opcode", queued.Opcode)
			w.writeText(conn, protocol.MustMarshal(protocol.NewDispatchError(
				body.Opcode, *body.ContextID,
				"you tried to call up a fire-and-forget message from the queue "+
					"with a conversational request; adjust the queue or the test")))
		} else {
			// Conversational, or deliberately malformed: send verbatim.
			w.log.Debugw("responding with preset message", "text", frame.Text)
			w.writeText(conn, frame.Text)
		}
	case FrameBinary:
		w.log.Debug("responding with preset binary frame")
		w.write(conn, websocket.BinaryMessage, frame.Data)
	case FrameClose:
		w.log.Debug("responding with preset close frame")
		w.writeClose(conn)
	}
	return false
}

// flushBroadcasts releases queued fire-and-forget responses, walking the
// queue by original index over its length at trigger time. The walk stops
// at the first conversational item (broadcasts never jump over one) and,
// by documented decision, also at the first queued item that is not a
// decodable text frame.
func (w *worker) flushBroadcasts(conn *websocket.Conn, body protocol.MessageBody) {
	trigger, err := protocol.ParseBroadcastTrigger(body)
	if err != nil {
		panic(fmt.Sprintf("wsmock: broadcast trigger received but malformed: %v", err))
	}

	signal := w.signal
	w.signal = nil // the first trigger consumes the registration
	if trigger.SignalPosition != nil && signal == nil {
		panic("wsmock: trigger names a signal position but no channel was registered via InjectSignal")
	}
	if signal != nil && trigger.SignalPosition == nil {
		panic("wsmock: a signal channel was registered but the trigger names no signal position")
	}

	batch := w.queue.length()
	if trigger.BatchSize != nil {
		batch = *trigger.BatchSize
	}

	w.log.Debugw("flushing broadcasts", "batch", batch)
	sent := 0
	startLen := w.queue.length()
	for i := 0; i < startLen; i++ {
		if trigger.SignalPosition != nil && *trigger.SignalPosition == i {
			select {
			case signal <- struct{}{}:
			default:
				panic("wsmock: could not deliver broadcast signal; a dropped signal desynchronizes the test")
			}
		}
		front, ok := w.queue.peekFront()
		if !ok {
			return
		}
		if front.Kind != FrameText {
			return
		}
		queued, err := protocol.Unmarshal(front.Text)
		if err != nil || queued.Conversational() {
			return
		}
		w.queue.popFront()
		w.writeText(conn, front.Text)
		sent++
		if sent == batch {
			return
		}
	}
}

func (w *worker) writeText(conn *websocket.Conn, text string) {
	w.write(conn, websocket.TextMessage, []byte(text))
}

// writeClose is idempotent: a close frame may already have gone out via
// the "close" directive before a graceful stop sends another.
func (w *worker) writeClose(conn *websocket.Conn) {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		panic(fmt.Sprintf("wsmock: transport write failed: %v", err))
	}
}

// write aborts on failure: a transport write the double cannot complete
// means the test environment is broken.
func (w *worker) write(conn *websocket.Conn, messageType int, data []byte) {
	if err := conn.WriteMessage(messageType, data); err != nil {
		panic(fmt.Sprintf("wsmock: transport write failed: %v", err))
	}
}
