package server

import (
	"sync"

	"wsmock/protocol"
)

// FrameKind discriminates the pre-programmed outbound frame variants.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FrameClose
)

// Frame is one pre-programmed outbound websocket message.
type Frame struct {
	Kind FrameKind
	Text string // set when Kind == FrameText
	Data []byte // set when Kind == FrameBinary
}

// TextFrame queues a raw text frame, delivered verbatim.
func TextFrame(text string) Frame {
	return Frame{Kind: FrameText, Text: text}
}

// BinaryFrame queues raw bytes, delivered bit-for-bit.
func BinaryFrame(data []byte) Frame {
	return Frame{Kind: FrameBinary, Data: data}
}

// CloseFrame queues a protocol Close frame.
func CloseFrame() Frame {
	return Frame{Kind: FrameClose}
}

// responseQueue holds the canned responses. It is filled by the builder
// before start and owned exclusively by the worker afterwards; the mutex
// only covers that hand-off, there is never more than one concurrent
// toucher.
type responseQueue struct {
	mu     sync.Mutex
	frames []Frame
}

func (q *responseQueue) push(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, f)
}

func (q *responseQueue) pushFront(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append([]Frame{f}, q.frames...)
}

func (q *responseQueue) popFront() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	front := q.frames[0]
	q.frames = q.frames[1:]
	return front, true
}

func (q *responseQueue) peekFront() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	return q.frames[0], true
}

func (q *responseQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// LogEntry is one recorded inbound message. Body is set when the frame
// decoded as a protocol message; otherwise Raw holds the text (or a
// description of the non-text frame) that failed to decode.
type LogEntry struct {
	Body *protocol.MessageBody
	Raw  string
}

// Decoded reports whether the inbound frame decoded as a protocol message.
func (e LogEntry) Decoded() bool {
	return e.Body != nil
}

// recording is the request log. The worker appends during the run; the
// control side reads it only after the worker goroutine has exited, so the
// join is the only synchronization the data itself needs.
type recording struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (r *recording) append(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recording) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
