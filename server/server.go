package server

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wsmock/netutil"
	"wsmock/protocol"
)

const (
	// startSettleDelay masks OS-level accept-latency races in callers
	// that connect immediately after Start returns.
	startSettleDelay = 250 * time.Millisecond
	// killSettleDelay lets the OS reclaim the port after a kill before
	// the caller might rebind it.
	killSettleDelay = 150 * time.Millisecond
)

// runIndex numbers mock runs process-wide, for log-line correlation only.
var runIndex atomic.Uint64

// MockServer accumulates configuration for one mock run. All methods
// before Start are pure configuration mutators returning the builder for
// chaining; a MockServer is started at most once.
type MockServer struct {
	port     uint16
	subproto string
	logs     bool
	logger   *zap.Logger
	queue    *responseQueue
	signal   chan<- struct{}
}

// New creates a mock server that will listen on the given localhost port.
func New(port uint16) *MockServer {
	return &MockServer{
		port:     port,
		subproto: protocol.DefaultProtocol,
		queue:    &responseQueue{},
	}
}

// Port returns the configured port.
func (s *MockServer) Port() uint16 {
	return s.port
}

// Protocol overrides the sub-protocol name required during the handshake.
func (s *MockServer) Protocol(name string) *MockServer {
	s.subproto = name
	return s
}

// QueueResponse appends a canned protocol message to the response queue.
func (s *MockServer) QueueResponse(body protocol.MessageBody) *MockServer {
	return s.QueueString(protocol.MustMarshal(body))
}

// QueueString appends a pre-encoded text frame to the response queue.
func (s *MockServer) QueueString(raw string) *MockServer {
	return s.QueueFrame(TextFrame(raw))
}

// QueueFrame appends an arbitrary frame to the response queue.
func (s *MockServer) QueueFrame(f Frame) *MockServer {
	s.queue.push(f)
	return s
}

// InjectSignal registers a one-shot synchronization channel, fired during a
// broadcast flush at the position the trigger names. The channel must be
// buffered or have a pinned receiver; an undeliverable signal is fatal.
// The first trigger consumes the registration.
func (s *MockServer) InjectSignal(ch chan<- struct{}) *MockServer {
	s.signal = ch
	return s
}

// WriteLogs enables diagnostic logging for this run.
func (s *MockServer) WriteLogs() *MockServer {
	s.logs = true
	return s
}

// WithLogger routes diagnostics to the given logger (zaptest in tests) and
// implies WriteLogs.
func (s *MockServer) WithLogger(l *zap.Logger) *MockServer {
	s.logger = l
	return s
}

// Start binds the listener, spawns the worker and blocks until the worker
// is ready to accept plus a fixed settling delay. A bind failure aborts the
// process: test infrastructure that cannot bind is an environment error,
// not a case under test.
func (s *MockServer) Start() *StopHandle {
	index := runIndex.Add(1) - 1
	logger := s.runLogger(index)

	addr := net.JoinHostPort(netutil.Localhost(), strconv.Itoa(int(s.port)))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		panic(fmt.Sprintf("wsmock: could not bind %s: %v", addr, err))
	}

	record := &recording{}
	ready := make(chan struct{}, 1)
	looping := make(chan struct{}, 1)
	orders := make(chan bool, 1)
	w := &worker{
		log:      logger,
		subproto: s.subproto,
		listener: listener,
		queue:    s.queue,
		record:   record,
		signal:   s.signal,
		ready:    ready,
		looping:  looping,
		orders:   orders,
		done:     make(chan struct{}),
	}

	logger.Debug("starting background worker")
	go w.run()
	<-ready
	time.Sleep(startSettleDelay)
	return &StopHandle{
		log:     logger,
		record:  record,
		looping: looping,
		orders:  orders,
		done:    w.done,
	}
}

func (s *MockServer) runLogger(index uint64) *zap.SugaredLogger {
	base := s.logger
	if base == nil {
		if !s.logs {
			return zap.NewNop().Sugar()
		}
		var err error
		base, err = zap.NewDevelopment()
		if err != nil {
			panic(fmt.Sprintf("wsmock: could not build logger: %v", err))
		}
	}
	return base.Sugar().With("server", index, "run", uuid.NewString())
}
