package server

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

// StopHandle is the only control surface of a running mock. It is consumed
// by the first Stop or Kill; later calls find nothing to join and return an
// empty log.
type StopHandle struct {
	log     *zap.SugaredLogger
	record  *recording
	looping <-chan struct{}
	orders  chan<- bool
	done    <-chan struct{}
}

// Stop orders a graceful shutdown: the worker sends a Close frame to the
// peer before exiting. It blocks until the worker goroutine has exited and
// returns the recorded requests in arrival order.
func (h *StopHandle) Stop() []LogEntry {
	return h.terminate(false)
}

// Kill orders an immediate shutdown with no Close frame, then waits a fixed
// settling delay so the OS can reclaim the port before the caller rebinds.
func (h *StopHandle) Kill() []LogEntry {
	entries := h.terminate(true)
	time.Sleep(killSettleDelay)
	return entries
}

// StopOnCleanup arranges for the mock to be stopped when the test ends.
func (h *StopHandle) StopOnCleanup(t testing.TB) {
	t.Cleanup(func() { h.Stop() })
}

func (h *StopHandle) terminate(kill bool) []LogEntry {
	// Non-blocking probe: did the worker ever get past its handshake? If
	// it never did, it is parked waiting for a connection that will never
	// come; joining it would hang the test, so it is abandoned instead.
	select {
	case <-h.looping:
		h.log.Debugw("sending termination order to background worker", "kill", kill)
		h.orders <- kill
		<-h.done
		h.log.Debug("background worker joined, retrieving recording")
		return h.record.snapshot()
	default:
		h.log.Debug("background worker never finished its handshake; abandoning it")
		return nil
	}
}
