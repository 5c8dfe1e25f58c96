// Command wsmock runs a single mock-server session from a fixture file of
// canned responses, for poking at protocol clients outside a Go test. On
// shutdown it prints the recorded requests as JSON; with -watch it restarts
// the session with a fresh queue whenever the fixture changes.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wsmock/netutil"
	"wsmock/protocol"
	"wsmock/server"
)

func main() {
	port := flag.Uint("port", 0, "port to listen on (0 picks a free one)")
	fixturePath := flag.String("fixture", "", "JSON file of canned responses")
	watch := flag.Bool("watch", false, "restart the session when the fixture file changes")
	verbose := flag.Bool("v", false, "write mock server diagnostics")
	flag.Parse()

	base, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer base.Sync()
	logger := base.Sugar().With("session", uuid.NewString())

	if *fixturePath == "" {
		logger.Fatal("-fixture is required")
	}
	if *port == 0 {
		*port = uint(netutil.FindFreePort())
	}

	handle, proto := startSession(logger, uint16(*port), *fixturePath, *verbose)
	logger.Infow("mock server running", "port", *port, "protocol", proto)

	var events chan fsnotify.Event
	var watchErrs chan error
	if *watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Fatalw("could not create watcher", "err", err)
		}
		defer watcher.Close()
		// Watch the directory: editors replace files rather than write
		// them in place, which would silently drop a file-level watch.
		if err := watcher.Add(filepath.Dir(*fixturePath)); err != nil {
			logger.Fatalw("could not watch fixture directory", "err", err)
		}
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	target, _ := filepath.Abs(*fixturePath)
	for {
		select {
		case ev := <-events:
			name, _ := filepath.Abs(ev.Name)
			if name != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Infow("fixture changed, restarting session")
			dumpEntries(logger, handle.Kill())
			handle, proto = startSession(logger, uint16(*port), *fixturePath, *verbose)
			logger.Infow("mock server running", "port", *port, "protocol", proto)
		case err := <-watchErrs:
			logger.Warnw("watcher error", "err", err)
		case <-sig:
			dumpEntries(logger, handle.Stop())
			return
		}
	}
}

func startSession(logger *zap.SugaredLogger, port uint16, fixturePath string, verbose bool) (*server.StopHandle, string) {
	fix, err := loadFixture(fixturePath)
	if err != nil {
		logger.Fatalw("could not load fixture", "err", err)
	}
	mock := server.New(port).Protocol(fix.Protocol)
	if verbose {
		mock.WriteLogs()
	}
	if err := fix.apply(mock); err != nil {
		logger.Fatalw("bad fixture", "err", err)
	}
	return mock.Start(), fix.Protocol
}

// recordedRequest is the JSON shape of one request-log entry on stdout.
type recordedRequest struct {
	Message json.RawMessage `json:"message,omitempty"`
	Raw     string          `json:"raw,omitempty"`
}

func dumpEntries(logger *zap.SugaredLogger, entries []server.LogEntry) {
	out := make([]recordedRequest, 0, len(entries))
	for _, e := range entries {
		if e.Decoded() {
			out = append(out, recordedRequest{Message: json.RawMessage(protocol.MustMarshal(*e.Body))})
		} else {
			out = append(out, recordedRequest{Raw: e.Raw})
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Warnw("could not dump recorded requests", "err", err)
	}
}
