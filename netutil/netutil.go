// Package netutil holds the small pieces of network plumbing tests need.
package netutil

import (
	"fmt"
	"net"
)

// Localhost is the loopback address every mock run binds to.
func Localhost() string {
	return "127.0.0.1"
}

// FindFreePort asks the kernel for an unused TCP port. The port is released
// again before returning, so it is only race-free to the degree test
// fixtures need it to be.
func FindFreePort() uint16 {
	l, err := net.Listen("tcp", net.JoinHostPort(Localhost(), "0"))
	if err != nil {
		panic(fmt.Sprintf("netutil: could not probe for a free port: %v", err))
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}
