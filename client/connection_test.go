package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"wsmock/netutil"
	"wsmock/protocol"
)

func TestDialFailsWhenNothingListens(t *testing.T) {
	_, err := Dial(netutil.FindFreePort(), protocol.DefaultProtocol)

	assert.ErrorContains(t, err, "dial")
}
