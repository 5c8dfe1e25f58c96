package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsmock/protocol"
	"wsmock/server"
)

func writeFixture(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFixtureDefaultsProtocol(t *testing.T) {
	path := writeFixture(t, `{"responses":[{"text":"{\"opcode\":\"x\",\"contextId\":1}"}]}`)

	fix, err := loadFixture(path)

	require.NoError(t, err)
	assert.Equal(t, protocol.DefaultProtocol, fix.Protocol)
	require.Len(t, fix.Responses, 1)
}

func TestLoadFixtureRejectsBadJSON(t *testing.T) {
	path := writeFixture(t, `{"responses":`)

	_, err := loadFixture(path)

	assert.ErrorContains(t, err, "parse fixture")
}

func TestFixtureResponseFrames(t *testing.T) {
	text, err := FixtureResponse{Text: "hello"}.frame()
	require.NoError(t, err)
	assert.Equal(t, server.TextFrame("hello"), text)

	binary, err := FixtureResponse{Binary: "AQID"}.frame()
	require.NoError(t, err)
	assert.Equal(t, server.BinaryFrame([]byte{1, 2, 3}), binary)

	closing, err := FixtureResponse{Close: true}.frame()
	require.NoError(t, err)
	assert.Equal(t, server.CloseFrame(), closing)

	_, err = FixtureResponse{Binary: "%%%"}.frame()
	assert.ErrorContains(t, err, "base64")

	_, err = FixtureResponse{}.frame()
	assert.ErrorContains(t, err, "none of")
}
