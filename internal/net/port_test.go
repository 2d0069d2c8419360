package net

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEphemeralAddr(t *testing.T) {
	addr, port, err := EphemeralAddr("127.0.0.1")
	require.NoError(t, err)
	assert.NotZero(t, port)

	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, port, l.Addr().(*net.TCPAddr).Port)
}

func TestEphemeralPortBadHost(t *testing.T) {
	_, err := EphemeralPort("no such host.invalid")
	assert.Error(t, err)
}
