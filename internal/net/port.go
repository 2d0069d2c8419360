// Package net has small networking helpers shared by tests and commands.
package net

import (
	"fmt"
	"net"
	"strconv"
)

// EphemeralPort asks the kernel for a free TCP port on host and releases it.
// Another process may grab the port before the caller binds it.
func EphemeralPort(host string) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", host, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// EphemeralAddr is EphemeralPort formatted as a listen address.
func EphemeralAddr(host string) (string, int, error) {
	port, err := EphemeralPort(host)
	if err != nil {
		return "", 0, err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), port, nil
}
