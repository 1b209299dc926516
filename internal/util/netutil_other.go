//go:build !unix

package util

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

const ListenFdsEnvKey = "LISTEN_FDS"

var errUnsupported = errors.New("listener inheritance is not supported on this platform")

func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	return nil, fmt.Errorf("fd %d: %w", fd, errUnsupported)
}

func CreateListener(network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported", network)
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return l, nil
}

func ParseInheritedListenerFDs(string) ([]uintptr, error) { return nil, nil }

func InheritedListeners() ([]net.Listener, error) { return nil, nil }

func IsAddrInUse(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
