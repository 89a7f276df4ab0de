//go:build !unix

package server

import (
	"errors"
	"net"
)

func listenUnix(path string) (net.Listener, error) {
	return nil, errors.New("unix domain sockets are not supported on this platform")
}
