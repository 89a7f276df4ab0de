//go:build unix

package server

import (
	"net"
	"os"
	"syscall"
)

// listenUnix rebinds the socket path with a permissive umask so any
// local user can connect.
func listenUnix(path string) (net.Listener, error) {
	old := syscall.Umask(0)
	defer syscall.Umask(old)
	_ = os.Remove(path)
	return net.Listen("unix", path)
}
