// Package server owns the listeners and hands accepted WebSocket
// connections to sessions.
package server

import (
	"net"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/code-colosseum/colosseum/internal/session"
	"github.com/code-colosseum/colosseum/internal/tuning"
)

// Config selects the listener. With UnixSocket set, BindAddress is a
// filesystem path and ListenPort is ignored.
type Config struct {
	BindAddress string
	ListenPort  int
	UnixSocket  bool
	Services    session.Services
}

// Run serves until the listener fails. It blocks.
func Run(log *logrus.Logger, cfg Config) error {
	var ln net.Listener
	var err error
	if cfg.UnixSocket {
		ln, err = listenUnix(cfg.BindAddress)
	} else {
		ln, err = net.Listen("tcp", net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.ListenPort)))
		if err == nil {
			ln = &nodelayListener{Listener: ln, log: log}
		}
	}
	if err != nil {
		return err
	}
	log.Info("Server up and running!")
	srv := &http.Server{Handler: &handler{log: log, srv: cfg.Services}}
	return srv.Serve(ln)
}

// nodelayListener sets TCP_NODELAY on accepted connections; game moves
// are tiny frames that must not wait for Nagle batching.
type nodelayListener struct {
	net.Listener
	log *logrus.Logger
}

func (l *nodelayListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			l.log.Warnf("Cannot set TCP_NODELAY: %v", err)
		}
	}
	return conn, nil
}

type handler struct {
	log *logrus.Logger
	srv session.Services
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// A fronting proxy terminates TLS and checks origins; the forwarded
	// address is the one worth logging.
	addr := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		addr = fwd
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warnf("Cannot start connection: %v", err)
		return
	}
	conn.SetReadLimit(tuning.ChunkSize)
	session.Run(h.log, conn, addr, h.srv)
}
