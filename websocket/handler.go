package websocket

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Saidiibrahim/maze-escape/domain"
	"github.com/Saidiibrahim/maze-escape/server"
)

// Acceptor admits and registers connections before their pumps start.
type Acceptor interface {
	Events
	Admit(addr, origin string) error
	Accept(conn domain.Connection, addr string) (string, error)
}

type HandlerOptions struct {
	MaxMessageSize int
	// Throttle bounds upgrade attempts across all clients. Nil disables it.
	Throttle *rate.Limiter
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by Acceptor.Admit before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades admitted requests and hands the connection to acceptor.
func Handler(acceptor Acceptor, opts HandlerOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if opts.Throttle != nil && !opts.Throttle.Allow() {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		addr := remoteHost(r)
		if err := acceptor.Admit(addr, r.Header.Get("Origin")); err != nil {
			http.Error(w, err.Error(), admissionStatus(err))
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "addr", addr, "error", err)
			return
		}

		conn := NewConn(ws)
		id, err := acceptor.Accept(conn, addr)
		if err != nil {
			slog.Warn("connection dropped after upgrade", "addr", addr, "error", err)
			go conn.writePump()
			conn.Close(domain.CloseTryAgainLater, domain.CloseReasonCapacity)
			return
		}
		conn.Start(id, acceptor, opts.MaxMessageSize)
	}
}

func admissionStatus(err error) int {
	if errors.Is(err, server.ErrOriginDenied) {
		return http.StatusForbidden
	}
	return http.StatusServiceUnavailable
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
