// Package lmtp accepts mail for lists from the local MTA over LMTP and
// files each recipient's copy on the queue that handles it.
package lmtp

import (
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/inbound"
)

// Backend implements the go-smtp Backend interface.
// It creates new sessions for each connection.
type Backend struct {
	stack  *core.Stack
	router *inbound.Router
	logger *slog.Logger
}

// NewBackend returns a backend routing recipients against s.Lists.
func NewBackend(s *core.Stack) *Backend {
	return &Backend{
		stack:  s,
		router: &inbound.Router{Lists: s.Lists, SiteOwner: s.Config.SiteOwner},
		logger: s.Logger.With(slog.String("runner", "lmtp")),
	}
}

// NewSession is called for each new connection.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.stack.Collector.ConnectionOpened()
	return &Session{
		backend: b,
		logger:  b.logger.With(slog.String("client", remoteAddr(c.Conn()))),
	}, nil
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	addr := conn.RemoteAddr()
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return addr.String()
}
