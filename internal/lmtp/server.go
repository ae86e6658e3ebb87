package lmtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/logging"
)

// Server wraps a go-smtp server in LMTP mode.
type Server struct {
	server *gosmtp.Server
	addr   string
	logger *slog.Logger
}

// NewServer configures an LMTP server from s.Config.LMTP.
func NewServer(s *core.Stack) *Server {
	cfg := s.Config.LMTP
	srv := gosmtp.NewServer(NewBackend(s))
	srv.LMTP = true
	srv.Domain = s.Config.Hostname
	srv.ReadTimeout = cfg.Timeout()
	srv.WriteTimeout = cfg.Timeout()
	srv.MaxMessageBytes = cfg.MaxMessageSize
	srv.EnableSMTPUTF8 = true
	logger := s.Logger.With(slog.String("runner", "lmtp"))
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		srv.Debug = logging.NewTransactionWriter(io.Discard, logger, "lmtp")
	}
	return &Server{
		server: srv,
		addr:   cfg.Address,
		logger: logger,
	}
}

// Listen opens the configured address. An address starting with "/" or
// "unix:" is a unix socket.
func (s *Server) Listen() (net.Listener, error) {
	if path, ok := strings.CutPrefix(s.addr, "unix:"); ok || strings.HasPrefix(s.addr, "/") {
		if !ok {
			path = s.addr
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("lmtp: removing stale socket: %w", err)
		}
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", s.addr)
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return fmt.Errorf("lmtp: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting listener", slog.String("address", ln.Addr().String()))
		errc <- s.server.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("lmtp: serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down listener")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error shutting down server", slog.String("error", err.Error()))
	}
	<-errc
	return nil
}
