// Package netserve runs a TCP accept loop that hands every connection to
// its own goroutine. Workers share nothing; the only state kept here is
// the set of live workers, so shutdown can wait for them.
package netserve

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/shardfs/internal/logging"
	"github.com/fruitsalade/shardfs/internal/metrics"
)

// Handler serves one accepted connection. The server closes conn when
// ServeConn returns.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// ServeConn calls f(ctx, conn).
func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Server is a goroutine-per-connection TCP server.
type Server struct {
	name    string
	handler Handler
	workers sync.WaitGroup
}

// New creates a Server. name tags log lines.
func New(name string, handler Handler) *Server {
	return &Server{name: name, handler: handler}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is cancelled or l fails.
// Cancelling ctx closes the listener and every open connection, and
// Serve returns once all workers have finished.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	logging.Info("listening", zap.String("server", s.name), zap.String("addr", l.Addr().String()))

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.workers.Wait()
				return nil
			}
			logging.Warn("accept failed", zap.String("server", s.name), zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.workers.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.workers.Done()
	defer conn.Close()

	closeOnCancel := context.AfterFunc(ctx, func() { conn.Close() })
	defer closeOnCancel()

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	ctx = logging.WithConn(ctx, conn)
	log := logging.WithContext(ctx)
	log.Debug("connection accepted", zap.String("server", s.name))
	start := time.Now()

	s.handler.ServeConn(ctx, conn)

	log.Debug("connection closed", zap.String("server", s.name), zap.Duration("duration", time.Since(start)))
}
