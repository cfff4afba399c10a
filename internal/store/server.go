// Package store implements a backing-store daemon. A store owns the files
// of one extension under its own root directory and answers exactly one
// command per connection.
package store

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/shardfs/internal/logging"
	"github.com/fruitsalade/shardfs/internal/metrics"
	"github.com/fruitsalade/shardfs/internal/storage"
	"github.com/fruitsalade/shardfs/internal/vpath"
	"github.com/fruitsalade/shardfs/pkg/protocol"
)

const readBufferSize = 32 * 1024

// Config describes one store instance.
type Config struct {
	// Name tags logs and metrics ("pdf", "text").
	Name string
	// Suffix selects the entries returned by display (".pdf").
	Suffix string
	// NamespaceRoot is the coordinator's root segment, rewritten to Root.
	NamespaceRoot string
	Root          string
	// Home expands any '~' path that reaches the store directly.
	Home string
}

// Server serves the store protocol over a storage.Backend.
type Server struct {
	cfg     Config
	backend storage.Backend
}

// New creates a store Server.
func New(cfg Config, backend storage.Backend) *Server {
	return &Server{cfg: cfg, backend: backend}
}

// storePath maps an incoming path into this store's root.
func (s *Server) storePath(p string) (string, error) {
	abs, err := vpath.Resolve(p, s.cfg.Home)
	if err != nil {
		return "", err
	}
	out, _ := vpath.RewriteRoot(abs, s.cfg.NamespaceRoot, s.cfg.Root)
	return out, nil
}

// ServeConn reads one command from conn, answers it and returns. The
// caller closes conn.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	log := logging.WithContext(ctx).With(zap.String("store", s.cfg.Name))
	br := bufio.NewReaderSize(conn, readBufferSize)

	line, _, err := protocol.ReadCommand(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Debug("connection closed by peer")
			return
		}
		metrics.RecordFramingError()
		log.Warn("read command failed", zap.Error(err))
		return
	}

	start := time.Now()
	cmd, err := protocol.ParseStoreCommand(line)
	if err != nil {
		log.Warn("bad command", zap.String("line", line), zap.Error(err))
		if cmd.Verb == protocol.VerbUpload {
			protocol.WriteStatus(conn, protocol.MsgUploadFailed)
		}
		verb := "invalid"
		if !errors.Is(err, protocol.ErrUnknownVerb) && cmd.Verb != "" {
			verb = string(cmd.Verb)
		}
		metrics.RecordCommand(verb, s.cfg.Name, false, time.Since(start))
		return
	}

	p, err := s.storePath(cmd.Path())
	if err != nil {
		log.Error("resolve path failed", zap.String("path", cmd.Path()), zap.Error(err))
		return
	}
	log = log.With(zap.String("verb", string(cmd.Verb)), zap.String("path", p))
	ctx = logging.WithFields(ctx, zap.String("store", s.cfg.Name))

	var ok bool
	switch cmd.Verb {
	case protocol.VerbUpload:
		ok = s.handleUpload(ctx, conn, br, p)
	case protocol.VerbDownload:
		ok = s.handleDownload(ctx, conn, p)
	case protocol.VerbRemove:
		ok = s.handleRemove(ctx, conn, p)
	case protocol.VerbDisplay:
		ok = s.handleDisplay(ctx, conn, p)
	case protocol.VerbTar:
		protocol.WriteStatus(conn, protocol.MsgTarPending)
	}

	metrics.RecordCommand(string(cmd.Verb), s.cfg.Name, ok, time.Since(start))
	log.Info("command handled", zap.Bool("ok", ok), zap.Duration("duration", time.Since(start)))
}

// handleUpload writes everything after the command line, up to the
// coordinator's half-close, to p. A payload that ends in a read error
// means the coordinator aborted the upload: the partial file is removed
// and no reply is sent.
func (s *Server) handleUpload(ctx context.Context, conn net.Conn, payload io.Reader, p string) bool {
	log := logging.WithContext(ctx)
	body := &protocol.PayloadReader{R: payload}

	n, err := s.backend.PutObject(ctx, p, body)
	metrics.RecordUpload(s.cfg.Name, n)
	if err == nil {
		protocol.WriteStatus(conn, protocol.MsgUploadOK)
		return true
	}

	if body.Err == nil {
		// The write failed; consume the rest so the coordinator can
		// finish sending and read the reply.
		_, body.Err = io.Copy(io.Discard, payload)
	}
	if body.Err != nil {
		log.Warn("upload aborted by sender", zap.String("path", p), zap.Error(body.Err))
		if rmErr := s.backend.DeleteObject(ctx, p); rmErr != nil && !errors.Is(rmErr, storage.ErrNotFound) {
			log.Error("remove partial upload failed", zap.String("path", p), zap.Error(rmErr))
		}
		return false
	}

	log.Error("upload failed", zap.String("path", p), zap.Error(err))
	protocol.WriteStatus(conn, protocol.MsgUploadWriteFailed)
	return false
}

// handleDownload sends the filename line, the content and END_CMD.
func (s *Server) handleDownload(ctx context.Context, conn net.Conn, p string) bool {
	rc, _, err := s.backend.GetObject(ctx, p)
	if err != nil {
		logging.WithContext(ctx).Info("download of missing file", zap.String("path", p), zap.Error(err))
		protocol.WriteStatus(conn, protocol.MsgFileNotFound)
		return false
	}
	defer rc.Close()

	n, err := protocol.WriteDownload(conn, vpath.Base(p), rc)
	metrics.RecordDownload(s.cfg.Name, n)
	if err != nil {
		logging.WithContext(ctx).Error("download failed", zap.String("path", p), zap.Error(err))
		return false
	}
	return true
}

func (s *Server) handleRemove(ctx context.Context, conn net.Conn, p string) bool {
	exists, err := s.backend.ObjectExists(ctx, p)
	if err != nil {
		logging.WithContext(ctx).Error("stat failed", zap.String("path", p), zap.Error(err))
		protocol.WriteStatus(conn, protocol.MsgStoreRemoveFailed)
		return false
	}
	if !exists {
		protocol.WriteStatus(conn, protocol.MsgStoreNotFound)
		return false
	}
	if err := s.backend.DeleteObject(ctx, p); err != nil {
		logging.WithContext(ctx).Error("remove failed", zap.String("path", p), zap.Error(err))
		protocol.WriteStatus(conn, protocol.MsgStoreRemoveFailed)
		return false
	}
	protocol.WriteStatus(conn, protocol.MsgStoreRemoved)
	return true
}

func (s *Server) handleDisplay(ctx context.Context, conn net.Conn, p string) bool {
	names, err := s.backend.List(ctx, p, s.cfg.Suffix)
	if err != nil {
		msg := protocol.MsgNoSuchDir
		if errors.Is(err, storage.ErrNotDir) {
			msg = protocol.MsgNotADir
		}
		logging.WithContext(ctx).Info("listing failed", zap.String("path", p), zap.Error(err))
		protocol.WriteListing(conn, msg)
		return false
	}

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('\n')
	}
	protocol.WriteListing(conn, b.String())
	return true
}
