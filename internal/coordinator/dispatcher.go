// Package coordinator implements the client-facing daemon. It keeps .c
// files on its own disk, forwards .pdf and .txt operations to the backing
// stores and merges their listings into one view.
package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/shardfs/internal/logging"
	"github.com/fruitsalade/shardfs/internal/metrics"
	"github.com/fruitsalade/shardfs/internal/peer"
	"github.com/fruitsalade/shardfs/internal/storage"
	"github.com/fruitsalade/shardfs/internal/vpath"
	"github.com/fruitsalade/shardfs/pkg/protocol"
)

const readBufferSize = 32 * 1024

// Peer is a backing store as seen from the coordinator. Paths are absolute
// coordinator paths; the peer rewrites the namespace root.
type Peer interface {
	Name() string
	Upload(ctx context.Context, absPath string, payload io.Reader) (string, int64, error)
	// Download relays the store's response to w. A relayed error line is
	// reported as peer.ErrRemote.
	Download(ctx context.Context, absPath string, w io.Writer) (int64, error)
	Remove(ctx context.Context, absPath string) (string, error)
	List(ctx context.Context, absPath string) ([]string, error)
}

// Config holds the coordinator's namespace settings.
type Config struct {
	// NamespaceRoot is the first segment every dfile path must start with.
	NamespaceRoot string
	// Home expands '~' in client paths.
	Home string
}

// Coordinator serves client connections.
type Coordinator struct {
	cfg    Config
	router *storage.Router
	local  storage.Backend
	peers  map[string]Peer
}

// New creates a Coordinator. Each peer is bound to the route of the same
// name in router; local stores the files of the router's local route.
func New(cfg Config, router *storage.Router, local storage.Backend, peers ...Peer) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		router: router,
		local:  local,
		peers:  make(map[string]Peer, len(peers)),
	}
	for _, p := range peers {
		c.peers[p.Name()] = p
	}
	return c
}

// ServeConn runs the command loop for one client until it disconnects or
// the stream can no longer be trusted.
func (c *Coordinator) ServeConn(ctx context.Context, conn net.Conn) {
	log := logging.WithContext(ctx)
	br := bufio.NewReaderSize(conn, readBufferSize)

	for {
		line, hasPayload, err := protocol.ReadCommand(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("client disconnected")
				return
			}
			if errors.Is(err, protocol.ErrCommandTooLong) {
				metrics.RecordFramingError()
			}
			log.Warn("read command failed", zap.Error(err))
			return
		}
		if strings.TrimSpace(line) == "" && !hasPayload {
			continue
		}

		var payload *protocol.MarkerReader
		if hasPayload {
			payload = protocol.NewMarkerReader(br)
		}

		if err := c.dispatch(ctx, conn, line, payload); err != nil {
			log.Warn("connection aborted", zap.String("command", line), zap.Error(err))
			return
		}

		if payload != nil && !payload.Done() {
			if _, err := io.Copy(io.Discard, payload); err != nil {
				metrics.RecordFramingError()
				log.Warn("discard payload failed", zap.Error(err))
				return
			}
		}
	}
}

// dispatch answers one command. A returned error means the connection
// must be dropped.
func (c *Coordinator) dispatch(ctx context.Context, w io.Writer, line string, payload *protocol.MarkerReader) error {
	start := time.Now()
	log := logging.WithContext(ctx)

	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		log.Warn("bad command", zap.String("line", line), zap.Error(err))
		verb := "invalid"
		if !errors.Is(err, protocol.ErrUnknownVerb) && cmd.Verb != "" {
			verb = string(cmd.Verb)
		}
		metrics.RecordCommand(verb, "", false, time.Since(start))
		return c.replyMalformed(cmd.Verb, w)
	}

	var body io.Reader = strings.NewReader("")
	if payload != nil {
		body = payload
	}

	var (
		route string
		ok    bool
	)
	switch cmd.Verb {
	case protocol.VerbUpload:
		route, ok, err = c.handleUpload(ctx, w, cmd, body)
	case protocol.VerbDownload:
		route, ok, err = c.handleDownload(ctx, w, cmd)
	case protocol.VerbRemove:
		route, ok, err = c.handleRemove(ctx, w, cmd)
	case protocol.VerbDisplay:
		ok, err = c.handleDisplay(ctx, w, cmd)
	case protocol.VerbTar:
		err = protocol.WriteStatus(w, protocol.MsgTarPending)
	}

	metrics.RecordCommand(string(cmd.Verb), route, ok, time.Since(start))
	log.Info("command handled",
		zap.String("verb", string(cmd.Verb)),
		zap.String("path", cmd.Path()),
		zap.String("route", route),
		zap.Bool("ok", ok),
		zap.Duration("duration", time.Since(start)))
	return err
}

func (c *Coordinator) replyMalformed(verb protocol.Verb, w io.Writer) error {
	switch verb {
	case protocol.VerbUpload:
		return protocol.WriteStatus(w, protocol.MsgUploadFailed)
	case protocol.VerbDownload:
		return protocol.WriteStatus(w, protocol.MsgInvalidPath)
	case protocol.VerbRemove:
		return protocol.WriteStatus(w, protocol.MsgRemoveFailed)
	case protocol.VerbDisplay:
		return protocol.WriteListing(w, protocol.MsgNoListing)
	case protocol.VerbTar:
		return protocol.WriteStatus(w, protocol.MsgTarPending)
	}
	// Unknown verbs get no reply.
	return nil
}

func (c *Coordinator) peer(route storage.Route) (Peer, error) {
	p, ok := c.peers[route.Name]
	if !ok {
		return nil, fmt.Errorf("no peer configured for route %q", route.Name)
	}
	return p, nil
}

func (c *Coordinator) handleUpload(ctx context.Context, w io.Writer, cmd protocol.Command, payload io.Reader) (string, bool, error) {
	log := logging.WithContext(ctx)
	filename := cmd.Path()

	route, err := c.router.Resolve(filename)
	if err != nil {
		log.Info("upload rejected", zap.String("file", filename), zap.Error(err))
		return "", false, protocol.WriteStatus(w, protocol.MsgUnsupportedType)
	}

	target, err := vpath.JoinFile(cmd.Dest(), filename, c.cfg.Home)
	if err != nil {
		log.Error("resolve upload target failed",
			zap.String("file", filename), zap.String("dest", cmd.Dest()), zap.Error(err))
		return route.Name, false, protocol.WriteStatus(w, protocol.MsgUploadFailed)
	}

	if route.Local {
		body := &protocol.PayloadReader{R: payload}
		n, err := c.local.PutObject(ctx, target, body)
		metrics.RecordUpload(route.Name, n)
		if body.Err != nil {
			// The client broke off mid-payload; drop what was written.
			if rmErr := c.local.DeleteObject(ctx, target); rmErr != nil && !errors.Is(rmErr, storage.ErrNotFound) {
				log.Error("remove partial upload failed", zap.String("path", target), zap.Error(rmErr))
			}
			return route.Name, false, body.Err
		}
		if err != nil {
			log.Error("local upload failed", zap.String("path", target), zap.Error(err))
			return route.Name, false, protocol.WriteStatus(w, protocol.MsgUploadWriteFailed)
		}
		return route.Name, true, protocol.WriteStatus(w, protocol.MsgUploadOK)
	}

	p, err := c.peer(route)
	if err != nil {
		log.Error("upload not forwarded", zap.Error(err))
		return route.Name, false, protocol.WriteStatus(w, protocol.MsgUploadFailed)
	}
	reply, n, err := p.Upload(ctx, target, payload)
	metrics.RecordUpload(route.Name, n)
	if err != nil {
		if errors.Is(err, protocol.ErrUnterminated) {
			return route.Name, false, err
		}
		return route.Name, false, protocol.WriteStatus(w, protocol.MsgUploadFailed)
	}
	return route.Name, reply == protocol.MsgUploadOK, protocol.WriteStatus(w, reply)
}

func (c *Coordinator) handleDownload(ctx context.Context, w io.Writer, cmd protocol.Command) (string, bool, error) {
	log := logging.WithContext(ctx)
	vp := cmd.Path()

	if !vpath.UnderRoot(vp, c.cfg.NamespaceRoot) {
		log.Info("download outside namespace", zap.String("path", vp))
		return "", false, protocol.WriteStatus(w, protocol.MsgInvalidPath)
	}

	route, err := c.router.Resolve(vpath.Base(vp))
	if err != nil {
		return "", false, protocol.WriteStatus(w, protocol.MsgInvalidFileType)
	}

	abs, err := vpath.Resolve(vp, c.cfg.Home)
	if err != nil {
		log.Error("resolve path failed", zap.String("path", vp), zap.Error(err))
		return route.Name, false, protocol.WriteStatus(w, protocol.MsgFileNotFound)
	}

	if route.Local {
		rc, _, err := c.local.GetObject(ctx, abs)
		if err != nil {
			log.Info("local download failed", zap.String("path", abs), zap.Error(err))
			return route.Name, false, protocol.WriteStatus(w, protocol.MsgFileNotFound)
		}
		defer rc.Close()
		n, err := protocol.WriteDownload(w, vpath.Base(abs), rc)
		metrics.RecordDownload(route.Name, n)
		return route.Name, err == nil, err
	}

	p, err := c.peer(route)
	if err != nil {
		log.Error("download not forwarded", zap.Error(err))
		return route.Name, false, protocol.WriteStatus(w, protocol.MsgFileNotFound)
	}
	n, err := p.Download(ctx, abs, w)
	metrics.RecordDownload(route.Name, n)
	if errors.Is(err, peer.ErrRemote) {
		// The store's error line was relayed as is.
		return route.Name, false, nil
	}
	if err != nil {
		if n > 0 {
			// Part of the frame already reached the client.
			return route.Name, false, err
		}
		return route.Name, false, protocol.WriteStatus(w, protocol.MsgFileNotFound)
	}
	return route.Name, true, nil
}

func (c *Coordinator) handleRemove(ctx context.Context, w io.Writer, cmd protocol.Command) (string, bool, error) {
	log := logging.WithContext(ctx)
	vp := cmd.Path()

	route, err := c.router.Resolve(vpath.Base(vp))
	if err != nil {
		log.Info("remove of unsupported type, no reply sent", zap.String("path", vp))
		return "", false, nil
	}

	abs, err := vpath.Resolve(vp, c.cfg.Home)
	if err != nil {
		log.Error("resolve path failed", zap.String("path", vp), zap.Error(err))
		return route.Name, false, protocol.WriteStatus(w, protocol.MsgRemoveFailed)
	}

	if route.Local {
		if err := c.local.DeleteObject(ctx, abs); err != nil {
			log.Info("local remove failed", zap.String("path", abs), zap.Error(err))
			return route.Name, false, protocol.WriteStatus(w, protocol.MsgRemoveFailed)
		}
		return route.Name, true, protocol.WriteStatus(w, protocol.MsgRemoved)
	}

	p, err := c.peer(route)
	if err != nil {
		log.Error("remove not forwarded", zap.Error(err))
		return route.Name, false, protocol.WriteStatus(w, protocol.MsgRemoveFailed)
	}
	reply, err := p.Remove(ctx, abs)
	if err != nil {
		return route.Name, false, protocol.WriteStatus(w, protocol.MsgRemoveFailed)
	}
	return route.Name, reply == protocol.MsgStoreRemoved, protocol.WriteStatus(w, reply)
}

func (c *Coordinator) handleDisplay(ctx context.Context, w io.Writer, cmd protocol.Command) (bool, error) {
	log := logging.WithContext(ctx)
	vp := cmd.Path()

	abs, err := vpath.Resolve(vp, c.cfg.Home)
	if err != nil {
		log.Error("resolve path failed", zap.String("path", vp), zap.Error(err))
		return false, protocol.WriteListing(w, protocol.MsgNoListing)
	}

	var local []string
	if route, ok := c.router.Local(); ok {
		local, err = c.local.List(ctx, abs, route.Suffix)
		if err != nil {
			log.Debug("local listing empty", zap.String("path", abs), zap.Error(err))
		}
	}

	var remote [][]string
	for _, route := range c.router.Remote() {
		p, err := c.peer(route)
		if err != nil {
			continue
		}
		entries, err := p.List(ctx, abs)
		if err != nil {
			log.Debug("store listing empty", zap.String("store", route.Name), zap.Error(err))
			continue
		}
		remote = append(remote, entries)
	}

	body := Aggregate(local, remote...)
	if body == "" {
		return false, protocol.WriteListing(w, protocol.MsgNoListing)
	}
	return true, protocol.WriteListing(w, body)
}
