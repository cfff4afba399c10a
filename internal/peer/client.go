// Package peer is the coordinator side of the store protocol. Each call
// opens a fresh TCP connection, sends one command and closes it after the
// store's reply; nothing is pooled or retried.
package peer

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
	"github.com/fruitsalade/shardfs/internal/vpath"
	"github.com/fruitsalade/shardfs/pkg/protocol"
)

var (
	// ErrEmptyReply is returned when a store closes without answering.
	ErrEmptyReply = errors.New("store closed the connection without a reply")
	// ErrRemote wraps an "ERROR:" reply from a store.
	ErrRemote = errors.New("store reported an error")
)

// Client talks to one backing store.
type Client struct {
	name      string
	addr      string
	nsRoot    string
	storeRoot string
	dialer    net.Dialer
}

// New creates a Client for the store at addr. Paths passed to its methods
// are absolute coordinator paths; nsRoot is rewritten to storeRoot before
// they leave the coordinator.
func New(name, addr, nsRoot, storeRoot string) *Client {
	return &Client{name: name, addr: addr, nsRoot: nsRoot, storeRoot: storeRoot}
}

// Name returns the store name used in logs and metrics.
func (c *Client) Name() string { return c.name }

// Addr returns the store address.
func (c *Client) Addr() string { return c.addr }

// StorePath maps an absolute coordinator path into the store's root.
func (c *Client) StorePath(absPath string) string {
	p, _ := vpath.RewriteRoot(absPath, c.nsRoot, c.storeRoot)
	return p
}

func (c *Client) open(ctx context.Context, verb protocol.Verb, absPath string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s store at %s: %w", c.name, c.addr, err)
	}
	var header []byte
	if verb == protocol.VerbUpload {
		header = protocol.EncodeUpload(c.StorePath(absPath), nil)
	} else {
		header = []byte(protocol.Command{Verb: verb, Args: []string{c.StorePath(absPath)}}.String() + "\n")
	}
	if _, err := conn.Write(header); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send %s to %s store: %w", verb, c.name, err)
	}
	return conn, nil
}

// observe records one request. An ErrRemote answer is a valid reply and
// does not count as a transport failure.
func (c *Client) observe(ctx context.Context, verb protocol.Verb, start time.Time, err error) {
	if errors.Is(err, ErrRemote) {
		err = nil
	}
	metrics.RecordPeerRequest(c.name, string(verb), time.Since(start), err)
	if err != nil {
		logging.WithContext(ctx).Warn("store request failed",
			zap.String("store", c.name),
			zap.String("verb", string(verb)),
			zap.Error(err))
	}
}

// Upload streams payload to the store and returns its status reply. The
// payload ends when the write side of the connection is half-closed. On a
// dial error nothing has been read from payload.
func (c *Client) Upload(ctx context.Context, absPath string, payload io.Reader) (reply string, n int64, err error) {
	start := time.Now()
	defer func() { c.observe(ctx, protocol.VerbUpload, start, err) }()

	conn, err := c.open(ctx, protocol.VerbUpload, absPath)
	if err != nil {
		return "", 0, err
	}
	defer conn.Close()

	n, err = io.Copy(conn, payload)
	if err != nil {
		abort(conn)
		return "", n, fmt.Errorf("stream payload to %s store: %w", c.name, err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return "", n, fmt.Errorf("half-close %s store: %w", c.name, err)
		}
	}

	reply, err = readReply(conn)
	return reply, n, err
}

// Download relays the store's framed download response to w without
// interpreting it: filename line, content and END_CMD, or an error line.
// It returns the number of bytes relayed. A relayed "ERROR:" line is
// reported as ErrRemote.
func (c *Client) Download(ctx context.Context, absPath string, w io.Writer) (n int64, err error) {
	start := time.Now()
	defer func() { c.observe(ctx, protocol.VerbDownload, start, err) }()

	conn, err := c.open(ctx, protocol.VerbDownload, absPath)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	head, _ := br.Peek(len(protocol.ErrorPrefix))
	failed := protocol.IsError(string(head))

	n, err = io.Copy(w, br)
	switch {
	case err != nil:
		return n, fmt.Errorf("relay download from %s store: %w", c.name, err)
	case n == 0:
		return 0, ErrEmptyReply
	case failed:
		return n, fmt.Errorf("download %s: %w", absPath, ErrRemote)
	}
	return n, nil
}

// Remove asks the store to delete absPath and returns its status reply.
func (c *Client) Remove(ctx context.Context, absPath string) (reply string, err error) {
	start := time.Now()
	defer func() { c.observe(ctx, protocol.VerbRemove, start, err) }()

	conn, err := c.open(ctx, protocol.VerbRemove, absPath)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	return readReply(conn)
}

// List asks the store for its entries under absPath. A store "ERROR:"
// listing is returned as an ErrRemote error.
func (c *Client) List(ctx context.Context, absPath string) (entries []string, err error) {
	start := time.Now()
	defer func() { c.observe(ctx, protocol.VerbDisplay, start, err) }()

	conn, err := c.open(ctx, protocol.VerbDisplay, absPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	body, err := protocol.ReadListing(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("read listing from %s store: %w", c.name, err)
	}
	if protocol.IsError(body) {
		return nil, fmt.Errorf("%s: %w", strings.TrimSpace(body), ErrRemote)
	}
	for _, line := range strings.Split(body, "\n") {
		if line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// abort closes conn with a reset instead of a FIN, so the store sees a
// read error rather than the half-close that ends a complete upload.
func abort(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
}

func readReply(conn net.Conn) (string, error) {
	b, err := io.ReadAll(io.LimitReader(conn, protocol.MaxCommandLen))
	if err != nil {
		return "", fmt.Errorf("read store reply: %w", err)
	}
	reply := strings.TrimRight(string(b), "\r\n")
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
