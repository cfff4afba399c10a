// Package client provides a Go client for the shardfs coordinator and the
// interactive shell built on it.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/fruitsalade/shardfs/pkg/protocol"
)

// RemoteError is an "ERROR:" reply from the coordinator.
type RemoteError struct {
	Reply string
}

func (e *RemoteError) Error() string {
	return e.Reply
}

// Client holds one connection to the coordinator. Commands are sent and
// answered one at a time; a Client is not safe for concurrent use.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
}

// Dial connects to the coordinator at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, br: bufio.NewReaderSize(conn, 32*1024)}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(cmd protocol.Command) error {
	if _, err := io.WriteString(c.conn, cmd.String()+"\n"); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Verb, err)
	}
	return nil
}

func (c *Client) status() (string, error) {
	reply, err := protocol.ReadStatus(c.br)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}

// Upload sends content as filename into the coordinator directory dest
// and returns the status reply.
func (c *Client) Upload(filename, dest string, content io.Reader) (string, error) {
	cmd := protocol.Command{Verb: protocol.VerbUpload, Args: []string{filename, dest}}
	if _, err := io.WriteString(c.conn, cmd.String()+protocol.EndMarker); err != nil {
		return "", fmt.Errorf("send ufile: %w", err)
	}
	if _, err := io.Copy(c.conn, content); err != nil {
		return "", fmt.Errorf("send payload: %w", err)
	}
	if _, err := io.WriteString(c.conn, protocol.EndMarker); err != nil {
		return "", fmt.Errorf("send payload end: %w", err)
	}
	return c.status()
}

// UploadFile uploads the local file at localPath under its base name.
func (c *Client) UploadFile(localPath, dest string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return c.Upload(filepath.Base(localPath), dest, f)
}

// Download fetches virtualPath and writes its content to w. It returns
// the filename announced by the coordinator.
func (c *Client) Download(virtualPath string, w io.Writer) (string, error) {
	if err := c.send(protocol.Command{Verb: protocol.VerbDownload, Args: []string{virtualPath}}); err != nil {
		return "", err
	}
	name, err := c.status()
	if err != nil {
		return "", err
	}
	if protocol.IsError(name) {
		return "", &RemoteError{Reply: name}
	}
	if _, err := io.Copy(w, protocol.NewMarkerReader(c.br)); err != nil {
		return name, fmt.Errorf("read content of %s: %w", name, err)
	}
	return name, nil
}

// DownloadTo fetches virtualPath into dir, keeping the announced filename,
// and returns the path written.
func (c *Client) DownloadTo(virtualPath, dir string) (string, error) {
	tmp, err := os.CreateTemp(dir, ".shardfs-download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	name, err := c.Download(virtualPath, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}

	target := filepath.Join(dir, filepath.Base(name))
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}
	return target, nil
}

// Remove deletes virtualPath. The coordinator does not answer removes of
// unsupported file types, so callers must check the extension first.
func (c *Client) Remove(virtualPath string) (string, error) {
	if err := c.send(protocol.Command{Verb: protocol.VerbRemove, Args: []string{virtualPath}}); err != nil {
		return "", err
	}
	return c.status()
}

// Display returns the combined listing of virtualPath.
func (c *Client) Display(virtualPath string) (string, error) {
	if err := c.send(protocol.Command{Verb: protocol.VerbDisplay, Args: []string{virtualPath}}); err != nil {
		return "", err
	}
	body, err := protocol.ReadListing(c.br)
	if err != nil {
		return "", fmt.Errorf("read listing: %w", err)
	}
	if protocol.IsError(body) {
		return "", &RemoteError{Reply: body}
	}
	return body, nil
}

// Tar sends a dtar request and returns the reply.
func (c *Client) Tar(operand string) (string, error) {
	if err := c.send(protocol.Command{Verb: protocol.VerbTar, Args: []string{operand}}); err != nil {
		return "", err
	}
	return c.status()
}

// IsRemote reports whether err is a coordinator "ERROR:" reply.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
