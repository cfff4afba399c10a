package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

var (
	// ErrCommandTooLong is returned when a command line exceeds MaxCommandLen.
	ErrCommandTooLong = errors.New("command line too long")
	// ErrNoDelimiter is returned when an upload frame has no newline
	// between the command and the payload.
	ErrNoDelimiter = errors.New("missing command delimiter")
	// ErrUnterminated is returned when a stream ends before END_CMD.
	ErrUnterminated = errors.New("stream ended before end marker")
)

var marker = []byte(EndMarker)

// EncodeUpload builds the coordinator-to-store upload frame.
func EncodeUpload(path string, payload []byte) []byte {
	out := make([]byte, 0, len("ufile ")+len(path)+1+len(payload))
	out = append(out, "ufile "...)
	out = append(out, path...)
	out = append(out, '\n')
	return append(out, payload...)
}

// DecodeUpload splits an upload frame on its first newline and returns the
// path operand and the payload.
func DecodeUpload(frame []byte) (string, []byte, error) {
	idx := bytes.IndexByte(frame, '\n')
	if idx < 0 {
		return "", nil, ErrNoDelimiter
	}
	cmd, err := ParseStoreCommand(string(frame[:idx]))
	if err != nil {
		return "", nil, err
	}
	if cmd.Verb != VerbUpload {
		return "", nil, ErrUnknownVerb
	}
	return cmd.Path(), frame[idx+1:], nil
}

// EncodeDownloadStart returns the filename line that opens a download.
func EncodeDownloadStart(filename string) []byte {
	return []byte(filename + "\n")
}

// EncodeDownloadEnd returns the marker that closes a download or listing.
func EncodeDownloadEnd() []byte {
	return []byte(EndMarker)
}

// ReadCommand reads one command from br. A command ends at '\n' or at
// END_CMD; payload is true when END_CMD ended it, meaning raw bytes follow
// that the caller must consume. A clean disconnect before any byte returns
// io.EOF.
func ReadCommand(br *bufio.Reader) (line string, payload bool, err error) {
	var buf []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return trimLine(buf), false, nil
			}
			return "", false, err
		}
		if b == '\n' {
			return trimLine(buf), false, nil
		}
		buf = append(buf, b)
		if bytes.HasSuffix(buf, marker) {
			return trimLine(buf[:len(buf)-len(marker)]), true, nil
		}
		if len(buf) > MaxCommandLen {
			return "", false, ErrCommandTooLong
		}
	}
}

func trimLine(b []byte) string {
	return strings.TrimRight(string(b), "\r\x00")
}

// MarkerReader yields the bytes of a stream up to the first END_CMD. The
// marker itself is consumed; nothing after it is read from the underlying
// reader's buffer. The last len(END_CMD)-1 bytes seen are held back until
// more data arrives, so a marker split across two socket reads is still
// found. A payload containing the literal marker ends at that point.
type MarkerReader struct {
	br   *bufio.Reader
	done bool
}

// NewMarkerReader wraps br. br must have a buffer of at least
// len(EndMarker) bytes, which every bufio.Reader does.
func NewMarkerReader(br *bufio.Reader) *MarkerReader {
	return &MarkerReader{br: br}
}

func (r *MarkerReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := r.br.Buffered()
	if n < len(marker) {
		n = len(marker)
	}
	buf, err := r.br.Peek(n)
	if err != nil && len(buf) < len(marker) {
		if errors.Is(err, io.EOF) {
			return 0, ErrUnterminated
		}
		return 0, err
	}

	if idx := bytes.Index(buf, marker); idx >= 0 {
		m := copy(p, buf[:idx])
		r.br.Discard(m)
		if m == idx {
			r.br.Discard(len(marker))
			r.done = true
			if m == 0 {
				return 0, io.EOF
			}
		}
		return m, nil
	}

	safe := len(buf) - (len(marker) - 1)
	m := copy(p, buf[:safe])
	r.br.Discard(m)
	return m, nil
}

// Done reports whether the end marker has been consumed.
func (r *MarkerReader) Done() bool {
	return r.done
}

// PayloadReader wraps an upload payload and records the first read error
// other than io.EOF. After a failed store, Err tells a broken sender apart
// from a failed write.
type PayloadReader struct {
	R   io.Reader
	Err error
}

func (p *PayloadReader) Read(b []byte) (int, error) {
	n, err := p.R.Read(b)
	if err != nil && err != io.EOF && p.Err == nil {
		p.Err = err
	}
	return n, err
}

// WriteDownload writes a download frame for content to w: the filename
// line, the raw content and END_CMD. It returns the bytes written.
func WriteDownload(w io.Writer, filename string, content io.Reader) (int64, error) {
	var total int64
	n, err := w.Write(EncodeDownloadStart(filename))
	total += int64(n)
	if err != nil {
		return total, err
	}
	c, err := io.Copy(w, content)
	total += c
	if err != nil {
		return total, err
	}
	n, err = w.Write(EncodeDownloadEnd())
	total += int64(n)
	return total, err
}

// WriteStatus sends a one-line status reply.
func WriteStatus(w io.Writer, msg string) error {
	_, err := io.WriteString(w, msg+"\n")
	return err
}

// ReadStatus reads a one-line status reply, without its newline.
func ReadStatus(br *bufio.Reader) (string, error) {
	line, _, err := ReadCommand(br)
	return line, err
}

// WriteListing sends a listing body followed by END_CMD.
func WriteListing(w io.Writer, body string) error {
	_, err := io.WriteString(w, body+EndMarker)
	return err
}

// ReadListing reads a listing body up to END_CMD.
func ReadListing(br *bufio.Reader) (string, error) {
	b, err := io.ReadAll(NewMarkerReader(br))
	return string(b), err
}
