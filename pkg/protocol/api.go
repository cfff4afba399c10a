// Package protocol defines the shardfs wire format shared by the
// coordinator, the backing stores and the client shell.
//
// A client-facing command is one line of space separated tokens. Uploads
// end the command with the END_CMD marker instead of a newline, followed
// by the raw payload and a second END_CMD. Downloads answer with the
// filename on its own line, the raw content and END_CMD. Status replies
// are a single line; listings are terminated by END_CMD.
//
// The coordinator talks to a backing store with one command per TCP
// connection: the command line ends with '\n' and an upload payload runs
// until the coordinator half-closes its side.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Verb is a command name. Verbs are case-sensitive.
type Verb string

const (
	VerbUpload   Verb = "ufile"
	VerbDownload Verb = "dfile"
	VerbRemove   Verb = "rmfile"
	VerbTar      Verb = "dtar"
	VerbDisplay  Verb = "display"
)

// EndMarker terminates streamed payloads and listings. It is never
// escaped inside payload data.
const EndMarker = "END_CMD"

// MaxCommandLen bounds a single command line in bytes.
const MaxCommandLen = 1024

// Status replies. Callers match these literally or by the "ERROR:" prefix.
const (
	MsgUploadOK          = "File Uploaded successfully."
	MsgUploadWriteFailed = "File uploading failed!"
	MsgUploadFailed      = "File upload failed"
	MsgUnsupportedType   = "Unsupported file type"

	MsgInvalidPath     = "ERROR: Invalid path!"
	MsgFileNotFound    = "ERROR: File not found!"
	MsgInvalidFileType = "ERROR: Invalid file type!"

	MsgRemoved      = "File has been removed"
	MsgRemoveFailed = "File remove failed"

	MsgStoreRemoved      = "File has been removed."
	MsgStoreRemoveFailed = "File remove Failed!"
	MsgStoreNotFound     = "File not found!"

	MsgNoListing  = "ERROR: Directory doesnot exist or No files found!"
	MsgNoSuchDir  = "ERROR: Directory does not exist!"
	MsgNotADir    = "ERROR: Not a directory!"
	MsgTarPending = "dtar is not implemented"

	ErrorPrefix = "ERROR:"
)

var (
	// ErrEmptyCommand is returned for a blank command line.
	ErrEmptyCommand = errors.New("empty command")
	// ErrUnknownVerb is returned for a verb outside the five supported ones.
	ErrUnknownVerb = errors.New("unknown command")
	// ErrMissingOperand is returned when a required operand is absent.
	ErrMissingOperand = errors.New("missing operand")
)

// Command is one parsed command line.
type Command struct {
	Verb Verb
	Args []string
}

// Path returns the first operand: the filename for ufile, the virtual
// path for every other verb.
func (c Command) Path() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// Dest returns the ufile destination directory.
func (c Command) Dest() string {
	if len(c.Args) < 2 {
		return ""
	}
	return c.Args[1]
}

// String renders the command back into its wire form, without terminator.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return string(c.Verb)
	}
	return string(c.Verb) + " " + strings.Join(c.Args, " ")
}

// IsError reports whether a status reply signals failure by prefix.
func IsError(reply string) bool {
	return strings.HasPrefix(reply, ErrorPrefix)
}

// ParseCommand tokenizes a client command line into a typed Command.
// Tokens are separated by runs of whitespace. The verb and first operand
// are mandatory; ufile also requires a destination.
func ParseCommand(line string) (Command, error) {
	return parse(line, 2)
}

// ParseStoreCommand parses a command sent by the coordinator to a backing
// store. There ufile carries only the rewritten absolute file path.
func ParseStoreCommand(line string) (Command, error) {
	return parse(line, 1)
}

func parse(line string, uploadArgs int) (Command, error) {
	if len(line) > MaxCommandLen {
		return Command{}, ErrCommandTooLong
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrEmptyCommand
	}

	cmd := Command{Verb: Verb(fields[0]), Args: fields[1:]}
	need := 1
	switch cmd.Verb {
	case VerbUpload:
		need = uploadArgs
	case VerbDownload, VerbRemove, VerbTar, VerbDisplay:
	default:
		return cmd, fmt.Errorf("%q: %w", fields[0], ErrUnknownVerb)
	}
	if len(cmd.Args) < need {
		return cmd, fmt.Errorf("%s: %w", cmd.Verb, ErrMissingOperand)
	}
	return cmd, nil
}
