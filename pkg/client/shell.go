package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/google/shlex"

	"github.com/fruitsalade/shardfs/pkg/protocol"
)

// Prompt is printed before every command.
const Prompt = "client24s$ "

var (
	ErrInvalidCommand   = errors.New("invalid command")
	ErrMissingOperand   = errors.New("missing operand")
	ErrInvalidExtension = errors.New("invalid file extension")
	ErrNoLocalFile      = errors.New("file does not exist")
	ErrBadDestination   = errors.New("destination path outside the namespace")
)

// Extensions the shell accepts for ufile, dfile and rmfile.
var supportedExtensions = map[string]bool{".c": true, ".pdf": true, ".txt": true}

// ShellConfig configures a Shell.
type ShellConfig struct {
	// NamespaceRoot is the segment every ufile destination starts with,
	// as in "~/smain/docs".
	NamespaceRoot string
	// WorkDir receives dfile downloads. Empty means the process's
	// working directory.
	WorkDir string
	// Stat checks local files before upload. Defaults to os.Stat.
	Stat func(name string) (os.FileInfo, error)
}

// Shell reads commands, validates them locally and runs them against a
// coordinator connection.
type Shell struct {
	cfg    ShellConfig
	client *Client
}

// NewShell creates a Shell over c.
func NewShell(cfg ShellConfig, c *Client) *Shell {
	if cfg.NamespaceRoot == "" {
		cfg.NamespaceRoot = "smain"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.Stat == nil {
		cfg.Stat = os.Stat
	}
	return &Shell{cfg: cfg, client: c}
}

// Parse tokenizes line with shell quoting rules and checks it before
// anything is sent. Operands containing whitespace are rejected because
// the wire format separates tokens by spaces.
func (s *Shell) Parse(line string) (protocol.Command, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return protocol.Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if len(tokens) == 0 {
		return protocol.Command{}, protocol.ErrEmptyCommand
	}

	for _, t := range tokens {
		if strings.ContainsAny(t, " \t") {
			return protocol.Command{}, fmt.Errorf("%w: %q contains whitespace", ErrInvalidCommand, t)
		}
	}

	cmd := protocol.Command{Verb: protocol.Verb(tokens[0]), Args: tokens[1:]}
	switch cmd.Verb {
	case protocol.VerbUpload:
		if len(cmd.Args) < 2 {
			return cmd, fmt.Errorf("%w: ufile needs a filename and a destination path", ErrMissingOperand)
		}
		if !hasSupportedExtension(cmd.Args[0]) {
			return cmd, ErrInvalidExtension
		}
		if _, err := s.cfg.Stat(cmd.Args[0]); err != nil {
			return cmd, fmt.Errorf("%w: %s", ErrNoLocalFile, cmd.Args[0])
		}
		if !s.inNamespace(cmd.Args[1]) {
			return cmd, fmt.Errorf("%w: must start with '~/%s/'", ErrBadDestination, s.cfg.NamespaceRoot)
		}
	case protocol.VerbDownload, protocol.VerbRemove:
		if len(cmd.Args) < 1 {
			return cmd, fmt.Errorf("%w: %s needs a path", ErrMissingOperand, cmd.Verb)
		}
		if !hasSupportedExtension(cmd.Args[0]) {
			return cmd, ErrInvalidExtension
		}
	case protocol.VerbDisplay, protocol.VerbTar:
		if len(cmd.Args) < 1 {
			return cmd, fmt.Errorf("%w: %s needs a path", ErrMissingOperand, cmd.Verb)
		}
	default:
		return cmd, ErrInvalidCommand
	}
	return cmd, nil
}

// Exec runs a validated command and returns the text to show the user.
func (s *Shell) Exec(cmd protocol.Command) (string, error) {
	switch cmd.Verb {
	case protocol.VerbUpload:
		return s.client.UploadFile(cmd.Args[0], cmd.Args[1])
	case protocol.VerbDownload:
		saved, err := s.client.DownloadTo(cmd.Path(), s.cfg.WorkDir)
		if err != nil {
			return "", err
		}
		return "File downloaded to " + saved, nil
	case protocol.VerbRemove:
		return s.client.Remove(cmd.Path())
	case protocol.VerbDisplay:
		return s.client.Display(cmd.Path())
	case protocol.VerbTar:
		return s.client.Tar(cmd.Path())
	}
	return "", ErrInvalidCommand
}

// Run reads commands from in until EOF or "exit", writing prompts and
// results to out. Validation failures, local file errors and "ERROR:"
// replies are printed and the loop continues. Transport errors end it.
func (s *Shell) Run(in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, Prompt)
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		cmd, err := s.Parse(line)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		res, err := s.Exec(cmd)
		if err != nil {
			var pathErr *fs.PathError
			if IsRemote(err) || errors.As(err, &pathErr) {
				fmt.Fprintln(out, err)
				continue
			}
			return err
		}
		fmt.Fprintln(out, strings.TrimRight(res, "\n"))
	}
}

func (s *Shell) inNamespace(dest string) bool {
	prefix := "~/" + s.cfg.NamespaceRoot
	return dest == prefix || strings.HasPrefix(dest, prefix+"/")
}

// hasSupportedExtension applies the last-dot rule: "a.tar.pdf" is a .pdf.
func hasSupportedExtension(name string) bool {
	return supportedExtensions[path.Ext(name)]
}
