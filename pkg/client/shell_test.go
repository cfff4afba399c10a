package client

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/shardfs/pkg/protocol"
)

// fakeInfo satisfies os.FileInfo for stat stubs.
type fakeInfo struct{}

func (fakeInfo) Name() string       { return "f" }
func (fakeInfo) Size() int64        { return 0 }
func (fakeInfo) Mode() fs.FileMode  { return 0644 }
func (fakeInfo) ModTime() time.Time { return time.Time{} }
func (fakeInfo) IsDir() bool        { return false }
func (fakeInfo) Sys() any           { return nil }

func statOnly(names ...string) func(string) (os.FileInfo, error) {
	return func(name string) (os.FileInfo, error) {
		for _, n := range names {
			if n == name {
				return fakeInfo{}, nil
			}
		}
		return nil, fs.ErrNotExist
	}
}

func TestShellParse(t *testing.T) {
	sh := NewShell(ShellConfig{Stat: statOnly("main.c", "doc.pdf")}, nil)

	tests := []struct {
		line    string
		wantErr error
	}{
		{"ufile main.c ~/smain/src", nil},
		{"ufile doc.pdf ~/smain", nil},
		{"ufile main.c", ErrMissingOperand},
		{"ufile image.png ~/smain", ErrInvalidExtension},
		{"ufile other.c ~/smain", ErrNoLocalFile},
		{"ufile main.c ~/elsewhere", ErrBadDestination},
		{"ufile main.c ~/smainx/a", ErrBadDestination},
		{"ufile main.c /home/u/smain", ErrBadDestination},
		{"dfile ~/smain/a.txt", nil},
		{"dfile ~/smain/a.png", ErrInvalidExtension},
		{"dfile", ErrMissingOperand},
		{"rmfile ~/smain/a.tar.pdf", nil},
		{"rmfile ~/smain/noext", ErrInvalidExtension},
		{"display ~/smain", nil},
		{"dtar .pdf", nil},
		{"dtar", ErrMissingOperand},
		{"list ~/smain", ErrInvalidCommand},
		{`dfile "~/smain/my file.c"`, ErrInvalidCommand},
		{`dfile "unterminated`, ErrInvalidCommand},
		{"", protocol.ErrEmptyCommand},
	}
	for _, tt := range tests {
		_, err := sh.Parse(tt.line)
		if tt.wantErr == nil {
			if err != nil {
				t.Errorf("Parse(%q): %v", tt.line, err)
			}
			continue
		}
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Parse(%q) error = %v, want %v", tt.line, err, tt.wantErr)
		}
	}
}

func TestShellCustomRoot(t *testing.T) {
	sh := NewShell(ShellConfig{NamespaceRoot: "shared", Stat: statOnly("a.c")}, nil)
	if _, err := sh.Parse("ufile a.c ~/shared/x"); err != nil {
		t.Errorf("Parse: %v", err)
	}
	if _, err := sh.Parse("ufile a.c ~/smain/x"); !errors.Is(err, ErrBadDestination) {
		t.Errorf("expected ErrBadDestination, got %v", err)
	}
}

func TestShellRun(t *testing.T) {
	c, seen := fakeCoordinator(t,
		"dtar is not implemented\n",
		"ERROR: Directory doesnot exist or No files found!END_CMD",
	)
	sh := NewShell(ShellConfig{WorkDir: t.TempDir()}, c)

	in := strings.NewReader("bogus\n\ndtar .pdf\ndisplay ~/smain/x\nexit\ndtar never\n")
	var out bytes.Buffer
	if err := sh.Run(in, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"Error: invalid command",
		"dtar is not implemented",
		"ERROR: Directory doesnot exist or No files found!",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Count(text, Prompt) != 5 {
		t.Errorf("prompts = %d, want 5:\n%s", strings.Count(text, Prompt), text)
	}

	if got := <-seen; got != "dtar .pdf\n" {
		t.Errorf("first request = %q", got)
	}
	if got := <-seen; got != "display ~/smain/x\n" {
		t.Errorf("second request = %q", got)
	}
}
