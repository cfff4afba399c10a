package coordinator

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hlubek/readercomp"

	"github.com/fruitsalade/shardfs/internal/logging"
	"github.com/fruitsalade/shardfs/internal/netserve"
	"github.com/fruitsalade/shardfs/internal/peer"
	"github.com/fruitsalade/shardfs/internal/storage"
	"github.com/fruitsalade/shardfs/internal/storage/local"
	"github.com/fruitsalade/shardfs/internal/store"
	"github.com/fruitsalade/shardfs/pkg/client"
	"github.com/fruitsalade/shardfs/pkg/protocol"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func serve(t *testing.T, name string, h netserve.Handler) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- netserve.New(name, h).Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

func rootBackend(t *testing.T) storage.Backend {
	t.Helper()
	b, err := local.New(local.Config{RootPath: "/", CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	return b
}

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// startCluster runs a coordinator and both stores sharing one home
// directory and returns the home and the coordinator address.
func startCluster(t *testing.T) (home, addr string) {
	t.Helper()
	home = t.TempDir()
	backend := rootBackend(t)

	pdfAddr := serve(t, "spdf", store.New(store.Config{
		Name: "pdf", Suffix: ".pdf", NamespaceRoot: "smain", Root: "spdf", Home: home,
	}, backend))
	textAddr := serve(t, "stext", store.New(store.Config{
		Name: "text", Suffix: ".txt", NamespaceRoot: "smain", Root: "stext", Home: home,
	}, backend))

	coord := New(Config{NamespaceRoot: "smain", Home: home},
		storage.DefaultRouter(),
		backend,
		peer.New("pdf", pdfAddr, "smain", "spdf"),
		peer.New("text", textAddr, "smain", "stext"),
	)
	return home, serve(t, "smain", coord)
}

// startDegraded runs a coordinator whose stores are unreachable.
func startDegraded(t *testing.T) (home, addr string) {
	t.Helper()
	home = t.TempDir()
	coord := New(Config{NamespaceRoot: "smain", Home: home},
		storage.DefaultRouter(),
		rootBackend(t),
		peer.New("pdf", closedAddr(t), "smain", "spdf"),
		peer.New("text", closedAddr(t), "smain", "stext"),
	)
	return home, serve(t, "smain", coord)
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func upload(t *testing.T, c *client.Client, name, dest, content string) string {
	t.Helper()
	reply, err := c.Upload(name, dest, strings.NewReader(content))
	if err != nil {
		t.Fatalf("Upload %s: %v", name, err)
	}
	return reply
}

func TestUploadRoutesByExtension(t *testing.T) {
	home, addr := startCluster(t)
	c := dial(t, addr)

	tests := []struct {
		name string
		root string
	}{
		{"main.c", "smain"},
		{"paper.pdf", "spdf"},
		{"notes.txt", "stext"},
	}
	for _, tt := range tests {
		content := "content of " + tt.name
		if reply := upload(t, c, tt.name, "~/smain/sub/", content); reply != protocol.MsgUploadOK {
			t.Errorf("%s: reply = %q", tt.name, reply)
			continue
		}
		data, err := os.ReadFile(filepath.Join(home, tt.root, "sub", tt.name))
		if err != nil {
			t.Errorf("%s not stored under %s: %v", tt.name, tt.root, err)
			continue
		}
		if string(data) != content {
			t.Errorf("%s: stored %q, want %q", tt.name, data, content)
		}
	}

	// Only the .c file lives under the namespace root itself.
	entries, _ := os.ReadDir(filepath.Join(home, "smain", "sub"))
	if len(entries) != 1 || entries[0].Name() != "main.c" {
		t.Errorf("smain/sub holds %v, want only main.c", entries)
	}
}

func TestRoundTripLargeFile(t *testing.T) {
	_, addr := startCluster(t)
	c := dial(t, addr)

	for _, name := range []string{"big.txt", "big.pdf", "big.c"} {
		payload := make([]byte, 300*1024+11)
		rand.New(rand.NewSource(int64(len(name)))).Read(payload)
		payload = bytes.ReplaceAll(payload, []byte(protocol.EndMarker), []byte("end_cmd"))

		reply, err := c.Upload(name, "~/smain/a", bytes.NewReader(payload))
		if err != nil || reply != protocol.MsgUploadOK {
			t.Fatalf("Upload %s = %q, %v", name, reply, err)
		}

		var got bytes.Buffer
		announced, err := c.Download("~/smain/a/"+name, &got)
		if err != nil {
			t.Fatalf("Download %s: %v", name, err)
		}
		if announced != name {
			t.Errorf("announced filename = %q, want %q", announced, name)
		}
		ok, err := readercomp.Equal(bytes.NewReader(payload), &got, 4096)
		if err != nil {
			t.Fatalf("readercomp.Equal: %v", err)
		}
		if !ok {
			t.Errorf("%s: downloaded bytes differ from upload", name)
		}
	}
}

func TestDownloadErrors(t *testing.T) {
	_, addr := startCluster(t)
	c := dial(t, addr)

	tests := []struct {
		path string
		want string
	}{
		{"~/elsewhere/a.c", protocol.MsgInvalidPath},
		{"/tmp/a.pdf", protocol.MsgInvalidPath},
		{"~/smain/a.png", protocol.MsgInvalidFileType},
		{"~/smain/missing.c", protocol.MsgFileNotFound},
		{"~/smain/missing.pdf", protocol.MsgFileNotFound},
		{"~/smain/missing.txt", protocol.MsgFileNotFound},
	}
	for _, tt := range tests {
		_, err := c.Download(tt.path, io.Discard)
		if err == nil || err.Error() != tt.want {
			t.Errorf("Download(%q) error = %v, want %q", tt.path, err, tt.want)
		}
	}
}

func TestRemoveTwice(t *testing.T) {
	_, addr := startCluster(t)
	c := dial(t, addr)

	tests := []struct {
		name         string
		first, again string
	}{
		{"gone.c", protocol.MsgRemoved, protocol.MsgRemoveFailed},
		{"gone.pdf", protocol.MsgStoreRemoved, protocol.MsgStoreNotFound},
		{"gone.txt", protocol.MsgStoreRemoved, protocol.MsgStoreNotFound},
	}
	for _, tt := range tests {
		upload(t, c, tt.name, "~/smain/r", "bye")
		path := "~/smain/r/" + tt.name

		if reply, err := c.Remove(path); err != nil || reply != tt.first {
			t.Errorf("first rmfile %s = %q, %v; want %q", tt.name, reply, err, tt.first)
		}
		if reply, err := c.Remove(path); err != nil || reply != tt.again {
			t.Errorf("second rmfile %s = %q, %v; want %q", tt.name, reply, err, tt.again)
		}
	}
}

func TestDisplayCombinesStores(t *testing.T) {
	_, addr := startCluster(t)
	c := dial(t, addr)

	upload(t, c, "c.txt", "~/smain/mix", "t")
	upload(t, c, "b.pdf", "~/smain/mix", "p")
	upload(t, c, "a.c", "~/smain/mix", "c")

	listing, err := c.Display("~/smain/mix")
	if err != nil {
		t.Fatalf("Display: %v", err)
	}
	if listing != "a.c\nb.pdf\nc.txt\n" {
		t.Errorf("listing = %q", listing)
	}

	// Local entries come first even when they sort last.
	upload(t, c, "z.c", "~/smain/order", "c")
	upload(t, c, "a.pdf", "~/smain/order", "p")
	listing, err = c.Display("~/smain/order")
	if err != nil {
		t.Fatalf("Display: %v", err)
	}
	if listing != "z.c\na.pdf\n" {
		t.Errorf("listing = %q", listing)
	}
}

func TestDisplayEmpty(t *testing.T) {
	home, addr := startCluster(t)
	c := dial(t, addr)

	os.MkdirAll(filepath.Join(home, "smain", "empty"), 0755)
	for _, path := range []string{"~/smain/empty", "~/smain/does-not-exist"} {
		_, err := c.Display(path)
		if err == nil || err.Error() != protocol.MsgNoListing {
			t.Errorf("Display(%q) error = %v, want %q", path, err, protocol.MsgNoListing)
		}
	}
}

func TestUnsupportedUploadNeverForwarded(t *testing.T) {
	home, addr := startCluster(t)
	c := dial(t, addr)

	if reply := upload(t, c, "image.png", "~/smain/", "\x89PNG"); reply != protocol.MsgUnsupportedType {
		t.Fatalf("reply = %q", reply)
	}
	for _, root := range []string{"smain", "spdf", "stext"} {
		if _, err := os.Stat(filepath.Join(home, root)); !os.IsNotExist(err) {
			t.Errorf("%s was created for an unsupported upload", root)
		}
	}

	// The rejected payload was drained and the connection is still usable.
	if reply := upload(t, c, "ok.c", "~/smain/", "fine"); reply != protocol.MsgUploadOK {
		t.Errorf("follow-up upload reply = %q", reply)
	}
}

func TestTar(t *testing.T) {
	_, addr := startCluster(t)
	c := dial(t, addr)

	reply, err := c.Tar(".pdf")
	if err != nil || reply != protocol.MsgTarPending {
		t.Fatalf("dtar = %q, %v", reply, err)
	}
}

func TestUnreachableStores(t *testing.T) {
	home, addr := startDegraded(t)
	c := dial(t, addr)

	if reply := upload(t, c, "x.pdf", "~/smain/", "lost"); reply != protocol.MsgUploadFailed {
		t.Errorf("upload reply = %q", reply)
	}
	if _, err := c.Download("~/smain/x.txt", io.Discard); err == nil || err.Error() != protocol.MsgFileNotFound {
		t.Errorf("download error = %v", err)
	}
	if reply, _ := c.Remove("~/smain/x.pdf"); reply != protocol.MsgRemoveFailed {
		t.Errorf("remove reply = %q", reply)
	}

	// Local files are still listed.
	os.MkdirAll(filepath.Join(home, "smain"), 0755)
	os.WriteFile(filepath.Join(home, "smain", "local.c"), nil, 0644)
	listing, err := c.Display("~/smain")
	if err != nil || listing != "local.c\n" {
		t.Errorf("display = %q, %v", listing, err)
	}
}

// rawSession sends requests on a bare connection for cases the client
// package refuses to produce.
type rawSession struct {
	conn net.Conn
	br   *bufio.Reader
}

func rawDial(t *testing.T, addr string) *rawSession {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawSession{conn: conn, br: bufio.NewReader(conn)}
}

func (s *rawSession) send(t *testing.T, data string) {
	t.Helper()
	if _, err := io.WriteString(s.conn, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (s *rawSession) status(t *testing.T) string {
	t.Helper()
	reply, err := protocol.ReadStatus(s.br)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	return reply
}

func TestRemoveUnsupportedSendsNoReply(t *testing.T) {
	_, addr := startCluster(t)
	s := rawDial(t, addr)

	s.send(t, "rmfile ~/smain/a.png\n")
	s.send(t, "dtar x\n")
	if reply := s.status(t); reply != protocol.MsgTarPending {
		t.Errorf("first reply = %q, want the dtar reply", reply)
	}
}

func TestMalformedCommands(t *testing.T) {
	_, addr := startCluster(t)
	s := rawDial(t, addr)

	// ufile without destination, with a payload that must be skipped.
	s.send(t, "ufile a.cEND_CMDpayloadEND_CMD")
	if reply := s.status(t); reply != protocol.MsgUploadFailed {
		t.Errorf("ufile reply = %q", reply)
	}

	s.send(t, "dfile\n")
	if reply := s.status(t); reply != protocol.MsgInvalidPath {
		t.Errorf("dfile reply = %q", reply)
	}

	s.send(t, "rmfile\n")
	if reply := s.status(t); reply != protocol.MsgRemoveFailed {
		t.Errorf("rmfile reply = %q", reply)
	}

	// Unknown verbs are ignored; blank lines too.
	s.send(t, "frobnicate x\n\n")
	s.send(t, "display\n")
	listing, err := protocol.ReadListing(s.br)
	if err != nil || listing != protocol.MsgNoListing {
		t.Errorf("display reply = %q, %v", listing, err)
	}
}

func TestUploadDestinationNotRevalidated(t *testing.T) {
	home, addr := startCluster(t)
	s := rawDial(t, addr)

	// The coordinator trusts ufile destinations outside the namespace.
	s.send(t, "ufile x.c ~/outsideEND_CMDdataEND_CMD")
	if reply := s.status(t); reply != protocol.MsgUploadOK {
		t.Fatalf("reply = %q", reply)
	}
	if _, err := os.Stat(filepath.Join(home, "outside", "x.c")); err != nil {
		t.Errorf("file not written: %v", err)
	}
}

func TestCommandTooLongClosesConnection(t *testing.T) {
	_, addr := startCluster(t)
	s := rawDial(t, addr)

	s.send(t, "display "+strings.Repeat("a", protocol.MaxCommandLen+1)+"\n")
	if _, err := s.br.ReadByte(); err == nil {
		t.Error("connection still open after an oversized command")
	}
}

func TestConcurrentClients(t *testing.T) {
	home, addr := startCluster(t)

	const clients = 8
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			c, err := client.Dial(context.Background(), addr)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			name := string(rune('a'+i)) + ".txt"
			_, err = c.Upload(name, "~/smain/many", strings.NewReader(name))
			errs <- err
		}(i)
	}
	for i := 0; i < clients; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("client: %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(home, "stext", "many"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != clients {
		t.Errorf("stored %d files, want %d", len(entries), clients)
	}
}

// abandonUpload starts an upload on a bare connection, sends part of the
// payload and half-closes without the end marker. It returns once the
// coordinator has dropped the connection.
func abandonUpload(t *testing.T, addr, name, dest, partial string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	io.WriteString(conn, "ufile "+name+" "+dest+protocol.EndMarker+partial)
	conn.(*net.TCPConn).CloseWrite()
	if out, _ := io.ReadAll(conn); len(out) != 0 {
		t.Errorf("coordinator answered an abandoned upload with %q", out)
	}
}

func TestAbandonedUploadLeavesNoPartialFile(t *testing.T) {
	home, addr := startCluster(t)
	c := dial(t, addr)

	const original = "ORIGINAL-COMPLETE-CONTENT"
	for _, tt := range []struct{ name, root string }{
		{"y.c", "smain"},
		{"y.pdf", "spdf"},
		{"y.txt", "stext"},
	} {
		if reply := upload(t, c, tt.name, "~/smain/q", original); reply != protocol.MsgUploadOK {
			t.Fatalf("%s: initial upload reply = %q", tt.name, reply)
		}
		stored := filepath.Join(home, tt.root, "q", tt.name)

		abandonUpload(t, addr, tt.name, "~/smain/q/", "trunc-partial-bytes")

		if tt.root == "smain" {
			// Local writes are cleaned up before the connection closes.
			if _, err := os.Stat(stored); !os.IsNotExist(err) {
				data, _ := os.ReadFile(stored)
				t.Errorf("%s: file left behind with %q", tt.name, data)
			}
			continue
		}

		// The store notices the reset on its own schedule.
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(stored); os.IsNotExist(err) {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if data, err := os.ReadFile(stored); err == nil && string(data) != original {
			t.Errorf("%s: store kept a partial upload %q", tt.name, data)
		}
	}

	// The cluster keeps serving complete uploads.
	if reply := upload(t, c, "y.pdf", "~/smain/q", "again"); reply != protocol.MsgUploadOK {
		t.Errorf("upload after abort = %q", reply)
	}
	if data, _ := os.ReadFile(filepath.Join(home, "spdf", "q", "y.pdf")); string(data) != "again" {
		t.Errorf("stored %q after abort, want %q", data, "again")
	}
}

func TestWriteFailureReplyReachesClient(t *testing.T) {
	home, addr := startCluster(t)
	c := dial(t, addr)

	// A regular file where the destination directory should be.
	for _, root := range []string{"smain", "spdf", "stext"} {
		os.MkdirAll(filepath.Join(home, root), 0755)
		os.WriteFile(filepath.Join(home, root, "blocker"), []byte("x"), 0644)
	}

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	for _, name := range []string{"w.c", "w.pdf", "w.txt"} {
		reply, err := c.Upload(name, "~/smain/blocker", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("Upload %s: %v", name, err)
		}
		if reply != protocol.MsgUploadWriteFailed {
			t.Errorf("%s: reply = %q, want %q", name, reply, protocol.MsgUploadWriteFailed)
		}
	}
}
