package transfer

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/Project-Bois/DataDash-codes/handshake"
	"github.com/Project-Bois/DataDash-codes/manifest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	rec *Received
	err error
}

// startReceiver listens on a free loopback port and receives one session.
func startReceiver(t *testing.T, r *Receiver) (handshake.Variant, <-chan received) {
	t.Helper()
	variant := handshake.Variant{Name: "loopback", DeviceType: handshake.DevicePython}
	ln, err := Listen("127.0.0.1", variant)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	variant.Port = ln.Addr().(*net.TCPAddr).Port

	ch := make(chan received, 1)
	go func() {
		rec, err := r.ListenAndReceive(context.Background(), ln)
		ch <- received{rec, err}
	}()
	return variant, ch
}

func waitReceived(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(20 * time.Second):
		t.Fatal("receiver did not finish")
		return received{}
	}
}

func docsSource(t *testing.T) (*manifest.Manifest, afero.Fs) {
	t.Helper()
	src := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(src, "/data/docs/a.txt", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(src, "/data/docs/img/b.png", []byte("0123456789"), 0o644))
	require.NoError(t, src.MkdirAll("/data/docs/empty", 0o755))

	m, err := manifest.NewBuilder(manifest.NewFSResolver(src), nil).BuildFolder("/data/docs")
	require.NoError(t, err)
	return m, src
}

func sendTo(t *testing.T, variant handshake.Variant, m *manifest.Manifest, cfg SessionConfig) *Report {
	t.Helper()
	cfg.Peer = "127.0.0.1"
	cfg.Variant = variant
	report, err := NewSession(cfg).Run(context.Background(), m)
	require.NoError(t, err)
	return report
}

func TestReceiver_FolderEndToEnd(t *testing.T) {
	dst := afero.NewMemMapFs()
	r := NewReceiver(ReceiverConfig{Fs: dst, Dest: "/recv"})

	for i, folder := range []string{"/recv/docs", "/recv/docs (1)"} {
		m, _ := docsSource(t)
		variant, ch := startReceiver(t, r)
		sendTo(t, variant, m, SessionConfig{})

		got := waitReceived(t, ch)
		require.NoError(t, got.err, "round %d", i)
		assert.True(t, got.rec.Halted)
		assert.Equal(t, folder, got.rec.Folder)
		assert.Len(t, got.rec.Items, 2)

		data, err := afero.ReadFile(dst, folder+"/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
		data, err = afero.ReadFile(dst, folder+"/img/b.png")
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(data))

		isDir, err := afero.IsDir(dst, folder+"/empty")
		require.NoError(t, err)
		assert.True(t, isDir, "empty directories are recreated from the manifest")
	}
}

func TestReceiver_EncryptedFolder(t *testing.T) {
	dst := afero.NewMemMapFs()
	r := NewReceiver(ReceiverConfig{Fs: dst, Dest: "/recv", Password: "pw"})
	variant, ch := startReceiver(t, r)

	m, _ := docsSource(t)
	sendTo(t, variant, m, SessionConfig{Encrypt: true, Password: "pw"})

	got := waitReceived(t, ch)
	require.NoError(t, got.err)
	for _, item := range got.rec.Items {
		assert.True(t, item.Encrypted)
		assert.True(t, item.Decrypted)
	}

	data, err := afero.ReadFile(dst, "/recv/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	leftover, err := afero.Exists(dst, "/recv/docs/a.txt.crypt")
	require.NoError(t, err)
	assert.False(t, leftover)
}

func TestReceiver_FilesNeverOverwrite(t *testing.T) {
	dst := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(dst, "/recv/report.pdf", []byte("old"), 0o644))
	r := NewReceiver(ReceiverConfig{Fs: dst, Dest: "/recv"})
	variant, ch := startReceiver(t, r)

	src := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(src, "/a/report.pdf", []byte("new"), 0o644))
	m, err := manifest.NewBuilder(manifest.NewFSResolver(src), nil).BuildFiles([]string{"/a/report.pdf"})
	require.NoError(t, err)
	sendTo(t, variant, m, SessionConfig{})

	got := waitReceived(t, ch)
	require.NoError(t, got.err)
	assert.Empty(t, got.rec.Folder)

	old, _ := afero.ReadFile(dst, "/recv/report.pdf")
	assert.Equal(t, "old", string(old))
	fresh, err := afero.ReadFile(dst, "/recv/report (1).pdf")
	require.NoError(t, err)
	assert.Equal(t, "new", string(fresh))
}

// writeStream writes raw frames to conn the way a sender would. Errors
// surface on the receiving side.
func writeStream(conn net.Conn, frames []wireItem, halt bool) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	for _, f := range frames {
		if err := WriteHeader(w, f.Frame); err != nil {
			return
		}
		if _, err := w.Write(f.Payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
	if halt {
		_ = WriteHalt(w)
	}
}

func plainItem(p string, data []byte) wireItem {
	return wireItem{Frame: Frame{Flag: FlagPlain, Path: p, Size: uint64(len(data))}, Payload: data}
}

func TestReceiver_RejectsTraversal(t *testing.T) {
	dst := afero.NewMemMapFs()
	r := NewReceiver(ReceiverConfig{Fs: dst, Dest: "/recv"})

	doc := []byte(`[{"base_folder_name":"docs"},{"path":"docs/","size":0},{"path":"docs/ok.txt","size":2}]`)
	frames := []wireItem{
		plainItem("metadata.json", doc),
		plainItem("docs/../../evil.txt", []byte("bad")),
		plainItem("docs/ok.txt", []byte("ok")),
	}

	client, server := net.Pipe()
	go writeStream(client, frames, true)

	rec, err := r.Receive(context.Background(), server)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/../../evil.txt"}, rec.Skipped)

	exists, _ := afero.Exists(dst, "/evil.txt")
	assert.False(t, exists)
	data, err := afero.ReadFile(dst, "/recv/docs/ok.txt")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestReceiver_MissingHalt(t *testing.T) {
	r := NewReceiver(ReceiverConfig{Fs: afero.NewMemMapFs(), Dest: "/recv"})

	client, server := net.Pipe()
	go writeStream(client, []wireItem{plainItem("metadata.json", []byte(`[{"path":"a","size":1}]`)), plainItem("a", []byte("x"))}, false)

	rec, err := r.Receive(context.Background(), server)
	assert.ErrorIs(t, err, ErrMissingHalt)
	assert.False(t, rec.Halted)
	assert.Len(t, rec.Items, 1)
}

func TestReceiver_TruncatedPayloadLeavesNoFile(t *testing.T) {
	dst := afero.NewMemMapFs()
	r := NewReceiver(ReceiverConfig{Fs: dst, Dest: "/recv"})

	client, server := net.Pipe()
	go func() {
		w := bufio.NewWriter(client)
		_ = WriteHeader(w, Frame{Flag: FlagPlain, Path: "big.bin", Size: 100})
		_, _ = w.Write([]byte("short"))
		_ = w.Flush()
		client.Close()
	}()

	_, err := r.Receive(context.Background(), server)
	require.Error(t, err)
	exists, _ := afero.Exists(dst, "/recv/big.bin")
	assert.False(t, exists)
}

func TestReceiver_ContextCancel(t *testing.T) {
	r := NewReceiver(ReceiverConfig{Fs: afero.NewMemMapFs(), Dest: "/recv"})
	_, server := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Receive(ctx, server)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInbound_Target(t *testing.T) {
	folder := &inbound{root: "/recv/docs", base: "docs"}
	flat := &inbound{root: "/recv"}

	tests := []struct {
		name    string
		in      *inbound
		wire    string
		want    string
		wantErr bool
	}{
		{"folder file", folder, "docs/a.txt", "/recv/docs/a.txt", false},
		{"nested", folder, "docs/img/b.png", "/recv/docs/img/b.png", false},
		{"parent escape", folder, "docs/../x", "", true},
		{"absolute", folder, "/etc/passwd", "", true},
		{"backslash", folder, "docs\\..\\x", "", true},
		{"empty", folder, "", "", true},
		{"flat keeps basename", flat, "some/dir/a.txt", "/recv/a.txt", false},
		{"flat dotdot", flat, "..", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.target(tt.wire)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDirectoryTraversal)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
