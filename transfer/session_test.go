package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"path"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Project-Bois/DataDash-codes/crypto"
	"github.com/Project-Bois/DataDash-codes/handshake"
	"github.com/Project-Bois/DataDash-codes/limits"
	"github.com/Project-Bois/DataDash-codes/manifest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireItem struct {
	Frame   Frame
	Payload []byte
}

type capture struct {
	items []wireItem
	halts int
	err   error
}

// startPeer accepts one connection and records every frame until the
// sender closes the socket.
func startPeer(t *testing.T) (handshake.Variant, <-chan capture) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan capture, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			ch <- capture{err: err}
			return
		}
		defer conn.Close()

		var c capture
		for {
			f, err := ReadHeader(conn)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					c.err = err
				}
				break
			}
			if f.Flag == FlagHalt {
				c.halts++
				continue
			}
			payload := make([]byte, f.Size)
			if _, err := io.ReadFull(conn, payload); err != nil {
				c.err = err
				break
			}
			c.items = append(c.items, wireItem{Frame: f, Payload: payload})
		}
		ch <- c
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return handshake.Variant{Name: "test", DeviceType: handshake.DevicePython, Port: port}, ch
}

type memFile struct {
	path    string
	data    []byte
	delay   time.Duration
	openErr error
	// declared overrides the manifest size when non-zero.
	declared uint64
}

func memManifest(files ...memFile) *manifest.Manifest {
	m := &manifest.Manifest{}
	for _, f := range files {
		size := uint64(len(f.data))
		if f.declared != 0 {
			size = f.declared
		}
		e := manifest.Entry{Path: f.path, Size: size}
		f := f
		res := manifest.NewResource(f.path, path.Base(f.path), size, func() (io.ReadCloser, error) {
			time.Sleep(f.delay)
			if f.openErr != nil {
				return nil, f.openErr
			}
			return io.NopCloser(bytes.NewReader(f.data)), nil
		})
		m.Entries = append(m.Entries, e)
		m.Items = append(m.Items, manifest.Item{Entry: e, Resource: res})
	}
	return m
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func receive(t *testing.T, ch <-chan capture) capture {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(10 * time.Second):
		t.Fatal("peer did not finish")
		return capture{}
	}
}

func TestSession_OrderUnderRandomDelays(t *testing.T) {
	variant, peer := startPeer(t)

	rng := rand.New(rand.NewSource(42))
	var files []memFile
	for i := 0; i < 12; i++ {
		files = append(files, memFile{
			path:  fmt.Sprintf("f%02d.bin", i),
			data:  payload(rng.Intn(20000), byte(i)),
			delay: time.Duration(rng.Intn(20)) * time.Millisecond,
		})
	}
	m := memManifest(files...)
	doc, err := m.Encode()
	require.NoError(t, err)

	s := NewSession(SessionConfig{Peer: "127.0.0.1", Variant: variant})
	assert.Equal(t, StateIdle, s.State())

	report, err := s.Run(context.Background(), m)
	require.NoError(t, err)
	got := receive(t, peer)
	require.NoError(t, got.err)

	require.Len(t, got.items, len(files)+1)
	assert.Equal(t, Frame{Flag: FlagPlain, Path: "metadata.json", Size: uint64(len(doc))}, got.items[0].Frame)
	assert.Equal(t, doc, got.items[0].Payload)
	for i, f := range files {
		item := got.items[i+1]
		assert.Equal(t, f.path, item.Frame.Path)
		assert.Equal(t, FlagPlain, item.Frame.Flag)
		assert.True(t, bytes.Equal(f.data, item.Payload), "payload of %s", f.path)
	}

	assert.Equal(t, 1, got.halts)
	assert.True(t, report.Halted)
	assert.False(t, report.Partial())
	assert.Len(t, report.Sent, len(files)+1)
	assert.Equal(t, StateHalted, s.State())
	assert.Zero(t, s.Pending())
	assert.NotEmpty(t, report.SessionID)
	assert.Equal(t, s.ID(), report.SessionID)
}

func TestSession_ProgressEvents(t *testing.T) {
	variant, peer := startPeer(t)
	m := memManifest(
		memFile{path: "big.bin", data: payload(10000, 1)},
		memFile{path: "empty.bin"},
		memFile{path: "block.bin", data: payload(4096, 2)},
	)

	s := NewSession(SessionConfig{Peer: "127.0.0.1", Variant: variant})
	events := s.Events()

	var collected []Event
	done := make(chan struct{})
	go func() {
		for ev := range events {
			collected = append(collected, ev)
		}
		close(done)
	}()

	_, err := s.Run(context.Background(), m)
	require.NoError(t, err)
	<-done
	receive(t, peer)

	percents := map[int][]int{}
	var lastSession uint64
	for _, ev := range collected {
		assert.GreaterOrEqual(t, ev.SessionBytes, lastSession)
		lastSession = ev.SessionBytes
		if ev.Kind == EventProgress {
			percents[ev.Index] = append(percents[ev.Index], ev.Percent)
		}
	}

	assert.Equal(t, []int{40, 81, 100}, percents[1])
	assert.Equal(t, []int{100}, percents[2], "zero-byte item reports completion once")
	assert.Equal(t, []int{100}, percents[3])
	for idx, ps := range percents {
		for i := 1; i < len(ps); i++ {
			assert.Greater(t, ps[i], ps[i-1], "item %d", idx)
		}
	}

	require.NotEmpty(t, collected)
	last := collected[len(collected)-1]
	assert.Equal(t, EventHalted, last.Kind)
	assert.Equal(t, uint64(14096)+docSize(t, m), last.SessionBytes)

	halts := 0
	for _, ev := range collected {
		if ev.Kind == EventHalted {
			halts++
		}
	}
	assert.Equal(t, 1, halts)
}

func docSize(t *testing.T, m *manifest.Manifest) uint64 {
	doc, err := m.Encode()
	require.NoError(t, err)
	return uint64(len(doc))
}

func TestSession_Encrypted(t *testing.T) {
	variant, peer := startPeer(t)
	tmp := afero.NewMemMapFs()
	require.NoError(t, tmp.MkdirAll("/tmp", 0o755))

	files := []memFile{
		{path: "docs/a.txt", data: []byte("hello")},
		{path: "docs/img/b.png", data: payload(5000, 7)},
	}
	m := memManifest(files...)

	s := NewSession(SessionConfig{
		Peer:      "127.0.0.1",
		Variant:   variant,
		Encrypt:   true,
		Password:  "secret",
		Encryptor: crypto.NewFileEncryptor(tmp, "/tmp"),
	})
	report, err := s.Run(context.Background(), m)
	require.NoError(t, err)
	got := receive(t, peer)
	require.NoError(t, got.err)

	require.Len(t, got.items, 3)
	assert.Equal(t, FlagPlain, got.items[0].Frame.Flag, "manifest is never encrypted")
	assert.Equal(t, "metadata.json", got.items[0].Frame.Path)

	for i, f := range files {
		item := got.items[i+1]
		assert.Equal(t, FlagEncrypted, item.Frame.Flag)
		assert.Equal(t, f.path+".crypt", item.Frame.Path)

		var plain bytes.Buffer
		_, err := crypto.Decrypt("secret", bytes.NewReader(item.Payload), &plain)
		require.NoError(t, err)
		assert.Equal(t, f.data, plain.Bytes())
	}
	assert.True(t, report.Sent[1].Encrypted)

	left, err := afero.ReadDir(tmp, "/tmp")
	require.NoError(t, err)
	assert.Empty(t, left, "temporary ciphertexts are removed")
}

func TestSession_EncryptWithoutPassword(t *testing.T) {
	s := NewSession(SessionConfig{Peer: "127.0.0.1", Encrypt: true})
	_, err := s.Run(context.Background(), memManifest())
	assert.ErrorIs(t, err, crypto.ErrEmptyPassword)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s := NewSession(SessionConfig{
		Peer:           "127.0.0.1",
		Variant:        handshake.Variant{Name: "closed", Port: port},
		ConnectTimeout: time.Second,
	})
	report, err := s.Run(context.Background(), memManifest(memFile{path: "a", data: []byte("x")}))
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrConnectFailure)

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "dial", cerr.Op)
	assert.Equal(t, StateFailed, s.State())
}

// stalledDial never completes a connection; it returns when the dial
// context ends.
func stalledDial(ctx context.Context, network, address string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSession_ConnectTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var dialed atomic.Int32
	s := NewSession(SessionConfig{
		Peer:           "127.0.0.1",
		Variant:        handshake.Variant{Name: "stalled", Port: ln.Addr().(*net.TCPAddr).Port},
		ConnectTimeout: 100 * time.Millisecond,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialed.Add(1)
			assert.Equal(t, ln.Addr().String(), address)
			return stalledDial(ctx, network, address)
		},
	})

	start := time.Now()
	report, err := s.Run(context.Background(), memManifest(memFile{path: "a", data: []byte("x")}))
	elapsed := time.Since(start)

	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrConnectFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second, "dial is bounded by ConnectTimeout")
	assert.Equal(t, int32(1), dialed.Load(), "no retry")
	assert.Equal(t, StateFailed, s.State())

	require.NoError(t, ln.(*net.TCPListener).SetDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = ln.Accept()
	assert.Error(t, err, "no connection reaches the peer")
}

func TestSession_OverlongWirePathIsSkipped(t *testing.T) {
	variant, peer := startPeer(t)
	long := strings.Repeat("d", limits.MaxPathLength-2)
	m := memManifest(
		memFile{path: long, data: []byte("fits plain, not with the suffix")},
		memFile{path: "ok.txt", data: []byte("fine")},
	)

	s := NewSession(SessionConfig{
		Peer:      "127.0.0.1",
		Variant:   variant,
		Encrypt:   true,
		Password:  "pw",
		Encryptor: &crypto.FileEncryptor{Fs: afero.NewMemMapFs(), Iterations: 1},
	})
	report, err := s.Run(context.Background(), m)
	require.NoError(t, err)
	got := receive(t, peer)
	require.NoError(t, got.err)

	var paths []string
	for _, it := range got.items {
		paths = append(paths, it.Frame.Path)
	}
	assert.Equal(t, []string{"metadata.json", "ok.txt.crypt"}, paths)
	assert.Equal(t, 1, got.halts)
	assert.True(t, report.Halted)
	assert.Equal(t, StateHalted, s.State())

	require.Len(t, report.Failed, 1)
	assert.Equal(t, long, report.Failed[0].Path)
	assert.ErrorIs(t, report.Failed[0].Err, ErrItemSend)
	assert.ErrorIs(t, report.Failed[0].Err, limits.ErrLengthTooLarge)
}

func TestSession_PreparationFailureIsSkipped(t *testing.T) {
	variant, peer := startPeer(t)
	m := memManifest(
		memFile{path: "a.txt", data: []byte("aaa")},
		memFile{path: "gone.txt", data: []byte("bbb"), openErr: errors.New("permission denied")},
		memFile{path: "c.txt", data: []byte("ccc")},
	)

	report, err := NewSession(SessionConfig{Peer: "127.0.0.1", Variant: variant}).Run(context.Background(), m)
	require.NoError(t, err)
	got := receive(t, peer)

	var paths []string
	for _, it := range got.items {
		paths = append(paths, it.Frame.Path)
	}
	assert.Equal(t, []string{"metadata.json", "a.txt", "c.txt"}, paths)
	assert.Equal(t, 1, got.halts)

	assert.True(t, report.Partial())
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "gone.txt", report.Failed[0].Path)
	assert.ErrorIs(t, report.Failed[0].Err, ErrItemSend)
}

type failingEncryptor struct {
	inner crypto.Encryptor
	fail  string
}

func (f *failingEncryptor) Encrypt(password string, plaintext io.Reader) (*crypto.Ciphertext, error) {
	data, err := io.ReadAll(plaintext)
	if err != nil {
		return nil, err
	}
	if string(data) == f.fail {
		return nil, errors.New("cipher unavailable")
	}
	return f.inner.Encrypt(password, bytes.NewReader(data))
}

func TestSession_EncryptionFailureIsSkipped(t *testing.T) {
	variant, peer := startPeer(t)
	enc := &failingEncryptor{
		inner: &crypto.FileEncryptor{Fs: afero.NewMemMapFs(), Iterations: 1},
		fail:  "bad",
	}
	m := memManifest(
		memFile{path: "ok.txt", data: []byte("good")},
		memFile{path: "bad.txt", data: []byte("bad")},
	)

	s := NewSession(SessionConfig{Peer: "127.0.0.1", Variant: variant, Encrypt: true, Password: "pw", Encryptor: enc})
	report, err := s.Run(context.Background(), m)
	require.NoError(t, err)
	got := receive(t, peer)

	require.Len(t, got.items, 2)
	assert.Equal(t, "ok.txt.crypt", got.items[1].Frame.Path)
	assert.Equal(t, 1, got.halts)

	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, ErrEncryption)
	assert.NotErrorIs(t, report.Failed[0].Err, ErrItemSend)

	var ierr *ItemError
	require.ErrorAs(t, report.Failed[0].Err, &ierr)
	assert.Equal(t, EncryptionFailure, ierr.Kind)
	assert.Equal(t, 2, ierr.Index)
}

func TestSession_ShortSourceAborts(t *testing.T) {
	variant, peer := startPeer(t)
	m := memManifest(
		memFile{path: "short.bin", data: []byte("only ten b"), declared: 100},
		memFile{path: "never.bin", data: []byte("x")},
	)

	s := NewSession(SessionConfig{Peer: "127.0.0.1", Variant: variant})
	report, err := s.Run(context.Background(), m)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrItemSend)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, StateFailed, s.State())

	require.NotNil(t, report)
	assert.False(t, report.Halted)
	got := receive(t, peer)
	assert.Zero(t, got.halts, "no halt after a broken frame")
}

func TestSession_BoundedPreparation(t *testing.T) {
	variant, peer := startPeer(t)

	var outstanding, peak atomic.Int64
	m := &manifest.Manifest{}
	for i := 0; i < 16; i++ {
		data := payload(2048, byte(i))
		e := manifest.Entry{Path: fmt.Sprintf("f%d", i), Size: uint64(len(data))}
		res := manifest.NewResource(e.Path, e.Path, e.Size, func() (io.ReadCloser, error) {
			n := outstanding.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			return &countingCloser{Reader: bytes.NewReader(data), n: &outstanding}, nil
		})
		m.Entries = append(m.Entries, e)
		m.Items = append(m.Items, manifest.Item{Entry: e, Resource: res})
	}

	_, err := NewSession(SessionConfig{Peer: "127.0.0.1", Variant: variant, Workers: 3}).Run(context.Background(), m)
	require.NoError(t, err)
	receive(t, peer)

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Zero(t, outstanding.Load(), "every opened source is closed")
}

type countingCloser struct {
	io.Reader
	n *atomic.Int64
}

func (c *countingCloser) Close() error {
	c.n.Add(-1)
	return nil
}

func TestSession_RunOnce(t *testing.T) {
	variant, peer := startPeer(t)
	s := NewSession(SessionConfig{Peer: "127.0.0.1", Variant: variant})

	_, err := s.Run(context.Background(), memManifest())
	require.NoError(t, err)
	got := receive(t, peer)
	require.Len(t, got.items, 1, "an empty selection still sends the manifest")
	assert.Equal(t, 1, got.halts)

	_, err = s.Run(context.Background(), memManifest())
	assert.ErrorIs(t, err, ErrSessionUsed)
}

func TestSession_CancelledContext(t *testing.T) {
	variant, _ := startPeer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSession(SessionConfig{Peer: "127.0.0.1", Variant: variant})
	_, err := s.Run(ctx, memManifest(memFile{path: "a", data: []byte("x")}))
	assert.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "SendingManifest", StateSendingManifest.String())
	assert.Equal(t, "Halted", StateHalted.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, "ItemSendFailure", ItemSendFailure.String())
	assert.Equal(t, "progress", EventProgress.String())
}
