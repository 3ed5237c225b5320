package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Project-Bois/DataDash-codes/crypto"
	"github.com/Project-Bois/DataDash-codes/handshake"
	"github.com/Project-Bois/DataDash-codes/limits"
	"github.com/Project-Bois/DataDash-codes/manifest"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// Dest is the directory items are written under.
	Dest string
	// Password decrypts ".crypt" items. Without it ciphertext is kept as-is.
	Password string
	// IOTimeout is a per-read deadline. Zero means none.
	IOTimeout time.Duration
	// ChunkSize defaults to limits.ChunkSize.
	ChunkSize int
}

// ReceivedItem describes one item written to disk.
type ReceivedItem struct {
	WirePath  string
	Path      string
	Bytes     uint64
	Encrypted bool
	Decrypted bool
}

// Received summarises an inbound session.
type Received struct {
	Manifest *manifest.Manifest
	// Folder is the local base folder of a folder transfer.
	Folder  string
	Items   []ReceivedItem
	Skipped []string
	Bytes   uint64
	Halted  bool
}

// Receiver decodes a transfer stream onto a filesystem.
type Receiver struct {
	cfg ReceiverConfig
}

// NewReceiver creates a receiver.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = limits.ChunkSize
	}
	if cfg.Dest == "" {
		cfg.Dest = "."
	}
	return &Receiver{cfg: cfg}
}

// Listen opens the data listener for variant on host.
func Listen(host string, variant handshake.Variant) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(variant.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &ConnectError{Op: "listen", Addr: addr, Err: err}
	}
	return ln, nil
}

// ListenAndReceive accepts one connection on ln and receives from it.
func (r *Receiver) ListenAndReceive(ctx context.Context, ln net.Listener) (*Received, error) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	conn, err := ln.Accept()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectError{Op: "accept", Addr: ln.Addr().String(), Err: err}
	}
	defer conn.Close()
	return r.Receive(ctx, conn)
}

type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		_ = d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	}
	return d.conn.Read(p)
}

// inbound is the per-stream receive state.
type inbound struct {
	rec     *Received
	root    string
	base    string
	pending []ReceivedItem
}

// Receive reads frames from conn until the halt frame. The first
// metadata.json item sets up the folder structure; every later item is
// written beneath it, or directly under Dest for file transfers.
// Encrypted items are decrypted once the halt frame arrives.
func (r *Receiver) Receive(ctx context.Context, conn net.Conn) (*Received, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := logrus.WithFields(logrus.Fields{
		"function": "Receiver.Receive",
		"peer":     conn.RemoteAddr().String(),
		"dest":     r.cfg.Dest,
	})

	br := bufio.NewReaderSize(&deadlineReader{conn: conn, timeout: r.cfg.IOTimeout}, r.cfg.ChunkSize)
	in := &inbound{rec: &Received{}, root: r.cfg.Dest}

	if err := r.cfg.Fs.MkdirAll(r.cfg.Dest, 0o755); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}

	for {
		frame, err := ReadHeader(br)
		if err != nil {
			if ctx.Err() != nil {
				return in.rec, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				logger.Warn("Sender closed the stream without halting")
				return in.rec, ErrMissingHalt
			}
			return in.rec, err
		}

		if frame.Flag == FlagHalt {
			r.finish(in)
			in.rec.Halted = true
			logger.WithFields(logrus.Fields{
				"items":   len(in.rec.Items),
				"skipped": len(in.rec.Skipped),
				"bytes":   in.rec.Bytes,
			}).Info("Transfer received")
			return in.rec, nil
		}

		if frame.Path == manifest.WireName && !frame.Encrypted() && in.rec.Manifest == nil {
			if err := r.readManifest(br, frame, in); err != nil {
				return in.rec, err
			}
			continue
		}

		if err := r.readItem(br, frame, in); err != nil {
			return in.rec, err
		}
	}
}

func (r *Receiver) readManifest(br io.Reader, frame Frame, in *inbound) error {
	if err := limits.ValidateManifestSize(frame.Size); err != nil {
		return err
	}
	doc := make([]byte, frame.Size)
	if _, err := io.ReadFull(br, doc); err != nil {
		return fmt.Errorf("read manifest: %w", unexpected(err))
	}
	m, err := manifest.Decode(doc)
	if err != nil {
		return err
	}
	in.rec.Manifest = m
	in.rec.Bytes += frame.Size

	base := m.BaseFolder()
	if base == "" {
		return nil
	}
	if !validSegment(base) {
		return fmt.Errorf("%w: base folder %q", ErrDirectoryTraversal, base)
	}

	root, err := uniqueDir(r.cfg.Fs, filepath.Join(r.cfg.Dest, base))
	if err != nil {
		return err
	}
	if err := r.cfg.Fs.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	in.root, in.base = root, base
	in.rec.Folder = root

	for _, e := range m.Entries {
		rel := strings.TrimSuffix(e.Path, "/")
		if !e.IsDir() || rel == base {
			continue
		}
		dir, err := in.target(rel)
		if err != nil {
			continue
		}
		if err := r.cfg.Fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create folder: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Receiver.readManifest",
		"folder":   root,
		"files":    m.FileCount(),
		"bytes":    m.TotalBytes(),
	}).Info("Folder transfer announced")
	return nil
}

func (r *Receiver) readItem(br io.Reader, frame Frame, in *inbound) error {
	logger := logrus.WithFields(logrus.Fields{
		"function":  "Receiver.readItem",
		"wire_path": frame.Path,
		"size":      frame.Size,
	})

	target, err := in.target(frame.Path)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Rejecting item path")
		if _, err := io.CopyN(io.Discard, br, int64(frame.Size)); err != nil {
			return fmt.Errorf("discard payload: %w", unexpected(err))
		}
		in.rec.Skipped = append(in.rec.Skipped, frame.Path)
		return nil
	}

	if err := r.cfg.Fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	if frame.Encrypted() {
		plain, err := uniqueFile(r.cfg.Fs, strings.TrimSuffix(target, crypto.Suffix), crypto.Suffix)
		if err != nil {
			return err
		}
		target = plain + crypto.Suffix
	} else if target, err = uniqueFile(r.cfg.Fs, target, ""); err != nil {
		return err
	}

	f, err := r.cfg.Fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	n, err := io.CopyN(f, br, int64(frame.Size))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = r.cfg.Fs.Remove(target)
		return fmt.Errorf("receive %s: %w", frame.Path, unexpected(err))
	}

	item := ReceivedItem{WirePath: frame.Path, Path: target, Bytes: uint64(n), Encrypted: frame.Encrypted()}
	in.rec.Bytes += item.Bytes
	if item.Encrypted {
		in.pending = append(in.pending, item)
	} else {
		in.rec.Items = append(in.rec.Items, item)
	}
	logger.WithField("path", target).Debug("Item received")
	return nil
}

// finish decrypts the ciphertexts collected during the session.
func (r *Receiver) finish(in *inbound) {
	for _, item := range in.pending {
		if r.cfg.Password == "" {
			in.rec.Items = append(in.rec.Items, item)
			continue
		}
		out, err := crypto.DecryptFile(r.cfg.Fs, item.Path, r.cfg.Password)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.finish",
				"path":     item.Path,
				"error":    err.Error(),
			}).Warn("Keeping ciphertext that failed to decrypt")
			in.rec.Items = append(in.rec.Items, item)
			continue
		}
		_ = r.cfg.Fs.Remove(item.Path)
		item.Path, item.Decrypted = out, true
		in.rec.Items = append(in.rec.Items, item)
	}
	in.pending = nil
}

// target maps a wire path to a local path. Folder transfers strip the base
// folder prefix and keep the rest of the structure; file transfers keep
// only the final element.
func (in *inbound) target(wire string) (string, error) {
	if wire == "" || strings.Contains(wire, "\\") {
		return "", fmt.Errorf("%w: %q", ErrDirectoryTraversal, wire)
	}

	rel := path.Base(wire)
	if in.base != "" {
		rel = strings.TrimPrefix(wire, in.base+"/")
	}
	if path.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrDirectoryTraversal, wire)
	}
	for _, seg := range strings.Split(rel, "/") {
		if !validSegment(seg) {
			return "", fmt.Errorf("%w: %q", ErrDirectoryTraversal, wire)
		}
	}

	out := filepath.Join(in.root, filepath.FromSlash(rel))
	if back, err := filepath.Rel(in.root, out); err != nil || back == ".." ||
		strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrDirectoryTraversal, wire)
	}
	return out, nil
}

func validSegment(seg string) bool {
	return seg != "" && seg != "." && seg != ".." && !strings.ContainsAny(seg, "/\\")
}

func uniqueDir(fs afero.Fs, name string) (string, error) {
	candidate := name
	for i := 1; ; i++ {
		exists, err := afero.Exists(fs, candidate)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)", name, i)
	}
}

// uniqueFile returns name, or "base (i).ext" for the first i where neither
// the candidate nor the candidate with suffix exists.
func uniqueFile(fs afero.Fs, name, suffix string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; ; i++ {
		taken := false
		for _, probe := range []string{candidate, candidate + suffix} {
			exists, err := afero.Exists(fs, probe)
			if err != nil {
				return "", fmt.Errorf("stat %s: %w", probe, err)
			}
			taken = taken || exists
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
}
