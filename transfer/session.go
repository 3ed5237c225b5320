package transfer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Project-Bois/DataDash-codes/crypto"
	"github.com/Project-Bois/DataDash-codes/handshake"
	"github.com/Project-Bois/DataDash-codes/limits"
	"github.com/Project-Bois/DataDash-codes/manifest"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultWorkers is the size of the preparation pool.
	DefaultWorkers = 4

	// ConnectTimeout bounds the data connection dial.
	ConnectTimeout = 10 * time.Second

	eventBuffer = 64
)

// State is the lifecycle position of a Session.
type State int32

const (
	// StateIdle is the state before Run.
	StateIdle State = iota
	// StateConnecting is the dial to the peer.
	StateConnecting
	// StateSendingManifest is the transmission of the manifest item.
	StateSendingManifest
	// StateSendingItems is the transmission of file items.
	StateSendingItems
	// StateHalted is reached once, after the halt frame.
	StateHalted
	// StateFailed is terminal for a session that could not finish.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateSendingManifest:
		return "SendingManifest"
	case StateSendingItems:
		return "SendingItems"
	case StateHalted:
		return "Halted"
	case StateFailed:
		return "Failed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Peer is the receiver host; the port comes from Variant.
	Peer    string
	Variant handshake.Variant

	// Encrypt turns on per-item encryption with Password.
	Encrypt  bool
	Password string
	// Encryptor defaults to a crypto.FileEncryptor in the OS temp dir.
	Encryptor crypto.Encryptor

	// ConnectTimeout defaults to ConnectTimeout.
	ConnectTimeout time.Duration
	// Dial defaults to a plain TCP dial.
	Dial handshake.DialFunc
	// IOTimeout is a per-write deadline. Zero means none.
	IOTimeout time.Duration
	// Workers defaults to DefaultWorkers.
	Workers int
	// ChunkSize defaults to limits.ChunkSize.
	ChunkSize int
	Clock     TimeProvider
}

func (c *SessionConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = ConnectTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = limits.ChunkSize
	}
	if c.Clock == nil {
		c.Clock = DefaultTimeProvider{}
	}
	if c.Encrypt && c.Encryptor == nil {
		c.Encryptor = crypto.NewFileEncryptor(afero.NewOsFs(), "")
	}
}

// Session sends one manifest and its items to a receiver over a single
// TCP connection. A Session is used once.
type Session struct {
	cfg        SessionConfig
	id         string
	state      atomic.Int32
	pending    atomic.Int64
	started    atomic.Bool
	subscribed atomic.Bool
	events     chan Event

	// Owned by the sender goroutine inside Run.
	ctx          context.Context
	bw           *bufio.Writer
	start        time.Time
	sessionBytes uint64
	sessionTotal uint64
	report       *Report
}

// NewSession creates an idle session.
func NewSession(cfg SessionConfig) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:    cfg,
		id:     uuid.NewString(),
		events: make(chan Event, eventBuffer),
	}
}

// ID returns the session identifier used in logs and the Report.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Pending returns the number of items not yet completed, counting the
// manifest item.
func (s *Session) Pending() int64 {
	return s.pending.Load()
}

// Events returns the progress feed. Events are only produced for sessions
// whose feed was requested before Run; the channel is closed when Run
// returns. The consumer must keep reading or the sender stalls.
func (s *Session) Events() <-chan Event {
	s.subscribed.Store(true)
	return s.events
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// job is one unit of wire work: the manifest document or a file item.
type job struct {
	index int
	entry manifest.Entry
	res   *manifest.Resource
	doc   []byte
}

// prepared is a job that is ready to go on the wire, or failed trying.
type prepared struct {
	job     job
	frame   Frame
	body    io.ReadCloser
	cleanup func() error
	err     error
	kind    FailureKind
	once    sync.Once
}

func (p *prepared) release() {
	p.once.Do(func() {
		if p.body != nil {
			p.body.Close()
		}
		if p.cleanup != nil {
			if err := p.cleanup(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "prepared.release",
					"path":     p.frame.Path,
					"error":    err.Error(),
				}).Warn("Failed to remove temporary ciphertext")
			}
		}
	})
}

// future is a one-shot slot for a prepared job.
type future struct {
	done chan struct{}
	p    *prepared
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(p *prepared) {
	f.p = p
	close(f.done)
}

func (f *future) peek() (*prepared, bool) {
	select {
	case <-f.done:
		return f.p, true
	default:
		return nil, false
	}
}

// deadlineWriter refreshes the write deadline before every write.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.Write(p)
}

// Run connects to the peer and sends the manifest followed by every item
// in m.Items, then the halt frame. Items that fail before any of their
// bytes reach the wire are skipped and reported; a failure after that
// point aborts the session without a halt frame.
func (s *Session) Run(ctx context.Context, m *manifest.Manifest) (*Report, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrSessionUsed
	}
	defer close(s.events)

	logger := logrus.WithFields(logrus.Fields{
		"function":   "Session.Run",
		"session_id": s.id,
		"peer":       s.cfg.Peer,
		"variant":    s.cfg.Variant.Name,
	})

	if s.cfg.Encrypt && s.cfg.Password == "" {
		s.setState(StateFailed)
		return nil, fmt.Errorf("encryption enabled: %w", crypto.ErrEmptyPassword)
	}
	doc, err := m.Encode()
	if err != nil {
		s.setState(StateFailed)
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	s.setState(StateConnecting)
	addr := net.JoinHostPort(s.cfg.Peer, strconv.Itoa(s.cfg.Variant.Port))
	conn, err := handshake.Dial(ctx, s.cfg.Dial, addr, s.cfg.ConnectTimeout)
	if err != nil {
		s.setState(StateFailed)
		logger.WithField("error", err.Error()).Error("Data connection failed")
		return nil, &ConnectError{Op: "dial", Addr: addr, Err: err}
	}
	defer conn.Close()

	s.ctx = ctx
	s.start = s.cfg.Clock.Now()
	s.bw = bufio.NewWriterSize(&deadlineWriter{conn: conn, timeout: s.cfg.IOTimeout}, s.cfg.ChunkSize)
	s.sessionTotal = uint64(len(doc)) + m.TotalBytes()
	s.report = &Report{SessionID: s.id, Peer: addr, Variant: s.cfg.Variant.Name}
	s.pending.Store(int64(len(m.Items)) + 1)

	jobs := make([]job, 0, len(m.Items)+1)
	jobs = append(jobs, job{index: 0, entry: manifest.Entry{Path: manifest.WireName, Size: uint64(len(doc))}, doc: doc})
	for i, it := range m.Items {
		jobs = append(jobs, job{index: i + 1, entry: it.Entry, res: it.Resource})
	}

	logger.WithFields(logrus.Fields{
		"items":       len(jobs),
		"total_bytes": s.sessionTotal,
		"encrypted":   s.cfg.Encrypt,
	}).Info("Transfer session connected")

	err = s.pipeline(ctx, jobs)
	s.report.Elapsed = s.cfg.Clock.Since(s.start)
	s.report.Bytes = s.sessionBytes
	if err != nil {
		s.setState(StateFailed)
		logger.WithField("error", err.Error()).Error("Transfer session failed")
		return s.report, err
	}

	logger.WithFields(logrus.Fields{
		"sent":    len(s.report.Sent),
		"failed":  len(s.report.Failed),
		"bytes":   s.report.Bytes,
		"elapsed": s.report.Elapsed.String(),
	}).Info("Transfer session halted")
	return s.report, nil
}

// pipeline prepares jobs on a bounded pool while a single sender writes
// them in order. A job's permit is held until it has been sent, so
// preparation never runs more than Workers items ahead of the wire.
func (s *Session) pipeline(ctx context.Context, jobs []job) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	futures := make([]*future, len(jobs))
	for i := range futures {
		futures[i] = newFuture()
	}

	sem := semaphore.NewWeighted(int64(s.cfg.Workers))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := range jobs {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			i := i
			g.Go(func() error {
				futures[i].resolve(s.prepare(jobs[i]))
				return nil
			})
		}
		return nil
	})

	err := s.sendAll(ctx, futures, sem)
	cancel()
	_ = g.Wait()

	for _, f := range futures {
		if p, ok := f.peek(); ok {
			p.release()
		}
	}
	return err
}

func (s *Session) sendAll(ctx context.Context, futures []*future, sem *semaphore.Weighted) error {
	s.setState(StateSendingManifest)
	for i, f := range futures {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if i == 1 {
			s.setState(StateSendingItems)
		}

		err := s.send(f.p)
		sem.Release(1)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) prepare(j job) *prepared {
	p := &prepared{job: j}
	if j.doc != nil {
		p.frame = Frame{Flag: FlagPlain, Path: manifest.WireName, Size: uint64(len(j.doc))}
		p.body = io.NopCloser(bytes.NewReader(j.doc))
		return p
	}

	wire := j.entry.Path
	if s.cfg.Encrypt {
		wire += crypto.Suffix
	}
	if err := limits.ValidatePathLength(uint64(len(wire))); err != nil {
		p.err, p.kind = fmt.Errorf("wire path: %w", err), ItemSendFailure
		return p
	}

	body, err := j.res.Open()
	if err != nil {
		p.err, p.kind = err, ItemSendFailure
		return p
	}

	if !s.cfg.Encrypt {
		p.frame = Frame{Flag: FlagPlain, Path: wire, Size: j.entry.Size}
		p.body = body
		return p
	}

	ct, err := s.cfg.Encryptor.Encrypt(s.cfg.Password, body)
	body.Close()
	if err != nil {
		p.err, p.kind = err, EncryptionFailure
		return p
	}
	enc, err := ct.Open()
	if err != nil {
		_ = ct.Remove()
		p.err, p.kind = err, ItemSendFailure
		return p
	}
	p.frame = Frame{Flag: FlagEncrypted, Path: wire, Size: uint64(ct.Size)}
	p.body = enc
	p.cleanup = ct.Remove
	return p
}

// send writes one prepared item. It returns an error only when the wire
// framing is broken and the session must stop.
func (s *Session) send(p *prepared) error {
	defer p.release()

	fields := logrus.Fields{
		"function":   "Session.send",
		"session_id": s.id,
		"index":      p.job.index,
		"path":       p.job.entry.Path,
	}

	if p.err != nil {
		ierr := &ItemError{Kind: p.kind, Index: p.job.index, Path: p.job.entry.Path, Err: p.err}
		fields["error"] = ierr.Error()
		logrus.WithFields(fields).Warn("Skipping item that could not be prepared")
		s.report.Failed = append(s.report.Failed, ItemResult{Index: p.job.index, Path: p.job.entry.Path, Err: ierr})
		s.emit(Event{Kind: EventItemFailed, Index: p.job.index, Path: p.job.entry.Path, Err: ierr})
		return s.complete()
	}

	s.emit(Event{Kind: EventItemStarted, Index: p.job.index, Path: p.frame.Path, ItemTotal: p.frame.Size})
	if err := WriteHeader(s.bw, p.frame); err != nil {
		return s.abort(p, err)
	}
	sent, err := s.stream(p)
	if err == nil {
		err = s.bw.Flush()
	}
	if err != nil {
		return s.abort(p, err)
	}
	p.release()

	fields["wire_path"] = p.frame.Path
	fields["bytes"] = sent
	logrus.WithFields(fields).Debug("Item sent")

	s.report.Sent = append(s.report.Sent, ItemResult{
		Index:     p.job.index,
		Path:      p.job.entry.Path,
		WirePath:  p.frame.Path,
		Bytes:     sent,
		Encrypted: p.frame.Encrypted(),
	})
	s.emit(Event{Kind: EventItemDone, Index: p.job.index, Path: p.frame.Path, Percent: 100, ItemBytes: sent, ItemTotal: p.frame.Size})
	return s.complete()
}

func (s *Session) stream(p *prepared) (uint64, error) {
	total := p.frame.Size
	if total == 0 {
		s.progress(p, 0, 100)
		return 0, nil
	}

	buf := make([]byte, s.cfg.ChunkSize)
	var sent uint64
	last := -1
	for sent < total {
		n := uint64(len(buf))
		if rem := total - sent; rem < n {
			n = rem
		}
		if _, err := io.ReadFull(p.body, buf[:n]); err != nil {
			return sent, fmt.Errorf("read source: %w", unexpected(err))
		}
		if _, err := s.bw.Write(buf[:n]); err != nil {
			return sent, fmt.Errorf("write payload: %w", err)
		}
		sent += n
		s.sessionBytes += n

		if pct := int(sent * 100 / total); pct != last {
			last = pct
			s.progress(p, sent, pct)
		}
	}
	return sent, nil
}

func (s *Session) progress(p *prepared, sent uint64, pct int) {
	s.emit(Event{
		Kind:      EventProgress,
		Index:     p.job.index,
		Path:      p.frame.Path,
		Percent:   pct,
		ItemBytes: sent,
		ItemTotal: p.frame.Size,
	})
}

func (s *Session) abort(p *prepared, err error) error {
	ierr := &ItemError{Kind: ItemSendFailure, Index: p.job.index, Path: p.job.entry.Path, Err: err}
	s.report.Failed = append(s.report.Failed, ItemResult{Index: p.job.index, Path: p.job.entry.Path, WirePath: p.frame.Path, Err: ierr})
	s.emit(Event{Kind: EventItemFailed, Index: p.job.index, Path: p.frame.Path, Err: ierr})
	return ierr
}

// complete counts one finished item and sends the halt frame after the last.
func (s *Session) complete() error {
	if s.pending.Add(-1) != 0 {
		return nil
	}
	if err := WriteHalt(s.bw); err != nil {
		return fmt.Errorf("send halt: %w", err)
	}
	s.setState(StateHalted)
	s.report.Halted = true
	s.emit(Event{Kind: EventHalted})
	logrus.WithFields(logrus.Fields{
		"function":   "Session.complete",
		"session_id": s.id,
	}).Debug("Halt frame sent")
	return nil
}

func (s *Session) emit(ev Event) {
	if !s.subscribed.Load() {
		return
	}
	ev.Time = s.cfg.Clock.Now()
	ev.SessionBytes = s.sessionBytes
	ev.SessionTotal = s.sessionTotal
	if secs := s.cfg.Clock.Since(s.start).Seconds(); secs > 0 {
		ev.Rate = float64(s.sessionBytes) / secs
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
