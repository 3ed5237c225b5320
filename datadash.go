package datadash

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/Project-Bois/DataDash-codes/config"
	"github.com/Project-Bois/DataDash-codes/discovery"
	"github.com/Project-Bois/DataDash-codes/handshake"
	"github.com/Project-Bois/DataDash-codes/manifest"
	"github.com/Project-Bois/DataDash-codes/transfer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	// ErrNotFound indicates discovery ended without the requested receiver
	ErrNotFound = errors.New("receiver not found")

	// ErrFolderSelection indicates folder mode was given other than one path
	ErrFolderSelection = errors.New("folder mode takes exactly one folder")

	// ErrListen indicates a receiver could not open its listeners
	ErrListen = errors.New("receiver listen failure")
)

// Options configures a Sender or Receiver.
type Options struct {
	Config *config.Config
	// Scheme defaults to the configured discovery scheme.
	Scheme discovery.Scheme
	// Fs backs manifest resolution, manifest persistence and received files.
	Fs afero.Fs
	// Resolver defaults to a manifest.SchemeResolver over Fs.
	Resolver manifest.Resolver
	// Password is used when encryption is enabled, and by receivers to
	// decrypt incoming ciphertext.
	Password string

	// Host is the local bind address. Empty binds all interfaces.
	Host string
	// HandshakePort defaults to handshake.DefaultPort.
	HandshakePort int
	// DataPort overrides the transfer variant's port when non-zero.
	DataPort int
	// BroadcastTargets replaces the default probe targets: the limited
	// broadcast address plus every subnet broadcast address.
	BroadcastTargets []net.IP

	// Dest is where a Receiver writes items.
	Dest string
	// Discoverable makes a Receiver answer discovery probes.
	Discoverable bool
}

// NewOptions returns options built from cfg, or from the defaults when cfg
// is nil.
func NewOptions(cfg *config.Config) *Options {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	fs := afero.NewOsFs()
	return &Options{
		Config:        cfg,
		Scheme:        cfg.Scheme(),
		Fs:            fs,
		Resolver:      manifest.NewSchemeResolver(fs),
		HandshakePort: handshake.DefaultPort,
		Dest:          ".",
		Discoverable:  true,
	}
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.Config == nil {
		out.Config = config.NewDefaultConfig()
	}
	if out.Scheme == (discovery.Scheme{}) {
		out.Scheme = out.Config.Scheme()
	}
	if out.Fs == nil {
		out.Fs = afero.NewOsFs()
	}
	if out.Resolver == nil {
		out.Resolver = manifest.NewSchemeResolver(out.Fs)
	}
	if out.HandshakePort == 0 {
		out.HandshakePort = handshake.DefaultPort
	}
	return &out
}

func (o *Options) handshakeOptions() []handshake.Option {
	return []handshake.Option{
		handshake.WithPort(o.HandshakePort),
		handshake.WithConnectTimeout(o.Config.ConnectTimeout),
		handshake.WithIOTimeout(o.Config.IOTimeout),
	}
}

func (o *Options) variant(v handshake.Variant) handshake.Variant {
	if o.DataPort != 0 {
		v.Port = o.DataPort
	}
	return v
}

// Discovery is a running discovery pass.
type Discovery struct {
	List *discovery.CandidateList

	opts        *Options
	mu          sync.Mutex
	broadcaster *discovery.Broadcaster
	collector   *discovery.Collector
}

// Stop ends the pass. It is idempotent.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halt()
}

func (d *Discovery) halt() {
	if d.broadcaster != nil {
		d.broadcaster.Stop()
	}
	if d.collector != nil {
		d.collector.Stop()
	}
}

// Refresh ends the current pass, empties the list and probes again.
func (d *Discovery) Refresh() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halt()
	d.List.Reset()
	return d.start()
}

// Done is closed once the broadcaster of the current pass has sent its
// last probe.
func (d *Discovery) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broadcaster.Done()
}

func (d *Discovery) start() error {
	col := discovery.NewCollector(d.opts.Scheme, d.List, discovery.WithListenHost(d.opts.Host))
	if err := col.Start(); err != nil {
		return err
	}

	targets := d.opts.BroadcastTargets
	if len(targets) == 0 {
		subnets, err := discovery.SubnetBroadcastAddrs()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Discovery.start",
				"error":    err.Error(),
			}).Warn("Cannot list interfaces, using limited broadcast only")
		}
		targets = append([]net.IP{net.IPv4bcast}, subnets...)
	}
	b := discovery.NewBroadcaster(d.opts.Scheme, discovery.WithTarget(targets...))
	if err := b.Start(); err != nil {
		col.Stop()
		return err
	}
	d.collector, d.broadcaster = col, b
	return nil
}

// Select picks a candidate by address and ends the pass.
func (d *Discovery) Select(address string) (discovery.Candidate, bool) {
	c, ok := d.List.Select(address)
	d.Stop()
	return c, ok
}

// WaitFor blocks until a candidate matching nameOrAddr appears, selects it
// and ends the pass. It fails with ErrNotFound once probing is over.
func (d *Discovery) WaitFor(ctx context.Context, nameOrAddr string) (discovery.Candidate, error) {
	for {
		if c, ok := d.List.Find(nameOrAddr); ok {
			d.Select(c.Address)
			return c, nil
		}
		select {
		case <-ctx.Done():
			d.Stop()
			return discovery.Candidate{}, ctx.Err()
		case <-d.Done():
			if c, ok := d.List.Find(nameOrAddr); ok {
				d.Select(c.Address)
				return c, nil
			}
			d.Stop()
			return discovery.Candidate{}, fmt.Errorf("%w: %s", ErrNotFound, nameOrAddr)
		case <-d.List.Updates():
		}
	}
}

// Sender runs the sending side: discovery, handshake, manifest and session.
type Sender struct {
	opts *Options
}

// NewSender creates a sender.
func NewSender(opts *Options) *Sender {
	if opts == nil {
		opts = NewOptions(nil)
	}
	return &Sender{opts: opts.withDefaults()}
}

// Discover starts probing for receivers. Callers read the list, then
// Select a candidate or Stop the pass.
func (s *Sender) Discover() (*Discovery, error) {
	d := &Discovery{List: discovery.NewCandidateList(), opts: s.opts}
	if err := d.start(); err != nil {
		return nil, err
	}
	return d, nil
}

// BuildManifest builds and persists the manifest for paths. Folder mode
// takes exactly one folder.
func (s *Sender) BuildManifest(paths []string, folder bool) (*manifest.Manifest, error) {
	b := manifest.NewBuilder(s.opts.Resolver, s.opts.Fs).WithPath(s.opts.Config.ManifestPath)
	if !folder {
		return b.BuildFiles(paths)
	}
	if len(paths) != 1 {
		return nil, ErrFolderSelection
	}
	return b.BuildFolder(paths[0])
}

// Connect runs the handshake with addr and returns a session for the
// selected variant. The caller may subscribe to its events before Run.
func (s *Sender) Connect(ctx context.Context, addr string) (*transfer.Session, *handshake.Result, error) {
	cfg := s.opts.Config
	res, err := handshake.Exchange(ctx, addr, cfg.Descriptor(), s.opts.handshakeOptions()...)
	if err != nil {
		return nil, nil, err
	}

	sess := transfer.NewSession(transfer.SessionConfig{
		Peer:           res.Addr,
		Variant:        s.opts.variant(res.Variant),
		Encrypt:        cfg.Encryption,
		Password:       s.opts.Password,
		ConnectTimeout: cfg.ConnectTimeout,
		IOTimeout:      cfg.IOTimeout,
		Workers:        cfg.Workers,
	})
	logrus.WithFields(logrus.Fields{
		"function":   "Sender.Connect",
		"peer":       res.Addr,
		"variant":    res.Variant.Name,
		"session_id": sess.ID(),
		"encrypted":  cfg.Encryption,
	}).Info("Transfer session ready")
	return sess, res, nil
}

// Send connects to addr and transfers m.
func (s *Sender) Send(ctx context.Context, addr string, m *manifest.Manifest) (*transfer.Report, error) {
	sess, _, err := s.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	return sess.Run(ctx, m)
}

// Receiver runs the receiving side: it answers probes and handshakes and
// decodes transfers.
type Receiver struct {
	opts      *Options
	responder *discovery.Responder
	mu        sync.Mutex
}

// NewReceiver creates a receiver.
func NewReceiver(opts *Options) *Receiver {
	if opts == nil {
		opts = NewOptions(nil)
	}
	return &Receiver{opts: opts.withDefaults()}
}

// Start begins answering discovery probes when the receiver is
// discoverable. It is idempotent.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opts.Discoverable || r.responder != nil {
		return nil
	}
	resp := discovery.NewResponder(r.opts.Scheme, r.opts.Config.DeviceName, discovery.WithResponderHost(r.opts.Host))
	if err := resp.Start(); err != nil {
		return err
	}
	r.responder = resp
	return nil
}

// Close stops answering probes.
func (r *Receiver) Close() {
	r.mu.Lock()
	resp := r.responder
	r.responder = nil
	r.mu.Unlock()
	if resp != nil {
		resp.Stop()
	}
}

// ReceiveOnce waits for one sender: it answers the handshake, then
// receives the transfer on the variant matching this peer's device type.
func (r *Receiver) ReceiveOnce(ctx context.Context) (*transfer.Received, error) {
	cfg := r.opts.Config
	own := cfg.Descriptor()
	variant, err := handshake.VariantForDevice(own.DeviceType)
	if err != nil {
		return nil, err
	}

	data, err := transfer.Listen(r.opts.Host, r.opts.variant(variant))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}
	defer data.Close()

	hs, err := handshake.Listen(r.opts.Host, r.opts.handshakeOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}
	peer, err := handshake.Accept(ctx, hs, own, r.opts.handshakeOptions()...)
	hs.Close()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Receiver.ReceiveOnce",
		"peer":        peer.Addr,
		"device_type": string(peer.Descriptor.DeviceType),
		"variant":     variant.Name,
	}).Info("Waiting for transfer")

	rx := transfer.NewReceiver(transfer.ReceiverConfig{
		Fs:        r.opts.Fs,
		Dest:      r.opts.Dest,
		Password:  r.opts.Password,
		IOTimeout: cfg.IOTimeout,
	})
	return rx.ListenAndReceive(ctx, data)
}
