package discovery

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithInterval sets the delay between probes.
func WithInterval(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithMaxIterations bounds the number of probes sent.
func WithMaxIterations(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.maxIterations = n
		}
	}
}

// WithTarget replaces the default limited broadcast address. Each probe
// is sent to every target.
func WithTarget(ips ...net.IP) BroadcasterOption {
	return func(b *Broadcaster) {
		if len(ips) > 0 {
			b.targets = ips
		}
	}
}

// Broadcaster announces a sender on the LAN by repeatedly broadcasting
// the discovery probe.
type Broadcaster struct {
	scheme        Scheme
	interval      time.Duration
	maxIterations int
	targets       []net.IP

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewBroadcaster creates a broadcaster for scheme. It sends nothing until
// Start is called.
func NewBroadcaster(scheme Scheme, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		scheme:        scheme,
		interval:      time.Second,
		maxIterations: DefaultMaxIterations,
		targets:       []net.IP{net.IPv4bcast},
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start opens the UDP socket and begins broadcasting. Calling Start on a
// running or stopped broadcaster does nothing.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		serr := newSocketError("listen", "", err)
		logrus.WithFields(logrus.Fields{
			"function": "Broadcaster.Start",
			"scheme":   b.scheme.Version,
			"error":    err.Error(),
		}).Error("Failed to create discovery broadcast socket")
		return serr
	}

	b.started = true
	go b.loop(conn)

	logrus.WithFields(logrus.Fields{
		"function":       "Broadcaster.Start",
		"scheme":         b.scheme.Version,
		"probe_port":     b.scheme.ProbePort,
		"max_iterations": b.maxIterations,
	}).Info("Discovery broadcast started")
	return nil
}

// Stop ends the broadcast loop and waits for the socket to close. It is
// idempotent and safe to call from any goroutine.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})

	b.mu.Lock()
	started := b.started
	b.started = true
	b.mu.Unlock()

	if started {
		<-b.done
	} else {
		b.closeDone()
	}
}

// Done is closed once the broadcast loop has exited.
func (b *Broadcaster) Done() <-chan struct{} {
	return b.done
}

func (b *Broadcaster) closeDone() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

func (b *Broadcaster) loop(conn *net.UDPConn) {
	defer b.closeDone()
	defer conn.Close()

	probe := []byte(ProbeMessage)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for i := 0; i < b.maxIterations; i++ {
		for _, ip := range b.targets {
			addr := &net.UDPAddr{IP: ip, Port: b.scheme.ProbePort}
			if _, err := conn.WriteToUDP(probe, addr); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "Broadcaster.loop",
					"addr":      addr.String(),
					"iteration": i,
					"error":     newSocketError("send", addr.String(), err).Error(),
				}).Error("Discovery probe failed, stopping broadcast")
				return
			}
		}

		logrus.WithFields(logrus.Fields{
			"function":  "Broadcaster.loop",
			"port":      b.scheme.ProbePort,
			"iteration": i + 1,
		}).Debug("Sent discovery probe")

		if i == b.maxIterations-1 {
			break
		}
		select {
		case <-b.stopChan:
			logrus.WithField("function", "Broadcaster.loop").Debug("Discovery broadcast stopped")
			return
		case <-ticker.C:
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Broadcaster.loop",
		"iterations": b.maxIterations,
	}).Info("Discovery broadcast finished")
}

// SubnetBroadcastAddrs returns the directed broadcast address of every up,
// non-loopback IPv4 interface.
func SubnetBroadcastAddrs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if bcast := directedBroadcast(ipnet); bcast != nil {
				out = append(out, bcast)
			}
		}
	}
	return out, nil
}

func directedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil {
		return nil
	}
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range ip {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}
