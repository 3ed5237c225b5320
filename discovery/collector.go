package discovery

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// pollInterval bounds how long a blocked read can miss a cleared flag.
const pollInterval = time.Second

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithListenHost binds the collector to a specific local address.
func WithListenHost(host string) CollectorOption {
	return func(c *Collector) {
		c.host = host
	}
}

// Collector gathers receiver answers into a CandidateList.
type Collector struct {
	scheme Scheme
	list   *CandidateList
	host   string

	mu      sync.Mutex
	conn    *ipv4.PacketConn
	raw     net.PacketConn
	stopped bool
	done    chan struct{}
}

// NewCollector creates a collector that appends to list.
func NewCollector(scheme Scheme, list *CandidateList, opts ...CollectorOption) *Collector {
	c := &Collector{
		scheme: scheme,
		list:   list,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start binds the response port, raises the discovering flag and begins
// collecting in the background.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.raw != nil || c.stopped {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.host, c.scheme.ResponsePort)
	raw, err := net.ListenPacket("udp4", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Collector.Start",
			"addr":     addr,
			"error":    err.Error(),
		}).Error("Failed to bind discovery response port")
		return newSocketError("listen", addr, err)
	}

	pc := ipv4.NewPacketConn(raw)
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Collector.Start",
			"error":    err.Error(),
		}).Debug("Control messages unavailable, interface will not be reported")
	}

	c.raw = raw
	c.conn = pc
	c.list.setDiscovering(true)
	go c.loop(pc)

	logrus.WithFields(logrus.Fields{
		"function": "Collector.Start",
		"addr":     raw.LocalAddr().String(),
		"scheme":   c.scheme.Version,
	}).Info("Discovery collector started")
	return nil
}

// Addr returns the bound local address, or nil before Start.
func (c *Collector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw == nil {
		return nil
	}
	return c.raw.LocalAddr()
}

// Stop clears the discovering flag and closes the socket, unblocking any
// pending read. It is idempotent.
func (c *Collector) Stop() {
	c.list.setDiscovering(false)

	c.mu.Lock()
	conn := c.conn
	first := !c.stopped
	c.stopped = true
	c.mu.Unlock()

	if first {
		if conn != nil {
			conn.Close()
		} else {
			close(c.done)
		}
	}
	<-c.done
}

// Done is closed once the collection loop has exited.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

func (c *Collector) loop(conn *ipv4.PacketConn) {
	defer close(c.done)
	defer conn.Close()

	buf := make([]byte, maxDatagram)
	for c.list.Discovering() {
		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, cm, src, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if c.list.Discovering() {
				logrus.WithFields(logrus.Fields{
					"function": "Collector.loop",
					"error":    newSocketError("read", "", err).Error(),
				}).Error("Discovery collector read failed")
			}
			return
		}
		c.handle(buf[:n], cm, src)
	}

	logrus.WithField("function", "Collector.loop").Debug("Discovery collector finished")
}

func (c *Collector) handle(data []byte, cm *ipv4.ControlMessage, src net.Addr) {
	fields := logrus.Fields{
		"function": "Collector.handle",
		"from":     src.String(),
	}
	if cm != nil {
		if cm.IfIndex > 0 {
			if iface, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				fields["interface"] = iface.Name
			}
		}
		if cm.Dst != nil {
			fields["dst"] = cm.Dst.String()
		}
	}

	name, ok := ParseResponse(data)
	if !ok {
		logrus.WithFields(fields).Debug("Ignoring unexpected discovery datagram")
		return
	}

	udp, ok := src.(*net.UDPAddr)
	if !ok {
		logrus.WithFields(fields).Debug("Ignoring discovery answer from non-UDP address")
		return
	}

	cand := Candidate{Address: udp.IP.String(), DisplayName: name}
	if c.list.Add(cand) {
		fields["name"] = name
		logrus.WithFields(fields).Info("Discovered receiver")
	}
}
