package discovery

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithResponderHost binds the responder to a specific local address.
func WithResponderHost(host string) ResponderOption {
	return func(r *Responder) {
		r.host = host
	}
}

// Responder answers discovery probes on behalf of a receiver.
type Responder struct {
	scheme Scheme
	name   string
	host   string

	mu      sync.Mutex
	conn    *net.UDPConn
	stopped bool
	done    chan struct{}
}

// NewResponder creates a responder that advertises name.
func NewResponder(scheme Scheme, name string, opts ...ResponderOption) *Responder {
	r := &Responder{
		scheme: scheme,
		name:   name,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start binds the probe port and answers probes in the background.
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil || r.stopped {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", r.host, r.scheme.ProbePort)
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return newSocketError("resolve", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Responder.Start",
			"addr":     addr,
			"error":    err.Error(),
		}).Error("Failed to bind discovery probe port")
		return newSocketError("listen", addr, err)
	}

	r.conn = conn
	go r.loop(conn)

	logrus.WithFields(logrus.Fields{
		"function": "Responder.Start",
		"addr":     conn.LocalAddr().String(),
		"name":     r.name,
	}).Info("Discovery responder started")
	return nil
}

// Addr returns the bound local address, or nil before Start.
func (r *Responder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Stop closes the socket and waits for the loop to exit. It is idempotent.
func (r *Responder) Stop() {
	r.mu.Lock()
	conn := r.conn
	first := !r.stopped
	r.stopped = true
	r.mu.Unlock()

	if first {
		if conn != nil {
			conn.Close()
		} else {
			close(r.done)
		}
	}
	<-r.done
}

func (r *Responder) loop(conn *net.UDPConn) {
	defer close(r.done)
	defer conn.Close()

	reply := []byte(ResponsePrefix + r.name)
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "Responder.loop",
					"error":    newSocketError("read", "", err).Error(),
				}).Error("Discovery responder read failed")
			}
			return
		}
		if !IsProbe(buf[:n]) {
			continue
		}

		dst := &net.UDPAddr{IP: src.IP, Port: r.scheme.ResponsePort}
		if _, err := conn.WriteToUDP(reply, dst); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Responder.loop",
				"addr":     dst.String(),
				"error":    err.Error(),
			}).Warn("Failed to answer discovery probe")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "Responder.loop",
			"addr":     dst.String(),
		}).Debug("Answered discovery probe")
	}
}
