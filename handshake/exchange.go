package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort is the TCP port receivers accept handshakes on.
	DefaultPort = 54314

	// ConnectTimeout bounds the handshake dial.
	ConnectTimeout = 10 * time.Second

	acceptPoll = time.Second
)

// Result is the outcome of a successful exchange.
type Result struct {
	Peer    Descriptor
	Variant Variant
	Addr    string
}

// DialFunc opens a connection. It must return once ctx is done.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type options struct {
	port           int
	connectTimeout time.Duration
	ioTimeout      time.Duration
	dial           DialFunc
}

// Option configures Exchange and Accept.
type Option func(*options)

// WithPort overrides DefaultPort when the address carries no port.
func WithPort(port int) Option {
	return func(o *options) {
		if port > 0 {
			o.port = port
		}
	}
}

// WithConnectTimeout overrides ConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithIOTimeout applies a deadline to the whole exchange once connected.
// Zero, the default, means no deadline.
func WithIOTimeout(d time.Duration) Option {
	return func(o *options) {
		o.ioTimeout = d
	}
}

// WithDialer replaces the TCP dialer used by Exchange.
func WithDialer(dial DialFunc) Option {
	return func(o *options) {
		if dial != nil {
			o.dial = dial
		}
	}
}

// Dial opens a TCP connection, giving up after timeout.
func Dial(ctx context.Context, dial DialFunc, address string, timeout time.Duration) (net.Conn, error) {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dial(ctx, "tcp", address)
}

func buildOptions(opts []Option) options {
	o := options{port: DefaultPort, connectTimeout: ConnectTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func withDefaultPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// Exchange connects to the peer at addr, sends own, reads the peer's
// descriptor and selects the transfer variant. The connection is always
// closed before Exchange returns. Nothing is retried.
func Exchange(ctx context.Context, addr string, own Descriptor, opts ...Option) (*Result, error) {
	o := buildOptions(opts)
	target := withDefaultPort(addr, o.port)

	conn, err := Dial(ctx, o.dial, target, o.connectTimeout)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Exchange",
			"addr":     target,
			"error":    err.Error(),
		}).Error("Handshake connect failed")
		return nil, &ConnectError{Op: "dial", Addr: target, Err: err}
	}
	defer conn.Close()

	if o.ioTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(o.ioTimeout))
	}

	if err := WriteDescriptor(conn, own); err != nil {
		return nil, fmt.Errorf("send descriptor to %s: %w", target, err)
	}

	peer, err := ReadDescriptor(conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Exchange",
			"addr":     target,
			"error":    err.Error(),
		}).Error("Failed to read peer descriptor")
		return nil, fmt.Errorf("read descriptor from %s: %w", target, err)
	}

	variant, err := SelectVariant(peer)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Exchange",
			"addr":        target,
			"device_type": string(peer.DeviceType),
			"os":          peer.OS,
		}).Error("Peer device type not supported")
		return nil, err
	}

	host, _, _ := net.SplitHostPort(target)
	logrus.WithFields(logrus.Fields{
		"function":    "Exchange",
		"addr":        target,
		"device_type": string(peer.DeviceType),
		"os":          peer.OS,
		"variant":     variant.Name,
		"port":        variant.Port,
	}).Info("Handshake complete")

	return &Result{Peer: peer, Variant: variant, Addr: host}, nil
}

// Respond runs the receiving side of a handshake on conn: it reads the
// sender's descriptor, then answers with own. conn is left open.
func Respond(conn net.Conn, own Descriptor) (Descriptor, error) {
	peer, err := ReadDescriptor(conn)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	if err := WriteDescriptor(conn, own); err != nil {
		return Descriptor{}, fmt.Errorf("send descriptor: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Respond",
		"remote_addr": conn.RemoteAddr().String(),
		"device_type": string(peer.DeviceType),
		"os":          peer.OS,
	}).Info("Answered handshake")
	return peer, nil
}

// Listen opens the handshake listener on host and the configured port.
func Listen(host string, opts ...Option) (net.Listener, error) {
	o := buildOptions(opts)
	addr := net.JoinHostPort(host, strconv.Itoa(o.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// Peer is a sender that completed a handshake with this receiver.
type Peer struct {
	Addr       string
	Descriptor Descriptor
}

// Accept waits for one handshake on ln, answers it with own and closes
// the connection. It returns when ctx is done.
func Accept(ctx context.Context, ln net.Listener, own Descriptor, opts ...Option) (*Peer, error) {
	o := buildOptions(opts)
	tcp, pollable := ln.(*net.TCPListener)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if pollable {
			_ = tcp.SetDeadline(time.Now().Add(acceptPoll))
		}

		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return nil, fmt.Errorf("accept handshake: %w", err)
		}

		peer, err := respondOnce(conn, own, o)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "Accept",
				"remote_addr": conn.RemoteAddr().String(),
				"error":       err.Error(),
			}).Warn("Handshake failed, waiting for another sender")
			continue
		}
		return peer, nil
	}
}

func respondOnce(conn net.Conn, own Descriptor, o options) (*Peer, error) {
	defer conn.Close()
	if o.ioTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(o.ioTimeout))
	}

	desc, err := Respond(conn, own)
	if err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	return &Peer{Addr: host, Descriptor: desc}, nil
}
