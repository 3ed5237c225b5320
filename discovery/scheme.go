package discovery

import (
	"fmt"
	"strings"
)

const (
	// ProbeMessage is broadcast by a sender looking for receivers.
	ProbeMessage = "DISCOVER"

	// ResponsePrefix starts every receiver answer; the display name follows it.
	ResponsePrefix = "RECEIVER:"

	// DefaultMaxIterations bounds a broadcast run.
	DefaultMaxIterations = 120

	maxDatagram = 1024
)

// Scheme names the UDP ports used by one generation of the discovery
// protocol. Every scheme shares the same message formats.
type Scheme struct {
	Version      string
	ProbePort    int
	ResponsePort int
}

var (
	// SchemeV1 is the current discovery scheme.
	SchemeV1 = Scheme{Version: "v1", ProbePort: 49185, ResponsePort: 49186}

	// LegacyScheme is spoken by older peers.
	LegacyScheme = Scheme{Version: "legacy", ProbePort: 12345, ResponsePort: 12346}
)

// SchemeByName returns the preset scheme with the given version name.
func SchemeByName(name string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SchemeV1.Version:
		return SchemeV1, nil
	case LegacyScheme.Version:
		return LegacyScheme, nil
	default:
		return Scheme{}, fmt.Errorf("unknown discovery scheme %q", name)
	}
}

// String returns a printable form of the scheme.
func (s Scheme) String() string {
	return fmt.Sprintf("%s(probe=%d,response=%d)", s.Version, s.ProbePort, s.ResponsePort)
}

// ParseResponse extracts the display name from a receiver answer. The
// datagram is trimmed of surrounding whitespace first.
func ParseResponse(data []byte) (string, bool) {
	msg := strings.TrimSpace(string(data))
	if !strings.HasPrefix(msg, ResponsePrefix) {
		return "", false
	}
	return strings.TrimPrefix(msg, ResponsePrefix), true
}

// IsProbe reports whether data is a discovery probe.
func IsProbe(data []byte) bool {
	return strings.TrimSpace(string(data)) == ProbeMessage
}
