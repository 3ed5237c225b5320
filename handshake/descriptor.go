package handshake

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// DeviceType identifies the peer implementation family.
type DeviceType string

const (
	// DevicePython is the desktop peer.
	DevicePython DeviceType = "python"
	// DeviceJava is the Android peer.
	DeviceJava DeviceType = "java"
	// DeviceSwift is an Apple peer. No transfer variant exists for it.
	DeviceSwift DeviceType = "swift"
)

// Descriptor is the capability document both sides exchange.
type Descriptor struct {
	DeviceType DeviceType `json:"device_type"`
	OS         string     `json:"os"`
}

// DefaultDescriptor describes this process as a desktop peer.
func DefaultDescriptor() Descriptor {
	return Descriptor{DeviceType: DevicePython, OS: osName(runtime.GOOS)}
}

func osName(goos string) string {
	switch goos {
	case "windows":
		return "Windows"
	case "darwin":
		return "Darwin"
	case "linux":
		return "Linux"
	case "android":
		return "Android"
	default:
		return goos
	}
}

// Marshal encodes the descriptor as JSON.
func (d Descriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// ParseDescriptor decodes a descriptor. Unknown fields are ignored.
func ParseDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	return d, nil
}

// Variant is a transfer protocol flavour, chosen by the peer's device type.
type Variant struct {
	Name       string
	DeviceType DeviceType
	Port       int
}

var (
	// VariantA talks to desktop peers.
	VariantA = Variant{Name: "A", DeviceType: DevicePython, Port: 57341}

	// VariantB talks to Android peers.
	VariantB = Variant{Name: "B", DeviceType: DeviceJava, Port: 63152}
)

// SelectVariant picks the transfer variant from the peer's device type
// alone; the os field is informational.
func SelectVariant(peer Descriptor) (Variant, error) {
	switch peer.DeviceType {
	case DevicePython:
		return VariantA, nil
	case DeviceJava:
		return VariantB, nil
	default:
		return Variant{}, fmt.Errorf("%w: %q", ErrUnsupportedDevice, peer.DeviceType)
	}
}

// VariantForDevice returns the variant a receiver of the given type listens on.
func VariantForDevice(t DeviceType) (Variant, error) {
	return SelectVariant(Descriptor{DeviceType: t})
}
