// Package handshake exchanges capability descriptors between a DataDash
// sender and receiver and selects the transfer variant.
//
// Each side sends one message framed as an 8-byte little-endian length
// followed by a JSON [Descriptor]:
//
//	{"device_type": "python", "os": "Linux"}
//
// The sender calls [Exchange], which writes first and then reads. The
// receiver calls [Respond] (or [Accept] on a [Listen]er), which reads
// first and then writes. The variant is chosen from the peer's
// device_type alone: "python" selects [VariantA] and "java" selects
// [VariantB]. Any other value fails with [ErrUnsupportedDevice].
//
//	res, err := handshake.Exchange(ctx, "192.168.1.20", handshake.DefaultDescriptor())
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.Variant.Port)
//
// A dial failure is a [*ConnectError]; a peer that closes mid-message
// produces a [*TruncatedReadError]. Declared lengths are bounded by
// limits.MaxHandshakeMessage.
package handshake
