// Package limits provides centralized size limits for the DataDash wire
// protocol. Every length prefix read from the network is untrusted and must
// be checked against one of these limits before memory is allocated for it.
//
// # Size Hierarchy
//
//   - MaxPathLength (4096 bytes): the UTF-8 relative path carried by every
//     transfer frame. This matches PATH_MAX on common platforms.
//
//   - MaxHandshakeMessage (64 KiB): the JSON capability descriptor exchanged
//     during the handshake. Real descriptors are well under 100 bytes.
//
//   - MaxManifestSize (64 MiB): the manifest document, which the receiver
//     buffers in memory before parsing.
//
// Payload lengths are not capped: payloads are streamed to disk in fixed
// ChunkSize pieces and never buffered whole.
//
// # Validation Functions
//
// Each validation function rejects a zero length and any length larger than
// its limit:
//
//	if err := limits.ValidateHandshakeLength(n); err != nil {
//	    // errors.Is(err, limits.ErrLengthTooLarge) or limits.ErrLengthEmpty
//	}
//
// For custom limits, use ValidateLength directly.
package limits
