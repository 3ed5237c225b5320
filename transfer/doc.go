// Package transfer moves a manifest and its files over one TCP connection.
//
// Every item is a frame:
//
//	[flag: 8 ASCII bytes][path length: u64 LE][path][payload length: u64 LE][payload]
//
// The flag is "encyp: f" for plain items and "encyp: t" for ciphertext,
// whose path carries the ".crypt" suffix. The first item is always the
// manifest, sent plain as "metadata.json". A lone "encyp: h" flag ends
// the session.
//
// A [Session] is the sending side. Items are prepared (opened, and
// encrypted when enabled) by a small worker pool while a single writer
// puts them on the socket in manifest order:
//
//	s := transfer.NewSession(transfer.SessionConfig{
//	    Peer:    "192.168.1.20",
//	    Variant: res.Variant,
//	})
//	report, err := s.Run(ctx, m)
//
// Items that cannot be prepared are skipped and listed in [Report.Failed];
// the halt frame is still sent. A failure once an item's bytes are on the
// wire aborts the session with an [*ItemError] and no halt.
//
// [Receiver] is the inbound side. It recreates the folder structure under
// its destination, never overwrites existing files, and decrypts ".crypt"
// items after the halt frame when it holds the password.
package transfer
