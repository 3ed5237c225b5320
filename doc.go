// Package datadash sends files and folders between peers on a local
// network.
//
// A transfer has four phases, each in its own package:
//
//   - discovery: the sender broadcasts "DISCOVER" and collects
//     "RECEIVER:<name>" answers into a candidate list.
//   - handshake: the sender and the chosen receiver swap capability
//     descriptors; the receiver's device type selects the transfer variant.
//   - manifest: the selection is walked into an ordered manifest document.
//   - transfer: the manifest and every item are framed onto one TCP
//     connection, optionally encrypted, and closed with a halt frame.
//
// This package wires them together.
//
// # Sending
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	opts := datadash.NewOptions(cfg)
//	sender := datadash.NewSender(opts)
//
//	d, err := sender.Discover()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	peer, err := d.WaitFor(ctx, "living-room")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	m, err := sender.BuildManifest([]string{"/home/me/docs"}, true)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, err := sender.Send(ctx, peer.Address, m)
//
// Use [Sender.Connect] instead of [Sender.Send] to subscribe to the
// session's progress events before it runs.
//
// # Receiving
//
//	opts := datadash.NewOptions(cfg)
//	opts.Dest = "/home/me/Downloads"
//	r := datadash.NewReceiver(opts)
//	if err := r.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	got, err := r.ReceiveOnce(ctx)
//
// # Encryption
//
// When the configuration enables encryption every item except the manifest
// is sent as salt | iv | AES-256-CBC ciphertext under a PBKDF2-derived key,
// with ".crypt" appended to its path. Receivers given the same password
// decrypt after the transfer completes.
package datadash
