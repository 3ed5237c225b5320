// Package discovery finds DataDash receivers on the local network.
//
// A sender runs a [Broadcaster], which sends the literal probe "DISCOVER"
// to the broadcast address once per second, at most 120 times. Receivers
// run a [Responder] bound to the probe port, which answers
// "RECEIVER:<name>" to the sender's address on the response port. The
// sender's [Collector] gathers those answers into a [CandidateList],
// deduplicated on address and name and kept in arrival order.
//
//	list := discovery.NewCandidateList()
//	col := discovery.NewCollector(discovery.SchemeV1, list)
//	if err := col.Start(); err != nil {
//	    return err
//	}
//	defer col.Stop()
//
//	b := discovery.NewBroadcaster(discovery.SchemeV1)
//	_ = b.Start()
//	defer b.Stop()
//
//	for c := range list.Updates() {
//	    fmt.Println(c.DisplayName, c.Address)
//	}
//
// # Schemes
//
// The port pair is described by a [Scheme]. [SchemeV1] (49185/49186) is
// current; [LegacyScheme] (12345/12346) is spoken by older peers. Both go
// through the same code paths.
//
// # Cancellation
//
// Collection runs while the list's discovering flag is set. [CandidateList.Select]
// and [Collector.Stop] clear it; Stop also closes the socket so a blocked
// read returns immediately. Socket failures are logged as [SocketError] and
// end the affected loop without retry.
package discovery
