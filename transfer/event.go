package transfer

import (
	"fmt"
	"time"
)

// EventKind identifies what an Event reports.
type EventKind uint8

const (
	// EventItemStarted is emitted when an item's header is written.
	EventItemStarted EventKind = iota
	// EventProgress is emitted as an item's payload is written.
	EventProgress
	// EventItemDone is emitted after an item is fully flushed.
	EventItemDone
	// EventItemFailed is emitted when an item is skipped or aborts the session.
	EventItemFailed
	// EventHalted is emitted once, after the halt frame.
	EventHalted
)

// String returns the kind's name.
func (k EventKind) String() string {
	switch k {
	case EventItemStarted:
		return "item_started"
	case EventProgress:
		return "progress"
	case EventItemDone:
		return "item_done"
	case EventItemFailed:
		return "item_failed"
	case EventHalted:
		return "halted"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event reports session progress. Percent is the item's progress in
// [0,100]; SessionBytes and Rate describe the whole session.
type Event struct {
	Kind         EventKind
	Index        int
	Path         string
	Percent      int
	ItemBytes    uint64
	ItemTotal    uint64
	SessionBytes uint64
	SessionTotal uint64
	// Rate is the session's average throughput in bytes per second.
	Rate float64
	Err  error
	Time time.Time
}

// ItemResult records the outcome of one item.
type ItemResult struct {
	Index     int
	Path      string
	WirePath  string
	Bytes     uint64
	Encrypted bool
	Err       error
}

// Report summarises a session.
type Report struct {
	SessionID string
	Peer      string
	Variant   string
	Sent      []ItemResult
	Failed    []ItemResult
	Bytes     uint64
	Elapsed   time.Duration
	Halted    bool
}

// Partial reports whether any item was skipped or failed.
func (r *Report) Partial() bool {
	return len(r.Failed) > 0
}
