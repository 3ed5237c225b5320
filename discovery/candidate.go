package discovery

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const updatesBuffer = 64

// Candidate is a receiver that answered a probe.
type Candidate struct {
	Address     string
	DisplayName string
}

// CandidateList is the live, deduplicated list of discovered receivers. It
// also carries the discovering flag shared by the collector loop and the
// caller that eventually selects a candidate.
type CandidateList struct {
	mu          sync.RWMutex
	items       []Candidate
	seen        map[Candidate]struct{}
	updates     chan Candidate
	discovering atomic.Bool
}

// NewCandidateList creates an empty list.
func NewCandidateList() *CandidateList {
	return &CandidateList{
		seen:    make(map[Candidate]struct{}),
		updates: make(chan Candidate, updatesBuffer),
	}
}

// Add appends c unless the same address and name pair is already present.
// Returns true when c was new.
func (l *CandidateList) Add(c Candidate) bool {
	l.mu.Lock()
	if _, dup := l.seen[c]; dup {
		l.mu.Unlock()
		return false
	}
	l.seen[c] = struct{}{}
	l.items = append(l.items, c)
	l.mu.Unlock()

	select {
	case l.updates <- c:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "CandidateList.Add",
			"address":  c.Address,
		}).Warn("Candidate update dropped, consumer not keeping up")
	}
	return true
}

// Snapshot returns the candidates in arrival order.
func (l *CandidateList) Snapshot() []Candidate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Candidate, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of candidates.
func (l *CandidateList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Updates delivers each new candidate once, in arrival order.
func (l *CandidateList) Updates() <-chan Candidate {
	return l.updates
}

// Select returns the candidate with the given address and stops discovery.
// The flag is cleared even when no candidate matches.
func (l *CandidateList) Select(address string) (Candidate, bool) {
	l.discovering.Store(false)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.items {
		if c.Address == address {
			return c, true
		}
	}
	return Candidate{}, false
}

// Find returns the first candidate whose address or display name matches.
func (l *CandidateList) Find(nameOrAddr string) (Candidate, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.items {
		if c.Address == nameOrAddr || c.DisplayName == nameOrAddr {
			return c, true
		}
	}
	return Candidate{}, false
}

// Reset empties the list for a new discovery run. Pending updates are
// drained. Discovery.Refresh calls it between passes.
func (l *CandidateList) Reset() {
	l.mu.Lock()
	l.items = nil
	l.seen = make(map[Candidate]struct{})
	l.mu.Unlock()

	for {
		select {
		case <-l.updates:
		default:
			return
		}
	}
}

// Discovering reports whether collection is still running.
func (l *CandidateList) Discovering() bool {
	return l.discovering.Load()
}

func (l *CandidateList) setDiscovering(v bool) {
	l.discovering.Store(v)
}
