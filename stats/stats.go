// Package stats keeps server diagnostics: request counters per URI and per
// status, connection counts and rejected frames.
//
// Counters are only ever updated with atomic operations. The per-URI table is
// a sync.Map of counters: after the first request for a URI the hot path is a
// lock-free load plus an atomic add. Nothing here gates request handling.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"campus-rpc/message"
)

const cacheLineSize = 64

type paddedCounter struct {
	value atomic.Uint64
	_     [cacheLineSize - 8]byte
}

// Stats is the diagnostics sink shared by every connection of a server.
type Stats struct {
	clock clock.Clock

	started time.Time
	resetAt atomic.Int64 // unix nanos

	requests  paddedCounter
	malformed paddedCounter
	accepted  paddedCounter
	active    atomic.Int64

	byURI    sync.Map         // string → *atomic.Uint64
	byStatus [6]paddedCounter // indexed like message.Statuses
}

// New returns zeroed statistics. A nil clock selects the wall clock.
func New(clk clock.Clock) *Stats {
	if clk == nil {
		clk = clock.WallClock
	}
	now := clk.Now()
	s := &Stats{clock: clk, started: now}
	s.resetAt.Store(now.UnixNano())
	return s
}

func statusIndex(status message.Status) int {
	for i, known := range message.Statuses {
		if known == status {
			return i
		}
	}
	return -1
}

// RequestReceived counts one decoded request for uri.
func (s *Stats) RequestReceived(uri string) {
	s.requests.value.Add(1)
	c, ok := s.byURI.Load(uri)
	if !ok {
		c, _ = s.byURI.LoadOrStore(uri, new(atomic.Uint64))
	}
	c.(*atomic.Uint64).Add(1)
}

// ResponseSent counts one response by status.
func (s *Stats) ResponseSent(status message.Status) {
	if i := statusIndex(status); i >= 0 {
		s.byStatus[i].value.Add(1)
	}
}

// FrameRejected counts one frame dropped at the decode boundary.
func (s *Stats) FrameRejected() {
	s.malformed.value.Add(1)
}

// ConnectionOpened counts an accepted connection.
func (s *Stats) ConnectionOpened() {
	s.accepted.value.Add(1)
	s.active.Add(1)
}

// ConnectionClosed records that a connection went away.
func (s *Stats) ConnectionClosed() {
	s.active.Add(-1)
}

// Reset zeroes every counter except the active connection gauge.
func (s *Stats) Reset() {
	s.requests.value.Store(0)
	s.malformed.value.Store(0)
	s.accepted.value.Store(0)
	for i := range s.byStatus {
		s.byStatus[i].value.Store(0)
	}
	s.byURI.Range(func(_, v any) bool {
		v.(*atomic.Uint64).Store(0)
		return true
	})
	s.resetAt.Store(s.clock.Now().UnixNano())
}

// Snapshot is a point-in-time copy of the counters. Individual counters are
// read atomically; the snapshot as a whole is not a consistent cut.
type Snapshot struct {
	Started             time.Time                 `json:"started"`
	Since               time.Time                 `json:"since"`
	Requests            uint64                    `json:"requests"`
	ByURI               map[string]uint64         `json:"byUri"`
	ByStatus            map[message.Status]uint64 `json:"byStatus"`
	MalformedFrames     uint64                    `json:"malformedFrames"`
	ConnectionsAccepted uint64                    `json:"connectionsAccepted"`
	ConnectionsActive   int64                     `json:"connectionsActive"`
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Started:             s.started,
		Since:               time.Unix(0, s.resetAt.Load()),
		Requests:            s.requests.value.Load(),
		ByURI:               make(map[string]uint64),
		ByStatus:            make(map[message.Status]uint64, len(message.Statuses)),
		MalformedFrames:     s.malformed.value.Load(),
		ConnectionsAccepted: s.accepted.value.Load(),
		ConnectionsActive:   s.active.Load(),
	}
	s.byURI.Range(func(k, v any) bool {
		snap.ByURI[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	for i, status := range message.Statuses {
		snap.ByStatus[status] = s.byStatus[i].value.Load()
	}
	return snap
}

// URIs returns the URIs in the snapshot sorted by descending count, then name.
func (snap Snapshot) URIs() []string {
	uris := make([]string, 0, len(snap.ByURI))
	for uri := range snap.ByURI {
		uris = append(uris, uri)
	}
	sort.Slice(uris, func(i, j int) bool {
		ci, cj := snap.ByURI[uris[i]], snap.ByURI[uris[j]]
		if ci != cj {
			return ci > cj
		}
		return uris[i] < uris[j]
	})
	return uris
}
