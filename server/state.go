package server

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"

	"campus-rpc/message"
)

// ErrConnClosed is returned when a closed connection state is used.
const ErrConnClosed = errors.ConstError("connection closed")

// Phase is the authentication phase of one connection.
//
//	ANONYMOUS ──login──▶ AUTHENTICATED ──logout──▶ INVALIDATED
//	    │                     │   ▲                    │
//	    └─────────────────────┴───┴──────login─────────┘
//	any ──socket close──▶ CLOSED
type Phase int

const (
	PhaseAnonymous Phase = iota
	PhaseAuthenticated
	PhaseInvalidated
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAnonymous:
		return "ANONYMOUS"
	case PhaseAuthenticated:
		return "AUTHENTICATED"
	case PhaseInvalidated:
		return "INVALIDATED"
	case PhaseClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// ConnState is the state owned by one connection: its Session and phase.
//
// Only the connection's own goroutine calls Stamp, Apply and Close. The
// mutex lets diagnostics read the state from elsewhere.
type ConnState struct {
	ID         uint64
	RemoteAddr string
	Opened     time.Time

	idle time.Duration

	mu      sync.Mutex
	session *message.Session
	phase   Phase
}

// NewConnState returns the state of a freshly accepted connection with an
// anonymous session.
func NewConnState(id uint64, remoteAddr string, now time.Time, idle time.Duration) *ConnState {
	return &ConnState{
		ID:         id,
		RemoteAddr: remoteAddr,
		Opened:     now,
		idle:       idle,
		session:    message.NewAnonymous(now),
		phase:      PhaseAnonymous,
	}
}

// Stamp attaches a copy of the owned session to req, then records the access
// on the owned session. The copy keeps the previous access time so the
// authorization check sees how long the session was idle.
func (c *ConnState) Stamp(req *message.Request, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosed {
		return ErrConnClosed
	}
	req.Session = c.session.Clone()
	c.session.Touch(now, c.idle)
	return nil
}

// Apply adopts the session carried by resp, if any.
func (c *ConnState) Apply(resp *message.Response) {
	if resp.Session == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosed {
		return
	}
	c.session = resp.Session.Clone()
	if c.session.Authenticated() {
		c.phase = PhaseAuthenticated
	} else {
		c.phase = PhaseInvalidated
	}
}

// Close invalidates the session. The state is terminal afterwards.
func (c *ConnState) Close(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosed {
		return
	}
	c.session = c.session.Invalidated(now)
	c.phase = PhaseClosed
}

// Phase returns the current phase.
func (c *ConnState) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Session returns a copy of the owned session.
func (c *ConnState) Session() *message.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

// ConnInfo describes a live connection for diagnostics.
type ConnInfo struct {
	ID         uint64    `json:"id"`
	RemoteAddr string    `json:"remoteAddr"`
	Opened     time.Time `json:"opened"`
	Phase      string    `json:"phase"`
	UserName   string    `json:"userName,omitempty"`
}

// Info summarizes the state.
func (c *ConnState) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{
		ID:         c.ID,
		RemoteAddr: c.RemoteAddr,
		Opened:     c.Opened,
		Phase:      c.phase.String(),
		UserName:   c.session.UserName,
	}
}

func sortConnInfo(infos []ConnInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
}
