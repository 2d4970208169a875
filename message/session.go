package message

import (
	"slices"
	"time"
)

// DefaultIdleTimeout is how long a session may go unused before it expires.
const DefaultIdleTimeout = 30 * time.Minute

// Session is the authenticated identity bound to one connection.
//
// The server owns the instance for a connection; everything else only ever
// sees clones. Roles are kept sorted and free of duplicates.
type Session struct {
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName"`
	Roles          []string  `json:"roles"`
	CreateTime     time.Time `json:"createTime"`
	LastAccessTime time.Time `json:"lastAccessTime"`
	Active         bool      `json:"active"`
}

// NewAnonymous returns the session every connection starts with.
func NewAnonymous(now time.Time) *Session {
	return &Session{
		Roles:          []string{},
		CreateTime:     now,
		LastAccessTime: now,
	}
}

// NewAuthenticated returns an active session for a logged in user.
func NewAuthenticated(userID, userName string, roles []string, now time.Time) *Session {
	return &Session{
		UserID:         userID,
		UserName:       userName,
		Roles:          normalizeRoles(roles),
		CreateTime:     now,
		LastAccessTime: now,
		Active:         true,
	}
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Clone returns a deep copy of s. Cloning nil yields nil.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Roles = slices.Clone(s.Roles)
	return &c
}

// Invalidated returns a copy of s that grants nothing, as produced by logout.
func (s *Session) Invalidated(now time.Time) *Session {
	c := s.Clone()
	if c == nil {
		c = NewAnonymous(now)
	}
	c.Active = false
	c.Roles = []string{}
	c.LastAccessTime = now
	return c
}

// Expired reports whether the session has been idle longer than idle.
// A non-positive idle disables expiry.
func (s *Session) Expired(now time.Time, idle time.Duration) bool {
	if s == nil || idle <= 0 {
		return false
	}
	return now.Sub(s.LastAccessTime) > idle
}

// Touch records an access. An expired session stays expired.
func (s *Session) Touch(now time.Time, idle time.Duration) {
	if s == nil || s.Expired(now, idle) {
		return
	}
	s.LastAccessTime = now
}

// HasRole reports whether role is in the session's role set.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	_, found := slices.BinarySearch(s.Roles, role)
	if !found {
		// Sessions decoded from the wire are not guaranteed to be sorted.
		return slices.Contains(s.Roles, role)
	}
	return true
}

// Authenticated reports whether s carries a real identity.
func (s *Session) Authenticated() bool {
	return s != nil && s.Active && len(s.Roles) > 0
}
