// Package auth holds the authorization predicate consulted before every
// handler invocation.
package auth

import (
	"time"

	"campus-rpc/message"
)

// Well known roles.
const (
	// RoleAnonymous is granted to everybody, including connections that
	// never logged in.
	RoleAnonymous = "anonymous"

	// RoleAdmin satisfies any role check.
	RoleAdmin = "admin"

	RoleStudent = "student"
	RoleTeacher = "teacher"
)

// Policy evaluates role checks against sessions. The zero value uses
// message.DefaultIdleTimeout.
type Policy struct {
	// IdleTimeout is the idle window after which a session stops granting
	// roles. Negative disables expiry.
	IdleTimeout time.Duration
}

// Idle returns the effective idle window. Anything that refreshes or
// expires sessions must use it so grants and expiry agree.
func (p Policy) Idle() time.Duration {
	if p.IdleTimeout == 0 {
		return message.DefaultIdleTimeout
	}
	return p.IdleTimeout
}

// HasPermission reports whether s may access something guarded by
// requiredRole at instant now.
func (p Policy) HasPermission(s *message.Session, requiredRole string, now time.Time) bool {
	if requiredRole == RoleAnonymous {
		return true
	}
	if s == nil || !s.Active || len(s.Roles) == 0 {
		return false
	}
	if s.Expired(now, p.Idle()) {
		return false
	}
	return s.HasRole(requiredRole) || s.HasRole(RoleAdmin)
}

// EffectiveRoles lists the roles s actually grants at now. Sessions that
// grant nothing yield just RoleAnonymous.
func (p Policy) EffectiveRoles(s *message.Session, now time.Time) []string {
	if s == nil || !s.Active || len(s.Roles) == 0 || s.Expired(now, p.Idle()) {
		return []string{RoleAnonymous}
	}
	return append([]string(nil), s.Roles...)
}

// HasPermission applies the default policy.
func HasPermission(s *message.Session, requiredRole string, now time.Time) bool {
	return Policy{}.HasPermission(s, requiredRole, now)
}
