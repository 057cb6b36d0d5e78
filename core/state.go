// Package core provides the fundamental building blocks of the orm unit of work.
// This file defines the lifecycle states an entity moves through while tracked
// by a Session.
package core

// EntityState is the lifecycle state of an entity relative to one Session.
//
// The transition graph is:
//
//	NEW ──persist──▶ MANAGED ──remove──▶ REMOVED ──commit──▶ (untracked)
//	                    │                   │
//	                    │                persist
//	                  detach                ▼
//	                    ▼                MANAGED
//	                 DETACHED
//
// MANAGED is the only state from which commit-driven writes occur.
type EntityState int

const (
	// StateNew marks an entity that was constructed but is not yet tracked.
	StateNew EntityState = iota
	// StateManaged marks a tracked entity synchronized with a persisted row,
	// or pending its first insert.
	StateManaged
	// StateRemoved marks a tracked entity scheduled for deletion. It stays in
	// the identity map until the owning commit executes the delete.
	StateRemoved
	// StateDetached marks an entity that was managed and is no longer tracked.
	// Reusing a detached entity with the same Session is invalid.
	StateDetached
)

// String returns the conventional upper-case name of the state.
func (state EntityState) String() string {
	switch state {
	case StateNew:
		return "NEW"
	case StateManaged:
		return "MANAGED"
	case StateRemoved:
		return "REMOVED"
	case StateDetached:
		return "DETACHED"
	default:
		return "UNKNOWN"
	}
}
