// Package core provides the fundamental building blocks of the orm unit of work.
// This file defines the error taxonomy shared by every component: sentinel kinds
// checked with errors.Is, and typed detail errors inspected with errors.As.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds. Every failure produced by the unit of work unwraps to
// exactly one of these, so callers can classify errors without matching on
// message text:
//
//	if errors.Is(err, core.ErrMissingAssociation) { ... }
var (
	// ErrInvalidArgument covers bad identifiers, invalid association values,
	// and nil entities passed to operations that require one.
	ErrInvalidArgument = errors.New("orm: invalid argument")
	// ErrIllegalState covers operations invoked on an entity outside the
	// lifecycle state the operation requires.
	ErrIllegalState = errors.New("orm: illegal state")
	// ErrDuplicateIdentity is an identity-map collision: two distinct live
	// objects claiming the same (entity type, identifier) slot.
	ErrDuplicateIdentity = errors.New("orm: duplicate identity")
	// ErrUnresolvableDependency is a true ordering cycle among required
	// (non-nullable) references between scheduled operations.
	ErrUnresolvableDependency = errors.New("orm: unresolvable dependency")
	// ErrMissingAssociation is a non-cascaded association still pointing at a
	// never-persisted entity when the commit executes.
	ErrMissingAssociation = errors.New("orm: missing association")
	// ErrLockConflict is a version or lock mismatch surfaced from a persister.
	ErrLockConflict = errors.New("orm: lock conflict")
)

// DuplicateIdentityError reports an identity-map slot already occupied by a
// different live entity.
type DuplicateIdentityError struct {
	Entity string // entity type name
	IDHash string // identifier hash of the contested slot
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("%s: %s already tracks a different instance for identifier %q",
		ErrDuplicateIdentity.Error(), e.Entity, e.IDHash)
}

func (e *DuplicateIdentityError) Unwrap() error { return ErrDuplicateIdentity }

// InvalidIdentifierError reports an identifier field that is nil (unset) at a
// point where the full identifier is required. An empty string is a legal
// identifier value; nil is not.
type InvalidIdentifierError struct {
	Entity string
	Field  string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("%s: identifier field %s.%s is unset",
		ErrInvalidArgument.Error(), e.Entity, e.Field)
}

func (e *InvalidIdentifierError) Unwrap() error { return ErrInvalidArgument }

// IllegalStateError reports an operation applied to an entity whose current
// lifecycle state does not permit it.
type IllegalStateError struct {
	Entity    string
	State     EntityState
	Operation string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("%s: cannot %s %s entity in state %s",
		ErrIllegalState.Error(), e.Operation, e.Entity, e.State)
}

func (e *IllegalStateError) Unwrap() error { return ErrIllegalState }

// DependencyCycleError reports a cycle of required references among scheduled
// operations that no valid execution order can satisfy. Breaking such a cycle
// is a schema decision (make one of the references nullable), not something
// the unit of work can do on its own.
type DependencyCycleError struct {
	MemberList []string // entity type names participating in the cycle
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("%s: required references form a cycle between %s",
		ErrUnresolvableDependency.Error(), strings.Join(e.MemberList, ", "))
}

func (e *DependencyCycleError) Unwrap() error { return ErrUnresolvableDependency }

// MissingAssociationError reports a dangling reference found at commit time: an
// association without a persist cascade still pointing at a NEW entity that no
// cascading path reached.
type MissingAssociationError struct {
	Owner       string // owning entity type name
	Association string // field name of the dangling association
	Target      string // target entity type name
}

func (e *MissingAssociationError) Error() string {
	return fmt.Sprintf("%s: %s.%s references a new %s entity that is not scheduled for insertion; persist it explicitly or add a persist cascade",
		ErrMissingAssociation.Error(), e.Owner, e.Association, e.Target)
}

func (e *MissingAssociationError) Unwrap() error { return ErrMissingAssociation }

// LockConflictError reports an optimistic version mismatch or a failed lock
// acquisition.
type LockConflictError struct {
	Entity   string
	Expected int64
	Actual   int64
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("%s: %s expected version %d, found %d",
		ErrLockConflict.Error(), e.Entity, e.Expected, e.Actual)
}

func (e *LockConflictError) Unwrap() error { return ErrLockConflict }

// InvalidAssociationError reports an association holding a value the mapping
// does not allow: a wrong target type, a non-collection value on a to-many
// association, or a removed entity reached through a persist cascade.
type InvalidAssociationError struct {
	Entity string
	Path   string // dotted relation path from the persist root
	Reason string
}

func (e *InvalidAssociationError) Error() string {
	return fmt.Sprintf("%s: association %s on %s: %s",
		ErrInvalidArgument.Error(), e.Path, e.Entity, e.Reason)
}

func (e *InvalidAssociationError) Unwrap() error { return ErrInvalidArgument }
