// Package core provides the fundamental building blocks of the orm unit of work.
// This file defines the narrow contracts through which the Session talks to
// the outside world: per-entity persisters, persister providers, and the
// transaction boundary.
package core

import "context"

// Identifier is the ordered identifier value tuple of one entity. Scalar keys
// have a single element; composite keys follow the order declared with ID.
type Identifier []any

// LockMode selects the lock enforcement a persister applies.
type LockMode int

const (
	// LockNone applies no lock.
	LockNone LockMode = iota
	// LockOptimistic verifies the entity's version against an expected value.
	LockOptimistic
	// LockPessimisticRead takes a shared row lock.
	LockPessimisticRead
	// LockPessimisticWrite takes an exclusive row lock.
	LockPessimisticWrite
)

// Persister performs row-level writes for one entity type. Implementations
// live in the driver packages; the Session never builds SQL or documents
// itself.
//
// All methods honor a Transaction carried in the context (see
// WithTransaction); the Session wraps every commit in one.
type Persister interface {
	// Insert writes a new row for the entity and returns the generated
	// identifier, or nil when the entity's identifier was assigned up front.
	Insert(ctx context.Context, entity any) (Identifier, error)
	// Update applies the given change set. expectedVersion is the optimistic
	// version to check against, or zero for unversioned entities; a mismatch
	// fails with an error unwrapping to ErrLockConflict.
	Update(ctx context.Context, entity any, changes ChangeSet, expectedVersion int64) error
	// Delete removes the entity's row.
	Delete(ctx context.Context, entity any) error
	// Exists reports whether a row with the given identifier is present.
	Exists(ctx context.Context, id Identifier) (bool, error)
	// Load reads the row with the given identifier as a column-keyed map, or
	// nil when no such row exists. Used by Refresh.
	Load(ctx context.Context, id Identifier) (map[string]any, error)
	// Lock enforces the requested lock mode on the entity's row.
	Lock(ctx context.Context, entity any, mode LockMode, version int64) error
}

// PersisterProvider hands out persisters per entity type and opens the
// transaction boundary a commit runs inside.
type PersisterProvider interface {
	PersisterFor(meta *EntityMeta) (Persister, error)
	Transaction(ctx context.Context) (Transaction, error)
}

// Transaction is the external transactional boundary of one commit. Rollback
// of already-written rows is its responsibility, not the Session's.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
